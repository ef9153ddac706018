// Package idempotency lets clients safely retry mutating requests. The
// first request carrying a given Idempotency-Key executes normally and
// its response is recorded; retries with the same key replay the stored
// response instead of re-running the handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long completed records stay replayable.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored record.
type Status string

const (
	// StatusPending marks a key claimed by an in-flight request.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response is stored for replay.
	StatusCompleted Status = "completed"
)

// ClaimOutcome tells the middleware what to do after claiming a key.
type ClaimOutcome int

const (
	// ClaimAccepted means the key is new and the handler should run.
	ClaimAccepted ClaimOutcome = iota
	// ClaimReplayed means a stored response exists and must be replayed.
	ClaimReplayed
	// ClaimInFlight means another request holds the key right now.
	ClaimInFlight
)

// Claim is the result of Begin.
type Claim struct {
	Outcome ClaimOutcome
	Record  Record
}

// Record is the persisted state for one idempotency key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the handler output captured for later replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ErrFingerprintMismatch signals that a key was reused for a request
// with a different method, path, body, or caller.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// Store persists key claims and their recorded responses.
type Store interface {
	// Begin claims the key for the given fingerprint, or reports the
	// existing claim.
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	// Complete stores the response so retries can replay it.
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	// Abort drops the claim so the client may retry after a failure.
	Abort(ctx context.Context, key, fingerprint string) error
	// PurgeExpired removes up to limit expired records.
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// docID derives a stable document id from the scoped key. Hashing keeps
// arbitrary client input out of Firestore document names.
func docID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// Hop-by-hop and derived headers make no sense when replayed.
func storableHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	kept := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		switch canonical {
		case "Content-Length", "Date", "Connection", "Keep-Alive",
			"Proxy-Authenticate", "Proxy-Authorization",
			"Te", "Trailers", "Transfer-Encoding", "Upgrade":
			continue
		}
		kept[canonical] = append([]string(nil), values...)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
