package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lvdistribuidora/api/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "x-signature"
	defaultRequestIDHeader = "x-request-id"

	defaultSignatureSkew = 5 * time.Minute
)

// Logger captures the minimal logging surface needed by the validators.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder observes verification outcomes for dashboards and alerting.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to the MetricsRecorder interface.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// SecretProvider resolves shared secrets used for signature validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// SignatureValidator verifies Mercado Pago webhook signatures. The gateway
// signs each delivery with HMAC-SHA256 over a manifest assembled from the
// notified resource id, the request id header, and the timestamp embedded in
// the x-signature header.
type SignatureValidator struct {
	provider SecretProvider

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	requestIDHeader string

	clockSkew time.Duration

	secretCache sync.Map
}

// SignatureOption customises the validator.
type SignatureOption func(*SignatureValidator)

// NewSignatureValidator builds a validator using the given secret provider.
func NewSignatureValidator(provider SecretProvider, opts ...SignatureOption) *SignatureValidator {
	validator := &SignatureValidator{
		provider:        provider,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		requestIDHeader: defaultRequestIDHeader,
		clockSkew:       defaultSignatureSkew,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithSignatureLogger overrides the validator logger.
func WithSignatureLogger(logger Logger) SignatureOption {
	return func(v *SignatureValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithSignatureMetrics sets the metrics recorder.
func WithSignatureMetrics(metrics MetricsRecorder) SignatureOption {
	return func(v *SignatureValidator) {
		v.metrics = metrics
	}
}

// WithSignatureClock injects a custom clock, primarily for tests.
func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithSignatureHeaders customises the header names used by the middleware.
func WithSignatureHeaders(signature, requestID string) SignatureOption {
	return func(v *SignatureValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if requestID != "" {
			v.requestIDHeader = requestID
		}
	}
}

// WithSignatureClockSkew adjusts the accepted timestamp skew.
func WithSignatureClockSkew(d time.Duration) SignatureOption {
	return func(v *SignatureValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// SignatureMetadata describes the verification context for downstream handlers.
type SignatureMetadata struct {
	SecretName string
	Timestamp  time.Time
	ResourceID string
	RequestID  string
}

type signatureContextKey struct{}

// WithSignatureMetadata stores the metadata on the context.
func WithSignatureMetadata(ctx context.Context, meta *SignatureMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, signatureContextKey{}, meta)
}

// SignatureMetadataFromContext retrieves metadata from the context.
func SignatureMetadataFromContext(ctx context.Context) (*SignatureMetadata, bool) {
	meta, ok := ctx.Value(signatureContextKey{}).(*SignatureMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// RequireSignature enforces a valid gateway signature on the request.
func (v *SignatureValidator) RequireSignature(secretName string) func(http.Handler) http.Handler {
	scopedSecret := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			if scopedSecret == "" {
				v.record(ctx, false, "secret_not_configured", start)
				writeSignatureError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "webhook secret not configured")
				return
			}

			secret, err := v.loadSecret(ctx, scopedSecret)
			if err != nil {
				if v.logger != nil {
					v.logger.Printf("auth: webhook secret lookup failed: %v", err)
				}
				v.record(ctx, false, "secret_unavailable", start)
				writeSignatureError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "webhook secret unavailable")
				return
			}

			header := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			if header == "" {
				v.record(ctx, false, "signature_missing", start)
				writeSignatureError(ctx, w, http.StatusUnauthorized, "signature_missing", "signature header missing")
				return
			}

			ts, givenSignature, err := parseSignatureHeader(header)
			if err != nil {
				v.record(ctx, false, "signature_invalid", start)
				writeSignatureError(ctx, w, http.StatusUnauthorized, "signature_invalid", "signature header malformed")
				return
			}

			timestamp, err := parseSignatureTimestamp(ts)
			if err != nil {
				v.record(ctx, false, "timestamp_invalid", start)
				writeSignatureError(ctx, w, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
				return
			}

			if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				v.record(ctx, false, "timestamp_skew", start)
				writeSignatureError(ctx, w, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}

			resourceID, err := extractResourceID(r)
			if err != nil {
				v.record(ctx, false, "body_unreadable", start)
				writeSignatureError(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}

			requestID := strings.TrimSpace(r.Header.Get(v.requestIDHeader))
			manifest := buildSignatureManifest(resourceID, requestID, ts)

			expected := computeHMAC(secret, manifest)
			provided, err := hex.DecodeString(givenSignature)
			if err != nil || !hmac.Equal(provided, expected) {
				v.record(ctx, false, "signature_mismatch", start)
				writeSignatureError(ctx, w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			meta := &SignatureMetadata{
				SecretName: scopedSecret,
				Timestamp:  timestamp,
				ResourceID: resourceID,
				RequestID:  requestID,
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithSignatureMetadata(ctx, meta)))
		})
	}
}

func (v *SignatureValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	duration := v.now().Sub(start)
	v.metrics.RecordVerification(ctx, "webhook_signature", success, reason, duration)
}

func (v *SignatureValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

// parseSignatureHeader splits "ts=...,v1=..." into its parts.
func parseSignatureHeader(header string) (ts string, signature string, err error) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			signature = strings.TrimSpace(value)
		}
	}
	if ts == "" || signature == "" {
		return "", "", fmt.Errorf("auth: signature header missing ts or v1: %q", header)
	}
	return ts, signature, nil
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
	}
	// Milliseconds since epoch parse as an implausibly distant second count.
	if seconds > 1e12 {
		return time.UnixMilli(seconds).UTC(), nil
	}
	return time.Unix(seconds, 0).UTC(), nil
}

// extractResourceID prefers the data.id query parameter and falls back to the
// data.id field of the JSON body, restoring the body for the handler.
func extractResourceID(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.URL.Query().Get("data.id")); id != "" {
		return strings.ToLower(id), nil
	}

	if r.Body == nil {
		return "", nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))

	var payload struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(buf, &payload); err != nil {
		// Signature still validates with an empty id section.
		return "", nil
	}
	return strings.ToLower(strings.TrimSpace(payload.Data.ID)), nil
}

// buildSignatureManifest assembles the signed template. Sections with empty
// values are omitted, matching how the gateway constructs it.
func buildSignatureManifest(resourceID, requestID, ts string) []byte {
	var sb strings.Builder
	if resourceID != "" {
		sb.WriteString("id:")
		sb.WriteString(resourceID)
		sb.WriteString(";")
	}
	if requestID != "" {
		sb.WriteString("request-id:")
		sb.WriteString(requestID)
		sb.WriteString(";")
	}
	sb.WriteString("ts:")
	sb.WriteString(ts)
	sb.WriteString(";")
	return []byte(sb.String())
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

func writeSignatureError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
