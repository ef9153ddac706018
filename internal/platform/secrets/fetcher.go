// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-process cache and a plain-text fallback file for
// local development.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	schemePrefix      = "secret"
	latestVersion     = "latest"
	localEnvironment  = "local"
	localFallbackFile = ".secrets.local"
	meterScope        = "github.com/lvdistribuidora/api/internal/platform/secrets"
)

// Swapped by tests that exercise the no-credentials path.
var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher is safe for concurrent use. A nil Secret Manager client is
// tolerated; resolution then relies entirely on the fallback file, which
// is how local runs without GCP credentials work.
type Fetcher struct {
	client     accessClient
	clientOpts []option.ClientOption
	ownsClient bool
	logger     *zap.Logger

	env         string
	defaultProj string
	projects    map[string]string
	pins        map[string]string

	fallbackPath string
	loadLocal    sync.Once
	local        map[string]string
	localErr     error

	mu       sync.RWMutex
	cache    map[string]cachedSecret
	watchers map[string][]chan struct{}

	fetchLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
}

type cachedSecret struct {
	value     string
	canonical string
	fetchedAt time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects which entry of the project map applies.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		f.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when the map has no entry for
// the active environment.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies per-environment Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) {
		f.projects = cloneMap(m)
	}
}

// WithFallbackFile points the fetcher at a local key=value secrets file.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallbackPath = strings.TrimSpace(path)
	}
}

// WithVersionPins pins specific secret versions, keyed by canonical
// reference or by "env:reference".
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) {
		f.pins = cloneMap(pins)
	}
}

// WithClientOptions forwards options to the Secret Manager client dial.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// WithSecretManagerClient injects a prebuilt client. Tests use this to
// avoid dialing GCP.
func WithSecretManagerClient(client accessClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// NewFetcher builds a Fetcher. Failure to dial Secret Manager is not
// fatal; the fetcher degrades to fallback-only mode and logs a warning.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: localFallbackFile,
		projects:     map[string]string{},
		pins:         map[string]string{},
		cache:        make(map[string]cachedSecret),
		watchers:     make(map[string][]chan struct{}),
	}
	if f.env == "" {
		f.env = localEnvironment
	}
	for _, opt := range opts {
		opt(f)
	}

	meter := otel.GetMeterProvider().Meter(meterScope)
	if hist, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret fetch latency"),
	); err == nil {
		f.fetchLatency = hist
	} else {
		f.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if counter, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Secret cache hits"),
	); err == nil {
		f.cacheHits = counter
	} else {
		f.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unreachable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Resolve returns the value behind a secret:// reference. Cached values
// are served without a round trip. Auth and availability failures fall
// back to the local file; NotFound does not, so a typo in a reference
// surfaces instead of silently reading stale local values.
func (f *Fetcher) Resolve(ctx context.Context, rawRef string) (string, error) {
	start := time.Now()

	ref, err := parseReference(rawRef)
	if err != nil {
		return "", err
	}
	version := f.pinnedVersion(ref)
	key := ref.canonical + "#" + version

	f.mu.RLock()
	entry, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		f.countCacheHit(ctx, ref.canonical)
		f.observeLatency(ctx, start, "cache")
		return entry.value, nil
	}

	if project := f.projectFor(ref); project != "" && f.client != nil {
		value, err := f.access(ctx, project, ref.name, version)
		if err == nil {
			f.remember(key, ref.canonical, value)
			f.observeLatency(ctx, start, "remote")
			return value, nil
		}
		if !fallbackEligible(err) {
			f.observeLatency(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: remote fetch failed, trying fallback file",
			zap.String("ref", ref.canonical), zap.Error(err))
	}

	value, ok := f.fromFallback(ref.canonical, version)
	if !ok {
		f.observeLatency(ctx, start, "error")
		return "", fmt.Errorf("secrets: fallback value not found for %s", ref.canonical)
	}
	f.remember(key, ref.canonical, value)
	f.observeLatency(ctx, start, "fallback")
	return value, nil
}

// Invalidate drops every cached version of the reference and wakes
// subscribers, typically after an external rotation event.
func (f *Fetcher) Invalidate(rawRef string) {
	ref, err := parseReference(rawRef)
	if err != nil {
		return
	}

	f.mu.Lock()
	for key, entry := range f.cache {
		if entry.canonical == ref.canonical {
			delete(f.cache, key)
		}
	}
	subscribers := append([]chan struct{}(nil), f.watchers[ref.canonical]...)
	f.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a signal whenever the
// reference is invalidated, plus a cancel func to unregister.
func (f *Fetcher) Subscribe(rawRef string) (<-chan struct{}, func()) {
	ref, err := parseReference(rawRef)
	if err != nil {
		closed := make(chan struct{})
		close(closed)
		return closed, func() {}
	}

	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.watchers[ref.canonical] = append(f.watchers[ref.canonical], ch)
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.watchers[ref.canonical]
		for i := range list {
			if list[i] == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(f.watchers, ref.canonical)
		} else {
			f.watchers[ref.canonical] = list
		}
	}
}

// Close shuts down watcher channels and the owned client, if any.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	for canonical, list := range f.watchers {
		delete(f.watchers, canonical)
		for _, ch := range list {
			close(ch)
		}
	}
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) remember(key, canonical, value string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{value: value, canonical: canonical, fetchedAt: time.Now()}
	f.mu.Unlock()
}

func (f *Fetcher) projectFor(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projects[f.env]); id != "" {
		return id
	}
	return f.defaultProj
}

func (f *Fetcher) pinnedVersion(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := strings.TrimSpace(f.pins[f.env+":"+ref.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.pins[ref.canonical]); pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) fromFallback(canonical, version string) (string, bool) {
	f.loadLocal.Do(f.readFallbackFile)
	if f.localErr != nil {
		f.logger.Debug("secrets: fallback file unreadable", zap.Error(f.localErr))
		return "", false
	}
	if value, ok := f.local[canonical+"#"+version]; ok {
		return value, true
	}
	value, ok := f.local[canonical]
	return value, ok
}

// readFallbackFile parses key=value lines. Keys are usually secret://
// references; the sm:// shorthand some tooling emits is accepted too.
func (f *Fetcher) readFallbackFile() {
	f.local = map[string]string{}

	path := strings.TrimSpace(f.fallbackPath)
	if path == "" {
		return
	}
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.localErr = fmt.Errorf("secrets: open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rawKey, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key := strings.TrimSpace(rawKey)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		ref, err := parseReference(key)
		if err != nil {
			f.local[key] = value
			continue
		}
		version := ref.version
		if version == "" {
			version = latestVersion
		}
		f.local[ref.canonical] = value
		f.local[ref.canonical+"#"+version] = value
	}
	if err := scanner.Err(); err != nil {
		f.localErr = fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
}

func (f *Fetcher) observeLatency(ctx context.Context, start time.Time, source string) {
	if f.fetchLatency == nil {
		return
	}
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	f.fetchLatency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) countCacheHit(ctx context.Context, canonical string) {
	if f.cacheHits == nil {
		return
	}
	// Hash the reference so metric labels never leak secret names.
	sum := sha256.Sum256([]byte(canonical))
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("secret", hex.EncodeToString(sum[:8])),
	))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseReference(raw string) (reference, error) {
	if strings.TrimSpace(raw) == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != schemePrefix {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return reference{
		canonical: canonical.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// fallbackEligible reports whether a remote failure should be masked by
// the local file. NotFound is deliberately excluded.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
