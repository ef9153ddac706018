// Package config loads runtime configuration from the process
// environment, an optional .env file, and Secret Manager references.
// Precedence is explicit map > OS environment > .env file > defaults.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultGatewayTimeout        = 15 * time.Second
	defaultStatementDescriptor   = "LV DISTRIBUIDORA"
	defaultWebhookSecretName     = "webhooks/mercadopago"
	defaultSignatureHeader       = "x-signature"
	defaultRequestIDHeader       = "x-request-id"
	defaultSignatureClockSkew    = 5 * time.Minute
	defaultOrderTopic            = "order-events"
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
)

// Config is the full runtime configuration, grouped by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	MercadoPago MercadoPagoConfig
	URLs        URLConfig
	Events      EventConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig holds HTTP listener parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig holds Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig holds database parameters. ProjectID defaults to the
// Firebase project when left empty.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// MercadoPagoConfig holds payment gateway credentials and knobs.
type MercadoPagoConfig struct {
	AccessToken         string
	BaseURL             string
	WebhookSecret       string
	StatementDescriptor string
	Timeout             time.Duration
}

// URLConfig lists external URLs the API links to. BackendBaseURL is this API's
// own public address, used when registering webhook callbacks.
type URLConfig struct {
	FrontendBaseURL string
	BackendBaseURL  string
}

// EventConfig names the Pub/Sub topics the API publishes to.
type EventConfig struct {
	OrderTopic string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookBurst           int
}

// SecurityConfig groups request authentication settings.
type SecurityConfig struct {
	Environment string
	Webhook     WebhookSignatureConfig
}

// WebhookSignatureConfig captures gateway webhook signing expectations.
type WebhookSignatureConfig struct {
	SecretName      string
	SignatureHeader string
	RequestIDHeader string
	ClockSkew       time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret:// references to secret material.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// ValidationError reports configuration fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

// Fields returns the missing or invalid field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failure to resolve one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing.
// Error output uses redacted identifiers so logs never leak which
// credentials exist.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	redacted := e.RedactedNames()
	if len(redacted) == 0 {
		return "missing required secrets"
	}
	return "missing required secrets [" + strings.Join(redacted, ", ") + "]"
}

// RedactedNames returns sorted, hashed identifiers safe for logging.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names returns the sorted plain secret identifiers.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, pick(secret))
	}
	sort.Strings(out)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit key/value pairs that take precedence over
// every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores os.Environ, reading only injected maps and
// the .env file. Used by tests to stay hermetic.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret identifiers as mandatory. Identifiers
// use the config field path, e.g. "MercadoPago.AccessToken".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning an
// error when required secrets are missing. Deployments use this to fail
// hard at boot.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

func buildOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// env is a layered key lookup over the sources Load consults.
type env struct {
	overrides map[string]string
	useSystem bool
	dotenv    map[string]string
}

func newEnv(options loaderOptions) (env, error) {
	dotenv, err := parseDotEnv(options.envFile)
	if err != nil {
		return env{}, err
	}
	return env{
		overrides: options.envMap,
		useSystem: options.useSystemEnv,
		dotenv:    dotenv,
	}, nil
}

func (e env) get(key string) (string, bool) {
	if value, ok := e.overrides[key]; ok {
		return value, true
	}
	if e.useSystem {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := e.dotenv[key]
	return value, ok
}

func (e env) str(key, fallback string) string {
	if value, ok := e.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (e env) dur(key string, fallback time.Duration) time.Duration {
	if value, ok := e.get(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (e env) num(key string, fallback int) int {
	if value, ok := e.get(key); ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// flatten merges all sources into one map, lowest precedence first.
func (e env) flatten() map[string]string {
	values := make(map[string]string, len(e.dotenv)+len(e.overrides))
	for key, value := range e.dotenv {
		values[key] = value
	}
	if e.useSystem {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range e.overrides {
		values[key] = value
	}
	return values
}

// EnvironmentValues returns the effective environment map after applying
// the same precedence rules as Load. Callers use it to bootstrap
// dependencies, such as the secret fetcher, before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	sources, err := newEnv(buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return sources.flatten(), nil
}

// Load assembles the configuration from defaults, the .env file,
// environment variables, and secret resolution, then validates it.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := buildOptions(opts)
	sources, err := newEnv(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         sources.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  sources.dur("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: sources.dur("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  sources.dur("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       sources.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: sources.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    sources.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: sources.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		MercadoPago: MercadoPagoConfig{
			AccessToken:         sources.str("API_MERCADOPAGO_ACCESS_TOKEN", ""),
			BaseURL:             sources.str("API_MERCADOPAGO_BASE_URL", ""),
			WebhookSecret:       sources.str("API_MERCADOPAGO_WEBHOOK_SECRET", ""),
			StatementDescriptor: sources.str("API_MERCADOPAGO_STATEMENT_DESCRIPTOR", defaultStatementDescriptor),
			Timeout:             sources.dur("API_MERCADOPAGO_TIMEOUT", defaultGatewayTimeout),
		},
		URLs: URLConfig{
			FrontendBaseURL: sources.str("API_FRONTEND_BASE_URL", ""),
			BackendBaseURL:  sources.str("API_BACKEND_BASE_URL", ""),
		},
		Events: EventConfig{
			OrderTopic: sources.str("API_EVENTS_ORDER_TOPIC", defaultOrderTopic),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       sources.num("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: sources.num("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookBurst:           sources.num("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(sources.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			Webhook: WebhookSignatureConfig{
				SecretName:      sources.str("API_SECURITY_WEBHOOK_SECRET_NAME", defaultWebhookSecretName),
				SignatureHeader: sources.str("API_SECURITY_WEBHOOK_HEADER_SIGNATURE", defaultSignatureHeader),
				RequestIDHeader: sources.str("API_SECURITY_WEBHOOK_HEADER_REQUEST_ID", defaultRequestIDHeader),
				ClockSkew:       sources.dur("API_SECURITY_WEBHOOK_CLOCK_SKEW", defaultSignatureClockSkew),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           sources.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              sources.dur("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  sources.dur("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: sources.num("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}

	resolved, err := resolveSecretFields(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if missing := missingRequiredSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// resolveSecretFields walks the fields that may hold secret:// references
// and replaces each reference with the resolved value. The returned map
// records what every secret field ended up holding, trimmed, keyed by
// field path.
func resolveSecretFields(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	fields := map[string]*string{
		"MercadoPago.AccessToken":   &cfg.MercadoPago.AccessToken,
		"MercadoPago.WebhookSecret": &cfg.MercadoPago.WebhookSecret,
	}

	resolved := make(map[string]string, len(fields))
	for name, field := range fields {
		ref, ok := secretReference(*field)
		if ok {
			if resolver == nil {
				return nil, &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			value, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			*field = value
		}
		resolved[name] = strings.TrimSpace(*field)
	}
	return resolved, nil
}

// secretReference reports whether value names a managed secret and
// returns the canonical secret:// form. The older sm:// scheme is still
// accepted.
func secretReference(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest, true
	}
	if strings.HasPrefix(trimmed, "secret://") {
		return trimmed, true
	}
	return "", false
}

func (c Config) validate() error {
	var missing []string
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(c.Server.Port != "", "Server.Port")
	require(c.Firebase.ProjectID != "", "Firebase.ProjectID")
	require(c.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(strings.TrimSpace(c.Idempotency.Header) != "", "Idempotency.Header")
	require(c.Idempotency.TTL > 0, "Idempotency.TTL")
	require(c.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(c.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func missingRequiredSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []missingSecret
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] != "" {
			continue
		}
		missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// parseDotEnv reads KEY=VALUE lines from path. A missing file is not an
// error. Lines may carry an "export " prefix and single or double quotes
// around the value.
func parseDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
