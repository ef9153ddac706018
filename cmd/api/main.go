package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lvdistribuidora/api/internal/di"
	"github.com/lvdistribuidora/api/internal/handlers"
	"github.com/lvdistribuidora/api/internal/payments"
	"github.com/lvdistribuidora/api/internal/platform/auth"
	"github.com/lvdistribuidora/api/internal/platform/config"
	pfirestore "github.com/lvdistribuidora/api/internal/platform/firestore"
	"github.com/lvdistribuidora/api/internal/platform/idempotency"
	"github.com/lvdistribuidora/api/internal/platform/jobs"
	"github.com/lvdistribuidora/api/internal/platform/observability"
	"github.com/lvdistribuidora/api/internal/platform/secrets"
	"github.com/lvdistribuidora/api/internal/repositories"
	firestoreRepo "github.com/lvdistribuidora/api/internal/repositories/firestore"
)

const shutdownGrace = 10 * time.Second

func main() {
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer baseLogger.Sync()

	logger := baseLogger.Named("api")
	ctx := observability.WithLogger(context.Background(), logger)

	if err := run(ctx, logger, startedAt); err != nil {
		logger.Fatal("api startup failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, startedAt time.Time) error {
	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer closeQuietly(logger, "secret fetcher", fetcher.Close)

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("MercadoPago.AccessToken"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		return fmt.Errorf("initialise firestore client: %w", err)
	}
	defer closeWithTimeout(logger, "firestore", firestoreProvider.Close)

	projectID := traceProjectID(cfg)
	pubsubClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return fmt.Errorf("initialise pubsub client: %w", err)
	}
	defer closeQuietly(logger, "pubsub", pubsubClient.Close)

	orderTopic := pubsubClient.Topic(cfg.Events.OrderTopic)
	defer orderTopic.Stop()

	orderPublisher, err := jobs.NewPubSubOrderEventPublisher(orderTopic)
	if err != nil {
		return fmt.Errorf("initialise order event publisher: %w", err)
	}

	healthRepo, err := newHealthRepository(firestoreClient, orderTopic, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		return fmt.Errorf("initialise repository registry: %w", err)
	}
	defer closeWithTimeout(logger, "registry", registry.Close)

	gateway, err := payments.NewMercadoPagoProvider(payments.MercadoPagoConfig{
		AccessToken:         cfg.MercadoPago.AccessToken,
		BaseURL:             cfg.MercadoPago.BaseURL,
		FrontendBaseURL:     cfg.URLs.FrontendBaseURL,
		NotificationBaseURL: cfg.URLs.BackendBaseURL,
		StatementDescriptor: cfg.MercadoPago.StatementDescriptor,
		Timeout:             cfg.MercadoPago.Timeout,
	})
	if err != nil {
		return fmt.Errorf("initialise mercadopago provider: %w", err)
	}

	container, err := di.NewContainer(ctx, cfg, di.Deps{
		Registry:  registry,
		Provider:  gateway,
		Publisher: orderPublisher,
		Logger:    zapEventLogger(logger.Named("services")),
	})
	if err != nil {
		return fmt.Errorf("build service container: %w", err)
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("initialise firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	stopJanitor := startIdempotencyJanitor(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
	defer stopJanitor()

	router := buildRouter(logger, cfg, container, authenticator, idempotencyStore, projectID, handlers.BuildInfo{
		Version:     valueOr(envValues["API_BUILD_VERSION"], "dev"),
		CommitSHA:   valueOr(envValues["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: valueOr(cfg.Security.Environment, "local"),
		StartedAt:   startedAt,
	})

	return serve(logger, cfg.Server, router, stopJanitor)
}

func buildRouter(
	logger *zap.Logger,
	cfg config.Config,
	container *di.Container,
	authenticator *auth.Authenticator,
	idempotencyStore idempotency.Store,
	projectID string,
	buildInfo handlers.BuildInfo,
) http.Handler {
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		handlers.RateLimitByClientIP(cfg.RateLimits.DefaultPerMinute, time.Minute),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)
	adminHandlers := handlers.NewAdminHandlers(
		authenticator,
		container.Services.Catalog,
		container.Services.Coupons,
		container.Services.Orders,
		container.Services.Dashboard,
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithProductRoutes(handlers.NewProductHandlers(container.Services.Catalog).Routes),
		handlers.WithCouponRoutes(handlers.NewCouponHandlers(authenticator, container.Services.Coupons).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(authenticator, container.Services.Checkout).Routes),
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, container.Services.Orders).Routes),
		handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(container.Services.Payments).Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(container.Services.Payments).Routes),
	}
	if webhookMiddlewares := buildWebhookMiddlewares(logger.Named("auth"), cfg); len(webhookMiddlewares) > 0 {
		opts = append(opts, handlers.WithWebhookMiddlewares(webhookMiddlewares...))
	}

	return handlers.NewRouter(opts...)
}

// serve blocks until SIGINT or SIGTERM, then drains in-flight requests.
func serve(logger *zap.Logger, cfg config.ServerConfig, handler http.Handler, stopJanitor func()) error {
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("lv-distribuidora api listening", zap.String("addr", server.Addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-shutdown:
	}

	logger.Info("shutdown signal received; draining requests")
	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// startIdempotencyJanitor periodically purges expired idempotency
// records. The returned stop function is safe to call more than once.
func startIdempotencyJanitor(logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(cfg.CleanupInterval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				runCtx, cancelRun := context.WithTimeout(ctx, time.Minute)
				removed, err := store.PurgeExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancelRun()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			cancel()
			<-done
		})
	}
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	var checks []repositories.DependencyCheck

	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				// The probe secret does not have to exist; NotFound still
				// proves Secret Manager answered.
				_, err := fetcher.Resolve(ctx, "secret://system/healthz?version=latest")
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}

	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// buildWebhookMiddlewares protects the gateway webhook with a burst rate
// limit and signature verification. Without a configured secret the
// signature check is skipped so local runs still receive notifications.
func buildWebhookMiddlewares(logger *zap.Logger, cfg config.Config) []func(http.Handler) http.Handler {
	var middlewares []func(http.Handler) http.Handler

	if cfg.RateLimits.WebhookBurst > 0 {
		middlewares = append(middlewares, handlers.RateLimitByClientIP(cfg.RateLimits.WebhookBurst, time.Minute))
	}

	secret := strings.TrimSpace(cfg.MercadoPago.WebhookSecret)
	if secret == "" {
		logger.Warn("auth: webhook secret not configured; signature verification disabled")
		return middlewares
	}

	secretName := strings.TrimSpace(cfg.Security.Webhook.SecretName)
	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if strings.TrimSpace(name) != secretName {
			return "", fmt.Errorf("auth: unknown webhook secret %q", name)
		}
		return secret, nil
	})

	validator := auth.NewSignatureValidator(provider,
		auth.WithSignatureLogger(observability.NewPrintfAdapter(logger)),
		auth.WithSignatureHeaders(cfg.Security.Webhook.SignatureHeader, cfg.Security.Webhook.RequestIDHeader),
		auth.WithSignatureClockSkew(cfg.Security.Webhook.ClockSkew),
	)
	return append(middlewares, validator.RequireSignature(secretName))
}

func zapEventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func valueOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func closeQuietly(logger *zap.Logger, name string, close func() error) {
	if err := close(); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}

func closeWithTimeout(logger *zap.Logger, name string, close func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := close(ctx); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []secrets.Option{
		secrets.WithEnvironment(valueOr(lookup("API_SECURITY_ENVIRONMENT"), "local")),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(valueOr(lookup("API_SECRET_FALLBACK_FILE"), ".secrets.local")),
	}

	if projectMap := parsePairList(env["API_SECRET_PROJECT_IDS"], strings.ToLower, nil); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if project := valueOr(lookup("API_SECRET_DEFAULT_PROJECT_ID"), lookup("API_FIREBASE_PROJECT_ID")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := parsePairList(env["API_SECRET_VERSION_PINS"], canonicalPinRef, nil); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// parsePairList parses "key=value,key=value" strings. Keys and values
// are trimmed and empty entries dropped. Optional normalisers rewrite
// keys and values before insertion.
func parsePairList(raw string, normaliseKey, normaliseValue func(string) string) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if normaliseKey != nil {
			key = normaliseKey(key)
		}
		if normaliseValue != nil {
			value = normaliseValue(value)
		}
		pairs[key] = value
	}
	return pairs
}

// canonicalPinRef normalises a version pin key to the secret:// scheme,
// preserving an optional environment prefix such as "prod:".
func canonicalPinRef(ref string) string {
	var prefix string
	if idx := strings.Index(ref, ":"); idx > 0 {
		if scheme := strings.Index(ref, "://"); scheme == -1 || idx < scheme {
			prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
			ref = strings.TrimSpace(ref[idx+1:])
		}
	}
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	} else if !strings.HasPrefix(ref, "secret://") {
		ref = "secret://" + ref
	}
	return prefix + ref
}
