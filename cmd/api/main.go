package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront-app/api/internal/handlers"
	"github.com/storefront-app/api/internal/payments"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/platform/config"
	"github.com/storefront-app/api/internal/platform/events"
	pfirestore "github.com/storefront-app/api/internal/platform/firestore"
	"github.com/storefront-app/api/internal/platform/idempotency"
	"github.com/storefront-app/api/internal/platform/observability"
	"github.com/storefront-app/api/internal/platform/secrets"
	"github.com/storefront-app/api/internal/repositories"
	firestoreRepo "github.com/storefront-app/api/internal/repositories/firestore"
	"github.com/storefront-app/api/internal/services"
)

const (
	shutdownTimeout    = 10 * time.Second
	cleanupRunTimeout  = time.Minute
	readinessCacheTTL  = 5 * time.Second
	secretHealthRef    = "secret://system/healthz?version=latest"
	firestoreCheckName = "firestore"
	secretsCheckName   = "secretManager"
	pubsubCheckName    = "pubsub"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Stripe.SecretKey", "Stripe.WebhookSecret"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	reportingLocation, err := time.LoadLocation(cfg.Client.Timezone)
	if err != nil {
		logger.Fatal("invalid reporting timezone", zap.String("timezone", cfg.Client.Timezone), zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithTransactionTimeout(cfg.Timeouts.Firestore))
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	firebaseClient, err := auth.NewFirebaseClient(ctx, cfg.Firebase, auth.WithFirebaseTimeout(cfg.Timeouts.Firebase))
	if err != nil {
		logger.Fatal("failed to initialise firebase client", zap.Error(err))
	}

	var orderEvents services.OrderEventPublisher
	var eventsTopic *pubsub.Topic
	if topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		eventsTopic = pubsubClient.Topic(topicName)
		defer eventsTopic.Stop()
		publisher, err := events.NewPubSubOrderEventPublisher(eventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		orderEvents = publisher
	} else {
		logger.Warn("order events topic not configured; lifecycle events are not published")
	}

	stripeGateway, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:  cfg.Stripe.SecretKey,
		Timeout: cfg.Stripe.APITimeout,
		Logger:  observability.EventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
	}

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	userRepo, err := firestoreRepo.NewUserRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise user repository", zap.Error(err))
	}
	analyticsRepo, err := firestoreRepo.NewOrderAnalyticsRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise analytics repository", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: orderRepo,
		Clock:  time.Now,
		Events: orderEvents,
		Logger: observability.EventLogger(logger.Named("order")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}
	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Gateway:       stripeGateway,
		Orders:        orderService,
		ClientBaseURL: cfg.Client.BaseURL,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Clock:         time.Now,
		Logger:        observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}
	userService, err := services.NewUserService(services.UserServiceDeps{
		Users:    userRepo,
		Identity: firebaseClient,
		Clock:    time.Now,
		Logger:   observability.EventLogger(logger.Named("user")),
	})
	if err != nil {
		logger.Fatal("failed to initialise user service", zap.Error(err))
	}
	analyticsService, err := services.NewAnalyticsService(services.AnalyticsServiceDeps{
		Orders:   analyticsRepo,
		Users:    userRepo,
		Clock:    time.Now,
		Location: reportingLocation,
		Currency: cfg.Client.DefaultCurrency,
		Logger:   observability.EventLogger(logger.Named("analytics")),
	})
	if err != nil {
		logger.Fatal("failed to initialise analytics service", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	systemService, err := newSystemService(firestoreProvider, fetcher, eventsTopic, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	authenticator := auth.NewAuthenticator(firebaseClient,
		auth.WithRoleResolver(auth.RoleResolverFunc(userService.ResolveRole)),
		auth.WithVerificationTimeout(cfg.Timeouts.Firebase),
	)

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider)
	intentIdempotency := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(logger.Named("idempotency")),
	)
	cleaner := idempotency.NewCleaner(idempotencyStore, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	cleanupDone := cleaner.Start(cleanupCtx, cfg.Idempotency.CleanupInterval)

	oidcValidator := auth.NewOIDCValidator(auth.NewJWKSCache(cfg.OIDC.JWKSURL), auth.WithOIDCLogger(logger.Named("oidc")))
	if strings.TrimSpace(cfg.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}

	cartHandlers := handlers.NewCartHandlers(authenticator, orderService, checkoutService)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, checkoutService, orderService,
		handlers.WithIntentMiddlewares(intentIdempotency),
	)
	authHandlers := handlers.NewAuthHandlers(userService)
	adminHandlers := handlers.NewAdminHandlers(authenticator, orderService, analyticsService,
		handlers.WithAdminLocation(reportingLocation),
	)
	internalHandlers := handlers.NewInternalHandlers(checkoutService, timedRunner{runner: cleaner, timeout: cleanupRunTimeout})
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := traceProjectID(cfg)
	httpLogger := logger.Named("http")
	router := handlers.NewRouter(
		handlers.WithAllowedOrigin(cfg.Client.AllowedOrigin),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
			observability.CaptureIdentityMiddleware,
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithAuthRoutes(authHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(oidcValidator.RequireOIDC(cfg.OIDC.Audience, cfg.OIDC.Issuers)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr), zap.String("environment", cfg.Environment))
	go func() {
		serverLogger.Info("storefront api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopCleanup()
	<-cleanupDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// timedRunner bounds on-demand cleanup runs triggered through the internal route.
type timedRunner struct {
	runner  handlers.MaintenanceRunner
	timeout time.Duration
}

func (t timedRunner) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.runner.Run(ctx)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func newSystemService(provider *pfirestore.Provider, fetcher *secrets.Fetcher, topic *pubsub.Topic, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{{
		Name:    firestoreCheckName,
		Timeout: 1500 * time.Millisecond,
		Check:   provider.Ping,
	}}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    secretsCheckName,
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthRef)
				if err == nil || errors.Is(err, secrets.ErrNotFound) || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    pubsubCheckName,
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		CacheTTL:         readinessCacheTTL,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// newSecretFetcher runs before config.Load, so it reads the raw environment map.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
