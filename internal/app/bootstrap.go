package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"school-backend/internal/auth"
	"school-backend/internal/config"
	"school-backend/internal/db"
	"school-backend/internal/delivery"
	"school-backend/internal/maintenance"
	"school-backend/internal/observability"
	"school-backend/internal/otp"
	"school-backend/internal/ratelimit"
	"school-backend/internal/security"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  config.Config
	Logger  *observability.Logger
	Handler http.Handler
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	clientIPs, err := observability.NewClientIPResolver(cfg.TrustedProxies, cfg.TrustProxyHeaders)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTELExporterEndpoint, cfg.ServiceName, cfg.AppEnv)
	if err != nil {
		logger.Error("init_tracing_failed", map[string]any{"error": err.Error()})
		shutdownTracing = func(context.Context) error { return nil }
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrationsOnBoot {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient, err := ratelimit.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	runner := db.NewRunner(database)

	authRepo := auth.NewRepository()
	otpStore := otp.NewPostgresStore()
	ledger := otp.NewLedger(otpStore,
		otp.WithDigits(cfg.OTPDigits),
		otp.WithTTL(cfg.OTPTTL),
		otp.WithMaxAttempts(cfg.OTPMaxAttempts),
	)

	var windowStore *ratelimit.PostgresStore
	var limiterStore ratelimit.Store
	if redisClient != nil {
		limiterStore = ratelimit.NewRedisStore(redisClient)
	} else {
		windowStore = ratelimit.NewPostgresStore(database)
		limiterStore = windowStore
	}
	limiter := ratelimit.NewLimiter(limiterStore, rateLimitRules(cfg))
	limits := ratelimit.NewMiddleware(limiter, logger, metrics).WithKeyFunc(clientIPs.ClientIP)

	tokens := security.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := auth.NewService(auth.Deps{
		Runner:   runner,
		Users:    authRepo,
		Pending:  authRepo,
		Sessions: authRepo,
		Ledger:   ledger,
		Hasher:   security.NewHasher(cfg.BcryptCost),
		Tokens:   tokens,
		Delivery: delivery.NewDispatcher(cfg.OTPDeliveryTimeout, metrics, senders(cfg, logger)...),
		Logger:   logger,
		Metrics:  metrics,
	})
	authService.WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LoginLockDuration, cfg.RefreshTokenTTL)
	authService.WithMaxResends(cfg.OTPMaxResends)
	authHandler := auth.NewHandler(authService, logger)

	var windows maintenance.StaleDeleter
	if windowStore != nil {
		windows = windowStore
	}
	cleanupHandler := maintenance.NewCleanupHandler(runner, authRepo, ledger, windows, logger, cfg.CronSecret, maintenance.Retention{
		OTP:          cfg.OTPRetention,
		RefreshToken: cfg.RefreshTokenRetention,
		LoginAttempt: cfg.LoginAttemptRetention,
		RateWindow:   cfg.RateWindowRetention,
		BatchSize:    cfg.CleanupBatchSize,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return observability.RecoverMiddleware(logger, next) })
	r.Use(func(next http.Handler) http.Handler { return observability.RequestLoggingMiddleware(logger, next) })
	r.Use(metrics.DurationMiddleware)

	r.Get("/health", healthHandler(database, redisClient))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api/auth", func(r chi.Router) {
		authHandler.Mount(r, limits.Limit, tokens)
	})
	r.Get("/internal/maintenance/cleanup", cleanupHandler.Handle)
	r.Post("/internal/maintenance/cleanup", cleanupHandler.Handle)

	handler := otelhttp.NewHandler(r, cfg.ServiceName)

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			errs := []error{shutdownTracing(shutdownCtx)}
			if redisClient != nil {
				errs = append(errs, redisClient.Close())
			}
			errs = append(errs, database.Close())
			return errors.Join(errs...)
		},
	}, nil
}

func rateLimitRules(cfg config.Config) ratelimit.Rules {
	rule := func(limit int) ratelimit.Rule {
		return ratelimit.Rule{Limit: limit, Window: cfg.RateLimitWindow}
	}
	return ratelimit.Rules{
		ratelimit.RouteLogin:          rule(cfg.RateLimitLogin),
		ratelimit.RouteRegister:       rule(cfg.RateLimitRegister),
		ratelimit.RouteVerifyOTP:      rule(cfg.RateLimitVerifyOTP),
		ratelimit.RouteRefreshToken:   rule(cfg.RateLimitRefresh),
		ratelimit.RouteForgotPassword: rule(cfg.RateLimitForgotPassword),
		ratelimit.RouteVerifyReset:    rule(cfg.RateLimitVerifyReset),
	}
}

// senders returns the delivery channels that have credentials configured.
func senders(cfg config.Config, logger *observability.Logger) []delivery.Sender {
	var out []delivery.Sender
	if cfg.SMSLocalAPIKey != "" {
		out = append(out, delivery.NewSMSLocalSender(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSLocalSender))
	}
	if cfg.SendGridAPIKey != "" {
		out = append(out, delivery.NewSendGridSender(cfg.SendGridAPIKey, cfg.SendGridHost, cfg.SendGridFromName, cfg.SendGridFromEmail))
	}
	if cfg.OTPLogCodes {
		out = append(out, delivery.NewLogSender(logger))
	}
	if len(out) == 0 {
		logger.Warn("otp_delivery_unconfigured", map[string]any{"app_env": cfg.AppEnv})
	}
	return out
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
