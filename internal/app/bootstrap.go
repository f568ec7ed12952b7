package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/auth"
	"fieldcrm/internal/csrf"
	"fieldcrm/internal/db"
	"fieldcrm/internal/maintenance"
	"fieldcrm/internal/media"
	"fieldcrm/internal/observability"
	"fieldcrm/internal/ratelimit"
	"fieldcrm/internal/signedurl"
	"fieldcrm/internal/store"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  Config
	Logger  *observability.Logger
	Close   func() error
}

// components are the collaborators the router needs; Build wires real ones, tests wire fakes.
type components struct {
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
	store   store.Store
	users   auth.UserStore
	storage media.Storage
	health  func(ctx context.Context) error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.LogLevel)
	for _, warning := range cfg.Warnings {
		logger.Warn("config_warning", map[string]any{"detail": warning})
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	counterStore, closeStore, err := openStore(ctx, cfg, database)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	logger.Info("counter_store_ready", map[string]any{"store": counterStore.Name()})

	var storage media.Storage
	if cfg.CloudinaryURL != "" {
		cloudinaryClient, err := media.NewCloudinary(cfg.CloudinaryURL)
		if err != nil {
			_ = closeStore()
			_ = database.Close()
			return nil, fmt.Errorf("init cloudinary: %w", err)
		}
		storage = cloudinaryClient
	} else {
		logger.Warn("media_storage_disabled", map[string]any{"detail": "CLOUDINARY_URL is not set"})
	}

	handler, authService, err := newHandler(components{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics(),
		store:   counterStore,
		users:   auth.NewRepository(database),
		storage: storage,
		health:  database.PingContext,
	})
	if err != nil {
		_ = closeStore()
		_ = database.Close()
		return nil, err
	}

	if err := authService.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeStore()
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			return errors.Join(closeStore(), database.Close())
		},
	}, nil
}

func openStore(ctx context.Context, cfg Config, database *sql.DB) (store.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.StoreBackend {
	case StoreRedis:
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis store: %w", err)
		}
		return store.NewRedis(rdb), rdb.Close, nil
	case StorePostgres:
		return store.NewPostgres(database), noop, nil
	default:
		return store.NewMemory(), noop, nil
	}
}

func newHandler(c components) (http.Handler, *auth.Service, error) {
	cfg := c.config

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("init token service: %w", err)
	}
	csrfGuard, err := csrf.NewGuard(csrf.Config{Secret: cfg.CSRFSecret, SecureCookie: cfg.CookieSecure}, c.logger, c.metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("init csrf guard: %w", err)
	}

	lockout := auth.NewLockoutGuard(c.store, cfg.Lockout)
	authService := auth.NewService(c.users, tokens, lockout)
	authHandler := auth.NewHandler(authService, c.logger, c.metrics)
	authMiddleware := auth.NewMiddleware(tokens, c.logger, c.metrics)
	limiter := ratelimit.New(c.store, c.logger, c.metrics, ratelimit.WithFailOpen(cfg.RateLimitFailOpen))
	links := signedurl.NewAuthority(cfg.SignedURLSecret, c.logger, c.metrics)
	mediaHandler := media.NewHandler(c.storage, links, c.logger)
	cleanupHandler := maintenance.NewCleanupHandler(c.store, c.logger, cfg.CleanupBatchSize)

	protected := func(roles []auth.Role, h http.HandlerFunc) http.Handler {
		return chain(h,
			authMiddleware.Authenticate,
			limiter.Middleware(cfg.APIPolicy),
			authMiddleware.RequireRoles(roles...),
			csrfGuard.Middleware,
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(c.health))
	mux.HandleFunc("GET /csrf-token", csrfGuard.TokenHandler)

	mux.Handle("POST /auth/login", chain(http.HandlerFunc(authHandler.Login), limiter.Middleware(cfg.LoginPolicy), csrfGuard.Middleware))
	mux.Handle("POST /auth/signup", chain(http.HandlerFunc(authHandler.Signup), limiter.Middleware(cfg.SignupPolicy), csrfGuard.Middleware))
	mux.Handle("GET /auth/me", protected(auth.AnyRole, authHandler.Me))

	mux.Handle("POST /media/upload", protected(auth.AdminOrManager, mediaHandler.Upload))
	mux.Handle("POST /media/links", protected(auth.AdminOrManager, mediaHandler.SignLink))
	mux.Handle("GET /media/files/{path...}", chain(http.HandlerFunc(mediaHandler.Serve), limiter.Middleware(cfg.APIPolicy), links.Protect))

	cleanup := maintenance.RequireCronSecret(cfg.CronSecret, http.HandlerFunc(cleanupHandler.Handle))
	mux.Handle("GET /internal/maintenance/cleanup", cleanup)
	mux.Handle("POST /internal/maintenance/cleanup", cleanup)
	mux.Handle("GET /metrics", maintenance.RequireCronSecret(cfg.CronSecret, c.metrics.Handler()))

	handler := observability.RecoverMiddleware(c.logger, observability.RequestLoggingMiddleware(c.logger, c.metrics, mux))
	return handler, authService, nil
}

// chain wraps h so that the first middleware runs first.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		apierr.WriteJSON(w, status, body)
	}
}
