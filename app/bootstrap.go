package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"storegate/internal/auth"
	"storegate/internal/db"
	"storegate/internal/mail"
	"storegate/internal/maintenance"
	"storegate/internal/observability"
	"storegate/internal/product"
	"storegate/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()
	metrics := observability.NewMetrics("storegate")

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}

	appEnv := envOrDefault("APP_ENV", "development")
	isDev := appEnv == "development"

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), appEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisOptions, err := redis.ParseURL(envOrDefault("REDIS_URL", "redis://localhost:6379"))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	// An unreachable cache is tolerated at startup: eventual scopes
	// degrade to fail-open until it comes back.
	redisClient := redis.NewClient(redisOptions)

	limiter := ratelimit.New(
		ratelimit.NewSlidingWindowCache(redisClient),
		ratelimit.NewSerializedCounter(envMinutesOrDefault("RATE_LIMIT_OWNER_IDLE_MINUTES", 5)),
		logger,
		metrics,
	)
	if err := registerScopes(limiter); err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("register rate limit scopes: %w", err)
	}

	allowLegacy := isDev && EnvBoolOrDefault("AUTH_ALLOW_LEGACY_BCRYPT", false)
	hasher, err := auth.NewHasher(envIntOrDefault("PASSWORD_HASH_ITERATIONS", 210_000), allowLegacy)
	if err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init password hasher: %w", err)
	}

	mailer := mail.NewLogMailer(logger, envOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"))

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, hasher, mailer, logger)
	authService.WithTTLConfig(
		envHoursOrDefault("SESSION_TTL_HOURS", 14*24),
		envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 60),
		envHoursOrDefault("VERIFICATION_TOKEN_TTL_HOURS", 24),
	)
	authHandler := auth.NewHandler(authService, !isDev)

	productRepo := product.NewRepository(database)
	productHandler := product.NewHandler(productRepo)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", limiter.Middleware("registration", http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /auth/login", limiter.Middleware("login", http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", authHandler.RequireSession(http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /auth/password-reset/request", limiter.Middleware("password-reset", http.HandlerFunc(authHandler.RequestPasswordReset)))
	mux.Handle("POST /auth/password-reset/confirm", limiter.Middleware("password-reset", http.HandlerFunc(authHandler.ConfirmPasswordReset)))
	mux.Handle("POST /auth/verify-email/request", authHandler.RequireSession(http.HandlerFunc(authHandler.RequestEmailVerification)))
	mux.HandleFunc("GET /auth/verify-email/confirm", authHandler.ConfirmEmail)
	mux.Handle("GET /products", limiter.Middleware("public-api", http.HandlerFunc(productHandler.ListProducts)))
	mux.Handle("POST /products", limiter.Middleware("public-api", authHandler.RequireSession(http.HandlerFunc(productHandler.CreateProduct))))
	mux.Handle("DELETE /products/{id}", authHandler.RequireSession(http.HandlerFunc(productHandler.DeleteProduct)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, metrics, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			_ = redisClient.Close()
			return database.Close()
		},
	}, nil
}

func registerScopes(limiter *ratelimit.Limiter) error {
	scopes := []ratelimit.Scope{
		{
			Name:   "login",
			Window: envSecondsOrDefault("RATE_LIMIT_LOGIN_WINDOW_SECONDS", 60),
			Max:    envIntOrDefault("RATE_LIMIT_LOGIN_MAX", 10),
			Mode:   ratelimit.ModeStrong,
		},
		{
			Name:   "registration",
			Window: envSecondsOrDefault("RATE_LIMIT_REGISTRATION_WINDOW_SECONDS", 3600),
			Max:    envIntOrDefault("RATE_LIMIT_REGISTRATION_MAX", 10),
			Mode:   ratelimit.ModeStrong,
		},
		{
			Name:   "password-reset",
			Window: envSecondsOrDefault("RATE_LIMIT_PASSWORD_RESET_WINDOW_SECONDS", 900),
			Max:    envIntOrDefault("RATE_LIMIT_PASSWORD_RESET_MAX", 5),
			Mode:   ratelimit.ModeStrong,
		},
		{
			Name:   "public-api",
			Window: envSecondsOrDefault("RATE_LIMIT_PUBLIC_API_WINDOW_SECONDS", 60),
			Max:    envIntOrDefault("RATE_LIMIT_PUBLIC_API_MAX", 120),
			Mode:   ratelimit.ModeEventual,
		},
		{
			Name:   "upload",
			Window: envSecondsOrDefault("RATE_LIMIT_UPLOAD_WINDOW_SECONDS", 60),
			Max:    envIntOrDefault("RATE_LIMIT_UPLOAD_MAX", 20),
			Mode:   ratelimit.ModeEventual,
		},
	}

	for _, scope := range scopes {
		if err := limiter.Register(scope); err != nil {
			return err
		}
	}

	return nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
