package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/nanogen/config"
	"github.com/vnmchuo/nanogen/internal/account"
	"github.com/vnmchuo/nanogen/internal/account/memory"
	"github.com/vnmchuo/nanogen/internal/account/postgres"
	redisaccount "github.com/vnmchuo/nanogen/internal/account/redis"
	"github.com/vnmchuo/nanogen/internal/account/rest"
	"github.com/vnmchuo/nanogen/internal/audit"
	"github.com/vnmchuo/nanogen/internal/auth"
	"github.com/vnmchuo/nanogen/internal/generation"
	"github.com/vnmchuo/nanogen/internal/ledger"
	"github.com/vnmchuo/nanogen/internal/logging"
	"github.com/vnmchuo/nanogen/internal/pricing"
	"github.com/vnmchuo/nanogen/internal/provider"
	"github.com/vnmchuo/nanogen/internal/provider/replicate"
	"github.com/vnmchuo/nanogen/internal/proxy"
	"github.com/vnmchuo/nanogen/internal/seeder"
	"github.com/vnmchuo/nanogen/internal/telemetry"
	"github.com/vnmchuo/nanogen/internal/worker"
	"github.com/vnmchuo/nanogen/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.LogLevel, os.Stdout)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("nanogen", cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()
	tracer := otel.GetTracerProvider().Tracer("nanogen")

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}
	logger.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping redis")
	}
	logger.Info().Msg("Redis connected")

	// 5. Account store and pricing
	accounts := newAccountBackend(cfg, pool, rdb)
	logger.Info().Str("account_store", cfg.AccountStore).Msg("account store ready")

	prices, err := pricing.LoadDefault()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load pricing table")
	}
	if cfg.PricingFile != "" {
		override, err := pricing.LoadFile(cfg.PricingFile)
		if err != nil {
			logger.Fatal().Err(err).Str("file", cfg.PricingFile).Msg("failed to load pricing override")
		}
		if err := prices.Merge(override); err != nil {
			logger.Fatal().Err(err).Msg("invalid pricing override")
		}
	}

	// 6. Init ledger
	bank := ledger.New(accounts, prices,
		ledger.WithLogger(logger),
		ledger.WithTracer(tracer),
		ledger.WithAttempts(cfg.LedgerCASAttempts),
		ledger.WithStoreTimeout(cfg.StoreTimeout),
	)

	// 7. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 8. Init audit log and its background writer
	auditStore := audit.NewPostgresStore(pool)
	queue := worker.NewAuditQueue(auditStore, 1024, logger)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = queue.Process(workerCtx)
	}()

	// 9. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.GenerationsPerMinute)

	// 10. Init providers and router
	providers := []provider.Provider{
		replicate.New(cfg.ReplicateAPIToken),
	}
	router := proxy.NewRouter(providers)

	// 11. Init handlers
	generator := generation.NewService(bank, router, queue, logger, tracer)
	handler := proxy.NewHandler(generator, bank, prices, accounts, auditStore, limiter, tracer, logger)
	admin := proxy.NewAdminHandler(bank, accounts, authStore, rdb, queue, logger)

	// 12. Seed dev admin token if RUN_SEED=true
	if cfg.RunSeed {
		if id, ok := firstAdmin(cfg.AdminIDs); ok {
			_ = seeder.SeedAdminToken(ctx, authStore, id, logger)
		} else {
			logger.Warn().Msg("RUN_SEED set but ADMIN_IDS is empty, skipping seed")
		}
	}

	// 13. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"nanogen"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Route("/v1", handler.Routes)
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin(cfg.AdminIDs))
			admin.Routes(r)
		})
	})

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 4 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("nanogen starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	stopWorker()
	<-workerDone
	logger.Info().Msg("Server stopped")
}

func newAccountBackend(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client) account.Backend {
	switch cfg.AccountStore {
	case config.StoreRedis:
		return redisaccount.NewStore(rdb)
	case config.StoreREST:
		return rest.NewStore(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, cfg.StoreTimeout)
	case config.StoreMemory:
		return memory.New()
	default:
		return postgres.NewStore(pool)
	}
}

func firstAdmin(ids map[int64]bool) (int64, bool) {
	var list []int64
	for id := range ids {
		list = append(list, id)
	}
	if len(list) == 0 {
		return 0, false
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list[0], true
}
