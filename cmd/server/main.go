package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/api"
	"github.com/atmx/predmkt-core/internal/config"
	"github.com/atmx/predmkt-core/internal/correlation"
	"github.com/atmx/predmkt-core/internal/ledger"
	"github.com/atmx/predmkt-core/internal/market"
	"github.com/atmx/predmkt-core/internal/metrics"
	"github.com/atmx/predmkt-core/internal/observer"
	"github.com/atmx/predmkt-core/internal/payments"
	"github.com/atmx/predmkt-core/internal/settlement"
	"github.com/atmx/predmkt-core/internal/store"
	"github.com/atmx/predmkt-core/internal/trading"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Correlation-aware position limits ---
	maxPerMarket := decimal.NewFromInt(1000)
	maxCorrelated := decimal.NewFromInt(5000)
	categoryPrefixLen := 5
	limiter := correlation.NewPositionLimiter(maxPerMarket, maxCorrelated, categoryPrefixLen)

	// --- Observer / WebSocket hub ---
	wsHub := observer.NewWSHub()
	go wsHub.Run()

	// --- Domain services ---
	marketSvc := market.New(st)
	quoter := trading.NewQuoter(st, cfg.HMACKey, cfg.QuoteTTLSeconds)
	tradingSvc := trading.New(st, trading.Deps{
		HMACKey:           cfg.HMACKey,
		TTLSeconds:        cfg.QuoteTTLSeconds,
		FeeBps:            cfg.FeeBps,
		SlippageTolerance: cfg.SlippageTolerance,
		Observer:          wsHub,
	})
	settlementSvc := settlement.New(st, cfg.SettlementFeeBps, wsHub)
	paymentsSvc := payments.New(st, nil, nil, nil, nil)

	// --- Idempotency cleanup worker ---
	ledgerSvc := ledger.New(st)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	ledgerSvc.StartIdempotencyCleanupWorker(workerCtx, 5*time.Minute, 500, func(deleted int64, err error) {
		if err != nil {
			slog.Error("idempotency cleanup failed", "err", err)
			return
		}
		if deleted > 0 {
			slog.Info("idempotency cleanup", "deleted", deleted)
		}
	})

	apiSrv := api.New(st, marketSvc, quoter, tradingSvc, settlementSvc, paymentsSvc, limiter, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"predmkt-core"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade/settlement/ledger events.
		r.Get("/ws", wsHub.HandleWS)

		apiSrv.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("predmkt-core listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down predmkt-core...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("predmkt-core stopped")
}
