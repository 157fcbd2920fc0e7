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

	"github.com/gary322/flashbets-sub009/internal/api"
	"github.com/gary322/flashbets-sub009/internal/config"
	"github.com/gary322/flashbets-sub009/internal/decoherence"
	"github.com/gary322/flashbets-sub009/internal/metrics"
	"github.com/gary322/flashbets-sub009/internal/quantum"
	"github.com/gary322/flashbets-sub009/internal/risk"
	"github.com/gary322/flashbets-sub009/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("FLASHBETS_CONFIG"))
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := cfg.Store.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Store.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("store.database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Quantum engine ---
	var sampler quantum.Sampler
	if seed := cfg.Quantum.SamplerSeed; seed != 0 {
		sampler = quantum.NewSampler(seed)
		slog.Info("measurement sampler seeded", "seed", seed)
	} else {
		sampler = quantum.NewRandomSampler()
	}
	engine := quantum.NewEngine(st, sampler, cfg.Quantum.Lifetime)

	// --- Risk engine ---
	priceBook := api.NewPriceBook()
	riskEngine := risk.NewEngine(st, priceBook, risk.Config{
		Confidences:       cfg.Risk.Confidences,
		MonteCarloSamples: cfg.Risk.MonteCarloSamples,
		EnumerationLimit:  cfg.Risk.EnumerationLimit,
		RiskFreeRate:      cfg.Risk.RiskFreeRate,
		MaintenanceMargin: cfg.Risk.MaintenanceMargin,
	})

	limits := &risk.Limits{
		MaxPositionSize:   decimal.NewFromFloat(cfg.Risk.MaxPositionSize),
		MaxLeverage:       decimal.NewFromFloat(cfg.Risk.MaxLeverage),
		MaxOpenPositions:  cfg.Risk.MaxOpenPositions,
		MaxMarketExposure: decimal.NewFromFloat(cfg.Risk.MaxMarketExposure),
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run()

	// --- Decoherence sweeper ---
	sweeper := decoherence.NewSweeper(st, &api.BroadcastingMeasurer{Engine: engine, Hub: hub}, cfg.Quantum.SweepInterval)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	// --- HTTP service ---
	svc := api.NewService(engine, riskEngine, limits, priceBook, hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
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
		w.Write([]byte(`{"status":"ok","service":"flashbets-core"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time measurement events.
		r.Get("/ws", hub.HandleWS)

		// Position lifecycle.
		r.Post("/positions", svc.CreatePosition)
		r.Get("/positions/{positionID}", svc.GetPosition)
		r.Post("/positions/{positionID}/measure", svc.MeasurePosition)

		// Wallet queries.
		r.Get("/wallets/{walletID}/positions", svc.WalletPositions)
		r.Get("/wallets/{walletID}/metrics", svc.WalletMetrics)
		r.Post("/wallets/{walletID}/stress", svc.StressTest)

		// Market data.
		r.Get("/markets/{marketID}/states", svc.MarketStates)
		r.Put("/markets/{marketID}/prices", svc.UpdatePrices)

		// Measurement log.
		r.Get("/measurements", svc.Measurements)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("flashbets-core listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down flashbets-core...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("flashbets-core stopped")
}
