package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/auth"
	"github.com/betmesh/exchange-engine/internal/engine"
	"github.com/betmesh/exchange-engine/internal/escrow"
	"github.com/betmesh/exchange-engine/internal/metrics"
	"github.com/betmesh/exchange-engine/internal/product"
	"github.com/betmesh/exchange-engine/internal/risk"
	"github.com/betmesh/exchange-engine/internal/service"
	"github.com/betmesh/exchange-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second, logger)
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

	// --- Authorization ---
	// CRANK_OPERATORS restricts step execution; empty means permissionless.
	authz := auth.NewRegistry()
	if ops := os.Getenv("CRANK_OPERATORS"); ops != "" {
		for _, op := range strings.Split(ops, ",") {
			authz.AllowOperator(strings.TrimSpace(op))
		}
	}

	// --- Risk limits ---
	maxStake := envDecimal("MAX_ORDER_STAKE", decimal.NewFromInt(10000))
	maxExposure := envDecimal("MAX_MARKET_EXPOSURE", decimal.NewFromInt(100000))
	checker := risk.NewChecker(maxStake, maxExposure)

	// --- Commission products ---
	products := product.NewRegistry()
	if specs := os.Getenv("PRODUCTS"); specs != "" {
		// PRODUCTS=id:rate,id:rate — e.g. "sharp-odds:0.05,main-book:0.02"
		for _, spec := range strings.Split(specs, ",") {
			id, rateStr, ok := strings.Cut(strings.TrimSpace(spec), ":")
			if !ok {
				slog.Error("invalid PRODUCTS entry", "entry", spec)
				os.Exit(1)
			}
			rate, err := decimal.NewFromString(rateStr)
			if err != nil {
				slog.Error("invalid product rate", "entry", spec, "err", err)
				os.Exit(1)
			}
			if err := products.Register(id, id, rate); err != nil {
				slog.Error("product registration failed", "entry", spec, "err", err)
				os.Exit(1)
			}
		}
	}

	// --- Escrow ---
	wallets := escrow.NewMemory()

	// --- Engine ---
	eng := engine.New(engine.Config{
		Store:    st,
		Escrow:   wallets,
		Auth:     authz,
		Risk:     checker,
		Products: products,
		Logger:   logger,
	})

	// --- WebSocket hub ---
	wsHub := service.NewWSHub()
	go wsHub.Run()

	// --- HTTP service ---
	svc := service.NewService(eng, st, wallets, wsHub)

	// --- Crank driver ---
	crankCtx, stopCrank := context.WithCancel(context.Background())
	defer stopCrank()
	crankInterval := 250 * time.Millisecond
	if v := os.Getenv("CRANK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid CRANK_INTERVAL", "err", err)
			os.Exit(1)
		}
		crankInterval = d
	}
	crank := service.NewCrank(eng, st, "crank", crankInterval, logger)
	go crank.Run(crankCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time engine events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopCrank()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Error("invalid decimal env value", "key", key, "err", err)
		os.Exit(1)
	}
	return d
}
