package main

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/deliverycart/cart-engine/internal/checkout"
	"github.com/deliverycart/cart-engine/internal/config"
	"github.com/deliverycart/cart-engine/internal/metrics"
	"github.com/deliverycart/cart-engine/internal/model"
	"github.com/deliverycart/cart-engine/internal/money"
	"github.com/deliverycart/cart-engine/internal/orderapi"
	"github.com/deliverycart/cart-engine/internal/server"
	"github.com/deliverycart/cart-engine/internal/store"
)

func main() {
	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			slog.Error("config load failed", "path", path, "err", err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Checkout journal ---
	var journal store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		journal = pg
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			journal = store.NewCachedStore(journal, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory journal (data will not persist)")
		journal = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Order service ---
	var orders checkout.OrderCreator
	if cfg.OrderAPIURL != "" {
		orders = orderapi.NewClient(cfg.OrderAPIURL, cfg.OrderTimeout, cfg.OrderRPS, cfg.OrderBurst)
		slog.Info("order service configured", "url", cfg.OrderAPIURL, "rps", cfg.OrderRPS)
	} else {
		slog.Warn("ORDER_API_URL not set, checkouts will fail")
		orders = checkout.OrderCreatorFunc(func(context.Context, model.OrderRequest) (json.RawMessage, error) {
			return nil, errors.New("order service not configured")
		})
	}

	// --- WebSocket hub ---
	hub := server.NewHub(cfg.PromptTimeout)
	go hub.Run(ctx)

	// --- Cart service ---
	cartSvc := server.NewService(journal, orders, hub, server.Options{
		Locale:        money.BRL.WithSymbol(cfg.CurrencySymbol),
		SubmitTimeout: cfg.OrderTimeout,
		RequireLogin:  cfg.RequireLogin,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the storefront.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"cart-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	// Store-conflict prompts hold an add request open until the shopper
	// answers, so the request timeout must outlast PROMPT_TIMEOUT.
	requestTimeout := cfg.PromptTimeout + cfg.OrderTimeout + 5*time.Second
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		cartSvc.Register(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("cart-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down cart-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("cart-engine stopped")
}
