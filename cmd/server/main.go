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

	"github.com/seedsx/market-engine/internal/auth"
	"github.com/seedsx/market-engine/internal/cache"
	"github.com/seedsx/market-engine/internal/config"
	"github.com/seedsx/market-engine/internal/events"
	"github.com/seedsx/market-engine/internal/limits"
	"github.com/seedsx/market-engine/internal/metrics"
	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/params"
	"github.com/seedsx/market-engine/internal/resolution"
	"github.com/seedsx/market-engine/internal/store"
	"github.com/seedsx/market-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	config.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	market, err := config.LoadMarket(cfg.MarketConfig)
	if err != nil {
		slog.Error("failed to load market config", "err", err, "path", cfg.MarketConfig)
		os.Exit(1)
	}
	schedule, err := market.Schedule()
	if err != nil {
		slog.Error("invalid exit tax schedule", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	st, err := openStore(ctx, cfg, &cleanup)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}

	// --- Events: websocket hub plus Kafka when configured ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	publishers := events.Multi{wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		events.EnsureTopic(ctx, cfg.KafkaBrokers[0], cfg.KafkaTopic)
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	dispatcher := events.NewDispatcher(publishers, 5*time.Second)
	cleanup = append(cleanup, dispatcher.Wait)

	// --- History cache ---
	ticks, err := cache.New(market.History.CacheTicks, market.History.CacheTTL)
	if err != nil {
		slog.Error("tick cache init failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, ticks.Close)

	// --- Limits ---
	limiter := limits.NewPositionLimiter(market.Limits.MaxSharesPerPosition, market.Limits.MaxSharesPerDecision)
	rateLimiter := limits.NewRateLimiter(market.Limits.TradesPerMinute, market.Limits.Burst)
	go rateLimiter.RunCleanup(time.Minute, 10*time.Minute, ctx.Done())

	// --- Services ---
	tradeSvc := trade.NewService(st, trade.Options{
		InitialGrant: market.Ledger.InitialGrant,
		Tax:          schedule,
		Limiter:      limiter,
		RateLimiter:  rateLimiter,
		Defaults: params.Defaults{
			TargetPrice: market.Market.TargetPrice,
			Depth:       market.Market.DefaultDepth,
			Presets:     params.Presets(market.Market.DepthPresets),
		},
		Ticks:  ticks,
		Events: dispatcher,
	})
	resolver := resolution.NewEngine(st, dispatcher)
	handler := trade.NewHandler(tradeSvc, resolver)
	authn := auth.New(cfg.JWTSecret)

	countOpenDecisions(ctx, st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Role")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Mount(r, authn)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// openStore picks PostgreSQL, then SQLite, then memory, and wraps the
// result in the Redis read-through cache when REDIS_URL is set.
func openStore(ctx context.Context, cfg config.Config, cleanup *[]func()) (store.Store, error) {
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		*cleanup = append(*cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		*cleanup = append(*cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, nil
}

// countOpenDecisions seeds the active-decisions gauge from storage.
func countOpenDecisions(ctx context.Context, st store.Reader) {
	decs, err := st.ListDecisions(ctx)
	if err != nil {
		slog.Warn("could not count open decisions", "err", err)
		return
	}
	open := 0
	for _, d := range decs {
		if d.Status == model.DecisionOpen {
			open++
		}
	}
	metrics.ActiveDecisions.Set(float64(open))
}
