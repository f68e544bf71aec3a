package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/config"
	"github.com/coinwager/ledger-engine/internal/logger"
	"github.com/coinwager/ledger-engine/internal/metrics"
	"github.com/coinwager/ledger-engine/internal/model"
	"github.com/coinwager/ledger-engine/internal/reconcile"
	"github.com/coinwager/ledger-engine/internal/referral"
	"github.com/coinwager/ledger-engine/internal/store"
	"github.com/coinwager/ledger-engine/internal/stream"
	"github.com/coinwager/ledger-engine/internal/wager"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			log.Fatal("migrations failed", zap.Error(err))
		}

		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		log.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				log.Fatal("invalid REDIS_URL", zap.Error(err))
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.BalanceCacheTTL, log)
			log.Info("Redis balance cache enabled", zap.Duration("ttl", cfg.BalanceCacheTTL))
		}
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		demo := &model.Event{
			ID:        "demo",
			Title:     "Demo event",
			Status:    model.EventActive,
			CreatedAt: time.Now().UTC(),
		}
		if err := mem.CreateEvent(context.Background(), demo); err != nil {
			log.Fatal("seed demo event", zap.Error(err))
		}
		st = mem
	}

	// --- Kafka ---
	var queue reconcile.Queue = reconcile.NewLogQueue(log)
	var publisher wager.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kq := reconcile.NewKafkaQueue(stream.NewWriter(cfg.KafkaBrokers, cfg.TopicReconciliation))
		cleanup = append(cleanup, func() { kq.Close() })
		queue = kq

		pub := stream.NewPublisher(
			stream.NewWriter(cfg.KafkaBrokers, cfg.TopicBetPlaced),
			stream.NewWriter(cfg.KafkaBrokers, cfg.TopicReferralRewarded),
		)
		cleanup = append(cleanup, func() { pub.Close() })
		publisher = pub
		log.Info("Kafka enabled", zap.Strings("brokers", cfg.KafkaBrokers))
	} else {
		log.Warn("KAFKA_BROKERS not set, reconciliation items are logged only")
	}
	reporter := reconcile.NewReporter(queue, log)

	// --- WebSocket hub ---
	wsHub := wager.NewWSHub(log)
	go wsHub.Run()
	defer wsHub.Stop()

	// --- Wager service ---
	processor := referral.NewProcessor(st, reporter, log, cfg.DefaultCurrency, cfg.OpeningBalance)
	svc := wager.NewService(wager.Deps{
		Store:     st,
		Referrals: processor,
		Reporter:  reporter,
		Publisher: publisher,
		Hub:       wsHub,
		Log:       log,
	}, wager.Options{
		Currency:           cfg.DefaultCurrency,
		OpeningBalance:     cfg.OpeningBalance,
		TxLogRetryAttempts: cfg.TxLogRetryAttempts,
		TxLogRetryDelay:    cfg.TxLogRetryDelay,
		Timeout:            cfg.WagerTimeout,
	})
	handler := wager.NewHandler(svc, st, log)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+wager.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + cfg.ServiceName + `"}`))
	})

	if cfg.MetricsPort == "" {
		r.Handle("/metrics", metrics.Handler())
	} else {
		msrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler()}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		cleanup = append(cleanup, func() { msrv.Close() })
	}

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for wager activity.
		r.Get("/ws", wsHub.HandleWS)
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.WagerTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("ledger-engine listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown. In-flight wagers finish before the stores close.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WagerTimeout+5*time.Second)
	defer cancel()

	log.Info("shutting down ledger-engine")
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("ledger-engine stopped")
}

// requestLogger logs one line per request through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
