package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/config"
	"github.com/coinwager/ledger-engine/internal/logger"
	"github.com/coinwager/ledger-engine/internal/reconcile"
	"github.com/coinwager/ledger-engine/internal/store"
	"github.com/coinwager/ledger-engine/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.ServiceName+"-reconcile", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)

	reader := stream.NewReader(cfg.KafkaBrokers, cfg.TopicReconciliation, cfg.ReconciliationConsumerID)
	defer reader.Close()

	var deadLetter *kafka.Writer
	if cfg.TopicReconciliationDLQ != "" {
		deadLetter = stream.NewWriter(cfg.KafkaBrokers, cfg.TopicReconciliationDLQ)
		defer deadLetter.Close()
	}

	var dl reconcile.MessageWriter
	if deadLetter != nil {
		dl = deadLetter
	}
	worker := reconcile.NewWorker(st, log, dl, cfg.TxLogRetryAttempts, cfg.TxLogRetryDelay)

	log.Info("reconcile worker started",
		zap.String("topic", cfg.TopicReconciliation),
		zap.String("group_id", cfg.ReconciliationConsumerID))

	if err := worker.Run(ctx, reader); err != nil {
		log.Error("reconcile worker stopped", zap.Error(err))
		return
	}
	log.Info("reconcile worker stopped")
}
