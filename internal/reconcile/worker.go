package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/metrics"
	"github.com/coinwager/ledger-engine/internal/model"
	"github.com/coinwager/ledger-engine/internal/store"
)

// Ledger is the subset of the store the worker repairs through.
type Ledger interface {
	AppendTransaction(ctx context.Context, tx *model.Transaction) error
	CreditWithTransaction(ctx context.Context, tx *model.Transaction) (bool, error)
}

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Worker consumes reconciliation items and applies them.
type Worker struct {
	ledger     Ledger
	log        *zap.Logger
	deadLetter MessageWriter // optional
	attempts   int
	delay      time.Duration
}

// NewWorker creates a worker. deadLetter may be nil, in which case items
// that keep failing are only logged.
func NewWorker(ledger Ledger, log *zap.Logger, deadLetter MessageWriter, attempts int, delay time.Duration) *Worker {
	if attempts < 1 {
		attempts = 1
	}
	return &Worker{
		ledger:     ledger,
		log:        log,
		deadLetter: deadLetter,
		attempts:   attempts,
		delay:      delay,
	}
}

// Apply repairs a single item. Safe to call any number of times for the
// same item.
func (w *Worker) Apply(ctx context.Context, item Item) error {
	tx := item.Transaction

	switch item.Kind {
	case KindTransactionAppend:
		err := w.ledger.AppendTransaction(ctx, &tx)
		if errors.Is(err, store.ErrTransactionExists) {
			metrics.ReconciliationApplied.WithLabelValues(string(item.Kind), "already_applied").Inc()
			return nil
		}
		if err != nil {
			return err
		}

	case KindReferralCredit, KindCompensation:
		applied, err := w.ledger.CreditWithTransaction(ctx, &tx)
		if err != nil {
			return err
		}
		if !applied {
			metrics.ReconciliationApplied.WithLabelValues(string(item.Kind), "already_applied").Inc()
			return nil
		}

	default:
		return fmt.Errorf("unknown reconciliation kind %q", item.Kind)
	}

	metrics.ReconciliationApplied.WithLabelValues(string(item.Kind), "applied").Inc()
	w.log.Info("reconciliation applied",
		zap.String("item_id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.String("amount", tx.Amount.String()),
	)
	return nil
}

// Run consumes until ctx is cancelled or the reader is closed. A message is
// committed only after it was applied or dead-lettered.
func (w *Worker) Run(ctx context.Context, r Reader) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch reconciliation message: %w", err)
		}

		var item Item
		if err := json.Unmarshal(msg.Value, &item); err != nil {
			w.log.Error("undecodable reconciliation message",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			w.deadLetterMessage(ctx, msg, err)
		} else if err := w.applyWithRetry(ctx, item); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ReconciliationApplied.WithLabelValues(string(item.Kind), "failed").Inc()
			w.log.Error("reconciliation failed",
				zap.String("item_id", item.ID),
				zap.String("kind", string(item.Kind)),
				zap.String("transaction_id", item.Transaction.ID),
				zap.Error(err))
			w.deadLetterMessage(ctx, msg, err)
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit reconciliation message: %w", err)
		}
	}
}

func (w *Worker) applyWithRetry(ctx context.Context, item Item) error {
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err = w.Apply(ctx, item); err == nil {
			return nil
		}
		if attempt < w.attempts {
			if sleepErr := sleepWithContext(ctx, w.delay*time.Duration(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return err
}

func (w *Worker) deadLetterMessage(ctx context.Context, msg kafka.Message, cause error) {
	if w.deadLetter == nil {
		return
	}
	dl := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "error", Value: []byte(cause.Error())},
		},
		Time: time.Now(),
	}
	if err := w.deadLetter.WriteMessages(ctx, dl); err != nil {
		w.log.Error("dead-letter write failed", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
