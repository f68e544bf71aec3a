package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/metrics"
	"github.com/coinwager/ledger-engine/internal/model"
)

const enqueueTimeout = 5 * time.Second

// Reporter is the single entry point for reconciliation errors: it logs,
// counts and enqueues. It never returns an error, because a reconciliation
// problem must not change the outcome of a wager that already succeeded.
type Reporter struct {
	queue Queue
	log   *zap.Logger
}

// NewReporter creates a Reporter.
func NewReporter(queue Queue, log *zap.Logger) *Reporter {
	return &Reporter{queue: queue, log: log}
}

// Report records a discrepancy for tx.
func (r *Reporter) Report(ctx context.Context, kind Kind, tx model.Transaction, cause error) {
	item := NewItem(kind, tx, cause)
	metrics.ReconciliationItems.WithLabelValues(string(kind)).Inc()

	r.log.Error("ledger discrepancy queued for reconciliation",
		zap.String("item_id", item.ID),
		zap.String("kind", string(kind)),
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency),
		zap.String("reference_id", tx.ReferenceID),
		zap.Error(cause),
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	if err := r.queue.Enqueue(ctx, item); err != nil {
		// Last resort: the log line above carries everything needed for a manual fix.
		r.log.Error("reconciliation enqueue failed",
			zap.String("item_id", item.ID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}
