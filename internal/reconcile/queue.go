// Package reconcile collects ledger discrepancies that could not be fixed in
// the request path and repairs them out of band.
//
// A balance may have moved without its audit entry (transaction_append), a
// referral reward may be completed while a party's credit did not land
// (referral_credit), or a debit may have been left unreversed after its bet
// was rejected (debit_compensation). All are repaired idempotently by
// transaction id, so redelivery never double-applies.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/model"
)

// Kind names the repair an Item needs.
type Kind string

const (
	// KindTransactionAppend: the balance already moved; only the audit entry is missing.
	KindTransactionAppend Kind = "transaction_append"
	// KindReferralCredit: the reward is completed but the credit and its entry are missing.
	KindReferralCredit Kind = "referral_credit"
	// KindCompensation: a debit whose bet was never recorded must be credited back.
	KindCompensation Kind = "debit_compensation"
)

// Item is one queued discrepancy.
type Item struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Transaction model.Transaction `json:"transaction"`
	Reason      string            `json:"reason"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewItem builds an Item with a fresh id.
func NewItem(kind Kind, tx model.Transaction, cause error) Item {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return Item{
		ID:          uuid.NewString(),
		Kind:        kind,
		Transaction: tx,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
}

// Queue accepts discrepancies for later repair.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
}

// KafkaQueue publishes items to the reconciliation topic.
type KafkaQueue struct {
	w *kafka.Writer
}

// NewKafkaQueue creates a queue backed by a topic writer.
func NewKafkaQueue(w *kafka.Writer) *KafkaQueue {
	return &KafkaQueue{w: w}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal reconciliation item: %w", err)
	}
	return q.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.Transaction.UserID),
		Value: payload,
		Time:  item.CreatedAt,
	})
}

// Close closes the underlying writer.
func (q *KafkaQueue) Close() error {
	return q.w.Close()
}

// LogQueue records items in the error log for manual repair. Used when no
// broker is configured.
type LogQueue struct {
	log *zap.Logger
}

func NewLogQueue(log *zap.Logger) *LogQueue {
	return &LogQueue{log: log}
}

func (q *LogQueue) Enqueue(_ context.Context, item Item) error {
	q.log.Error("reconciliation required (manual)",
		zap.String("item_id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("transaction_id", item.Transaction.ID),
		zap.String("user_id", item.Transaction.UserID),
		zap.String("amount", item.Transaction.Amount.String()),
		zap.String("currency", item.Transaction.Currency),
		zap.String("type", string(item.Transaction.Type)),
		zap.String("reference_id", item.Transaction.ReferenceID),
		zap.String("reason", item.Reason),
	)
	return nil
}

// MemoryQueue keeps items in memory. Used by tests.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Item
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

// Items returns a snapshot of queued items.
func (q *MemoryQueue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}
