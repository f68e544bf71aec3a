package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/model"
	"github.com/coinwager/ledger-engine/internal/reconcile"
	"github.com/coinwager/ledger-engine/internal/store"
)

func coins(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// fakeReader replays a fixed set of messages, then reports io.EOF.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func encode(t *testing.T, item reconcile.Item, offset int64) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(item)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(item.Transaction.UserID), Value: payload}
}

func placementTx(id, userID string, amount int64) model.Transaction {
	return model.Transaction{
		ID: id, UserID: userID, Amount: coins(amount), Currency: "coins",
		Type: model.TxBetPlacement, ReferenceID: "bet-" + id, Status: model.TxCompleted,
		CreatedAt: time.Now().UTC(),
	}
}

func TestWorker_ApplyTransactionAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	w := reconcile.NewWorker(ms, zap.NewNop(), nil, 1, 0)

	item := reconcile.NewItem(reconcile.KindTransactionAppend, placementTx("t1", "u1", -50), errors.New("timeout"))
	require.NoError(t, w.Apply(ctx, item))
	require.NoError(t, w.Apply(ctx, item))

	txs, err := ms.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestWorker_ApplyCompensationCreditsOnce(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	_, err := ms.EnsureBalance(ctx, "u1", "coins", coins(50))
	require.NoError(t, err)
	w := reconcile.NewWorker(ms, zap.NewNop(), nil, 1, 0)

	tx := model.Transaction{
		ID: "comp-1", UserID: "u1", Amount: coins(50), Currency: "coins",
		Type: model.TxBetSettlement, ReferenceID: "bet-1", Status: model.TxCompleted,
	}
	item := reconcile.NewItem(reconcile.KindCompensation, tx, errors.New("credit failed"))
	require.NoError(t, w.Apply(ctx, item))
	require.NoError(t, w.Apply(ctx, item))

	b, err := ms.GetBalance(ctx, "u1", "coins")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(coins(100)))
}

func TestWorker_ApplyUnknownKind(t *testing.T) {
	w := reconcile.NewWorker(store.NewMemoryStore(), zap.NewNop(), nil, 1, 0)
	err := w.Apply(context.Background(), reconcile.Item{Kind: "bogus"})
	assert.Error(t, err)
}

func TestWorker_RunCommitsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	dlq := &fakeWriter{}
	w := reconcile.NewWorker(ms, zap.NewNop(), dlq, 2, time.Millisecond)

	good := reconcile.NewItem(reconcile.KindTransactionAppend, placementTx("t1", "u1", -10), nil)
	// No balance row for u2, so the credit can never apply.
	stuck := reconcile.NewItem(reconcile.KindReferralCredit, model.Transaction{
		ID: "r1", UserID: "u2", Amount: coins(100), Currency: "coins",
		Type: model.TxReferralReward, ReferenceID: "rw1", Status: model.TxCompleted,
	}, nil)

	r := &fakeReader{msgs: []kafka.Message{
		encode(t, good, 1),
		{Offset: 2, Value: []byte("not json")},
		encode(t, stuck, 3),
	}}

	require.NoError(t, w.Run(ctx, r))

	assert.Len(t, r.committed, 3, "every message is committed once handled")
	require.Len(t, dlq.msgs, 2)
	assert.Equal(t, []byte("not json"), dlq.msgs[0].Value)
	assert.Equal(t, "error", dlq.msgs[1].Headers[0].Key)

	txs, err := ms.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestReporter_QueuesItem(t *testing.T) {
	q := reconcile.NewMemoryQueue()
	rep := reconcile.NewReporter(q, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // a cancelled request still gets its item queued

	rep.Report(ctx, reconcile.KindTransactionAppend, placementTx("t9", "u9", -20), errors.New("db down"))

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, reconcile.KindTransactionAppend, items[0].Kind)
	assert.Equal(t, "t9", items[0].Transaction.ID)
	assert.Equal(t, "db down", items[0].Reason)
	assert.NotEmpty(t, items[0].ID)
}
