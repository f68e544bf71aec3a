package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/model"
	"github.com/coinwager/ledger-engine/internal/store"
)

// setupPostgres starts a PostgreSQL container, applies the migrations and
// returns a connected pool.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: requires Docker")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ledger_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.MigrateUp(url))

	version, dirty, err := store.MigrateVersion(url)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.False(t, dirty)

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func seedEvent(t *testing.T, st store.EventStore, id string, status model.EventStatus) {
	t.Helper()
	require.NoError(t, st.CreateEvent(context.Background(), &model.Event{
		ID: id, Title: "Event " + id, Status: status, CreatedAt: time.Now().UTC(),
	}))
}

func newBet(id, userID, eventID string, amount int64) *model.Bet {
	now := time.Now().UTC()
	a := coins(amount)
	return &model.Bet{
		ID: id, UserID: userID, EventID: eventID,
		Amount: a, Currency: "coins", Prediction: true,
		Odds: model.FixedOdds, PotentialPayout: model.PotentialPayout(a, model.FixedOdds),
		Status: model.BetActive, CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresStore(t *testing.T) {
	pool := setupPostgres(t)
	st := store.NewPostgresStore(pool)
	ctx := context.Background()

	seedEvent(t, st, "e1", model.EventActive)
	seedEvent(t, st, "e2", model.EventClosed)

	t.Run("events", func(t *testing.T) {
		e, err := st.GetEvent(ctx, "e2")
		require.NoError(t, err)
		assert.Equal(t, model.EventClosed, e.Status)

		_, err = st.GetEvent(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("conditional debit", func(t *testing.T) {
		_, err := st.Debit(ctx, "debit-user", "coins", coins(10))
		assert.ErrorIs(t, err, store.ErrNotFound)

		created, err := st.EnsureBalance(ctx, "debit-user", "coins", coins(100))
		require.NoError(t, err)
		assert.True(t, created)
		created, err = st.EnsureBalance(ctx, "debit-user", "coins", coins(100))
		require.NoError(t, err)
		assert.False(t, created)

		b, err := st.Debit(ctx, "debit-user", "coins", coins(50))
		require.NoError(t, err)
		assert.True(t, b.Amount.Equal(coins(50)), "got %s", b.Amount)

		_, err = st.Debit(ctx, "debit-user", "coins", coins(51))
		assert.ErrorIs(t, err, store.ErrInsufficientFunds)

		b, err = st.Credit(ctx, "debit-user", "coins", coins(5))
		require.NoError(t, err)
		assert.True(t, b.Amount.Equal(coins(55)))
	})

	t.Run("concurrent debits never overspend", func(t *testing.T) {
		_, err := st.EnsureBalance(ctx, "race-user", "coins", coins(100))
		require.NoError(t, err)

		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := st.Debit(ctx, "race-user", "coins", coins(10)); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 10, ok.Load())
		b, err := st.GetBalance(ctx, "race-user", "coins")
		require.NoError(t, err)
		assert.True(t, b.Amount.IsZero())
	})

	t.Run("unique bet per user and event", func(t *testing.T) {
		require.NoError(t, st.InsertBet(ctx, newBet("pb1", "bettor", "e1", 50)))
		err := st.InsertBet(ctx, newBet("pb2", "bettor", "e1", 30))
		assert.ErrorIs(t, err, store.ErrBetConflict)

		has, err := st.HasBet(ctx, "bettor", "e1")
		require.NoError(t, err)
		assert.True(t, has)

		got, err := st.GetBet(ctx, "pb1")
		require.NoError(t, err)
		assert.True(t, got.PotentialPayout.Equal(coins(100)))
		assert.True(t, got.Odds.Equal(model.FixedOdds))

		n, err := st.CountBets(ctx, "bettor")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("first bet orders by created_at then id", func(t *testing.T) {
		at := time.Now().UTC().Truncate(time.Microsecond)
		for _, id := range []string{"fb-z", "fb-a"} {
			b := newBet(id, "first-bettor", "e1", 10)
			if id == "fb-z" {
				b.EventID = "e2"
			}
			b.CreatedAt = at
			require.NoError(t, st.InsertBet(ctx, b))
		}

		id, err := st.FirstBetID(ctx, "first-bettor")
		require.NoError(t, err)
		assert.Equal(t, "fb-a", id)

		_, err = st.FirstBetID(ctx, "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("transaction rollback restores debit", func(t *testing.T) {
		_, err := st.EnsureBalance(ctx, "tx-user", "coins", coins(100))
		require.NoError(t, err)
		require.NoError(t, st.InsertBet(ctx, newBet("tb1", "tx-user", "e1", 10)))

		err = st.WithTx(ctx, func(tx store.Store) error {
			if _, err := tx.Debit(ctx, "tx-user", "coins", coins(40)); err != nil {
				return err
			}
			return tx.InsertBet(ctx, newBet("tb2", "tx-user", "e1", 40))
		})
		assert.ErrorIs(t, err, store.ErrBetConflict)

		b, err := st.GetBalance(ctx, "tx-user", "coins")
		require.NoError(t, err)
		assert.True(t, b.Amount.Equal(coins(100)), "debit must roll back, got %s", b.Amount)
	})

	t.Run("transactions are append-only", func(t *testing.T) {
		tx := &model.Transaction{
			ID: "pt1", UserID: "log-user", Amount: coins(-25), Currency: "coins",
			Type: model.TxBetPlacement, ReferenceID: "pb1", Status: model.TxCompleted,
			Metadata: map[string]string{"event_id": "e1"}, CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, st.AppendTransaction(ctx, tx))
		assert.ErrorIs(t, st.AppendTransaction(ctx, tx), store.ErrTransactionExists)

		_, err := pool.Exec(ctx, `UPDATE transactions SET amount = 0 WHERE id = 'pt1'`)
		assert.Error(t, err)
		_, err = pool.Exec(ctx, `DELETE FROM transactions WHERE id = 'pt1'`)
		assert.Error(t, err)

		txs, err := st.ListTransactionsByUser(ctx, "log-user")
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "e1", txs[0].Metadata["event_id"])
		assert.True(t, txs[0].Amount.Equal(coins(-25)))

		sum, err := st.SumTransactions(ctx, "log-user", "coins")
		require.NoError(t, err)
		assert.True(t, sum.Equal(coins(-25)))
	})

	t.Run("credit with transaction is idempotent", func(t *testing.T) {
		_, err := st.EnsureBalance(ctx, "reward-user", "coins", coins(0))
		require.NoError(t, err)

		tx := &model.Transaction{
			ID: "rc1", UserID: "reward-user", Amount: coins(50), Currency: "coins",
			Type: model.TxReferralReward, ReferenceID: "rw", Status: model.TxCompleted, CreatedAt: time.Now().UTC(),
		}
		applied, err := st.CreditWithTransaction(ctx, tx)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = st.CreditWithTransaction(ctx, tx)
		require.NoError(t, err)
		assert.False(t, applied)

		b, err := st.GetBalance(ctx, "reward-user", "coins")
		require.NoError(t, err)
		assert.True(t, b.Amount.Equal(coins(50)))
	})

	t.Run("referral completes exactly once", func(t *testing.T) {
		r := &model.ReferralReward{
			ID: "prw1", ReferrerID: "referrer", ReferredID: "referred",
			ReferrerAmount: model.ReferrerRewardAmount, ReferredAmount: model.ReferredRewardAmount,
			Status: model.ReferralPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, st.CreateReferralReward(ctx, r))
		dup := *r
		dup.ID = "prw2"
		assert.ErrorIs(t, st.CreateReferralReward(ctx, &dup), store.ErrReferralExists)

		pending, err := st.GetPendingReferral(ctx, "referred")
		require.NoError(t, err)
		assert.True(t, pending.ReferrerAmount.Equal(coins(100)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if won, err := st.CompleteReferral(ctx, "prw1"); err == nil && won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())

		_, err = st.GetPendingReferral(ctx, "referred")
		assert.ErrorIs(t, err, store.ErrNotFound)

		stats, err := st.GetReferralStats(ctx, "referrer")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.CompletedRewards)
		assert.True(t, stats.CoinsEarned.Equal(coins(100)))
	})
}

// setupRedis starts a Redis container and returns a connected client.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: requires Docker")
	}
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisC.Terminate(context.Background()) })

	endpoint, err := redisC.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedStore(t *testing.T) {
	pool := setupPostgres(t)
	rdb := setupRedis(t)
	ctx := context.Background()

	st := store.NewCachedStore(store.NewPostgresStore(pool), rdb, time.Minute, zap.NewNop())
	txs, ok := st.(store.TxStore)
	require.True(t, ok, "cached postgres store must keep transaction support")

	_, err := st.EnsureBalance(ctx, "cached", "coins", coins(100))
	require.NoError(t, err)

	b, err := st.GetBalance(ctx, "cached", "coins")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(coins(100)))

	_, err = st.Debit(ctx, "cached", "coins", coins(30))
	require.NoError(t, err)
	b, err = st.GetBalance(ctx, "cached", "coins")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(coins(70)), "debit must invalidate the cached balance")

	// Warm the cache, then move the balance inside a transaction.
	_, err = st.GetBalance(ctx, "cached", "coins")
	require.NoError(t, err)
	errAbort := errors.New("abort")
	err = txs.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.Debit(ctx, "cached", "coins", coins(20)); err != nil {
			return err
		}
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	err = txs.WithTx(ctx, func(tx store.Store) error {
		_, err := tx.Debit(ctx, "cached", "coins", coins(20))
		return err
	})
	require.NoError(t, err)

	b, err = st.GetBalance(ctx, "cached", "coins")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(coins(50)), "got %s", b.Amount)
}

// racingPrimary runs onRead once, after loading a balance and before
// returning it, to land a write inside a cache fill.
type racingPrimary struct {
	store.Store
	onRead func()
}

func (r *racingPrimary) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	b, err := r.Store.GetBalance(ctx, userID, currency)
	if f := r.onRead; f != nil {
		r.onRead = nil
		f()
	}
	return b, err
}

func TestCachedStore_WriteDuringFillIsNotCachedStale(t *testing.T) {
	pool := setupPostgres(t)
	rdb := setupRedis(t)
	ctx := context.Background()

	primary := &racingPrimary{Store: store.NewPostgresStore(pool)}
	st := store.NewCachedStore(primary, rdb, time.Minute, zap.NewNop())

	_, err := st.EnsureBalance(ctx, "racy", "coins", coins(100))
	require.NoError(t, err)

	primary.onRead = func() {
		_, err := st.Debit(ctx, "racy", "coins", coins(10))
		require.NoError(t, err)
	}

	// This read loaded 100 before the debit committed.
	b, err := st.GetBalance(ctx, "racy", "coins")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(coins(100)))

	b, err = st.GetBalance(ctx, "racy", "coins")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(coins(90)), "stale balance was cached: got %s", b.Amount)
}
