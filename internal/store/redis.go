package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balance reads. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
//
// The cache only serves the read-balance API. Debits never consult it: the
// conditional write in the primary is the only authority on funds.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	log     *zap.Logger
}

// cachedTxStore adds WithTx when the primary supports transactions.
type cachedTxStore struct {
	*CachedStore
	txPrimary TxStore
}

// NewCachedStore creates a cached wrapper around a primary store. The result
// implements TxStore whenever primary does.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, log *zap.Logger) Store {
	if log == nil {
		log = zap.NewNop()
	}
	cs := &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		log:     log,
	}
	if txp, ok := primary.(TxStore); ok {
		return &cachedTxStore{CachedStore: cs, txPrimary: txp}
	}
	return cs
}

// WithTx delegates to the primary and invalidates every balance touched
// inside the transaction once it has finished, committed or not.
func (s *cachedTxStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	rec := &touchRecorder{}
	err := s.txPrimary.WithTx(ctx, func(tx Store) error {
		return fn(&recordingStore{Store: tx, rec: rec})
	})
	for _, key := range rec.keys() {
		s.invalidate(ctx, key)
	}
	return err
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) EnsureBalance(ctx context.Context, userID, currency string, opening decimal.Decimal) (bool, error) {
	created, err := s.primary.EnsureBalance(ctx, userID, currency, opening)
	if err != nil {
		return false, err
	}
	if created {
		s.invalidate(ctx, balanceKey(userID, currency))
	}
	return created, nil
}

func (s *CachedStore) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	b, err := s.primary.Debit(ctx, userID, currency, amount)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, balanceKey(userID, currency))
	return b, nil
}

func (s *CachedStore) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	b, err := s.primary.Credit(ctx, userID, currency, amount)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, balanceKey(userID, currency))
	return b, nil
}

func (s *CachedStore) CreditWithTransaction(ctx context.Context, tx *model.Transaction) (bool, error) {
	applied, err := s.primary.CreditWithTransaction(ctx, tx)
	if err != nil {
		return false, err
	}
	if applied {
		s.invalidate(ctx, balanceKey(tx.UserID, tx.Currency))
	}
	return applied, nil
}

func (s *CachedStore) CompleteReferral(ctx context.Context, id string) (bool, error) {
	return s.primary.CompleteReferral(ctx, id)
}

// --- Read-through (check cache first) ---

// GetBalance loads a miss from the primary under WATCH on the balance's
// version key. A write that invalidates the balance between the load and the
// SET aborts the SET, so a pre-write value is never cached after the write.
func (s *CachedStore) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	key := balanceKey(userID, currency)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	var b *model.Balance
	var primaryErr error
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		b, primaryErr = s.primary.GetBalance(ctx, userID, currency)
		if primaryErr != nil {
			return primaryErr
		}
		data, err := json.Marshal(b)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, versionKey(key))
	if primaryErr != nil {
		return nil, primaryErr
	}
	if b == nil {
		// Redis unavailable before the load; serve from the primary.
		return s.primary.GetBalance(ctx, userID, currency)
	}
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		s.log.Warn("balance cache fill failed", zap.String("key", key), zap.Error(err))
	}
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) HasBet(ctx context.Context, userID, eventID string) (bool, error) {
	return s.primary.HasBet(ctx, userID, eventID)
}

func (s *CachedStore) InsertBet(ctx context.Context, bet *model.Bet) error {
	return s.primary.InsertBet(ctx, bet)
}

func (s *CachedStore) CountBets(ctx context.Context, userID string) (int, error) {
	return s.primary.CountBets(ctx, userID)
}

func (s *CachedStore) FirstBetID(ctx context.Context, userID string) (string, error) {
	return s.primary.FirstBetID(ctx, userID)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.ListBetsByUser(ctx, userID)
}

func (s *CachedStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.primary.AppendTransaction(ctx, tx)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) SumTransactions(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	return s.primary.SumTransactions(ctx, userID, currency)
}

func (s *CachedStore) CreateReferralReward(ctx context.Context, r *model.ReferralReward) error {
	return s.primary.CreateReferralReward(ctx, r)
}

func (s *CachedStore) GetPendingReferral(ctx context.Context, referredID string) (*model.ReferralReward, error) {
	return s.primary.GetPendingReferral(ctx, referredID)
}

func (s *CachedStore) GetReferralByReferred(ctx context.Context, referredID string) (*model.ReferralReward, error) {
	return s.primary.GetReferralByReferred(ctx, referredID)
}

func (s *CachedStore) GetReferralStats(ctx context.Context, referrerID string) (*model.ReferralStats, error) {
	return s.primary.GetReferralStats(ctx, referrerID)
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.primary.GetEvent(ctx, id)
}

func (s *CachedStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.primary.CreateEvent(ctx, e)
}

// --- Transaction bookkeeping ---

// recordingStore notes which balances a transaction touched.
type recordingStore struct {
	Store
	rec *touchRecorder
}

func (r *recordingStore) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	r.rec.add(balanceKey(userID, currency))
	return r.Store.Debit(ctx, userID, currency, amount)
}

func (r *recordingStore) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	r.rec.add(balanceKey(userID, currency))
	return r.Store.Credit(ctx, userID, currency, amount)
}

func (r *recordingStore) EnsureBalance(ctx context.Context, userID, currency string, opening decimal.Decimal) (bool, error) {
	r.rec.add(balanceKey(userID, currency))
	return r.Store.EnsureBalance(ctx, userID, currency, opening)
}

func (r *recordingStore) CreditWithTransaction(ctx context.Context, tx *model.Transaction) (bool, error) {
	r.rec.add(balanceKey(tx.UserID, tx.Currency))
	return r.Store.CreditWithTransaction(ctx, tx)
}

type touchRecorder struct {
	mu      sync.Mutex
	touched []string
}

func (t *touchRecorder) add(key string) {
	t.mu.Lock()
	t.touched = append(t.touched, key)
	t.mu.Unlock()
}

func (t *touchRecorder) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.touched...)
}

// --- Cache helpers ---

// invalidate drops the cached balance and bumps its version in one MULTI.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	vkey := versionKey(key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Incr(ctx, vkey)
		if s.ttl > 0 {
			pipe.Expire(ctx, vkey, s.ttl)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("balance cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

func balanceKey(userID, currency string) string { return fmt.Sprintf("balance:%s:%s", userID, currency) }

func versionKey(key string) string { return key + ":v" }
