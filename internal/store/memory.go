package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwager/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// The mutex plays the role of the database's row locks and constraints:
// each method is one atomic primitive, exactly like its SQL counterpart.
type MemoryStore struct {
	mu           sync.RWMutex
	balances     map[string]*model.Balance // userID|currency
	bets         map[string]*model.Bet
	betKeys      map[string]string // userID|eventID → bet id
	transactions []model.Transaction
	txIDs        map[string]struct{}
	referrals    map[string]*model.ReferralReward // id
	referredIdx  map[string]string                // referredID → id
	events       map[string]*model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*model.Balance),
		bets:        make(map[string]*model.Bet),
		betKeys:     make(map[string]string),
		txIDs:       make(map[string]struct{}),
		referrals:   make(map[string]*model.ReferralReward),
		referredIdx: make(map[string]string),
		events:      make(map[string]*model.Event),
	}
}

func pairKey(a, b string) string { return a + "|" + b }

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID, currency string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[pairKey(userID, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) EnsureBalance(_ context.Context, userID, currency string, opening decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userID, currency)
	if _, ok := s.balances[key]; ok {
		return false, nil
	}
	s.balances[key] = &model.Balance{
		UserID:    userID,
		Currency:  currency,
		Amount:    opening,
		UpdatedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *MemoryStore) Debit(_ context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[pairKey(userID, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Amount.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	b.Amount = b.Amount.Sub(amount)
	b.UpdatedAt = time.Now().UTC()
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creditLocked(userID, currency, amount)
}

func (s *MemoryStore) creditLocked(userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	b, ok := s.balances[pairKey(userID, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	b.Amount = b.Amount.Add(amount)
	b.UpdatedAt = time.Now().UTC()
	copy := *b
	return &copy, nil
}

// --- Bets ---

func (s *MemoryStore) HasBet(_ context.Context, userID, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.betKeys[pairKey(userID, eventID)]
	return ok, nil
}

func (s *MemoryStore) InsertBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(bet.UserID, bet.EventID)
	if _, ok := s.betKeys[key]; ok {
		return ErrBetConflict
	}
	copy := *bet
	s.bets[bet.ID] = &copy
	s.betKeys[key] = bet.ID
	return nil
}

func (s *MemoryStore) CountBets(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, b := range s.bets {
		if b.UserID == userID && b.Status != model.BetCancelled {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FirstBetID(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first *model.Bet
	for _, b := range s.bets {
		if b.UserID != userID || b.Status == model.BetCancelled {
			continue
		}
		if first == nil || b.CreatedAt.Before(first.CreatedAt) ||
			(b.CreatedAt.Equal(first.CreatedAt) && b.ID < first.ID) {
			first = b
		}
	}
	if first == nil {
		return "", ErrNotFound
	}
	return first.ID, nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.UserID == userID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// --- Transactions ---

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(tx)
}

func (s *MemoryStore) appendLocked(tx *model.Transaction) error {
	if _, ok := s.txIDs[tx.ID]; ok {
		return ErrTransactionExists
	}
	s.txIDs[tx.ID] = struct{}{}
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.transactions {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) SumTransactions(_ context.Context, userID, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range s.transactions {
		if t.UserID == userID && t.Currency == currency {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (s *MemoryStore) CreditWithTransaction(_ context.Context, tx *model.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txIDs[tx.ID]; ok {
		return false, nil
	}
	if _, ok := s.balances[pairKey(tx.UserID, tx.Currency)]; !ok {
		return false, ErrNotFound
	}
	if _, err := s.creditLocked(tx.UserID, tx.Currency, tx.Amount); err != nil {
		return false, err
	}
	if err := s.appendLocked(tx); err != nil {
		return false, err
	}
	return true, nil
}

// --- Referrals ---

func (s *MemoryStore) CreateReferralReward(_ context.Context, r *model.ReferralReward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.referredIdx[r.ReferredID]; ok {
		return ErrReferralExists
	}
	copy := *r
	s.referrals[r.ID] = &copy
	s.referredIdx[r.ReferredID] = r.ID
	return nil
}

func (s *MemoryStore) GetPendingReferral(ctx context.Context, referredID string) (*model.ReferralReward, error) {
	r, err := s.GetReferralByReferred(ctx, referredID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.ReferralPending {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) GetReferralByReferred(_ context.Context, referredID string) (*model.ReferralReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.referredIdx[referredID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *s.referrals[id]
	return &copy, nil
}

func (s *MemoryStore) CompleteReferral(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[id]
	if !ok || r.Status != model.ReferralPending {
		return false, nil
	}
	r.Status = model.ReferralCompleted
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) GetReferralStats(_ context.Context, referrerID string) (*model.ReferralStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.ReferralStats{ReferrerID: referrerID, CoinsEarned: decimal.Zero}
	for _, r := range s.referrals {
		if r.ReferrerID != referrerID {
			continue
		}
		stats.TotalReferrals++
		if r.Status == model.ReferralCompleted {
			stats.CompletedRewards++
			stats.CoinsEarned = stats.CoinsEarned.Add(r.ReferrerAmount)
		} else {
			stats.PendingRewards++
		}
	}
	return stats, nil
}

// --- Events ---

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *e
	s.events[e.ID] = &copy
	return nil
}
