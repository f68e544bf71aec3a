package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinwager/ledger-engine/internal/model"
)

const (
	pgUniqueViolation = "23505"

	betUserEventConstraint = "bets_user_event_key"
	referredConstraint     = "referral_rewards_referred_key"
)

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    queryable
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// WithTx runs fn inside a single database transaction. Nested calls reuse
// the outer transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PostgresStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	b := model.Balance{UserID: userID, Currency: currency}
	var amount string

	err := s.q.QueryRow(ctx,
		`SELECT amount::TEXT, updated_at FROM balances WHERE user_id = $1 AND currency = $2`,
		userID, currency).Scan(&amount, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", userID, currency, err)
	}

	b.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) EnsureBalance(ctx context.Context, userID, currency string, opening decimal.Decimal) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO balances (user_id, currency, amount, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, now())
		 ON CONFLICT (user_id, currency) DO NOTHING`,
		userID, currency, opening.String())
	if err != nil {
		return false, fmt.Errorf("ensure balance %s/%s: %w", userID, currency, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Debit is a single conditional UPDATE: the floor check and the decrement
// happen in the same statement under the row lock.
func (s *PostgresStore) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	b := model.Balance{UserID: userID, Currency: currency}
	var newAmount string

	err := s.q.QueryRow(ctx,
		`UPDATE balances
		 SET amount = amount - $3::NUMERIC, updated_at = now()
		 WHERE user_id = $1 AND currency = $2 AND amount >= $3::NUMERIC
		 RETURNING amount::TEXT, updated_at`,
		userID, currency, amount.String()).Scan(&newAmount, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := s.balanceExists(ctx, userID, currency)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("debit %s/%s: %w", userID, currency, err)
	}

	b.Amount, _ = decimal.NewFromString(newAmount)
	return &b, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	b := model.Balance{UserID: userID, Currency: currency}
	var newAmount string

	err := s.q.QueryRow(ctx,
		`UPDATE balances
		 SET amount = amount + $3::NUMERIC, updated_at = now()
		 WHERE user_id = $1 AND currency = $2
		 RETURNING amount::TEXT, updated_at`,
		userID, currency, amount.String()).Scan(&newAmount, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit %s/%s: %w", userID, currency, err)
	}

	b.Amount, _ = decimal.NewFromString(newAmount)
	return &b, nil
}

func (s *PostgresStore) balanceExists(ctx context.Context, userID, currency string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM balances WHERE user_id = $1 AND currency = $2)`,
		userID, currency).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check balance %s/%s: %w", userID, currency, err)
	}
	return exists, nil
}

// --- Bets ---

func (s *PostgresStore) HasBet(ctx context.Context, userID, eventID string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bets WHERE user_id = $1 AND event_id = $2)`,
		userID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check bet %s/%s: %w", userID, eventID, err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO bets (id, user_id, event_id, amount, currency, prediction, odds, potential_payout, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		b.ID, b.UserID, b.EventID, b.Amount.String(), b.Currency, b.Prediction,
		b.Odds.String(), b.PotentialPayout.String(), string(b.Status),
		b.CreatedAt, b.UpdatedAt,
	)
	if isUniqueViolation(err, betUserEventConstraint) {
		return ErrBetConflict
	}
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) CountBets(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM bets WHERE user_id = $1 AND status <> 'cancelled'`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bets %s: %w", userID, err)
	}
	return n, nil
}

func (s *PostgresStore) FirstBetID(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.q.QueryRow(ctx,
		`SELECT id FROM bets
		 WHERE user_id = $1 AND status <> 'cancelled'
		 ORDER BY created_at, id
		 LIMIT 1`,
		userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("first bet %s: %w", userID, err)
	}
	return id, nil
}

const betColumns = `id, user_id, event_id, amount::TEXT, currency, prediction,
	odds::TEXT, potential_payout::TEXT, status, created_at, updated_at`

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	rows, err := s.q.Query(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	defer rows.Close()

	bets, err := scanBets(rows)
	if err != nil {
		return nil, err
	}
	if len(bets) == 0 {
		return nil, ErrNotFound
	}
	return &bets[0], nil
}

func (s *PostgresStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list bets %s: %w", userID, err)
	}
	defer rows.Close()

	return scanBets(rows)
}

// --- Transactions ---

func (s *PostgresStore) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}

	_, err = s.q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, amount, currency, type, reference_id, status, metadata, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, t.Amount.String(), t.Currency, string(t.Type),
		t.ReferenceID, string(t.Status), metadata, t.CreatedAt,
	)
	if isUniqueViolation(err, "") {
		return ErrTransactionExists
	}
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, amount::TEXT, currency, type, reference_id, status, metadata, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, typ, status string
		var metadata []byte

		if err := rows.Scan(&t.ID, &t.UserID, &amount, &t.Currency, &typ,
			&t.ReferenceID, &status, &metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.Type = model.TransactionType(typ)
		t.Status = model.TransactionStatus(status)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal transaction metadata: %w", err)
			}
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) SumTransactions(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	var sum string
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM transactions WHERE user_id = $1 AND currency = $2`,
		userID, currency).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum transactions %s/%s: %w", userID, currency, err)
	}
	return decimal.NewFromString(sum)
}

func (s *PostgresStore) CreditWithTransaction(ctx context.Context, t *model.Transaction) (bool, error) {
	applied := false
	err := s.WithTx(ctx, func(tx Store) error {
		pg := tx.(*PostgresStore)

		metadata, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transaction metadata: %w", err)
		}
		tag, err := pg.q.Exec(ctx,
			`INSERT INTO transactions (id, user_id, amount, currency, type, reference_id, status, metadata, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.UserID, t.Amount.String(), t.Currency, string(t.Type),
			t.ReferenceID, string(t.Status), metadata, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append transaction %s: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := pg.Credit(ctx, t.UserID, t.Currency, t.Amount); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// --- Referrals ---

const referralColumns = `id, referrer_id, referred_id, referrer_amount::TEXT,
	referred_amount::TEXT, status, created_at, updated_at`

func (s *PostgresStore) CreateReferralReward(ctx context.Context, r *model.ReferralReward) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO referral_rewards (id, referrer_id, referred_id, referrer_amount, referred_amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		r.ID, r.ReferrerID, r.ReferredID,
		r.ReferrerAmount.String(), r.ReferredAmount.String(),
		string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err, referredConstraint) {
		return ErrReferralExists
	}
	if err != nil {
		return fmt.Errorf("create referral reward for %s: %w", r.ReferredID, err)
	}
	return nil
}

func (s *PostgresStore) GetPendingReferral(ctx context.Context, referredID string) (*model.ReferralReward, error) {
	return s.getReferral(ctx,
		`SELECT `+referralColumns+` FROM referral_rewards WHERE referred_id = $1 AND status = 'pending'`,
		referredID)
}

func (s *PostgresStore) GetReferralByReferred(ctx context.Context, referredID string) (*model.ReferralReward, error) {
	return s.getReferral(ctx,
		`SELECT `+referralColumns+` FROM referral_rewards WHERE referred_id = $1`,
		referredID)
}

func (s *PostgresStore) getReferral(ctx context.Context, query, referredID string) (*model.ReferralReward, error) {
	var r model.ReferralReward
	var referrerAmount, referredAmount, status string

	err := s.q.QueryRow(ctx, query, referredID).Scan(
		&r.ID, &r.ReferrerID, &r.ReferredID,
		&referrerAmount, &referredAmount, &status,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get referral for %s: %w", referredID, err)
	}

	r.ReferrerAmount, _ = decimal.NewFromString(referrerAmount)
	r.ReferredAmount, _ = decimal.NewFromString(referredAmount)
	r.Status = model.ReferralStatus(status)
	return &r, nil
}

// CompleteReferral only matches a pending row, so concurrent callers race on
// the row lock and exactly one sees RowsAffected == 1.
func (s *PostgresStore) CompleteReferral(ctx context.Context, id string) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE referral_rewards SET status = 'completed', updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("complete referral %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetReferralStats(ctx context.Context, referrerID string) (*model.ReferralStats, error) {
	stats := &model.ReferralStats{ReferrerID: referrerID}
	var earned string

	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'pending'),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COALESCE(SUM(referrer_amount) FILTER (WHERE status = 'completed'), 0)::TEXT
		 FROM referral_rewards WHERE referrer_id = $1`, referrerID).
		Scan(&stats.TotalReferrals, &stats.PendingRewards, &stats.CompletedRewards, &earned)
	if err != nil {
		return nil, fmt.Errorf("referral stats %s: %w", referrerID, err)
	}
	stats.CoinsEarned, _ = decimal.NewFromString(earned)
	return stats, nil
}

// --- Events ---

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	var status string

	err := s.q.QueryRow(ctx,
		`SELECT id, title, status, created_at FROM events WHERE id = $1`, id).
		Scan(&e.ID, &e.Title, &status, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	e.Status = model.EventStatus(status)
	return &e, nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO events (id, title, status, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.Title, string(e.Status), createdAt)
	if err != nil {
		return fmt.Errorf("create event %s: %w", e.ID, err)
	}
	return nil
}

// scanBets reads pgx rows into Bet slices.
func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var amount, odds, payout, status string

		if err := rows.Scan(&b.ID, &b.UserID, &b.EventID, &amount, &b.Currency,
			&b.Prediction, &odds, &payout, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}

		b.Amount, _ = decimal.NewFromString(amount)
		b.Odds, _ = decimal.NewFromString(odds)
		b.PotentialPayout, _ = decimal.NewFromString(payout)
		b.Status = model.BetStatus(status)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// isUniqueViolation reports whether err is a unique violation, optionally on
// a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
