// Package store defines the persistence interfaces for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// balance cache), and in-memory (for testing and local development).
//
// Every mutation that must be atomic is a single primitive here: a
// conditional decrement for debits, a unique constraint for bets, a
// status-guarded update for referral completion. Callers never read, decide
// and write back.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/coinwager/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned by Debit when the balance is lower
	// than the requested amount at the moment of the write.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrBetConflict is returned by InsertBet when the user already holds a
	// bet on the event.
	ErrBetConflict = errors.New("store: bet already exists for user and event")

	// ErrTransactionExists is returned by AppendTransaction when a
	// transaction with the same id was already recorded.
	ErrTransactionExists = errors.New("store: transaction already recorded")

	// ErrReferralExists is returned when the referred user already has a
	// referral reward row.
	ErrReferralExists = errors.New("store: referral already exists for referred user")
)

// BalanceStore holds one mutable balance per (user, currency).
type BalanceStore interface {
	// GetBalance returns the current balance or ErrNotFound.
	GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error)

	// EnsureBalance creates the balance row with the opening amount if it
	// does not exist yet. created reports whether this call inserted it.
	EnsureBalance(ctx context.Context, userID, currency string, opening decimal.Decimal) (created bool, err error)

	// Debit atomically subtracts amount if and only if the stored balance is
	// still >= amount. Returns ErrInsufficientFunds or ErrNotFound otherwise.
	Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error)

	// Credit atomically adds amount. Returns ErrNotFound if the row is missing.
	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Balance, error)
}

// BetLedger is the append-only record of accepted stakes.
type BetLedger interface {
	// HasBet is an advisory fast-path check. The unique constraint behind
	// InsertBet is the actual guarantee.
	HasBet(ctx context.Context, userID, eventID string) (bool, error)

	// InsertBet persists a bet. Returns ErrBetConflict when the user already
	// has a bet on the event.
	InsertBet(ctx context.Context, bet *model.Bet) error

	// CountBets returns the number of accepted (non-cancelled) bets of a user.
	CountBets(ctx context.Context, userID string) (int, error)

	// FirstBetID returns the id of the user's earliest non-cancelled bet,
	// ordered by (created_at, id), or ErrNotFound if there is none.
	FirstBetID(ctx context.Context, userID string) (string, error)

	// GetBet retrieves a bet by id.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// ListBetsByUser returns a user's bets, newest first.
	ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)
}

// TransactionLog is the append-only audit trail of balance movements.
type TransactionLog interface {
	// AppendTransaction records an entry. Returns ErrTransactionExists when
	// the id was already recorded.
	AppendTransaction(ctx context.Context, tx *model.Transaction) error

	// ListTransactionsByUser returns a user's entries, oldest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// SumTransactions returns the signed total of a user's entries in a currency.
	SumTransactions(ctx context.Context, userID, currency string) (decimal.Decimal, error)

	// CreditWithTransaction records tx and credits tx.Amount to the balance
	// in one atomic step, unless tx.ID is already recorded, in which case
	// nothing changes and applied is false.
	CreditWithTransaction(ctx context.Context, tx *model.Transaction) (applied bool, err error)
}

// ReferralStore persists referral reward rows.
type ReferralStore interface {
	// CreateReferralReward provisions a pending reward for a referred user.
	CreateReferralReward(ctx context.Context, r *model.ReferralReward) error

	// GetPendingReferral returns the pending reward of a referred user or
	// ErrNotFound if there is none.
	GetPendingReferral(ctx context.Context, referredID string) (*model.ReferralReward, error)

	// GetReferralByReferred returns the reward row in any status.
	GetReferralByReferred(ctx context.Context, referredID string) (*model.ReferralReward, error)

	// CompleteReferral flips the row from pending to completed. won is true
	// only for the single caller whose update matched a pending row.
	CompleteReferral(ctx context.Context, id string) (won bool, err error)

	// GetReferralStats aggregates rewards by referrer.
	GetReferralStats(ctx context.Context, referrerID string) (*model.ReferralStats, error)
}

// EventStore gives read access to event lifecycle state. Authoring lives
// elsewhere; CreateEvent exists for provisioning and seeding.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	CreateEvent(ctx context.Context, e *model.Event) error
}

// Store is the full persistence interface.
type Store interface {
	BalanceStore
	BetLedger
	TransactionLog
	ReferralStore
	EventStore
}

// TxStore is implemented by stores that can run several operations inside a
// single database transaction. fn receives a Store bound to the transaction;
// returning an error from fn rolls everything back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
