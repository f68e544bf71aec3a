// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wager limits and fixed pricing. There is no odds market: every accepted
// stake pays out at FixedOdds.
var (
	MinBet    = decimal.NewFromInt(10)
	MaxBet    = decimal.NewFromInt(1000)
	FixedOdds = decimal.RequireFromString("2.00")

	// Default referral payouts, copied onto a ReferralReward row when the
	// referred account is provisioned.
	ReferrerRewardAmount = decimal.NewFromInt(100)
	ReferredRewardAmount = decimal.NewFromInt(50)
)

// DefaultCurrency is the virtual currency every account is provisioned with.
const DefaultCurrency = "coins"

// Balance is the current-state row for one (user, currency) pair.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // never negative
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// BetStatus is the lifecycle state of a bet. Only the resolution process
// (outside this service) moves a bet past active.
type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetActive    BetStatus = "active"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
	BetCancelled BetStatus = "cancelled"
)

// Bet is one accepted stake. At most one exists per (user, event).
type Bet struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	EventID         string          `json:"event_id" db:"event_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Currency        string          `json:"currency" db:"currency"`
	Prediction      bool            `json:"prediction" db:"prediction"`
	Odds            decimal.Decimal `json:"odds" db:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout" db:"potential_payout"` // amount × odds
	Status          BetStatus       `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// TransactionType classifies a balance-affecting entry.
type TransactionType string

const (
	TxBetPlacement   TransactionType = "bet_placement"
	TxBetSettlement  TransactionType = "bet_settlement"
	TxReferralReward TransactionType = "referral_reward"
	TxDeposit        TransactionType = "deposit"
	TxWithdrawal     TransactionType = "withdrawal"
)

// TransactionStatus of an audit entry.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxPending   TransactionStatus = "pending"
)

// Transaction is an immutable audit record of a balance movement.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	UserID      string            `json:"user_id" db:"user_id"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"` // signed: -stake, +reward
	Currency    string            `json:"currency" db:"currency"`
	Type        TransactionType   `json:"type" db:"type"`
	ReferenceID string            `json:"reference_id" db:"reference_id"` // bet or referral reward id
	Status      TransactionStatus `json:"status" db:"status"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// ReferralStatus moves pending → completed exactly once.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

// ReferralReward links a referred user to the referrer who invited them.
// At most one row exists per referred user.
type ReferralReward struct {
	ID             string          `json:"id" db:"id"`
	ReferrerID     string          `json:"referrer_id" db:"referrer_id"`
	ReferredID     string          `json:"referred_id" db:"referred_id"`
	ReferrerAmount decimal.Decimal `json:"referrer_amount" db:"referrer_amount"`
	ReferredAmount decimal.Decimal `json:"referred_amount" db:"referred_amount"`
	Status         ReferralStatus  `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ReferralStats summarises a referrer's invitations.
type ReferralStats struct {
	ReferrerID       string          `json:"referrer_id"`
	TotalReferrals   int             `json:"total_referrals"`
	PendingRewards   int             `json:"pending_rewards"`
	CompletedRewards int             `json:"completed_rewards"`
	CoinsEarned      decimal.Decimal `json:"coins_earned"`
}

// EventStatus is owned by the event authoring/resolution surfaces.
type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventActive    EventStatus = "active"
	EventClosed    EventStatus = "closed"
	EventResolved  EventStatus = "resolved"
	EventCancelled EventStatus = "cancelled"
)

// Event is a binary-outcome question users can stake on.
type Event struct {
	ID        string      `json:"id" db:"id"`
	Title     string      `json:"title" db:"title"`
	Status    EventStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// PotentialPayout is the fixed-multiplier payout of a stake.
func PotentialPayout(amount, odds decimal.Decimal) decimal.Decimal {
	return amount.Mul(odds)
}
