// Package referral pays the one-time referral bonus when a referred user
// places their first accepted bet.
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/metrics"
	"github.com/coinwager/ledger-engine/internal/model"
	"github.com/coinwager/ledger-engine/internal/reconcile"
	"github.com/coinwager/ledger-engine/internal/store"
)

// Ledger is the persistence the processor needs.
type Ledger interface {
	store.Provisioner
	FirstBetID(ctx context.Context, userID string) (string, error)
	GetPendingReferral(ctx context.Context, referredID string) (*model.ReferralReward, error)
	CompleteReferral(ctx context.Context, id string) (bool, error)
	CreditWithTransaction(ctx context.Context, tx *model.Transaction) (bool, error)
}

// Reporter receives credits that could not be applied after the reward was
// already completed.
type Reporter interface {
	Report(ctx context.Context, kind reconcile.Kind, tx model.Transaction, cause error)
}

// Result of a first-bet check.
type Result struct {
	IsFirstBet      bool
	RewardProcessed bool
	ReferrerID      string

	// Reward is the completed row when RewardProcessed is true.
	Reward *model.ReferralReward
}

// Role of a party in a referral credit.
const (
	RoleReferrer = "referrer"
	RoleReferred = "referred"
)

// creditNamespace derives referral credit transaction ids, so each
// (reward, role) pair maps to exactly one transaction id.
var creditNamespace = uuid.MustParse("6f1d1c64-2b5e-4a8e-9a53-3c1f0d0e7a21")

// CreditTransactionID returns the transaction id used for one party's credit.
func CreditTransactionID(rewardID, role string) string {
	return uuid.NewSHA1(creditNamespace, []byte(rewardID+":"+role)).String()
}

// Processor runs the first-bet referral check.
type Processor struct {
	ledger   Ledger
	reporter Reporter
	log      *zap.Logger
	currency string
	opening  decimal.Decimal
}

// NewProcessor creates a Processor. Credits go to currency; a party without a
// balance in it is provisioned with opening first.
func NewProcessor(ledger Ledger, reporter Reporter, log *zap.Logger, currency string, opening decimal.Decimal) *Processor {
	return &Processor{
		ledger:   ledger,
		reporter: reporter,
		log:      log,
		currency: currency,
		opening:  opening,
	}
}

// ProcessFirstBet checks whether betID is the first accepted bet of userID
// and, if the user was referred, pays both parties once.
//
// "First" is the earliest non-cancelled bet by (created_at, id), not a bet
// count: when two first bets land concurrently on different events, exactly
// one of them qualifies.
//
// Only the caller whose conditional update flips the reward from pending to
// completed credits anyone; concurrent callers get RewardProcessed=false.
// Credit failures after the flip are reported for reconciliation and do not
// fail the call.
func (p *Processor) ProcessFirstBet(ctx context.Context, userID, betID string) (Result, error) {
	firstID, err := p.ledger.FirstBetID(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("first bet for %s: %w", userID, err)
	}
	if firstID != betID {
		metrics.ReferralRewards.WithLabelValues("not_first").Inc()
		return Result{}, nil
	}

	reward, err := p.ledger.GetPendingReferral(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ReferralRewards.WithLabelValues("not_referred").Inc()
		return Result{IsFirstBet: true}, nil
	}
	if err != nil {
		return Result{IsFirstBet: true}, fmt.Errorf("pending referral for %s: %w", userID, err)
	}

	won, err := p.ledger.CompleteReferral(ctx, reward.ID)
	if err != nil {
		// Outcome unknown: the row may or may not have flipped.
		p.log.Error("referral completion failed",
			zap.String("reward_id", reward.ID),
			zap.String("referred_id", userID),
			zap.String("referrer_id", reward.ReferrerID),
			zap.Error(err))
		return Result{IsFirstBet: true}, fmt.Errorf("complete referral %s: %w", reward.ID, err)
	}
	if !won {
		metrics.ReferralRewards.WithLabelValues("lost_race").Inc()
		p.log.Debug("referral already completed by another request",
			zap.String("reward_id", reward.ID),
			zap.String("referred_id", userID))
		return Result{IsFirstBet: true, ReferrerID: reward.ReferrerID}, nil
	}

	reward.Status = model.ReferralCompleted
	reward.UpdatedAt = time.Now().UTC()

	p.credit(ctx, reward, reward.ReferrerID, RoleReferrer, reward.ReferrerAmount, betID)
	p.credit(ctx, reward, reward.ReferredID, RoleReferred, reward.ReferredAmount, betID)

	metrics.ReferralRewards.WithLabelValues("paid").Inc()
	p.log.Info("referral reward paid",
		zap.String("reward_id", reward.ID),
		zap.String("referrer_id", reward.ReferrerID),
		zap.String("referred_id", reward.ReferredID),
		zap.String("referrer_amount", reward.ReferrerAmount.String()),
		zap.String("referred_amount", reward.ReferredAmount.String()),
		zap.String("bet_id", betID))

	return Result{
		IsFirstBet:      true,
		RewardProcessed: true,
		ReferrerID:      reward.ReferrerID,
		Reward:          reward,
	}, nil
}

// credit pays one party. The reward is already completed, so nothing here
// may fail the caller; failures go to reconciliation.
func (p *Processor) credit(ctx context.Context, reward *model.ReferralReward, userID, role string, amount decimal.Decimal, betID string) {
	tx := model.Transaction{
		ID:          CreditTransactionID(reward.ID, role),
		UserID:      userID,
		Amount:      amount,
		Currency:    p.currency,
		Type:        model.TxReferralReward,
		ReferenceID: reward.ID,
		Status:      model.TxCompleted,
		Metadata: map[string]string{
			"role":   role,
			"bet_id": betID,
		},
		CreatedAt: time.Now().UTC(),
	}

	if deposit, err := store.ProvisionBalance(ctx, p.ledger, userID, p.currency, p.opening); err != nil {
		if deposit == nil {
			metrics.ReferralRewards.WithLabelValues("credit_failed").Inc()
			p.reporter.Report(ctx, reconcile.KindReferralCredit, tx, err)
			return
		}
		// Balance exists; only its opening entry is missing.
		p.reporter.Report(ctx, reconcile.KindTransactionAppend, *deposit, err)
	}

	if _, err := p.ledger.CreditWithTransaction(ctx, &tx); err != nil {
		metrics.ReferralRewards.WithLabelValues("credit_failed").Inc()
		p.reporter.Report(ctx, reconcile.KindReferralCredit, tx, err)
	}
}
