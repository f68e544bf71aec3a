// Package wager places coin stakes on binary events and serves the ledger's
// user-facing HTTP and WebSocket surface.
package wager

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
	"github.com/coinwager/ledger-engine/internal/referral"
	"github.com/coinwager/ledger-engine/internal/store"
	"github.com/coinwager/ledger-engine/internal/stream"
)

// FirstBetProcessor runs the referral check after a bet is recorded.
type FirstBetProcessor interface {
	ProcessFirstBet(ctx context.Context, userID, betID string) (referral.Result, error)
}

// Reporter takes discrepancies the request path cannot repair.
type Reporter interface {
	Report(ctx context.Context, kind reconcile.Kind, tx model.Transaction, cause error)
}

// EventPublisher emits domain events. Failures are logged, never returned.
type EventPublisher interface {
	PublishBetPlaced(ctx context.Context, e stream.BetPlaced) error
	PublishReferralRewarded(ctx context.Context, e stream.ReferralRewarded) error
}

// Broadcaster pushes activity to connected clients.
type Broadcaster interface {
	Broadcast(msg Activity)
}

// Options tunes the workflow.
type Options struct {
	Currency       string
	OpeningBalance decimal.Decimal

	// TxLogRetryAttempts bounds appends of the bet_placement entry.
	TxLogRetryAttempts int
	TxLogRetryDelay    time.Duration

	// Timeout bounds the part of a wager that runs after the debit started.
	Timeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Currency:           model.DefaultCurrency,
		OpeningBalance:     decimal.NewFromInt(1000),
		TxLogRetryAttempts: 3,
		TxLogRetryDelay:    50 * time.Millisecond,
		Timeout:            10 * time.Second,
	}
}

// Deps are the collaborators of a Service. Publisher and Hub may be nil.
type Deps struct {
	Store     store.Store
	Referrals FirstBetProcessor
	Reporter  Reporter
	Publisher EventPublisher
	Hub       Broadcaster
	Log       *zap.Logger
}

// Service runs the wager workflow. It holds no per-request state; every
// cross-step guarantee is delegated to the store's atomic primitives.
type Service struct {
	store     store.Store
	referrals FirstBetProcessor
	reporter  Reporter
	publisher EventPublisher
	hub       Broadcaster
	log       *zap.Logger
	opts      Options
}

// NewService creates a Service.
func NewService(d Deps, opts Options) *Service {
	if opts.TxLogRetryAttempts < 1 {
		opts.TxLogRetryAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.Currency == "" {
		opts.Currency = model.DefaultCurrency
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	reporter := d.Reporter
	if reporter == nil {
		reporter = reconcile.NewReporter(reconcile.NewLogQueue(log), log)
	}
	return &Service{
		store:     d.Store,
		referrals: d.Referrals,
		reporter:  reporter,
		publisher: d.Publisher,
		hub:       d.Hub,
		log:       log,
		opts:      opts,
	}
}

// PlaceRequest is the input of a wager.
type PlaceRequest struct {
	EventID    string          `json:"eventId"`
	UserID     string          `json:"userId"`
	Amount     decimal.Decimal `json:"amount"`
	Prediction bool            `json:"prediction"`
}

// PlaceResult is the outcome of an accepted wager.
type PlaceResult struct {
	BetID           string     `json:"betId"`
	IsFirstBet      bool       `json:"isFirstBet"`
	RewardProcessed bool       `json:"rewardProcessed"`
	Bet             *model.Bet `json:"-"`
}

// compensationNamespace derives the id of the credit that reverses a debit
// whose bet was rejected.
var compensationNamespace = uuid.MustParse("0b8f5d2e-7c41-4f0a-8d6e-2a9c3e5b1f47")

// Place validates, debits, records the bet and runs the referral check.
//
// Once the debit starts the request context's cancellation is ignored, so a
// disconnecting client never leaves a bet half placed. A rejected insert
// never leaves the debit in place: inside a store transaction it is rolled
// back, otherwise it is compensated with a credit.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (res *PlaceResult, err error) {
	start := time.Now()
	defer func() {
		outcome := "accepted"
		if err != nil {
			outcome = string(KindOf(err))
		}
		metrics.WagersTotal.WithLabelValues(outcome).Inc()
		metrics.WagerLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	// 1. Validate.
	if verr := validate(req); verr != nil {
		return nil, verr
	}

	event, err := s.store.GetEvent(ctx, req.EventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, preconditionError(MsgEventNotFound, err)
	}
	if err != nil {
		return nil, s.infra("load event", err, zap.String("event_id", req.EventID))
	}
	if event.Status != model.EventActive {
		return nil, preconditionError(MsgEventNotActive, nil)
	}

	// 2. Advisory duplicate check.
	exists, err := s.store.HasBet(ctx, req.UserID, req.EventID)
	if err != nil {
		return nil, s.infra("check existing bet", err,
			zap.String("user_id", req.UserID), zap.String("event_id", req.EventID))
	}
	if exists {
		return nil, conflictError(MsgAlreadyBet, store.ErrBetConflict)
	}

	// From the debit on, run to completion regardless of the client.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	now := time.Now().UTC()
	bet := &model.Bet{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		EventID:         req.EventID,
		Amount:          req.Amount,
		Currency:        s.opts.Currency,
		Prediction:      req.Prediction,
		Odds:            model.FixedOdds,
		PotentialPayout: model.PotentialPayout(req.Amount, model.FixedOdds),
		Status:          model.BetActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// 3 + 4. Debit and record.
	if err := s.debitAndRecord(ctx, bet); err != nil {
		return nil, err
	}
	metrics.StakedCoins.WithLabelValues(bet.Currency).Add(bet.Amount.InexactFloat64())

	// 5. Audit entry.
	s.logTransaction(ctx, &model.Transaction{
		ID:          uuid.NewString(),
		UserID:      bet.UserID,
		Amount:      bet.Amount.Neg(),
		Currency:    bet.Currency,
		Type:        model.TxBetPlacement,
		ReferenceID: bet.ID,
		Status:      model.TxCompleted,
		Metadata: map[string]string{
			"event_id":   bet.EventID,
			"prediction": fmt.Sprintf("%t", bet.Prediction),
		},
		CreatedAt: now,
	})

	// 6. Referral check. Informational only.
	var ref referral.Result
	if s.referrals != nil {
		ref, err = s.referrals.ProcessFirstBet(ctx, bet.UserID, bet.ID)
		if err != nil {
			s.log.Error("referral check failed",
				zap.String("user_id", bet.UserID),
				zap.String("bet_id", bet.ID),
				zap.Error(err))
		}
	}

	s.log.Info("wager placed",
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.String("event_id", bet.EventID),
		zap.String("amount", bet.Amount.String()),
		zap.Bool("prediction", bet.Prediction),
		zap.String("potential_payout", bet.PotentialPayout.String()),
		zap.Bool("is_first_bet", ref.IsFirstBet),
		zap.Bool("reward_processed", ref.RewardProcessed),
	)

	s.announce(ctx, bet, ref)

	// 7. Respond.
	return &PlaceResult{
		BetID:           bet.ID,
		IsFirstBet:      ref.IsFirstBet,
		RewardProcessed: ref.RewardProcessed,
		Bet:             bet,
	}, nil
}

func validate(req PlaceRequest) *Error {
	if req.UserID == "" {
		return validationError(MsgUserRequired)
	}
	if req.EventID == "" {
		return validationError(MsgEventRequired)
	}
	if req.Amount.LessThan(model.MinBet) || req.Amount.GreaterThan(model.MaxBet) {
		return validationError(MsgAmountRange)
	}
	if !req.Amount.Equal(req.Amount.Truncate(2)) {
		return validationError(MsgAmountPrecision)
	}
	return nil
}

// debitAndRecord runs steps 3 and 4 in one store transaction when the store
// supports it, otherwise as two primitives joined by a compensation.
func (s *Service) debitAndRecord(ctx context.Context, bet *model.Bet) error {
	if txs, ok := s.store.(store.TxStore); ok {
		err := txs.WithTx(ctx, func(tx store.Store) error {
			if _, err := s.debit(ctx, tx, bet, true); err != nil {
				return err
			}
			return tx.InsertBet(ctx, bet)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrBetConflict) {
			// The rollback restored the balance.
			metrics.Compensations.WithLabelValues("rolled_back").Inc()
			return conflictError(MsgAlreadyBet, err)
		}
		return s.classifyDebit(bet, err)
	}

	deposit, err := s.debit(ctx, s.store, bet, false)
	if deposit != nil {
		s.reporter.Report(ctx, reconcile.KindTransactionAppend, *deposit, err)
	}
	if err != nil && !errors.Is(err, errDepositNotLogged) {
		return s.classifyDebit(bet, err)
	}

	if err := s.store.InsertBet(ctx, bet); err != nil {
		s.compensate(ctx, bet, err)
		if errors.Is(err, store.ErrBetConflict) {
			return conflictError(MsgAlreadyBet, err)
		}
		return s.infra("record bet", err, zap.String("bet_id", bet.ID))
	}
	return nil
}

// errDepositNotLogged marks a provisioned balance whose opening entry is
// missing. The debit itself succeeded.
var errDepositNotLogged = errors.New("opening deposit not logged")

// debit takes the stake, opening the balance on first use. In strict mode
// (inside a transaction) a failed opening entry fails the debit. Otherwise
// the unlogged deposit is returned for reconciliation alongside
// errDepositNotLogged.
func (s *Service) debit(ctx context.Context, st store.Store, bet *model.Bet, strict bool) (*model.Transaction, error) {
	_, err := st.Debit(ctx, bet.UserID, bet.Currency, bet.Amount)
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var unlogged *model.Transaction
	deposit, perr := store.ProvisionBalance(ctx, st, bet.UserID, bet.Currency, s.opts.OpeningBalance)
	if perr != nil {
		if deposit == nil || strict {
			return nil, perr
		}
		unlogged = deposit
	}

	if _, err := st.Debit(ctx, bet.UserID, bet.Currency, bet.Amount); err != nil {
		return unlogged, err
	}
	if unlogged != nil {
		return unlogged, fmt.Errorf("%w: %v", errDepositNotLogged, perr)
	}
	return nil, nil
}

func (s *Service) classifyDebit(bet *model.Bet, err error) error {
	if errors.Is(err, store.ErrInsufficientFunds) {
		return conflictError(MsgInsufficient, err)
	}
	return s.infra("debit balance", err,
		zap.String("user_id", bet.UserID),
		zap.String("amount", bet.Amount.String()))
}

// compensate credits the stake back after the bet insert failed. No audit
// entry exists for the debit yet, so the credit alone restores the ledger.
// If the credit itself keeps failing, the debit is logged and a credit that
// reverses it is queued.
func (s *Service) compensate(ctx context.Context, bet *model.Bet, cause error) {
	var err error
	for attempt := 1; attempt <= s.opts.TxLogRetryAttempts; attempt++ {
		if _, err = s.store.Credit(ctx, bet.UserID, bet.Currency, bet.Amount); err == nil {
			metrics.Compensations.WithLabelValues("credited").Inc()
			s.log.Warn("debit compensated after rejected bet",
				zap.String("bet_id", bet.ID),
				zap.String("user_id", bet.UserID),
				zap.String("amount", bet.Amount.String()),
				zap.NamedError("cause", cause))
			return
		}
		if attempt < s.opts.TxLogRetryAttempts {
			if sleepWithContext(ctx, s.opts.TxLogRetryDelay*time.Duration(attempt)) != nil {
				break
			}
		}
	}

	metrics.Compensations.WithLabelValues("failed").Inc()
	s.log.Error("debit compensation failed",
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.String("amount", bet.Amount.String()),
		zap.NamedError("cause", cause),
		zap.Error(err))

	now := time.Now().UTC()
	s.logTransaction(ctx, &model.Transaction{
		ID:          uuid.NewString(),
		UserID:      bet.UserID,
		Amount:      bet.Amount.Neg(),
		Currency:    bet.Currency,
		Type:        model.TxBetPlacement,
		ReferenceID: bet.ID,
		Status:      model.TxCompleted,
		Metadata:    map[string]string{"event_id": bet.EventID, "bet_recorded": "false"},
		CreatedAt:   now,
	})
	s.reporter.Report(ctx, reconcile.KindCompensation, model.Transaction{
		ID:          uuid.NewSHA1(compensationNamespace, []byte(bet.ID)).String(),
		UserID:      bet.UserID,
		Amount:      bet.Amount,
		Currency:    bet.Currency,
		Type:        model.TxBetSettlement,
		ReferenceID: bet.ID,
		Status:      model.TxCompleted,
		Metadata:    map[string]string{"event_id": bet.EventID, "reason": "compensation"},
		CreatedAt:   now,
	}, err)
}

// logTransaction appends tx with bounded retries. A duplicate id on retry
// means an earlier attempt landed. Final failure goes to reconciliation.
func (s *Service) logTransaction(ctx context.Context, tx *model.Transaction) {
	var err error
	for attempt := 1; attempt <= s.opts.TxLogRetryAttempts; attempt++ {
		err = s.store.AppendTransaction(ctx, tx)
		if err == nil || errors.Is(err, store.ErrTransactionExists) {
			return
		}
		s.log.Warn("transaction append failed",
			zap.String("transaction_id", tx.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < s.opts.TxLogRetryAttempts {
			if sleepWithContext(ctx, s.opts.TxLogRetryDelay*time.Duration(attempt)) != nil {
				break
			}
		}
	}
	s.reporter.Report(ctx, reconcile.KindTransactionAppend, *tx, err)
}

// announce publishes and broadcasts. Best effort.
func (s *Service) announce(ctx context.Context, bet *model.Bet, ref referral.Result) {
	if s.publisher != nil {
		err := s.publisher.PublishBetPlaced(ctx, stream.BetPlaced{
			BetID:           bet.ID,
			UserID:          bet.UserID,
			EventID:         bet.EventID,
			Amount:          bet.Amount,
			Currency:        bet.Currency,
			Prediction:      bet.Prediction,
			Odds:            bet.Odds,
			PotentialPayout: bet.PotentialPayout,
			IsFirstBet:      ref.IsFirstBet,
		})
		if err != nil {
			s.log.Warn("publish bet_placed failed", zap.String("bet_id", bet.ID), zap.Error(err))
		}
		if ref.RewardProcessed && ref.Reward != nil {
			err := s.publisher.PublishReferralRewarded(ctx, stream.ReferralRewarded{
				RewardID:       ref.Reward.ID,
				ReferrerID:     ref.Reward.ReferrerID,
				ReferredID:     ref.Reward.ReferredID,
				BetID:          bet.ID,
				ReferrerAmount: ref.Reward.ReferrerAmount,
				ReferredAmount: ref.Reward.ReferredAmount,
			})
			if err != nil {
				s.log.Warn("publish referral_rewarded failed", zap.String("reward_id", ref.Reward.ID), zap.Error(err))
			}
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(Activity{
			Type:       ActivityBetPlaced,
			EventID:    bet.EventID,
			BetID:      bet.ID,
			Amount:     bet.Amount.String(),
			Prediction: &bet.Prediction,
		})
		if ref.RewardProcessed {
			s.hub.Broadcast(Activity{
				Type:    ActivityReferralRewarded,
				EventID: bet.EventID,
				BetID:   bet.ID,
			})
		}
	}
}

// Balance returns the user's balance, opening it on first use.
func (s *Service) Balance(ctx context.Context, userID string) (*model.Balance, error) {
	b, err := s.store.GetBalance(ctx, userID, s.opts.Currency)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	deposit, err := store.ProvisionBalance(ctx, s.store, userID, s.opts.Currency, s.opts.OpeningBalance)
	if err != nil {
		if deposit == nil {
			return nil, err
		}
		s.reporter.Report(ctx, reconcile.KindTransactionAppend, *deposit, err)
	}
	return s.store.GetBalance(ctx, userID, s.opts.Currency)
}

func (s *Service) infra(op string, err error, fields ...zap.Field) *Error {
	s.log.Error(op+" failed", append(fields, zap.Error(err))...)
	return infraError(fmt.Errorf("%s: %w", op, err))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
