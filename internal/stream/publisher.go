package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// BetPlaced is emitted once per accepted wager.
type BetPlaced struct {
	BetID           string          `json:"bet_id"`
	UserID          string          `json:"user_id"`
	EventID         string          `json:"event_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Prediction      bool            `json:"prediction"`
	Odds            decimal.Decimal `json:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	IsFirstBet      bool            `json:"is_first_bet"`
	TsUnixMs        int64           `json:"ts_unix_ms"`
}

// ReferralRewarded is emitted when a referral reward is completed.
type ReferralRewarded struct {
	RewardID       string          `json:"reward_id"`
	ReferrerID     string          `json:"referrer_id"`
	ReferredID     string          `json:"referred_id"`
	BetID          string          `json:"bet_id"`
	ReferrerAmount decimal.Decimal `json:"referrer_amount"`
	ReferredAmount decimal.Decimal `json:"referred_amount"`
	TsUnixMs       int64           `json:"ts_unix_ms"`
}

// Publisher writes domain events, keyed by user id so each user's events
// stay ordered within a partition.
type Publisher struct {
	betPlaced        *kafka.Writer
	referralRewarded *kafka.Writer
}

// NewPublisher creates a Publisher over two topic writers.
func NewPublisher(betPlaced, referralRewarded *kafka.Writer) *Publisher {
	return &Publisher{betPlaced: betPlaced, referralRewarded: referralRewarded}
}

func (p *Publisher) PublishBetPlaced(ctx context.Context, e BetPlaced) error {
	if e.TsUnixMs == 0 {
		e.TsUnixMs = time.Now().UnixMilli()
	}
	return writeJSON(ctx, p.betPlaced, e.UserID, e)
}

func (p *Publisher) PublishReferralRewarded(ctx context.Context, e ReferralRewarded) error {
	if e.TsUnixMs == 0 {
		e.TsUnixMs = time.Now().UnixMilli()
	}
	return writeJSON(ctx, p.referralRewarded, e.ReferredID, e)
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	return errors.Join(p.betPlaced.Close(), p.referralRewarded.Close())
}

func writeJSON(ctx context.Context, w *kafka.Writer, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", w.Topic, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", w.Topic, err)
	}
	return nil
}
