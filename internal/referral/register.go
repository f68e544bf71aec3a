package referral

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/coinwager/ledger-engine/internal/model"
)

var (
	// ErrSelfReferral is returned when a user names themselves as referrer.
	ErrSelfReferral = errors.New("referral: user cannot refer themselves")
	// ErrMissingParty is returned when either user id is empty.
	ErrMissingParty = errors.New("referral: referrer and referred ids are required")
)

// Creator persists new reward rows.
type Creator interface {
	CreateReferralReward(ctx context.Context, r *model.ReferralReward) error
}

// Register links referredID to referrerID with the default reward amounts.
// A referred user can be linked once; a second call returns the store's
// ErrReferralExists.
func Register(ctx context.Context, c Creator, referrerID, referredID string) (*model.ReferralReward, error) {
	if referrerID == "" || referredID == "" {
		return nil, ErrMissingParty
	}
	if referrerID == referredID {
		return nil, ErrSelfReferral
	}

	now := time.Now().UTC()
	r := &model.ReferralReward{
		ID:             uuid.NewString(),
		ReferrerID:     referrerID,
		ReferredID:     referredID,
		ReferrerAmount: model.ReferrerRewardAmount,
		ReferredAmount: model.ReferredRewardAmount,
		Status:         model.ReferralPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.CreateReferralReward(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}
