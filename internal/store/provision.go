package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinwager/ledger-engine/internal/model"
)

// Provisioner is the subset of Store needed to open a balance.
type Provisioner interface {
	EnsureBalance(ctx context.Context, userID, currency string, opening decimal.Decimal) (bool, error)
	AppendTransaction(ctx context.Context, tx *model.Transaction) error
}

// ProvisionBalance opens the (user, currency) balance with the opening amount
// if it does not exist. The call that creates the row also records a deposit
// entry, so the transaction log of a user always sums to the balance.
//
// Returns the deposit entry when this call created the balance, nil otherwise.
// If the row was created but the deposit could not be appended, the entry is
// returned together with the error so the caller can queue it.
func ProvisionBalance(ctx context.Context, p Provisioner, userID, currency string, opening decimal.Decimal) (*model.Transaction, error) {
	created, err := p.EnsureBalance(ctx, userID, currency, opening)
	if err != nil {
		return nil, fmt.Errorf("ensure balance %s/%s: %w", userID, currency, err)
	}
	if !created || opening.IsZero() {
		return nil, nil
	}

	deposit := &model.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      opening,
		Currency:    currency,
		Type:        model.TxDeposit,
		ReferenceID: "opening_balance",
		Status:      model.TxCompleted,
		Metadata:    map[string]string{"reason": "opening_balance"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.AppendTransaction(ctx, deposit); err != nil {
		return deposit, fmt.Errorf("append opening deposit %s/%s: %w", userID, currency, err)
	}
	return deposit, nil
}
