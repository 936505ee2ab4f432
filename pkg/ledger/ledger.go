// Package ledger is the only component that changes holdings.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/finance"
	"github.com/mattyonweb/tbsm/pkg/store"
)

// Ledger moves asset quantities between participants inside a store
// transaction. It holds no state of its own.
type Ledger struct{}

func New() *Ledger { return &Ledger{} }

// Transfer debits from and credits to. On any error nothing is written; an
// uncovered debit returns *contracts.InsufficientFundsError.
func (l *Ledger) Transfer(ctx context.Context, tx store.Tx, from, to string, asset *contracts.Asset, qty decimal.Decimal) error {
	if err := finance.ValidateQuantity(qty, asset.Fungible()); err != nil {
		return err
	}
	if qty.IsZero() || from == to {
		return nil
	}

	// debit is checked before anything is written
	held, err := tx.GetHolding(ctx, from, asset.ID)
	if err != nil {
		return fmt.Errorf("load holding of %s: %w", from, err)
	}
	if held.Quantity.LessThan(qty) {
		return &contracts.InsufficientFundsError{
			Owner:     from,
			AssetID:   asset.ID,
			Available: held.Quantity,
			Requested: qty,
		}
	}

	held.Quantity = held.Quantity.Sub(qty)
	if held.Quantity.IsZero() {
		err = tx.DeleteHolding(ctx, from, asset.ID)
	} else {
		err = tx.PutHolding(ctx, held)
	}
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if _, err := tx.CreditHolding(ctx, to, asset.ID, qty); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

// Issue mints qty new units to owner. It is used for seeding, never by
// settlement.
func (l *Ledger) Issue(ctx context.Context, tx store.Tx, owner string, asset *contracts.Asset, qty decimal.Decimal) (contracts.Holding, error) {
	if err := finance.ValidateQuantity(qty, asset.Fungible()); err != nil {
		return contracts.Holding{}, err
	}
	h, err := tx.CreditHolding(ctx, owner, asset.ID, qty)
	if err != nil {
		return contracts.Holding{}, fmt.Errorf("issue %s to %s: %w", asset.ID, owner, err)
	}
	return h, nil
}

// Balance returns the quantity of asset held by owner.
func (l *Ledger) Balance(ctx context.Context, tx store.Tx, owner, assetID string) (decimal.Decimal, error) {
	h, err := tx.GetHolding(ctx, owner, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	return h.Quantity, nil
}

// Supply sums every holding of an asset.
func (l *Ledger) Supply(ctx context.Context, tx store.Tx, assetID string) (decimal.Decimal, error) {
	hs, err := tx.ListHoldings(ctx, store.HoldingFilter{AssetID: assetID})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, h := range hs {
		total = total.Add(h.Quantity)
	}
	return total, nil
}
