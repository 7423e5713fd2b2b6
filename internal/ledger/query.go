package ledger

import (
	"context"
	"fmt"

	"marketledger.mini/mkl/internal/types"
)

// Stats summarises the ledger counters.
type Stats struct {
	NextID     types.ItemID `json:"next_id"`
	Created    uint64       `json:"created"`
	Removed    uint64       `json:"removed_count"`
	Active     uint64       `json:"active"`
	ListingFee types.Amount `json:"listing_fee"`
}

// ActiveListings returns every record held in escrow, in id order.
func (m *Market) ActiveListings(ctx context.Context) ([]types.MarketRecord, error) {
	var escrow types.Account
	return m.scan(ctx, func(s types.Settings) { escrow = s.Escrow }, func(r types.MarketRecord) bool {
		return r.Custodian == escrow
	})
}

// Owned returns the records whose custodian is acct.
func (m *Market) Owned(ctx context.Context, acct types.Account) ([]types.MarketRecord, error) {
	return m.scan(ctx, nil, func(r types.MarketRecord) bool {
		return r.Custodian == acct
	})
}

// ListedBy returns the records whose seller is acct. Sellers are cleared when
// a listing ends, so only active listings are returned.
func (m *Market) ListedBy(ctx context.Context, acct types.Account) ([]types.MarketRecord, error) {
	if acct == types.NullAccount {
		return []types.MarketRecord{}, nil
	}
	return m.scan(ctx, nil, func(r types.MarketRecord) bool {
		return r.Seller == acct
	})
}

func (m *Market) scan(ctx context.Context, init func(types.Settings), keep func(types.MarketRecord) bool) ([]types.MarketRecord, error) {
	out := []types.MarketRecord{}
	err := m.store.View(ctx, func(tx Tx) error {
		if init != nil {
			s, err := tx.Settings()
			if err != nil {
				return err
			}
			init(s)
		}
		return tx.Scan(func(r types.MarketRecord) bool {
			if keep(r) {
				out = append(out, r)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Item returns a single record.
func (m *Market) Item(ctx context.Context, id types.ItemID) (types.MarketRecord, error) {
	var rec types.MarketRecord
	err := m.store.View(ctx, func(tx Tx) error {
		r, ok, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("item %d: %w", id, ErrNotFound)
		}
		rec = r
		return nil
	})
	return rec, err
}

// Stats returns the counters and the current listing fee.
func (m *Market) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := m.store.View(ctx, func(tx Tx) error {
		c, err := tx.Counters()
		if err != nil {
			return err
		}
		s, err := tx.Settings()
		if err != nil {
			return err
		}
		st = Stats{
			NextID:     c.NextID,
			Created:    c.Created(),
			Removed:    c.Removed,
			Active:     c.Active(),
			ListingFee: s.ListingFee,
		}
		return nil
	})
	return st, err
}

// ListingFee returns the current listing fee.
func (m *Market) ListingFee(ctx context.Context) (types.Amount, error) {
	s, err := m.Settings(ctx)
	return s.ListingFee, err
}

// Settings returns the ledger settings.
func (m *Market) Settings(ctx context.Context) (types.Settings, error) {
	var s types.Settings
	err := m.store.View(ctx, func(tx Tx) error {
		var err error
		s, err = tx.Settings()
		return err
	})
	return s, err
}

// Balance returns the currency the ledger has credited to acct.
func (m *Market) Balance(ctx context.Context, acct types.Account) (types.Amount, error) {
	bal := types.ZeroAmount
	err := m.store.View(ctx, func(tx Tx) error {
		var err error
		bal, err = tx.Balance(acct)
		return err
	})
	return bal, err
}

// Transfers returns the currency movements recorded against an item.
func (m *Market) Transfers(ctx context.Context, id types.ItemID) ([]types.Transfer, error) {
	out := []types.Transfer{}
	err := m.store.View(ctx, func(tx Tx) error {
		ts, err := tx.Transfers(id)
		if err != nil {
			return err
		}
		out = append(out, ts...)
		return nil
	})
	return out, err
}

// Nonce returns the highest transaction nonce the ledger has accepted from
// acct. Signers use the next value above it.
func (m *Market) Nonce(ctx context.Context, acct types.Account) (uint64, error) {
	var n uint64
	err := m.store.View(ctx, func(tx Tx) error {
		var err error
		n, err = tx.Nonce(acct)
		return err
	})
	return n, err
}
