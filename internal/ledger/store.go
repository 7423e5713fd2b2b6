// Package ledger implements the marketplace ledger: the store contract that
// holds market records and counters, the operation engine that validates and
// applies list, purchase, resell and cancel, and the read-only queries that
// classify records by role.
package ledger

import (
	"context"

	"marketledger.mini/mkl/internal/types"
)

// Tx is a view of the ledger inside one View or Update call. Writes made
// through a Tx become visible to others only when the enclosing Update
// returns nil.
type Tx interface {
	// Get returns the record for id; ok is false when no record exists.
	Get(id types.ItemID) (rec types.MarketRecord, ok bool, err error)
	// Put stores rec under rec.ItemID, which must already be allocated.
	Put(rec types.MarketRecord) error
	AllocateID() (types.ItemID, error)
	IncrementRemoved() error
	DecrementRemoved() error
	Counters() (types.Counters, error)

	// Settings returns ErrNotInitialized before InitSettings has run.
	Settings() (types.Settings, error)
	InitSettings(s types.Settings) error
	SetListingFee(fee types.Amount) error

	Balance(acct types.Account) (types.Amount, error)
	// Balances visits every credited account, in no particular order, until
	// fn returns false.
	Balances(fn func(types.Account, types.Amount) bool) error
	// Transfer credits t.To and debits t.From unless From is the null
	// account. The journal sequence number is assigned by the store.
	Transfer(t types.Transfer) (types.Transfer, error)

	// Scan visits records in ascending id order until fn returns false.
	Scan(fn func(types.MarketRecord) bool) error
	// Transfers returns the journal entries for one item in sequence order.
	Transfers(id types.ItemID) ([]types.Transfer, error)

	// Nonce returns the highest transaction nonce accepted from acct, or 0.
	Nonce(acct types.Account) (uint64, error)
	SetNonce(acct types.Account, nonce uint64) error
	// Nonces visits every account with a stored nonce, in no particular order.
	Nonces(fn func(types.Account, uint64) bool) error

	// ChainState returns the zero value until SetChainState has run.
	ChainState() (types.ChainState, error)
	SetChainState(cs types.ChainState) error
}

// Store serialises ledger access. Update runs fn exclusively and commits only
// if fn returns nil; View may run concurrently and sees committed state only.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}
