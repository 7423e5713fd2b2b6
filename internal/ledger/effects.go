package ledger

import (
	"fmt"

	"marketledger.mini/mkl/internal/types"
)

// FeePolicy selects when a collected listing fee reaches the administrator.
type FeePolicy string

const (
	// FeeDeferred keeps the fee in escrow until the listing is purchased or
	// cancelled.
	FeeDeferred FeePolicy = "deferred"
	// FeeImmediate forwards the fee to the administrator at list and resell.
	FeeImmediate FeePolicy = "immediate"
)

// ParseFeePolicy accepts "deferred", "immediate" or "" (deferred).
func ParseFeePolicy(s string) (FeePolicy, error) {
	switch FeePolicy(s) {
	case "", FeeDeferred:
		return FeeDeferred, nil
	case FeeImmediate:
		return FeeImmediate, nil
	}
	return "", fmt.Errorf("unknown fee policy %q", s)
}

// Effect is everything one operation changes, computed before any write.
type Effect struct {
	Kind types.TransactionType
	// Record is the record's state after the operation. ItemID is zero when
	// Create is set and is filled in by apply.
	Record types.MarketRecord
	Create bool
	// RemovedDelta is +1 when a listing ends and -1 when an item is relisted.
	RemovedDelta int
	// ListingFee is set only by set_listing_fee.
	ListingFee *types.Amount
	// Transfers run after the record and counters are written, in order:
	// the attached payment into escrow, the fee to the administrator, then
	// the proceeds to the seller.
	Transfers []types.Transfer
	// Fee is the listing fee paid or swept by this operation.
	Fee types.Amount
	// Nonce, when non-zero, becomes Caller's highest accepted nonce.
	Caller types.Account
	Nonce  uint64
}

// planInput is the committed state an operation is checked against.
type planInput struct {
	op       types.Operation
	settings types.Settings
	record   *types.MarketRecord // nil when op.ItemID names no record
	policy   FeePolicy
	nonce    uint64 // highest nonce already accepted from op.Caller
}

// plan validates preconditions in a fixed order and returns the effect. It
// performs no I/O.
func plan(in planInput) (Effect, error) {
	op, s := in.op, in.settings
	if op.Caller == types.NullAccount || op.Caller == s.Escrow {
		return Effect{}, fmt.Errorf("%s by %s: %w", op.Kind, op.Caller.Hex(), ErrUnauthorized)
	}
	// Signed operations carry a nonce; a repeated or older one is a replay.
	if op.Nonce != 0 && op.Nonce <= in.nonce {
		return Effect{}, fmt.Errorf("%s by %s: nonce %d is not above %d: %w", op.Kind, op.Caller.Hex(), op.Nonce, in.nonce, ErrUnauthorized)
	}

	var (
		eff Effect
		err error
	)
	switch op.Kind {
	case types.TxList:
		eff, err = planList(in)
	case types.TxPurchase:
		eff, err = planPurchase(in)
	case types.TxResell:
		eff, err = planResell(in)
	case types.TxCancel:
		eff, err = planCancel(in)
	case types.TxSetListingFee:
		eff, err = planSetListingFee(in)
	default:
		return Effect{}, fmt.Errorf("%q: %w", op.Kind, ErrUnknownOperation)
	}
	if err != nil {
		return Effect{}, err
	}
	eff.Caller, eff.Nonce = op.Caller, op.Nonce
	return eff, nil
}

func planList(in planInput) (Effect, error) {
	op, s := in.op, in.settings
	if op.Price.Sign() <= 0 {
		return Effect{}, fmt.Errorf("list at %s: %w", op.Price, ErrInvalidPrice)
	}
	if !op.Payment.Equal(s.ListingFee) {
		return Effect{}, fmt.Errorf("list: paid %s, fee is %s: %w", op.Payment, s.ListingFee, ErrInvalidPayment)
	}
	eff := Effect{
		Kind:   op.Kind,
		Create: true,
		Record: types.MarketRecord{
			MetadataURI: op.MetadataURI,
			Seller:      op.Caller,
			Custodian:   s.Escrow,
			Price:       op.Price,
			Status:      types.StatusListed,
		},
	}
	collectFee(&eff, in)
	return eff, nil
}

func planPurchase(in planInput) (Effect, error) {
	op, s := in.op, in.settings
	rec, err := activeRecord(in)
	if err != nil {
		return Effect{}, err
	}
	if !op.Payment.Equal(rec.Price) {
		return Effect{}, fmt.Errorf("purchase item %d: paid %s, price is %s: %w", op.ItemID, op.Payment, rec.Price, ErrInvalidPayment)
	}
	seller := rec.Seller
	eff := Effect{
		Kind:         op.Kind,
		RemovedDelta: 1,
		Record:       closeListing(rec, op.Caller, types.StatusSold),
		Fee:          rec.FeeHeld,
	}
	eff.Transfers = appendTransfer(eff.Transfers, types.TransferPayment, types.NullAccount, s.Escrow, op.Payment)
	eff.Transfers = appendTransfer(eff.Transfers, types.TransferFee, s.Escrow, s.Admin, rec.FeeHeld)
	eff.Transfers = appendTransfer(eff.Transfers, types.TransferProceeds, s.Escrow, seller, op.Payment)
	return eff, nil
}

func planResell(in planInput) (Effect, error) {
	op, s := in.op, in.settings
	if in.record == nil {
		return Effect{}, fmt.Errorf("resell item %d: %w", op.ItemID, ErrNotFound)
	}
	rec := *in.record
	if rec.Custodian != op.Caller {
		return Effect{}, fmt.Errorf("resell item %d: %s is not the holder: %w", op.ItemID, op.Caller.Hex(), ErrUnauthorized)
	}
	if op.Price.Sign() <= 0 {
		return Effect{}, fmt.Errorf("resell item %d at %s: %w", op.ItemID, op.Price, ErrInvalidPrice)
	}
	if !op.Payment.Equal(s.ListingFee) {
		return Effect{}, fmt.Errorf("resell item %d: paid %s, fee is %s: %w", op.ItemID, op.Payment, s.ListingFee, ErrInvalidPayment)
	}
	rec.Status = types.StatusListed
	rec.Price = op.Price
	rec.Seller = op.Caller
	rec.Custodian = s.Escrow
	eff := Effect{Kind: op.Kind, RemovedDelta: -1, Record: rec}
	collectFee(&eff, in)
	return eff, nil
}

func planCancel(in planInput) (Effect, error) {
	op, s := in.op, in.settings
	rec, err := activeRecord(in)
	if err != nil {
		return Effect{}, err
	}
	if rec.Seller != op.Caller {
		return Effect{}, fmt.Errorf("cancel item %d: %s is not the seller: %w", op.ItemID, op.Caller.Hex(), ErrUnauthorized)
	}
	eff := Effect{
		Kind:         op.Kind,
		RemovedDelta: 1,
		Record:       closeListing(rec, op.Caller, types.StatusWithdrawn),
		Fee:          rec.FeeHeld,
	}
	eff.Transfers = appendTransfer(eff.Transfers, types.TransferFee, s.Escrow, s.Admin, rec.FeeHeld)
	return eff, nil
}

func planSetListingFee(in planInput) (Effect, error) {
	op, s := in.op, in.settings
	if op.Caller != s.Admin {
		return Effect{}, fmt.Errorf("set listing fee by %s: %w", op.Caller.Hex(), ErrForbidden)
	}
	if op.Price.Sign() < 0 {
		return Effect{}, fmt.Errorf("set listing fee to %s: %w", op.Price, ErrInvalidPrice)
	}
	fee := op.Price
	return Effect{Kind: op.Kind, ListingFee: &fee, Fee: fee}, nil
}

// activeRecord returns the record an operation needs to be an active listing.
func activeRecord(in planInput) (types.MarketRecord, error) {
	if in.record == nil {
		return types.MarketRecord{}, fmt.Errorf("%s item %d: %w", in.op.Kind, in.op.ItemID, ErrNotFound)
	}
	if in.record.Status != types.StatusListed {
		return types.MarketRecord{}, fmt.Errorf("%s item %d is %s: %w", in.op.Kind, in.op.ItemID, in.record.Status, ErrAlreadySold)
	}
	return *in.record, nil
}

func closeListing(rec types.MarketRecord, holder types.Account, status types.Status) types.MarketRecord {
	rec.Custodian = holder
	rec.Seller = types.NullAccount
	rec.Status = status
	rec.FeeHeld = types.ZeroAmount
	return rec
}

// collectFee deposits the listing fee into escrow and either holds it against
// the listing or forwards it straight to the administrator.
func collectFee(eff *Effect, in planInput) {
	s, fee := in.settings, in.op.Payment
	eff.Fee = fee
	eff.Record.FeeHeld = types.ZeroAmount
	eff.Transfers = appendTransfer(eff.Transfers, types.TransferPayment, types.NullAccount, s.Escrow, fee)
	if in.policy == FeeImmediate {
		eff.Transfers = appendTransfer(eff.Transfers, types.TransferFee, s.Escrow, s.Admin, fee)
		return
	}
	eff.Record.FeeHeld = fee
}

// appendTransfer skips zero amounts so the journal only records real movements.
func appendTransfer(ts []types.Transfer, kind types.TransferKind, from, to types.Account, amount types.Amount) []types.Transfer {
	if amount.Sign() == 0 {
		return ts
	}
	return append(ts, types.Transfer{Kind: kind, From: from, To: to, Amount: amount})
}

// apply writes an effect: record first, then counters and fee, then transfers
// in plan order, then the caller's nonce. It returns the stored record.
func apply(tx Tx, eff Effect) (types.MarketRecord, error) {
	rec := eff.Record
	if eff.Create {
		id, err := tx.AllocateID()
		if err != nil {
			return rec, fmt.Errorf("allocate id: %w", err)
		}
		rec.ItemID = id
	}
	if rec.ItemID != 0 {
		if err := tx.Put(rec); err != nil {
			return rec, fmt.Errorf("put item %d: %w", rec.ItemID, err)
		}
	}
	switch eff.RemovedDelta {
	case 1:
		if err := tx.IncrementRemoved(); err != nil {
			return rec, err
		}
	case -1:
		if err := tx.DecrementRemoved(); err != nil {
			return rec, err
		}
	}
	if eff.ListingFee != nil {
		if err := tx.SetListingFee(*eff.ListingFee); err != nil {
			return rec, fmt.Errorf("set listing fee: %w", err)
		}
	}
	for _, t := range eff.Transfers {
		t.ItemID = rec.ItemID
		if _, err := tx.Transfer(t); err != nil {
			return rec, fmt.Errorf("%s transfer for item %d: %w", t.Kind, rec.ItemID, err)
		}
	}
	if eff.Nonce != 0 {
		if err := tx.SetNonce(eff.Caller, eff.Nonce); err != nil {
			return rec, fmt.Errorf("record nonce: %w", err)
		}
	}
	return rec, nil
}
