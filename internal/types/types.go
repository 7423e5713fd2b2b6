// Package types defines the core domain models for the marketplace ledger
// (mkl). It contains the market record, the counters and settings that
// describe one ledger instance, the currency transfer journal entries and the
// events emitted when an operation commits.
package types

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Version is the current version of mkl
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// ItemID identifies one listed item. Identifiers start at 1 and are never reused.
type ItemID uint64

// Account is a 20-byte account address.
type Account = common.Address

// NullAccount is the zero address; a record's seller is cleared to it once the
// item stops being an active listing.
var NullAccount Account

// Amount is a count of the smallest currency unit.
type Amount = decimal.Decimal

// ZeroAmount is the zero currency amount.
var ZeroAmount = decimal.Zero

// Status is the lifecycle phase of a market record.
type Status string

const (
	StatusListed    Status = "listed"    // active listing, held in escrow
	StatusSold      Status = "sold"      // purchased, owned by the buyer
	StatusWithdrawn Status = "withdrawn" // cancelled by the seller and returned
)

// MarketRecord is the stored state for one item identifier.
type MarketRecord struct {
	ItemID      ItemID  `json:"item_id"`
	MetadataURI string  `json:"metadata_uri"`
	Seller      Account `json:"seller"`    // entitled to sale proceeds; NullAccount unless listed
	Custodian   Account `json:"custodian"` // escrow while listed, otherwise the holding end-user
	Price       Amount  `json:"price"`
	Status      Status  `json:"status"`
	FeeHeld     Amount  `json:"fee_held"` // listing fee still retained in escrow for this listing
}

// Sold reports whether the record is not an active listing. It mirrors the
// historical "sold" flag, which was also set by cancellation.
func (r MarketRecord) Sold() bool {
	return r.Status != StatusListed
}

// Counters are the two monotonic ledger counters.
type Counters struct {
	NextID  ItemID `json:"next_id"`
	Removed uint64 `json:"removed_count"`
}

// Created returns the number of identifiers allocated so far.
func (c Counters) Created() uint64 {
	if c.NextID == 0 {
		return 0
	}
	return uint64(c.NextID) - 1
}

// Active returns the number of records that are active listings.
func (c Counters) Active() uint64 {
	return c.Created() - c.Removed
}

// Settings are fixed at ledger creation; only ListingFee changes afterwards.
type Settings struct {
	Admin      Account `json:"admin"`
	Escrow     Account `json:"escrow"`
	ListingFee Amount  `json:"listing_fee"`
}

// ChainState is the last block a consensus engine committed against the
// ledger, with the application hash reported for it.
type ChainState struct {
	Height  int64  `json:"height"`
	AppHash []byte `json:"app_hash"`
}

// TransferKind labels a currency movement in the journal.
type TransferKind string

const (
	TransferPayment  TransferKind = "payment"  // currency attached by a caller entering escrow
	TransferFee      TransferKind = "fee"      // listing fee forwarded to the administrator
	TransferProceeds TransferKind = "proceeds" // sale price forwarded to the seller
)

// Transfer is one journal entry. From is NullAccount for attached payments.
type Transfer struct {
	Seq    uint64       `json:"seq"`
	ItemID ItemID       `json:"item_id"`
	Kind   TransferKind `json:"kind"`
	From   Account      `json:"from"`
	To     Account      `json:"to"`
	Amount Amount       `json:"amount"`
}

// EventKind names a committed ledger operation.
type EventKind string

const (
	EventListed     EventKind = "listed"
	EventPurchased  EventKind = "purchased"
	EventResold     EventKind = "resold"
	EventCancelled  EventKind = "cancelled"
	EventFeeChanged EventKind = "fee_changed"
)

// Event describes an operation after it committed.
type Event struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	ItemID ItemID    `json:"item_id,omitempty"`
	Actor  Account   `json:"actor"`
	Price  Amount    `json:"price"`
	Fee    Amount    `json:"fee"`
	At     time.Time `json:"at"`
}

// ParseAmount parses a decimal string into an Amount. The amount must be a
// non-negative whole number of currency units.
func ParseAmount(s string) (Amount, error) {
	a, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroAmount, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !ValidAmount(a) {
		return ZeroAmount, fmt.Errorf("amount %q must be a non-negative integer", s)
	}
	return a, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ValidAmount reports whether a is a non-negative whole number.
func ValidAmount(a Amount) bool {
	return a.Sign() >= 0 && a.IsInteger()
}

// ParseAccount parses a hex address.
func ParseAccount(s string) (Account, error) {
	if !common.IsHexAddress(s) {
		return NullAccount, fmt.Errorf("invalid account address %q", s)
	}
	return common.HexToAddress(s), nil
}
