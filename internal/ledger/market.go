package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/types"
)

// Recorder receives the outcome of every executed operation. It is the hook
// metrics are attached through.
type Recorder interface {
	Committed(ev types.Event, elapsed time.Duration)
	Rejected(kind types.TransactionType, err error)
}

// Market is the operation engine and query engine over one Store.
type Market struct {
	store    Store
	policy   FeePolicy
	logger   *zap.Logger
	observer func(types.Event)
	recorder Recorder
	now      func() time.Time
}

// Option configures a Market.
type Option func(*Market)

// WithFeePolicy sets when listing fees are forwarded to the administrator.
func WithFeePolicy(p FeePolicy) Option {
	return func(m *Market) { m.policy = p }
}

// WithLogger sets the logger; the default discards.
func WithLogger(l *zap.Logger) Option {
	return func(m *Market) { m.logger = l }
}

// WithObserver registers fn to receive every committed event. fn runs after
// the store commit and must not block.
func WithObserver(fn func(types.Event)) Option {
	return func(m *Market) { m.observer = fn }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Market) { m.recorder = r }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// NewMarket creates a Market over store.
func NewMarket(store Store, opts ...Option) *Market {
	m := &Market{
		store:  store,
		policy: FeeDeferred,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Market) Store() Store { return m.store }

// Policy returns the configured fee policy.
func (m *Market) Policy() FeePolicy { return m.policy }

// Init writes the genesis settings if the ledger has none and returns the
// settings in effect. Settings already on record win; a mismatch with want is
// logged and otherwise ignored.
func (m *Market) Init(ctx context.Context, want types.Settings) (types.Settings, error) {
	var effective types.Settings
	err := m.store.Update(ctx, func(tx Tx) error {
		current, err := tx.Settings()
		if err == nil {
			effective = current
			return nil
		}
		if !errors.Is(err, ErrNotInitialized) {
			return err
		}
		if err := validateSettings(want); err != nil {
			return err
		}
		if err := tx.InitSettings(want); err != nil {
			return err
		}
		effective = want
		return nil
	})
	if err != nil {
		return types.Settings{}, err
	}
	if effective.Admin != want.Admin || effective.Escrow != want.Escrow {
		m.logger.Warn("ledger genesis differs from configuration, keeping stored settings",
			zap.String("admin", effective.Admin.Hex()),
			zap.String("escrow", effective.Escrow.Hex()),
			zap.String("configured_admin", want.Admin.Hex()),
			zap.String("configured_escrow", want.Escrow.Hex()))
	}
	m.logger.Info("ledger ready",
		zap.String("admin", effective.Admin.Hex()),
		zap.String("escrow", effective.Escrow.Hex()),
		zap.String("listing_fee", effective.ListingFee.String()),
		zap.String("fee_policy", string(m.policy)))
	return effective, nil
}

func validateSettings(s types.Settings) error {
	switch {
	case s.Admin == types.NullAccount:
		return fmt.Errorf("%w: administrator is the null account", ErrInvalidSettings)
	case s.Escrow == types.NullAccount:
		return fmt.Errorf("%w: escrow is the null account", ErrInvalidSettings)
	case s.Admin == s.Escrow:
		return fmt.Errorf("%w: administrator and escrow must differ", ErrInvalidSettings)
	case !types.ValidAmount(s.ListingFee):
		return fmt.Errorf("%w: listing fee %s", ErrInvalidSettings, s.ListingFee)
	}
	return nil
}

// List creates a new active listing and returns its identifier.
func (m *Market) List(ctx context.Context, caller types.Account, metadataURI string, price, payment types.Amount) (types.ItemID, error) {
	rec, err := m.Execute(ctx, types.Operation{
		Kind:        types.TxList,
		Caller:      caller,
		MetadataURI: metadataURI,
		Price:       price,
		Payment:     payment,
	})
	return rec.ItemID, err
}

// Purchase buys an active listing for exactly its price.
func (m *Market) Purchase(ctx context.Context, caller types.Account, id types.ItemID, payment types.Amount) error {
	_, err := m.Execute(ctx, types.Operation{Kind: types.TxPurchase, Caller: caller, ItemID: id, Payment: payment})
	return err
}

// Resell relists an item the caller holds.
func (m *Market) Resell(ctx context.Context, caller types.Account, id types.ItemID, price, payment types.Amount) error {
	_, err := m.Execute(ctx, types.Operation{Kind: types.TxResell, Caller: caller, ItemID: id, Price: price, Payment: payment})
	return err
}

// Cancel withdraws the caller's active listing and returns the item to them.
func (m *Market) Cancel(ctx context.Context, caller types.Account, id types.ItemID) error {
	_, err := m.Execute(ctx, types.Operation{Kind: types.TxCancel, Caller: caller, ItemID: id, Price: types.ZeroAmount, Payment: types.ZeroAmount})
	return err
}

// SetListingFee changes the listing fee. Only the administrator may call it.
func (m *Market) SetListingFee(ctx context.Context, caller types.Account, fee types.Amount) error {
	_, err := m.Execute(ctx, types.Operation{Kind: types.TxSetListingFee, Caller: caller, Price: fee, Payment: types.ZeroAmount})
	return err
}

// Execute validates and applies op atomically and returns the affected
// record. For set_listing_fee the returned record is empty.
func (m *Market) Execute(ctx context.Context, op types.Operation) (types.MarketRecord, error) {
	start := m.now()
	var (
		eff Effect
		rec types.MarketRecord
	)
	err := m.store.Update(ctx, func(tx Tx) error {
		in, err := m.load(tx, op)
		if err != nil {
			return err
		}
		eff, err = plan(in)
		if err != nil {
			return err
		}
		rec, err = apply(tx, eff)
		return err
	})
	if err != nil {
		m.reject(op, err)
		return types.MarketRecord{}, err
	}
	m.commit(op, eff, rec, start)
	return rec, nil
}

// Check runs the precondition checks for op against committed state without
// writing anything.
func (m *Market) Check(ctx context.Context, op types.Operation) error {
	return m.store.View(ctx, func(tx Tx) error {
		in, err := m.load(tx, op)
		if err != nil {
			return err
		}
		_, err = plan(in)
		return err
	})
}

func (m *Market) load(tx Tx, op types.Operation) (planInput, error) {
	s, err := tx.Settings()
	if err != nil {
		return planInput{}, err
	}
	in := planInput{op: op, settings: s, policy: m.policy}
	if op.Nonce != 0 {
		if in.nonce, err = tx.Nonce(op.Caller); err != nil {
			return planInput{}, fmt.Errorf("load nonce: %w", err)
		}
	}
	if op.Kind == types.TxList || op.Kind == types.TxSetListingFee {
		return in, nil
	}
	rec, ok, err := tx.Get(op.ItemID)
	if err != nil {
		return planInput{}, fmt.Errorf("load item %d: %w", op.ItemID, err)
	}
	if ok {
		in.record = &rec
	}
	return in, nil
}

var eventKinds = map[types.TransactionType]types.EventKind{
	types.TxList:          types.EventListed,
	types.TxPurchase:      types.EventPurchased,
	types.TxResell:        types.EventResold,
	types.TxCancel:        types.EventCancelled,
	types.TxSetListingFee: types.EventFeeChanged,
}

func (m *Market) commit(op types.Operation, eff Effect, rec types.MarketRecord, start time.Time) {
	at := m.now()
	ev := types.Event{
		ID:     ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Kind:   eventKinds[op.Kind],
		ItemID: rec.ItemID,
		Actor:  op.Caller,
		Price:  rec.Price,
		Fee:    eff.Fee,
		At:     at.UTC(),
	}
	if op.Kind == types.TxSetListingFee {
		ev.Price = types.ZeroAmount
	}
	m.logger.Info("operation committed",
		zap.String("op", string(op.Kind)),
		zap.Uint64("item_id", uint64(rec.ItemID)),
		zap.String("caller", op.Caller.Hex()),
		zap.String("price", ev.Price.String()),
		zap.String("fee", ev.Fee.String()),
		zap.Int("transfers", len(eff.Transfers)))
	if m.recorder != nil {
		m.recorder.Committed(ev, at.Sub(start))
	}
	if m.observer != nil {
		m.observer(ev)
	}
}

func (m *Market) reject(op types.Operation, err error) {
	fields := []zap.Field{
		zap.String("op", string(op.Kind)),
		zap.Uint64("item_id", uint64(op.ItemID)),
		zap.String("caller", op.Caller.Hex()),
		zap.Error(err),
	}
	if IsRejection(err) {
		m.logger.Info("operation rejected", append(fields, zap.String("reason", Reason(err)))...)
	} else {
		m.logger.Error("operation failed", fields...)
	}
	if m.recorder != nil {
		m.recorder.Rejected(op.Kind, err)
	}
}
