package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketledger.mini/mkl/internal/types"
)

// memState is the committed contents of a MemoryStore.
type memState struct {
	records  map[types.ItemID]types.MarketRecord
	counters types.Counters
	settings *types.Settings
	balances map[types.Account]types.Amount
	nonces   map[types.Account]uint64
	journal  []types.Transfer
	chain    types.ChainState
}

// MemoryStore is an in-memory Store. Updates stage writes in an overlay that
// is merged into the committed state only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

// NewMemoryStore returns an empty store whose first identifier is 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		records:  make(map[types.ItemID]types.MarketRecord),
		counters: types.Counters{NextID: 1},
		balances: make(map[types.Account]types.Amount),
		nonces:   make(map[types.Account]uint64),
	}}
}

func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newMemTx(&s.state, false))
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newMemTx(&s.state, true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	base     *memState
	writable bool

	records  map[types.ItemID]types.MarketRecord
	counters types.Counters
	settings *types.Settings
	balances map[types.Account]types.Amount
	nonces   map[types.Account]uint64
	journal  []types.Transfer
	chain    types.ChainState
}

func newMemTx(base *memState, writable bool) *memTx {
	return &memTx{
		base:     base,
		writable: writable,
		records:  make(map[types.ItemID]types.MarketRecord),
		counters: base.counters,
		settings: base.settings,
		balances: make(map[types.Account]types.Amount),
		nonces:   make(map[types.Account]uint64),
		chain:    base.chain,
	}
}

func (t *memTx) commit() {
	for id, rec := range t.records {
		t.base.records[id] = rec
	}
	for acct, bal := range t.balances {
		t.base.balances[acct] = bal
	}
	for acct, n := range t.nonces {
		t.base.nonces[acct] = n
	}
	t.base.counters = t.counters
	t.base.settings = t.settings
	t.base.chain = t.chain
	t.base.journal = append(t.base.journal, t.journal...)
}

func (t *memTx) write() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) Get(id types.ItemID) (types.MarketRecord, bool, error) {
	if rec, ok := t.records[id]; ok {
		return rec, true, nil
	}
	rec, ok := t.base.records[id]
	return rec, ok, nil
}

func (t *memTx) Put(rec types.MarketRecord) error {
	if err := t.write(); err != nil {
		return err
	}
	if rec.ItemID == 0 || rec.ItemID >= t.counters.NextID {
		return fmt.Errorf("put item %d: %w", rec.ItemID, ErrCounterRange)
	}
	t.records[rec.ItemID] = rec
	return nil
}

func (t *memTx) AllocateID() (types.ItemID, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	id := t.counters.NextID
	t.counters.NextID++
	return id, nil
}

func (t *memTx) IncrementRemoved() error {
	if err := t.write(); err != nil {
		return err
	}
	if t.counters.Removed >= t.counters.Created() {
		return fmt.Errorf("increment removed: %w", ErrCounterRange)
	}
	t.counters.Removed++
	return nil
}

func (t *memTx) DecrementRemoved() error {
	if err := t.write(); err != nil {
		return err
	}
	if t.counters.Removed == 0 {
		return fmt.Errorf("decrement removed: %w", ErrCounterRange)
	}
	t.counters.Removed--
	return nil
}

func (t *memTx) Counters() (types.Counters, error) {
	return t.counters, nil
}

func (t *memTx) Settings() (types.Settings, error) {
	if t.settings == nil {
		return types.Settings{}, ErrNotInitialized
	}
	return *t.settings, nil
}

func (t *memTx) InitSettings(s types.Settings) error {
	if err := t.write(); err != nil {
		return err
	}
	if t.settings != nil {
		return ErrAlreadyInitialized
	}
	t.settings = &s
	return nil
}

func (t *memTx) SetListingFee(fee types.Amount) error {
	if err := t.write(); err != nil {
		return err
	}
	if t.settings == nil {
		return ErrNotInitialized
	}
	next := *t.settings
	next.ListingFee = fee
	t.settings = &next
	return nil
}

func (t *memTx) Balance(acct types.Account) (types.Amount, error) {
	if bal, ok := t.balances[acct]; ok {
		return bal, nil
	}
	if bal, ok := t.base.balances[acct]; ok {
		return bal, nil
	}
	return types.ZeroAmount, nil
}

func (t *memTx) Transfer(tr types.Transfer) (types.Transfer, error) {
	if err := t.write(); err != nil {
		return tr, err
	}
	if tr.From != types.NullAccount {
		bal, _ := t.Balance(tr.From)
		if bal.LessThan(tr.Amount) {
			return tr, fmt.Errorf("transfer %s from %s: %w", tr.Amount, tr.From.Hex(), ErrInsufficientBalance)
		}
		t.balances[tr.From] = bal.Sub(tr.Amount)
	}
	bal, _ := t.Balance(tr.To)
	t.balances[tr.To] = bal.Add(tr.Amount)

	tr.Seq = uint64(len(t.base.journal)+len(t.journal)) + 1
	t.journal = append(t.journal, tr)
	return tr, nil
}

func (t *memTx) Scan(fn func(types.MarketRecord) bool) error {
	for id := types.ItemID(1); id < t.counters.NextID; id++ {
		rec, ok, _ := t.Get(id)
		if !ok {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (t *memTx) Transfers(id types.ItemID) ([]types.Transfer, error) {
	var out []types.Transfer
	for _, journal := range [][]types.Transfer{t.base.journal, t.journal} {
		for _, tr := range journal {
			if tr.ItemID == id {
				out = append(out, tr)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) Balances(fn func(types.Account, types.Amount) bool) error {
	seen := make(map[types.Account]bool, len(t.balances))
	for acct, bal := range t.balances {
		seen[acct] = true
		if !fn(acct, bal) {
			return nil
		}
	}
	for acct, bal := range t.base.balances {
		if seen[acct] {
			continue
		}
		if !fn(acct, bal) {
			return nil
		}
	}
	return nil
}

func (t *memTx) Nonce(acct types.Account) (uint64, error) {
	if n, ok := t.nonces[acct]; ok {
		return n, nil
	}
	return t.base.nonces[acct], nil
}

func (t *memTx) Nonces(fn func(types.Account, uint64) bool) error {
	for acct, n := range t.nonces {
		if !fn(acct, n) {
			return nil
		}
	}
	for acct, n := range t.base.nonces {
		if _, ok := t.nonces[acct]; ok {
			continue
		}
		if !fn(acct, n) {
			return nil
		}
	}
	return nil
}

func (t *memTx) SetNonce(acct types.Account, nonce uint64) error {
	if err := t.write(); err != nil {
		return err
	}
	t.nonces[acct] = nonce
	return nil
}

func (t *memTx) ChainState() (types.ChainState, error) {
	return t.chain, nil
}

func (t *memTx) SetChainState(cs types.ChainState) error {
	if err := t.write(); err != nil {
		return err
	}
	cs.AppHash = append([]byte(nil), cs.AppHash...)
	t.chain = cs
	return nil
}
