package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketledger.mini/mkl/internal/types"
)

// recordingTx logs every write made through it.
type recordingTx struct {
	Tx
	calls []string
}

func (r *recordingTx) Put(rec types.MarketRecord) error {
	r.calls = append(r.calls, fmt.Sprintf("put:%d", rec.ItemID))
	return r.Tx.Put(rec)
}

func (r *recordingTx) AllocateID() (types.ItemID, error) {
	r.calls = append(r.calls, "allocate")
	return r.Tx.AllocateID()
}

func (r *recordingTx) IncrementRemoved() error {
	r.calls = append(r.calls, "removed+1")
	return r.Tx.IncrementRemoved()
}

func (r *recordingTx) DecrementRemoved() error {
	r.calls = append(r.calls, "removed-1")
	return r.Tx.DecrementRemoved()
}

func (r *recordingTx) Transfer(t types.Transfer) (types.Transfer, error) {
	r.calls = append(r.calls, fmt.Sprintf("%s:%s", t.Kind, t.To.Hex()))
	return r.Tx.Transfer(t)
}

func TestApplyWritesRecordBeforeTransfers(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket(t)
	id := listN(t, m, alice, 1, "100")[0]

	var calls []string
	err := m.store.Update(ctx, func(tx Tx) error {
		in, err := m.load(tx, types.Operation{Kind: types.TxPurchase, Caller: bob, ItemID: id, Payment: amt("100")})
		require.NoError(t, err)
		eff, err := plan(in)
		require.NoError(t, err)

		rt := &recordingTx{Tx: tx}
		_, err = apply(rt, eff)
		calls = rt.calls
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"put:1",
		"removed+1",
		"payment:" + escrow.Hex(),
		"fee:" + admin.Hex(),
		"proceeds:" + alice.Hex(),
	}, calls)
}

func TestApplyListAllocatesFirst(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket(t, WithFeePolicy(FeeImmediate))

	var calls []string
	err := m.store.Update(ctx, func(tx Tx) error {
		in, err := m.load(tx, types.Operation{Kind: types.TxList, Caller: alice, Price: amt("5"), Payment: fee})
		require.NoError(t, err)
		eff, err := plan(in)
		require.NoError(t, err)
		rt := &recordingTx{Tx: tx}
		rec, err := apply(rt, eff)
		assert.Equal(t, types.ItemID(1), rec.ItemID)
		calls = rt.calls
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"allocate", "put:1", "payment:" + escrow.Hex(), "fee:" + admin.Hex()}, calls)
}

func TestPlanIsPure(t *testing.T) {
	s := types.Settings{Admin: admin, Escrow: escrow, ListingFee: fee}
	rec := types.MarketRecord{ItemID: 3, Seller: alice, Custodian: escrow, Price: amt("100"), Status: types.StatusListed, FeeHeld: fee}
	in := planInput{
		op:       types.Operation{Kind: types.TxCancel, Caller: alice, ItemID: 3},
		settings: s,
		record:   &rec,
		policy:   FeeDeferred,
	}
	eff, err := plan(in)
	require.NoError(t, err)

	assert.Equal(t, types.StatusListed, rec.Status, "input record must not be mutated")
	assert.Equal(t, types.StatusWithdrawn, eff.Record.Status)
	assert.Equal(t, alice, eff.Record.Custodian)
	assert.Equal(t, types.NullAccount, eff.Record.Seller)
	assert.True(t, eff.Record.FeeHeld.IsZero())
	assert.Equal(t, 1, eff.RemovedDelta)
	require.Len(t, eff.Transfers, 1)
	assert.Equal(t, types.TransferFee, eff.Transfers[0].Kind)
	assert.True(t, eff.Transfers[0].Amount.Equal(fee))
}

func TestPlanSkipsZeroTransfers(t *testing.T) {
	s := types.Settings{Admin: admin, Escrow: escrow, ListingFee: types.ZeroAmount}
	eff, err := plan(planInput{
		op:       types.Operation{Kind: types.TxList, Caller: alice, Price: amt("1"), Payment: types.ZeroAmount},
		settings: s,
		policy:   FeeDeferred,
	})
	require.NoError(t, err)
	assert.Empty(t, eff.Transfers)
}

func TestPlanUnknownOperation(t *testing.T) {
	_, err := plan(planInput{
		op:       types.Operation{Kind: "burn", Caller: alice},
		settings: types.Settings{Admin: admin, Escrow: escrow, ListingFee: fee},
	})
	assert.ErrorIs(t, err, ErrUnknownOperation)
	assert.False(t, IsRejection(err))
}

// failingTx fails the n-th transfer.
type failingTx struct {
	Tx
	n int
}

func (f *failingTx) Transfer(t types.Transfer) (types.Transfer, error) {
	f.n--
	if f.n == 0 {
		return t, errors.New("transfer refused")
	}
	return f.Tx.Transfer(t)
}

func TestFailedApplyRollsBack(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket(t)
	id := listN(t, m, alice, 1, "100")[0]

	err := m.store.Update(ctx, func(tx Tx) error {
		in, err := m.load(tx, types.Operation{Kind: types.TxPurchase, Caller: bob, ItemID: id, Payment: amt("100")})
		if err != nil {
			return err
		}
		eff, err := plan(in)
		if err != nil {
			return err
		}
		_, err = apply(&failingTx{Tx: tx, n: 3}, eff)
		return err
	})
	require.Error(t, err)

	rec, err := m.Item(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusListed, rec.Status)
	assert.Equal(t, alice, rec.Seller)
	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Removed)
	assertBalance(t, m, escrow, "25")
	assertBalance(t, m, admin, "0")

	transfers, err := m.Transfers(ctx, id)
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
}

func TestReasonLabels(t *testing.T) {
	assert.Equal(t, "ok", Reason(nil))
	assert.Equal(t, "already_sold", Reason(fmt.Errorf("x: %w", ErrAlreadySold)))
	assert.Equal(t, "internal", Reason(ErrCounterRange))
	assert.True(t, IsRejection(fmt.Errorf("wrapped: %w", ErrForbidden)))
}

func TestParseFeePolicy(t *testing.T) {
	p, err := ParseFeePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FeeDeferred, p)
	p, err = ParseFeePolicy("immediate")
	require.NoError(t, err)
	assert.Equal(t, FeeImmediate, p)
	_, err = ParseFeePolicy("weekly")
	assert.Error(t, err)
}
