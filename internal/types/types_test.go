// Package types tests exercise the transaction envelope defined in the
// `internal/types` package: signing, signer recovery, payload validation and
// decoding into ledger operations.
package types

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketledger.mini/mkl/internal/identity"
)

func newTestIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreateIdentity(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	return id
}

func TestTransactionSigning(t *testing.T) {
	id := newTestIdentity(t, "seller.key")

	tx, err := NewTransaction(TxList, 1, ListPayload{
		MetadataURI: "ipfs://item-1",
		Price:       MustAmount("100"),
		Payment:     MustAmount("25"),
	})
	require.NoError(t, err)

	signedTx, err := tx.Sign(id)
	require.NoError(t, err)
	assert.True(t, signedTx.Verify(), "Failed to verify transaction signature")

	op, err := signedTx.Open()
	require.NoError(t, err)
	assert.Equal(t, TxList, op.Kind)
	assert.Equal(t, id.Address(), op.Caller)
	assert.Equal(t, uint64(1), op.Nonce)
	assert.Equal(t, "ipfs://item-1", op.MetadataURI)
	assert.True(t, op.Price.Equal(MustAmount("100")))
	assert.True(t, op.Payment.Equal(MustAmount("25")))
}

func TestSignedTransactionSurvivesJSON(t *testing.T) {
	id := newTestIdentity(t, "buyer.key")
	tx, err := NewTransaction(TxPurchase, 2, PurchasePayload{ItemID: 7, Payment: MustAmount("100")})
	require.NoError(t, err)
	signedTx, err := tx.Sign(id)
	require.NoError(t, err)

	wire, err := json.Marshal(signedTx)
	require.NoError(t, err)

	var decoded SignedTransaction
	require.NoError(t, json.Unmarshal(wire, &decoded))
	op, err := decoded.Open()
	require.NoError(t, err)
	assert.Equal(t, ItemID(7), op.ItemID)
	assert.Equal(t, id.Address(), op.Caller)
}

func TestSignerMismatch(t *testing.T) {
	id := newTestIdentity(t, "a.key")
	other := newTestIdentity(t, "b.key")

	tx, err := NewTransaction(TxCancel, 3, CancelPayload{ItemID: 1})
	require.NoError(t, err)
	signedTx, err := tx.Sign(id)
	require.NoError(t, err)

	signedTx.Signer = other.Address()
	assert.False(t, signedTx.Verify())
	_, err = signedTx.Open()
	assert.ErrorIs(t, err, ErrSignerMismatch)

	signedTx.Signature = signedTx.Signature[:12]
	_, err = signedTx.Open()
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestTamperedBodyRecoversDifferentSigner(t *testing.T) {
	id := newTestIdentity(t, "a.key")
	tx, err := NewTransaction(TxSetListingFee, 4, SetListingFeePayload{Fee: MustAmount("10")})
	require.NoError(t, err)
	signedTx, err := tx.Sign(id)
	require.NoError(t, err)

	forged, err := NewTransaction(TxSetListingFee, 4, SetListingFeePayload{Fee: MustAmount("0")})
	require.NoError(t, err)
	signedTx.Tx, err = json.Marshal(forged)
	require.NoError(t, err)

	_, err = signedTx.Open()
	assert.Error(t, err)
}

func TestTransactionRequiresNonce(t *testing.T) {
	id := newTestIdentity(t, "n.key")

	tx, err := NewTransaction(TxCancel, 0, CancelPayload{ItemID: 1})
	require.NoError(t, err)
	signedTx, err := tx.Sign(id)
	require.NoError(t, err)
	_, err = signedTx.Open()
	assert.Error(t, err, "a zero nonce must not decode")

	tx.Nonce = 1 << 63
	signedTx, err = tx.Sign(id)
	require.NoError(t, err)
	_, err = signedTx.Open()
	assert.Error(t, err, "nonces above the signed 64-bit range must not decode")
}

func TestTransactionPayloads(t *testing.T) {
	caller := newTestIdentity(t, "c.key").Address()

	testCases := []struct {
		name    string
		txType  TransactionType
		payload string
		wantErr bool
		check   func(t *testing.T, op Operation)
	}{
		{
			name:    "List",
			txType:  TxList,
			payload: `{"metadata_uri":"ipfs://x","price":"100","payment":"25"}`,
			check: func(t *testing.T, op Operation) {
				assert.Equal(t, "ipfs://x", op.MetadataURI)
				assert.Equal(t, "100", op.Price.String())
			},
		},
		{
			name:    "ListZeroPriceDecodes",
			txType:  TxList,
			payload: `{"metadata_uri":"ipfs://x","price":"0","payment":"25"}`,
			check: func(t *testing.T, op Operation) {
				assert.True(t, op.Price.IsZero())
			},
		},
		{
			name:    "ListFractionalPrice",
			txType:  TxList,
			payload: `{"metadata_uri":"ipfs://x","price":"1.5","payment":"25"}`,
			wantErr: true,
		},
		{
			name:    "Resell",
			txType:  TxResell,
			payload: `{"item_id":3,"price":"250","payment":"25"}`,
			check: func(t *testing.T, op Operation) {
				assert.Equal(t, ItemID(3), op.ItemID)
				assert.Equal(t, "250", op.Price.String())
			},
		},
		{
			name:    "PurchaseMissingItem",
			txType:  TxPurchase,
			payload: `{"payment":"100"}`,
			wantErr: true,
		},
		{
			name:    "NegativeFeeDecodes",
			txType:  TxSetListingFee,
			payload: `{"fee":"-5"}`,
			check: func(t *testing.T, op Operation) {
				assert.Equal(t, -1, op.Price.Sign())
			},
		},
		{
			name:    "Unknown",
			txType:  TransactionType("mint"),
			payload: `{}`,
			wantErr: true,
		},
		{
			name:    "Garbage",
			txType:  TxCancel,
			payload: `[1,2]`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &Transaction{Type: tc.txType, Nonce: 9, Payload: json.RawMessage(tc.payload)}
			op, err := tx.Operation(caller)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, caller, op.Caller)
			assert.Equal(t, uint64(9), op.Nonce)
			tc.check(t, op)
		})
	}
}

func TestRecordHelpers(t *testing.T) {
	r := MarketRecord{Status: StatusListed}
	assert.False(t, r.Sold())
	r.Status = StatusWithdrawn
	assert.True(t, r.Sold())

	c := Counters{NextID: 6, Removed: 2}
	assert.Equal(t, uint64(5), c.Created())
	assert.Equal(t, uint64(3), c.Active())
	assert.Equal(t, uint64(0), Counters{}.Active())
}

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("25000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "25000000000000000", a.String())

	for _, bad := range []string{"-1", "0.5", "abc", ""} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}

	_, err = ParseAccount("0x1234")
	assert.Error(t, err)
	acct, err := ParseAccount("0x000000000000000000000000000000000000e5c0")
	require.NoError(t, err)
	assert.NotEqual(t, NullAccount, acct)
}
