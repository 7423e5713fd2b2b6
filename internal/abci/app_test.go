package abci

import (
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"

	tmabci "github.com/tendermint/tendermint/abci/types"
	"go.uber.org/zap/zaptest"

	"marketledger.mini/mkl/internal/identity"
	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/records"
	"marketledger.mini/mkl/internal/types"
)

var escrow = types.Account{0xe5, 0xc0}

var txNonce atomic.Uint64

func newIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreateIdentity(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity error: %v", err)
	}
	return id
}

func newApp(t *testing.T, admin types.Account) *ABCIApplication {
	t.Helper()
	return newAppOn(t, ledger.NewMemoryStore(), admin)
}

func newAppOn(t *testing.T, store ledger.Store, admin types.Account) *ABCIApplication {
	t.Helper()
	market := ledger.NewMarket(store, ledger.WithLogger(zaptest.NewLogger(t)))
	_, err := market.Init(t.Context(), types.Settings{Admin: admin, Escrow: escrow, ListingFee: types.MustAmount("25")})
	if err != nil {
		t.Fatalf("init market: %v", err)
	}
	return NewABCIApplication(market, zaptest.NewLogger(t))
}

func signTx(t *testing.T, id *identity.Identity, txType types.TransactionType, payload interface{}) []byte {
	t.Helper()
	tx, err := types.NewTransaction(txType, txNonce.Add(1), payload)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	stx, err := tx.Sign(id)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	raw, err := json.Marshal(stx)
	if err != nil {
		t.Fatalf("marshal signed tx: %v", err)
	}
	return raw
}

func listPayload(price string) types.ListPayload {
	return types.ListPayload{MetadataURI: "ipfs://a", Price: types.MustAmount(price), Payment: types.MustAmount("25")}
}

func TestListCheckAndDeliver(t *testing.T) {
	seller := newIdentity(t, "seller.hex")
	app := newApp(t, newIdentity(t, "admin.hex").Address())

	raw := signTx(t, seller, types.TxList, listPayload("100"))

	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: raw})
	if resp.Code != CodeTypeOK {
		t.Fatalf("CheckTx failed: code=%d log=%s", resp.Code, resp.Log)
	}

	dresp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: raw})
	if dresp.Code != CodeTypeOK {
		t.Fatalf("DeliverTx failed: code=%d log=%s", dresp.Code, dresp.Log)
	}
	var rec types.MarketRecord
	if err := json.Unmarshal(dresp.Data, &rec); err != nil {
		t.Fatalf("decode deliver data: %v", err)
	}
	if rec.ItemID != 1 || rec.Seller != seller.Address() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(dresp.Events) != 1 || string(dresp.Events[0].Attributes[1].Value) != "1" {
		t.Fatalf("unexpected events %+v", dresp.Events)
	}
}

func TestCheckTxDoesNotWrite(t *testing.T) {
	seller := newIdentity(t, "seller.hex")
	app := newApp(t, newIdentity(t, "admin.hex").Address())

	raw := signTx(t, seller, types.TxList, listPayload("100"))
	for i := 0; i < 3; i++ {
		if resp := app.CheckTx(tmabci.RequestCheckTx{Tx: raw}); resp.Code != CodeTypeOK {
			t.Fatalf("CheckTx failed: %s", resp.Log)
		}
	}
	q := app.Query(tmabci.RequestQuery{Path: "/listings"})
	if string(q.Value) != "[]" {
		t.Fatalf("CheckTx wrote state: %s", q.Value)
	}
}

func TestCheckTxRejectsInvalidSignature(t *testing.T) {
	a := newIdentity(t, "a.hex")
	b := newIdentity(t, "b.hex")
	app := newApp(t, a.Address())

	// claims to be from A but signed by B
	tx, _ := types.NewTransaction(types.TxList, txNonce.Add(1), listPayload("100"))
	stx, err := tx.Sign(b)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	stx.Signer = a.Address()
	raw, _ := json.Marshal(stx)

	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: raw})
	if resp.Code != CodeTypeAuthError {
		t.Fatalf("expected auth error, got code=%d log=%s", resp.Code, resp.Log)
	}
}

func TestCheckTxRejectsGarbage(t *testing.T) {
	app := newApp(t, newIdentity(t, "admin.hex").Address())
	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: []byte("not json")})
	if resp.Code != CodeTypeEncodingError {
		t.Fatalf("expected encoding error, got %d", resp.Code)
	}
}

func TestLedgerErrorsMapToCodes(t *testing.T) {
	admin := newIdentity(t, "admin.hex")
	alice := newIdentity(t, "alice.hex")
	bob := newIdentity(t, "bob.hex")
	app := newApp(t, admin.Address())

	if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: signTx(t, alice, types.TxList, listPayload("100"))}); r.Code != CodeTypeOK {
		t.Fatalf("list: %s", r.Log)
	}

	cases := []struct {
		name string
		raw  []byte
		code uint32
	}{
		{"zero price", signTx(t, alice, types.TxList, listPayload("0")), CodeInvalidPrice},
		{"wrong payment", signTx(t, bob, types.TxPurchase, types.PurchasePayload{ItemID: 1, Payment: types.MustAmount("99")}), CodeInvalidPayment},
		{"unknown item", signTx(t, bob, types.TxPurchase, types.PurchasePayload{ItemID: 9, Payment: types.MustAmount("100")}), CodeNotFound},
		{"cancel by stranger", signTx(t, bob, types.TxCancel, types.CancelPayload{ItemID: 1}), CodeUnauthorized},
		{"fee by non admin", signTx(t, bob, types.TxSetListingFee, types.SetListingFeePayload{Fee: types.MustAmount("1")}), CodeForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: tc.raw}); r.Code != tc.code {
				t.Fatalf("code = %d (%s), want %d", r.Code, r.Log, tc.code)
			}
		})
	}

	purchase := types.PurchasePayload{ItemID: 1, Payment: types.MustAmount("100")}
	if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: signTx(t, bob, types.TxPurchase, purchase)}); r.Code != CodeTypeOK {
		t.Fatalf("purchase: %s", r.Log)
	}
	if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: signTx(t, bob, types.TxPurchase, purchase)}); r.Code != CodeAlreadySold {
		t.Fatalf("second purchase code = %d, want %d", r.Code, CodeAlreadySold)
	}
}

func TestQueryPaths(t *testing.T) {
	alice := newIdentity(t, "alice.hex")
	app := newApp(t, newIdentity(t, "admin.hex").Address())
	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signTx(t, alice, types.TxList, listPayload("100"))})

	var listed []types.MarketRecord
	q := app.Query(tmabci.RequestQuery{Path: "/listed/" + alice.Address().Hex()})
	if q.Code != CodeTypeOK {
		t.Fatalf("listed query: %s", q.Log)
	}
	if err := json.Unmarshal(q.Value, &listed); err != nil || len(listed) != 1 {
		t.Fatalf("listed = %s (%v)", q.Value, err)
	}

	q = app.Query(tmabci.RequestQuery{Path: "/owned/" + alice.Address().Hex()})
	if q.Code != CodeTypeOK || string(q.Value) != "[]" {
		t.Fatalf("owned query: code=%d value=%s", q.Code, q.Value)
	}

	q = app.Query(tmabci.RequestQuery{Path: "/fee"})
	if string(q.Value) != `"25"` {
		t.Fatalf("fee = %s", q.Value)
	}

	if q = app.Query(tmabci.RequestQuery{Path: "/item/7"}); q.Code != CodeNotFound {
		t.Fatalf("missing item code = %d", q.Code)
	}
	if q = app.Query(tmabci.RequestQuery{Path: "/owned/zzz"}); q.Code != CodeTypeEncodingError {
		t.Fatalf("bad address code = %d", q.Code)
	}
	if q = app.Query(tmabci.RequestQuery{Path: "/nope"}); q.Code != CodeTypeEncodingError {
		t.Fatalf("unknown path code = %d", q.Code)
	}
}

func TestCommitAdvancesHeightAndHash(t *testing.T) {
	alice := newIdentity(t, "alice.hex")
	app := newApp(t, newIdentity(t, "admin.hex").Address())

	first := app.Commit().Data
	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signTx(t, alice, types.TxList, listPayload("100"))})
	second := app.Commit().Data

	if len(first) != 32 || string(first) == string(second) {
		t.Fatalf("app hash did not change: %x %x", first, second)
	}
	info := app.Info(tmabci.RequestInfo{})
	if info.LastBlockHeight != 2 || string(info.LastBlockAppHash) != string(second) {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Version != types.Version {
		t.Fatalf("version = %s", info.Version)
	}
}

func TestDeliverTxRejectsReplay(t *testing.T) {
	alice := newIdentity(t, "alice.hex")
	app := newApp(t, newIdentity(t, "admin.hex").Address())

	raw := signTx(t, alice, types.TxList, listPayload("100"))
	if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: raw}); r.Code != CodeTypeOK {
		t.Fatalf("first delivery: %s", r.Log)
	}
	if r := app.CheckTx(tmabci.RequestCheckTx{Tx: raw}); r.Code != CodeUnauthorized {
		t.Fatalf("CheckTx of a delivered tx: code = %d, want %d", r.Code, CodeUnauthorized)
	}
	if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: raw}); r.Code != CodeUnauthorized {
		t.Fatalf("replayed delivery: code = %d (%s), want %d", r.Code, r.Log, CodeUnauthorized)
	}

	var listed []types.MarketRecord
	q := app.Query(tmabci.RequestQuery{Path: "/listed/" + alice.Address().Hex()})
	if err := json.Unmarshal(q.Value, &listed); err != nil || len(listed) != 1 {
		t.Fatalf("listed = %s (%v)", q.Value, err)
	}
	q = app.Query(tmabci.RequestQuery{Path: "/nonce/" + alice.Address().Hex()})
	if q.Code != CodeTypeOK || string(q.Value) == "0" {
		t.Fatalf("nonce query: code=%d value=%s", q.Code, q.Value)
	}
}

func TestRestartResumesFromCommittedHeight(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	admin := newIdentity(t, "admin.hex").Address()
	alice := newIdentity(t, "alice.hex")

	store, err := records.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	app := newAppOn(t, store, admin)
	raw := signTx(t, alice, types.TxList, listPayload("100"))
	if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: raw}); r.Code != CodeTypeOK {
		t.Fatalf("deliver: %s", r.Log)
	}
	hash := app.Commit().Data
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = records.NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	app = newAppOn(t, store, admin)

	info := app.Info(tmabci.RequestInfo{})
	if info.LastBlockHeight != 1 || string(info.LastBlockAppHash) != string(hash) {
		t.Fatalf("restarted app reports height %d hash %X, want 1 %X", info.LastBlockHeight, info.LastBlockAppHash, hash)
	}

	// A block replayed after a crash must not apply twice.
	if r := app.DeliverTx(tmabci.RequestDeliverTx{Tx: raw}); r.Code != CodeUnauthorized {
		t.Fatalf("replayed delivery after restart: code = %d, want %d", r.Code, CodeUnauthorized)
	}
	var listed []types.MarketRecord
	q := app.Query(tmabci.RequestQuery{Path: "/listed/" + alice.Address().Hex()})
	if err := json.Unmarshal(q.Value, &listed); err != nil || len(listed) != 1 {
		t.Fatalf("listed = %s (%v)", q.Value, err)
	}
	if q.Height != 1 {
		t.Fatalf("query height = %d, want 1", q.Height)
	}

	if next := app.Commit(); string(next.Data) != string(hash) {
		t.Fatalf("unchanged state produced a new hash %X", next.Data)
	}
	if info = app.Info(tmabci.RequestInfo{}); info.LastBlockHeight != 2 {
		t.Fatalf("height after second commit = %d", info.LastBlockHeight)
	}
}

func TestAppHashCoversRecords(t *testing.T) {
	admin := newIdentity(t, "admin.hex").Address()
	alice := newIdentity(t, "alice.hex")

	a := newApp(t, admin)
	b := newApp(t, admin)
	if r := a.DeliverTx(tmabci.RequestDeliverTx{Tx: signTx(t, alice, types.TxList, listPayload("100"))}); r.Code != CodeTypeOK {
		t.Fatalf("deliver on a: %s", r.Log)
	}
	if r := b.DeliverTx(tmabci.RequestDeliverTx{Tx: signTx(t, alice, types.TxList, listPayload("999"))}); r.Code != CodeTypeOK {
		t.Fatalf("deliver on b: %s", r.Log)
	}

	// Same counters and fee, different record contents.
	if ha, hb := a.Commit().Data, b.Commit().Data; string(ha) == string(hb) {
		t.Fatalf("different ledgers share app hash %X", ha)
	}
}
