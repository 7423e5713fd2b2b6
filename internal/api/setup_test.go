package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"marketledger.mini/mkl/internal/identity"
	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/records"
	"marketledger.mini/mkl/internal/types"
)

var testEscrow = types.Account{0xe5, 0xc0}

const testFee = "25"

// txNonce hands out increasing nonces; one shared counter keeps every signer
// above its last accepted nonce.
var txNonce atomic.Uint64

func nextNonce() uint64 { return txNonce.Add(1) }

// testEnv is a service over a temporary SQLite ledger with three funded keys.
type testEnv struct {
	svc     *Service
	market  *ledger.Market
	store   *records.Store
	handler http.Handler

	admin, alice, bob *identity.Identity
}

func newKey(t *testing.T, dir, name string) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreateIdentity(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("Failed to create identity %s: %v", name, err)
	}
	return id
}

// setupTest creates a temporary store and service for testing
func setupTest(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := records.NewStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store: store,
		admin: newKey(t, dir, "admin.hex"),
		alice: newKey(t, dir, "alice.hex"),
		bob:   newKey(t, dir, "bob.hex"),
	}

	logger := zaptest.NewLogger(t)
	env.market = ledger.NewMarket(store, ledger.WithLogger(logger))
	if _, err := env.market.Init(t.Context(), types.Settings{
		Admin:      env.admin.Address(),
		Escrow:     testEscrow,
		ListingFee: types.MustAmount(testFee),
	}); err != nil {
		t.Fatalf("Failed to init market: %v", err)
	}

	opts = append([]Option{WithBackups(store, 5)}, opts...)
	env.svc = NewService(env.market, logger, opts...)
	env.handler = env.svc.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w.Result()
}

func signed(t *testing.T, key *identity.Identity, txType types.TransactionType, payload interface{}) []byte {
	t.Helper()
	tx, err := types.NewTransaction(txType, nextNonce(), payload)
	if err != nil {
		t.Fatalf("Failed to build tx: %v", err)
	}
	stx, err := tx.Sign(key)
	if err != nil {
		t.Fatalf("Failed to sign tx: %v", err)
	}
	raw, err := json.Marshal(stx)
	if err != nil {
		t.Fatalf("Failed to marshal tx: %v", err)
	}
	return raw
}

func (e *testEnv) submit(t *testing.T, key *identity.Identity, txType types.TransactionType, payload interface{}) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/tx", signed(t, key, txType, payload))
}

func (e *testEnv) list(t *testing.T, key *identity.Identity, price string) types.ItemID {
	t.Helper()
	resp := e.submit(t, key, types.TxList, types.ListPayload{
		MetadataURI: "ipfs://item",
		Price:       types.MustAmount(price),
		Payment:     types.MustAmount(testFee),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %v", resp.Status)
	}
	var out struct {
		ItemID types.ItemID `json:"item_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode list response: %v", err)
	}
	return out.ItemID
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}
