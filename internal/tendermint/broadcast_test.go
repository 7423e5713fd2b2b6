package tendermint

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func rpcServer(t *testing.T, handle func(method string, params map[string]interface{}) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(handle(req.Method, req.Params)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBroadcastTxSyncEncodesTx(t *testing.T) {
	var gotMethod, gotTx string
	srv := rpcServer(t, func(method string, params map[string]interface{}) string {
		gotMethod = method
		gotTx, _ = params["tx"].(string)
		return `{"jsonrpc":"2.0","id":1,"result":{"code":0,"hash":"ABCD"}}`
	})

	res, err := NewBroadcastClient(srv.URL).BroadcastTxSync(t.Context(), []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Hash != "ABCD" || gotMethod != "broadcast_tx_sync" {
		t.Fatalf("unexpected result %+v via %s", res, gotMethod)
	}
	if gotTx != base64.StdEncoding.EncodeToString([]byte(`{"x":1}`)) {
		t.Fatalf("tx not base64 encoded: %s", gotTx)
	}
}

func TestBroadcastTxCommitReportsDeliverFailure(t *testing.T) {
	srv := rpcServer(t, func(string, map[string]interface{}) string {
		return `{"result":{"check_tx":{"code":0},"deliver_tx":{"code":13,"codespace":"already_sold","log":"sold"},"hash":"01","height":"5"}}`
	})

	_, err := NewBroadcastClient(srv.URL).BroadcastTxCommit(t.Context(), []byte("tx"))
	var txErr *TxError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected TxError, got %v", err)
	}
	if txErr.Code != 13 || txErr.Codespace != "already_sold" {
		t.Fatalf("unexpected error %+v", txErr)
	}
}

func TestBroadcastRPCError(t *testing.T) {
	srv := rpcServer(t, func(string, map[string]interface{}) string {
		return `{"error":{"code":-32603,"message":"Internal error","data":"tx already exists in cache"}}`
	})
	if _, err := NewBroadcastClient(srv.URL).BroadcastTxSync(t.Context(), []byte("tx")); err == nil {
		t.Fatal("expected RPC error")
	}
}

func TestABCIQueryDecodesValue(t *testing.T) {
	srv := rpcServer(t, func(method string, params map[string]interface{}) string {
		if method != "abci_query" || params["path"] != "/fee" {
			t.Errorf("unexpected call %s %v", method, params)
		}
		value := base64.StdEncoding.EncodeToString([]byte(`"25"`))
		return `{"result":{"response":{"code":0,"value":"` + value + `"}}}`
	})

	value, err := NewBroadcastClient(srv.URL).ABCIQuery(t.Context(), "/fee")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if string(value) != `"25"` {
		t.Fatalf("value = %s", value)
	}
}
