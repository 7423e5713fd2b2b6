package tendermint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketledger.mini/mkl/internal/types"
)

// TxError is returned when the application rejects a transaction with a
// non-zero result code.
type TxError struct {
	Code      uint32
	Codespace string
	Log       string
}

func (e *TxError) Error() string {
	if e.Codespace != "" {
		return fmt.Sprintf("transaction failed with code %d (%s): %s", e.Code, e.Codespace, e.Log)
	}
	return fmt.Sprintf("transaction failed with code %d: %s", e.Code, e.Log)
}

// BroadcastResult is what the node reports for an accepted transaction.
type BroadcastResult struct {
	Hash   string `json:"hash"`
	Height string `json:"height,omitempty"`
	// Data is the DeliverTx data, present only for commit broadcasts.
	Data []byte `json:"data,omitempty"`
}

// BroadcastClient talks to a Tendermint node over JSON-RPC.
type BroadcastClient struct {
	rpcAddr string
	client  *http.Client
}

// NewBroadcastClient creates a client for the node at rpcAddr
// (default "http://localhost:26657").
func NewBroadcastClient(rpcAddr string) *BroadcastClient {
	if rpcAddr == "" {
		rpcAddr = "http://localhost:26657"
	}
	return &BroadcastClient{
		rpcAddr: rpcAddr,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// BroadcastTxSync returns once CheckTx has accepted the transaction.
func (bc *BroadcastClient) BroadcastTxSync(ctx context.Context, tx []byte) (*BroadcastResult, error) {
	return bc.broadcast(ctx, "broadcast_tx_sync", tx)
}

// BroadcastTxCommit waits for the transaction to be committed in a block.
func (bc *BroadcastClient) BroadcastTxCommit(ctx context.Context, tx []byte) (*BroadcastResult, error) {
	return bc.broadcast(ctx, "broadcast_tx_commit", tx)
}

// BroadcastSignedTransaction marshals signedTx and broadcasts it. With commit
// set it waits for the block.
func (bc *BroadcastClient) BroadcastSignedTransaction(ctx context.Context, signedTx *types.SignedTransaction, commit bool) (*BroadcastResult, error) {
	txBytes, err := json.Marshal(signedTx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if commit {
		return bc.BroadcastTxCommit(ctx, txBytes)
	}
	return bc.BroadcastTxSync(ctx, txBytes)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

type txResult struct {
	Code      uint32 `json:"code"`
	Log       string `json:"log"`
	Codespace string `json:"codespace"`
}

type deliverResult struct {
	txResult
	Data []byte `json:"data"`
}

func (bc *BroadcastClient) broadcast(ctx context.Context, method string, tx []byte) (*BroadcastResult, error) {
	// broadcast_tx_* takes the transaction as a base64 string.
	var result struct {
		Hash   string `json:"hash"`
		Height string `json:"height"`
		txResult
		CheckTx   *txResult      `json:"check_tx"`
		DeliverTx *deliverResult `json:"deliver_tx"`
	}
	params := map[string]interface{}{"tx": base64.StdEncoding.EncodeToString(tx)}
	if err := bc.call(ctx, method, params, &result); err != nil {
		return nil, err
	}

	// Sync results carry the CheckTx outcome inline; commit results nest both.
	results := []*txResult{&result.txResult, result.CheckTx}
	if result.DeliverTx != nil {
		results = append(results, &result.DeliverTx.txResult)
	}
	for _, r := range results {
		if r != nil && r.Code != 0 {
			return nil, &TxError{Code: r.Code, Codespace: r.Codespace, Log: r.Log}
		}
	}
	out := &BroadcastResult{Hash: result.Hash, Height: result.Height}
	if result.DeliverTx != nil {
		out.Data = result.DeliverTx.Data
	}
	return out, nil
}

// ABCIQuery runs a ledger query such as "/listings" against the node and
// returns the JSON value.
func (bc *BroadcastClient) ABCIQuery(ctx context.Context, path string) ([]byte, error) {
	var result struct {
		Response struct {
			Code      uint32 `json:"code"`
			Log       string `json:"log"`
			Codespace string `json:"codespace"`
			Value     []byte `json:"value"`
		} `json:"response"`
	}
	if err := bc.call(ctx, "abci_query", map[string]interface{}{"path": path}, &result); err != nil {
		return nil, err
	}
	if result.Response.Code != 0 {
		return nil, &TxError{Code: result.Response.Code, Codespace: result.Response.Codespace, Log: result.Response.Log}
	}
	return result.Response.Value, nil
}

// QueryTx looks a transaction up by its hex hash.
func (bc *BroadcastClient) QueryTx(ctx context.Context, txHash string) (map[string]interface{}, error) {
	var result map[string]interface{}
	if err := bc.call(ctx, "tx", map[string]interface{}{"hash": txHash}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (bc *BroadcastClient) call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	reqBytes, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.rpcAddr, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to build RPC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := bc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes))
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error %d: %s (%s)", rpcResp.Error.Code, rpcResp.Error.Message, rpcResp.Error.Data)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
