package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"marketledger.mini/mkl/internal/tendermint"
	"marketledger.mini/mkl/internal/types"
)

// backend submits signed transactions and answers ledger queries. Query paths
// use the node's ABCI form: /listings, /fee, /stats, /owned/<addr>,
// /listed/<addr> and /item/<id>.
type backend interface {
	submit(ctx context.Context, stx *types.SignedTransaction) (string, error)
	query(ctx context.Context, path string) ([]byte, error)
}

func newBackend(g globals) backend {
	if g.rpcURL != "" {
		return &rpcBackend{client: tendermint.NewBroadcastClient(g.rpcURL), commit: g.commit}
	}
	return &httpBackend{
		base:   strings.TrimRight(g.apiURL, "/"),
		client: &http.Client{Timeout: g.timeout},
	}
}

type rpcBackend struct {
	client *tendermint.BroadcastClient
	commit bool
}

func (b *rpcBackend) submit(ctx context.Context, stx *types.SignedTransaction) (string, error) {
	res, err := b.client.BroadcastSignedTransaction(ctx, stx, b.commit)
	if err != nil {
		return "", err
	}
	out := fmt.Sprintf("tx %s", res.Hash)
	if res.Height != "" && res.Height != "0" {
		out += fmt.Sprintf(" committed at height %s", res.Height)
	}
	var rec types.MarketRecord
	if len(res.Data) > 0 && json.Unmarshal(res.Data, &rec) == nil && rec.ItemID != 0 {
		out += fmt.Sprintf(", item %d", rec.ItemID)
	}
	return out, nil
}

func (b *rpcBackend) query(ctx context.Context, path string) ([]byte, error) {
	return b.client.ABCIQuery(ctx, path)
}

type httpBackend struct {
	base   string
	client *http.Client
}

// apiRoute maps an ABCI query path to the HTTP API route serving it.
func apiRoute(path string) (string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && (parts[0] == "listings" || parts[0] == "fee" || parts[0] == "stats"):
		return "/api/" + parts[0], nil
	case len(parts) == 2 && (parts[0] == "owned" || parts[0] == "listed" || parts[0] == "nonce"):
		return "/api/accounts/" + parts[1] + "/" + parts[0], nil
	case len(parts) == 2 && parts[0] == "item":
		return "/api/items/" + parts[1], nil
	}
	return "", fmt.Errorf("unknown query %q", path)
}

func (b *httpBackend) query(ctx context.Context, path string) ([]byte, error) {
	route, err := apiRoute(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+route, nil)
	if err != nil {
		return nil, err
	}
	body, _, err := b.do(req)
	if err != nil {
		return nil, err
	}
	// The API wraps the fee and nonce in objects; queries return them bare.
	switch {
	case route == "/api/fee":
		return unwrap(body, "listing_fee")
	case strings.HasSuffix(route, "/nonce"):
		return unwrap(body, "nonce")
	}
	return body, nil
}

func unwrap(body []byte, field string) ([]byte, error) {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	v, ok := wrapped[field]
	if !ok {
		return nil, fmt.Errorf("response has no %s", field)
	}
	return v, nil
}

func (b *httpBackend) submit(ctx context.Context, stx *types.SignedTransaction) (string, error) {
	payload, err := json.Marshal(stx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/api/tx", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	body, status, err := b.do(req)
	if err != nil {
		return "", err
	}
	if status == http.StatusNoContent {
		return "ok", nil
	}
	var created struct {
		ItemID types.ItemID `json:"item_id"`
	}
	if err := json.Unmarshal(body, &created); err == nil && created.ItemID != 0 {
		return fmt.Sprintf("item %d", created.ItemID), nil
	}
	return strings.TrimSpace(string(body)), nil
}

// do sends req and returns the body of a 2xx response. Other statuses are
// turned into errors carrying the API's error message.
func (b *httpBackend) do(req *http.Request) ([]byte, int, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.StatusCode, nil
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	return nil, resp.StatusCode, fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, msg)
}
