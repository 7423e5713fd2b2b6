// Package abci contains the ABCI application that connects the market ledger
// to the Tendermint consensus engine. CheckTx verifies the signature and
// dry-runs the operation against committed state; DeliverTx executes it.
// Tendermint delivers transactions one at a time, so the consensus engine is
// what serialises ledger operations across the network.
package abci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	abci "github.com/tendermint/tendermint/abci/types"
	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/types"
)

const (
	CodeTypeOK            uint32 = 0
	CodeTypeEncodingError uint32 = 1
	CodeTypeAuthError     uint32 = 2
	CodeTypeInvalidTx     uint32 = 3

	CodeInvalidPrice   uint32 = 10
	CodeInvalidPayment uint32 = 11
	CodeNotFound       uint32 = 12
	CodeAlreadySold    uint32 = 13
	CodeUnauthorized   uint32 = 14
	CodeForbidden      uint32 = 15
)

// Code maps a ledger error to its result code.
func Code(err error) uint32 {
	switch {
	case err == nil:
		return CodeTypeOK
	case errors.Is(err, ledger.ErrInvalidPrice):
		return CodeInvalidPrice
	case errors.Is(err, ledger.ErrInvalidPayment):
		return CodeInvalidPayment
	case errors.Is(err, ledger.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ledger.ErrAlreadySold):
		return CodeAlreadySold
	case errors.Is(err, ledger.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ledger.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, types.ErrBadSignature), errors.Is(err, types.ErrSignerMismatch):
		return CodeTypeAuthError
	}
	return CodeTypeInvalidTx
}

// ABCIApplication implements the ABCI interface over a Market. The last
// committed height and app hash live in the market's store, so a restarted
// node reports where it stopped and Tendermint replays only later blocks.
type ABCIApplication struct {
	abci.BaseApplication

	market *ledger.Market
	logger *zap.Logger
}

// NewABCIApplication creates an application that executes transactions
// against market.
func NewABCIApplication(market *ledger.Market, logger *zap.Logger) *ABCIApplication {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ABCIApplication{market: market, logger: logger}
}

func (app *ABCIApplication) Info(req abci.RequestInfo) abci.ResponseInfo {
	cs, err := app.market.ChainState(context.Background())
	if err != nil {
		app.logger.Error("failed to read chain state", zap.Error(err))
	}
	return abci.ResponseInfo{
		Data:             "marketledger",
		Version:          types.Version,
		LastBlockHeight:  cs.Height,
		LastBlockAppHash: cs.AppHash,
	}
}

// decode opens a signed transaction into an Operation bound to its signer.
func decode(raw []byte) (types.Operation, uint32, error) {
	var stx types.SignedTransaction
	if err := json.Unmarshal(raw, &stx); err != nil {
		return types.Operation{}, CodeTypeEncodingError, fmt.Errorf("decode signed tx: %w", err)
	}
	op, err := stx.Open()
	if err != nil {
		if errors.Is(err, types.ErrBadSignature) || errors.Is(err, types.ErrSignerMismatch) {
			return op, CodeTypeAuthError, err
		}
		return op, CodeTypeEncodingError, err
	}
	return op, CodeTypeOK, nil
}

func (app *ABCIApplication) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	op, code, err := decode(req.Tx)
	if err != nil {
		return abci.ResponseCheckTx{Code: code, Log: err.Error()}
	}
	if err := app.market.Check(context.Background(), op); err != nil {
		return abci.ResponseCheckTx{Code: Code(err), Log: err.Error(), Codespace: ledger.Reason(err)}
	}
	return abci.ResponseCheckTx{Code: CodeTypeOK}
}

func (app *ABCIApplication) DeliverTx(req abci.RequestDeliverTx) abci.ResponseDeliverTx {
	op, code, err := decode(req.Tx)
	if err != nil {
		return abci.ResponseDeliverTx{Code: code, Log: err.Error()}
	}
	rec, err := app.market.Execute(context.Background(), op)
	if err != nil {
		return abci.ResponseDeliverTx{Code: Code(err), Log: err.Error(), Codespace: ledger.Reason(err)}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		app.logger.Error("failed to encode delivered record", zap.Uint64("item_id", uint64(rec.ItemID)), zap.Error(err))
		return abci.ResponseDeliverTx{Code: CodeTypeEncodingError, Log: err.Error()}
	}
	return abci.ResponseDeliverTx{
		Code: CodeTypeOK,
		Data: data,
		Events: []abci.Event{{
			Type: "market",
			Attributes: []abci.EventAttribute{
				{Key: []byte("op"), Value: []byte(op.Kind), Index: true},
				{Key: []byte("item_id"), Value: []byte(strconv.FormatUint(uint64(rec.ItemID), 10)), Index: true},
				{Key: []byte("caller"), Value: []byte(op.Caller.Hex()), Index: true},
			},
		}},
	}
}

// Commit checkpoints the next block height together with a digest of the
// whole ledger state. A node that cannot persist its checkpoint would
// diverge from the chain, so failure is fatal.
func (app *ABCIApplication) Commit() abci.ResponseCommit {
	ctx := context.Background()
	prev, err := app.market.ChainState(ctx)
	if err != nil {
		app.logger.Error("failed to read chain state", zap.Error(err))
		panic(err)
	}
	cs, err := app.market.Checkpoint(ctx, prev.Height+1)
	if err != nil {
		app.logger.Error("failed to checkpoint block", zap.Int64("height", prev.Height+1), zap.Error(err))
		panic(err)
	}
	app.logger.Debug("committed block", zap.Int64("height", cs.Height), zap.String("app_hash", fmt.Sprintf("%X", cs.AppHash)))
	return abci.ResponseCommit{Data: cs.AppHash}
}

// Query serves read-only ledger queries. Values are JSON.
func (app *ABCIApplication) Query(req abci.RequestQuery) abci.ResponseQuery {
	cs, err := app.market.ChainState(context.Background())
	if err != nil {
		return abci.ResponseQuery{Code: CodeTypeInvalidTx, Log: err.Error()}
	}
	height := cs.Height

	value, err := app.query(context.Background(), req.Path)
	if err != nil {
		code := Code(err)
		if errors.Is(err, errBadQuery) {
			code = CodeTypeEncodingError
		}
		return abci.ResponseQuery{Code: code, Log: err.Error(), Height: height}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return abci.ResponseQuery{Code: CodeTypeEncodingError, Log: err.Error(), Height: height}
	}
	return abci.ResponseQuery{Code: CodeTypeOK, Key: []byte(req.Path), Value: data, Height: height}
}

var errBadQuery = errors.New("bad query")

func (app *ABCIApplication) query(ctx context.Context, path string) (interface{}, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "listings":
		return app.market.ActiveListings(ctx)
	case len(parts) == 1 && parts[0] == "fee":
		return app.market.ListingFee(ctx)
	case len(parts) == 1 && parts[0] == "stats":
		return app.market.Stats(ctx)
	case len(parts) == 2 && (parts[0] == "owned" || parts[0] == "listed"):
		acct, err := types.ParseAccount(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadQuery, err)
		}
		if parts[0] == "owned" {
			return app.market.Owned(ctx, acct)
		}
		return app.market.ListedBy(ctx, acct)
	case len(parts) == 2 && parts[0] == "nonce":
		acct, err := types.ParseAccount(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadQuery, err)
		}
		return app.market.Nonce(ctx, acct)
	case len(parts) == 2 && parts[0] == "item":
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: item id %q", errBadQuery, parts[1])
		}
		return app.market.Item(ctx, types.ItemID(id))
	}
	return nil, fmt.Errorf("%w: unknown path %q", errBadQuery, path)
}
