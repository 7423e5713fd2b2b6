package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/types"
)

const maxTxBytes = 64 << 10

// @Title: Submit Transaction
// @Route: POST /api/tx
// @Description: Submits a signed ledger transaction (list, purchase, resell, cancel, set_listing_fee). The caller is the account recovered from the signature. Rejections map to 422 (invalid price or payment), 404, 409 (not an active listing), 401 and 403.
// @Response: {"item_id": 1} for list, 204 No Content otherwise
func (s *Service) HandleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var stx types.SignedTransaction
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTxBytes)).Decode(&stx); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		kind types.TransactionType
		rec  types.MarketRecord
		err  error
	)
	if s.broadcaster != nil {
		kind, rec, err = s.broadcast(r, &stx)
	} else {
		kind, rec, err = s.execute(r, &stx)
	}
	if err != nil {
		var bad badTxError
		if errors.As(err, &bad) {
			s.writeError(w, http.StatusBadRequest, bad.Error())
			return
		}
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.log(r).Error("transaction failed", zap.Error(err))
		}
		s.writeError(w, status, err.Error())
		return
	}

	if kind == types.TxList {
		s.writeJSON(w, http.StatusOK, map[string]types.ItemID{"item_id": rec.ItemID})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// badTxError marks transactions that never reached the ledger.
type badTxError struct{ error }

func (s *Service) execute(r *http.Request, stx *types.SignedTransaction) (types.TransactionType, types.MarketRecord, error) {
	op, err := stx.Open()
	if err != nil {
		return "", types.MarketRecord{}, badTxError{err}
	}
	rec, err := s.market.Execute(r.Context(), op)
	return op.Kind, rec, err
}

func (s *Service) broadcast(r *http.Request, stx *types.SignedTransaction) (types.TransactionType, types.MarketRecord, error) {
	tx, err := stx.GetTransaction()
	if err != nil {
		return "", types.MarketRecord{}, badTxError{err}
	}
	if !stx.Verify() {
		return "", types.MarketRecord{}, badTxError{types.ErrSignerMismatch}
	}
	res, err := s.broadcaster.BroadcastSignedTransaction(r.Context(), stx, true)
	if err != nil {
		return tx.Type, types.MarketRecord{}, err
	}
	var rec types.MarketRecord
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &rec); err != nil {
			s.log(r).Warn("undecodable deliver data", zap.String("hash", res.Hash), zap.Error(err))
		}
	}
	s.log(r).Info("transaction committed through consensus",
		zap.String("hash", res.Hash),
		zap.String("height", res.Height),
		zap.String("type", string(tx.Type)))
	return tx.Type, rec, nil
}

// @Title: Get Active Listings
// @Route: GET /api/listings
// @Description: Returns every item currently held in escrow for sale, in id order
// @Response: [{"item_id": 1, "metadata_uri": "...", "seller": "0x...", "custodian": "0x...", "price": "100", "status": "listed", "fee_held": "25"}]
func (s *Service) HandleListings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.market.ActiveListings(r.Context())
	s.writeRecords(w, r, recs, err)
}

// @Title: Get Owned Items
// @Route: GET /api/accounts/{addr}/owned
// @Description: Returns the items whose custodian is the account
// @Response: array of market records
func (s *Service) HandleOwned(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	recs, err := s.market.Owned(r.Context(), acct)
	s.writeRecords(w, r, recs, err)
}

// @Title: Get Listed Items
// @Route: GET /api/accounts/{addr}/listed
// @Description: Returns the active listings the account is selling
// @Response: array of market records
func (s *Service) HandleListed(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	recs, err := s.market.ListedBy(r.Context(), acct)
	s.writeRecords(w, r, recs, err)
}

// @Title: Get Balance
// @Route: GET /api/accounts/{addr}/balance
// @Description: Returns the currency the ledger has credited to the account
// @Response: {"account": "0x...", "balance": "100"}
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	bal, err := s.market.Balance(r.Context(), acct)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"account": acct, "balance": bal})
}

// @Title: Get Nonce
// @Route: GET /api/accounts/{addr}/nonce
// @Description: Returns the last nonce accepted from the account; the next signed transaction must use a larger one
// @Response: {"account": "0x...", "nonce": 3}
func (s *Service) HandleNonce(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	n, err := s.market.Nonce(r.Context(), acct)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"account": acct, "nonce": n})
}

// @Title: Get Item
// @Route: GET /api/items/{id}
// @Description: Returns a single market record
// @Response: market record, or 404
func (s *Service) HandleItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.itemID(w, r)
	if !ok {
		return
	}
	rec, err := s.market.Item(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// @Title: Get Item Transfers
// @Route: GET /api/items/{id}/transfers
// @Description: Returns the currency movements recorded against an item, oldest first
// @Response: [{"seq": 1, "item_id": 1, "kind": "payment", "from": "0x...", "to": "0x...", "amount": "25"}]
func (s *Service) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.itemID(w, r)
	if !ok {
		return
	}
	ts, err := s.market.Transfers(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ts)
}

// @Title: Get Listing Fee
// @Route: GET /api/fee
// @Description: Returns the fee charged to list or relist an item
// @Response: {"listing_fee": "25"}
func (s *Service) HandleFee(w http.ResponseWriter, r *http.Request) {
	fee, err := s.market.ListingFee(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]types.Amount{"listing_fee": fee})
}

// @Title: Get Stats
// @Route: GET /api/stats
// @Description: Returns the ledger counters
// @Response: {"next_id": 4, "created": 3, "removed_count": 1, "active": 2, "listing_fee": "25"}
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.market.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Service) writeRecords(w http.ResponseWriter, r *http.Request, recs []types.MarketRecord, err error) {
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Service) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log(r).Error("ledger query failed", zap.String("path", r.URL.Path), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "Ledger unavailable")
}

func (s *Service) account(w http.ResponseWriter, r *http.Request) (types.Account, bool) {
	acct, err := types.ParseAccount(r.PathValue("addr"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return types.NullAccount, false
	}
	return acct, true
}

func (s *Service) itemID(w http.ResponseWriter, r *http.Request) (types.ItemID, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid item id")
		return 0, false
	}
	return types.ItemID(id), true
}
