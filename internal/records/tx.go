package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/types"
)

// sqlTx adapts a *sql.Tx to ledger.Tx. Accounts are stored as checksummed
// hex and amounts as decimal strings.
type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

const recordColumns = `item_id, metadata_uri, seller, custodian, price, status, fee_held`

func (t *sqlTx) write() error {
	if !t.writable {
		return ledger.ErrReadOnly
	}
	return nil
}

func (t *sqlTx) Get(id types.ItemID) (types.MarketRecord, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+recordColumns+` FROM records WHERE item_id = ?`, uint64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MarketRecord{}, false, nil
	}
	if err != nil {
		return types.MarketRecord{}, false, err
	}
	return rec, true, nil
}

func (t *sqlTx) Put(rec types.MarketRecord) error {
	if err := t.write(); err != nil {
		return err
	}
	c, err := t.Counters()
	if err != nil {
		return err
	}
	if rec.ItemID == 0 || rec.ItemID >= c.NextID {
		return fmt.Errorf("put item %d: %w", rec.ItemID, ledger.ErrCounterRange)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			metadata_uri = excluded.metadata_uri,
			seller = excluded.seller,
			custodian = excluded.custodian,
			price = excluded.price,
			status = excluded.status,
			fee_held = excluded.fee_held`,
		uint64(rec.ItemID), rec.MetadataURI, rec.Seller.Hex(), rec.Custodian.Hex(),
		rec.Price.String(), string(rec.Status), rec.FeeHeld.String())
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (t *sqlTx) AllocateID() (types.ItemID, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	c, err := t.Counters()
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE counters SET next_id = next_id + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return c.NextID, nil
}

func (t *sqlTx) IncrementRemoved() error {
	if err := t.write(); err != nil {
		return err
	}
	c, err := t.Counters()
	if err != nil {
		return err
	}
	if c.Removed >= c.Created() {
		return fmt.Errorf("increment removed: %w", ledger.ErrCounterRange)
	}
	return t.setRemoved(c.Removed + 1)
}

func (t *sqlTx) DecrementRemoved() error {
	if err := t.write(); err != nil {
		return err
	}
	c, err := t.Counters()
	if err != nil {
		return err
	}
	if c.Removed == 0 {
		return fmt.Errorf("decrement removed: %w", ledger.ErrCounterRange)
	}
	return t.setRemoved(c.Removed - 1)
}

func (t *sqlTx) setRemoved(n uint64) error {
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE counters SET removed_count = ? WHERE id = 1`, n); err != nil {
		return fmt.Errorf("update removed count: %w", err)
	}
	return nil
}

func (t *sqlTx) Counters() (types.Counters, error) {
	var next, removed uint64
	err := t.tx.QueryRowContext(t.ctx, `SELECT next_id, removed_count FROM counters WHERE id = 1`).Scan(&next, &removed)
	if err != nil {
		return types.Counters{}, fmt.Errorf("read counters: %w", err)
	}
	return types.Counters{NextID: types.ItemID(next), Removed: removed}, nil
}

func (t *sqlTx) Settings() (types.Settings, error) {
	var admin, escrow, fee string
	err := t.tx.QueryRowContext(t.ctx, `SELECT admin, escrow, listing_fee FROM settings WHERE id = 1`).Scan(&admin, &escrow, &fee)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, ledger.ErrNotInitialized
	}
	if err != nil {
		return types.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	amount, err := decimal.NewFromString(fee)
	if err != nil {
		return types.Settings{}, fmt.Errorf("decode listing fee: %w", err)
	}
	return types.Settings{
		Admin:      common.HexToAddress(admin),
		Escrow:     common.HexToAddress(escrow),
		ListingFee: amount,
	}, nil
}

func (t *sqlTx) InitSettings(s types.Settings) error {
	if err := t.write(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT OR IGNORE INTO settings (id, admin, escrow, listing_fee) VALUES (1, ?, ?, ?)`,
		s.Admin.Hex(), s.Escrow.Hex(), s.ListingFee.String())
	if err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAlreadyInitialized
	}
	return nil
}

func (t *sqlTx) SetListingFee(fee types.Amount) error {
	if err := t.write(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE settings SET listing_fee = ? WHERE id = 1`, fee.String())
	if err != nil {
		return fmt.Errorf("update listing fee: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotInitialized
	}
	return nil
}

func (t *sqlTx) Balance(acct types.Account) (types.Amount, error) {
	var raw string
	err := t.tx.QueryRowContext(t.ctx, `SELECT amount FROM balances WHERE account = ?`, acct.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ZeroAmount, nil
	}
	if err != nil {
		return types.ZeroAmount, fmt.Errorf("read balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (t *sqlTx) setBalance(acct types.Account, amount types.Amount) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO balances (account, amount) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET amount = excluded.amount`, acct.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

func (t *sqlTx) Balances(fn func(types.Account, types.Amount) bool) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT account, amount FROM balances`)
	if err != nil {
		return fmt.Errorf("scan balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var acct, raw string
		if err := rows.Scan(&acct, &raw); err != nil {
			return err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("decode balance of %s: %w", acct, err)
		}
		if !fn(common.HexToAddress(acct), amount) {
			return nil
		}
	}
	return rows.Err()
}

func (t *sqlTx) Nonce(acct types.Account) (uint64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT nonce FROM nonces WHERE account = ?`, acct.Hex()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read nonce: %w", err)
	}
	return uint64(n), nil
}

func (t *sqlTx) Nonces(fn func(types.Account, uint64) bool) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT account, nonce FROM nonces`)
	if err != nil {
		return fmt.Errorf("scan nonces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var acct string
		var n int64
		if err := rows.Scan(&acct, &n); err != nil {
			return err
		}
		if !fn(common.HexToAddress(acct), uint64(n)) {
			return nil
		}
	}
	return rows.Err()
}

// SetNonce stores nonce as a signed 64-bit integer; transactions cap nonces
// at math.MaxInt64.
func (t *sqlTx) SetNonce(acct types.Account, nonce uint64) error {
	if err := t.write(); err != nil {
		return err
	}
	if nonce > math.MaxInt64 {
		return fmt.Errorf("nonce %d: %w", nonce, ledger.ErrCounterRange)
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO nonces (account, nonce) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET nonce = excluded.nonce`, acct.Hex(), int64(nonce))
	if err != nil {
		return fmt.Errorf("write nonce: %w", err)
	}
	return nil
}

func (t *sqlTx) ChainState() (types.ChainState, error) {
	var cs types.ChainState
	err := t.tx.QueryRowContext(t.ctx, `SELECT height, app_hash FROM chain_state WHERE id = 1`).Scan(&cs.Height, &cs.AppHash)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ChainState{}, nil
	}
	if err != nil {
		return types.ChainState{}, fmt.Errorf("read chain state: %w", err)
	}
	return cs, nil
}

func (t *sqlTx) SetChainState(cs types.ChainState) error {
	if err := t.write(); err != nil {
		return err
	}
	hash := cs.AppHash
	if hash == nil {
		hash = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO chain_state (id, height, app_hash) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET height = excluded.height, app_hash = excluded.app_hash`, cs.Height, hash)
	if err != nil {
		return fmt.Errorf("write chain state: %w", err)
	}
	return nil
}

func (t *sqlTx) Transfer(tr types.Transfer) (types.Transfer, error) {
	if err := t.write(); err != nil {
		return tr, err
	}
	if tr.From != types.NullAccount {
		bal, err := t.Balance(tr.From)
		if err != nil {
			return tr, err
		}
		if bal.LessThan(tr.Amount) {
			return tr, fmt.Errorf("transfer %s from %s: %w", tr.Amount, tr.From.Hex(), ledger.ErrInsufficientBalance)
		}
		if err := t.setBalance(tr.From, bal.Sub(tr.Amount)); err != nil {
			return tr, err
		}
	}
	bal, err := t.Balance(tr.To)
	if err != nil {
		return tr, err
	}
	if err := t.setBalance(tr.To, bal.Add(tr.Amount)); err != nil {
		return tr, err
	}

	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO transfers (item_id, kind, from_account, to_account, amount) VALUES (?, ?, ?, ?, ?)`,
		uint64(tr.ItemID), string(tr.Kind), tr.From.Hex(), tr.To.Hex(), tr.Amount.String())
	if err != nil {
		return tr, fmt.Errorf("append transfer: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return tr, fmt.Errorf("transfer sequence: %w", err)
	}
	tr.Seq = uint64(seq)
	return tr, nil
}

func (t *sqlTx) Scan(fn func(types.MarketRecord) bool) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+recordColumns+` FROM records ORDER BY item_id`)
	if err != nil {
		return fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return rows.Err()
}

func (t *sqlTx) Transfers(id types.ItemID) ([]types.Transfer, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT seq, item_id, kind, from_account, to_account, amount
		FROM transfers WHERE item_id = ? ORDER BY seq`, uint64(id))
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []types.Transfer
	for rows.Next() {
		var (
			seq, itemID    uint64
			kind, from, to string
			amount         string
		)
		if err := rows.Scan(&seq, &itemID, &kind, &from, &to, &amount); err != nil {
			return nil, err
		}
		a, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("decode transfer %d amount: %w", seq, err)
		}
		out = append(out, types.Transfer{
			Seq:    seq,
			ItemID: types.ItemID(itemID),
			Kind:   types.TransferKind(kind),
			From:   common.HexToAddress(from),
			To:     common.HexToAddress(to),
			Amount: a,
		})
	}
	return out, rows.Err()
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (types.MarketRecord, error) {
	var (
		id                     uint64
		uri, seller, custodian string
		price, status, feeHeld string
	)
	if err := scanner.Scan(&id, &uri, &seller, &custodian, &price, &status, &feeHeld); err != nil {
		return types.MarketRecord{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return types.MarketRecord{}, fmt.Errorf("decode item %d price: %w", id, err)
	}
	held, err := decimal.NewFromString(feeHeld)
	if err != nil {
		return types.MarketRecord{}, fmt.Errorf("decode item %d held fee: %w", id, err)
	}
	return types.MarketRecord{
		ItemID:      types.ItemID(id),
		MetadataURI: uri,
		Seller:      common.HexToAddress(seller),
		Custodian:   common.HexToAddress(custodian),
		Price:       p,
		Status:      types.Status(status),
		FeeHeld:     held,
	}, nil
}
