package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"

	"marketledger.mini/mkl/internal/types"
)

// StateDigest hashes the settings and counters along with every record,
// credited balance and accepted nonce. Two ledgers that applied the same operations from the same genesis
// produce the same digest whatever store backs them.
func StateDigest(tx Tx) ([]byte, error) {
	h := crypto.NewKeccakState()
	var num [8]byte
	putUint := func(v uint64) {
		binary.BigEndian.PutUint64(num[:], v)
		h.Write(num[:])
	}
	putString := func(s string) {
		putUint(uint64(len(s)))
		h.Write([]byte(s))
	}

	s, err := tx.Settings()
	if err != nil {
		return nil, err
	}
	h.Write(s.Admin.Bytes())
	h.Write(s.Escrow.Bytes())
	putString(s.ListingFee.String())

	c, err := tx.Counters()
	if err != nil {
		return nil, err
	}
	putUint(uint64(c.NextID))
	putUint(c.Removed)

	err = tx.Scan(func(r types.MarketRecord) bool {
		putUint(uint64(r.ItemID))
		putString(r.MetadataURI)
		h.Write(r.Seller.Bytes())
		h.Write(r.Custodian.Bytes())
		putString(r.Price.String())
		putString(string(r.Status))
		putString(r.FeeHeld.String())
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("digest records: %w", err)
	}

	type balance struct {
		acct   types.Account
		amount types.Amount
	}
	var balances []balance
	err = tx.Balances(func(acct types.Account, amount types.Amount) bool {
		balances = append(balances, balance{acct, amount})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("digest balances: %w", err)
	}
	sort.Slice(balances, func(i, j int) bool {
		return bytes.Compare(balances[i].acct.Bytes(), balances[j].acct.Bytes()) < 0
	})
	putUint(uint64(len(balances)))
	for _, b := range balances {
		h.Write(b.acct.Bytes())
		putString(b.amount.String())
	}

	type nonce struct {
		acct types.Account
		n    uint64
	}
	var nonces []nonce
	err = tx.Nonces(func(acct types.Account, n uint64) bool {
		nonces = append(nonces, nonce{acct, n})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("digest nonces: %w", err)
	}
	sort.Slice(nonces, func(i, j int) bool {
		return bytes.Compare(nonces[i].acct.Bytes(), nonces[j].acct.Bytes()) < 0
	})
	putUint(uint64(len(nonces)))
	for _, n := range nonces {
		h.Write(n.acct.Bytes())
		putUint(n.n)
	}

	return h.Sum(nil), nil
}

// Checkpoint records height as committed and returns it with the digest of
// the state it committed.
func (m *Market) Checkpoint(ctx context.Context, height int64) (types.ChainState, error) {
	var cs types.ChainState
	err := m.store.Update(ctx, func(tx Tx) error {
		prev, err := tx.ChainState()
		if err != nil {
			return err
		}
		if height <= prev.Height {
			return fmt.Errorf("checkpoint height %d is not above %d", height, prev.Height)
		}
		hash, err := StateDigest(tx)
		if err != nil {
			return err
		}
		cs = types.ChainState{Height: height, AppHash: hash}
		return tx.SetChainState(cs)
	})
	return cs, err
}

// ChainState returns the last checkpoint.
func (m *Market) ChainState(ctx context.Context) (types.ChainState, error) {
	var cs types.ChainState
	err := m.store.View(ctx, func(tx Tx) error {
		var err error
		cs, err = tx.ChainState()
		return err
	})
	return cs, err
}

// Digest returns StateDigest over committed state.
func (m *Market) Digest(ctx context.Context) ([]byte, error) {
	var out []byte
	err := m.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = StateDigest(tx)
		return err
	})
	return out, err
}
