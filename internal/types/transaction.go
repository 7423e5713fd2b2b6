package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// TransactionType names the ledger operation carried by a transaction.
type TransactionType string

const (
	TxList          TransactionType = "list"
	TxPurchase      TransactionType = "purchase"
	TxResell        TransactionType = "resell"
	TxCancel        TransactionType = "cancel"
	TxSetListingFee TransactionType = "set_listing_fee"
)

// Transaction is the unsigned body of a ledger operation. The payload shape
// depends on Type. Nonce must exceed every nonce the ledger has already
// accepted from the signer, so a signed transaction executes at most once.
type Transaction struct {
	Type      TransactionType `json:"type" validate:"required,oneof=list purchase resell cancel set_listing_fee"`
	Nonce     uint64          `json:"nonce" validate:"required,max=9223372036854775807"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

// ListPayload lists a new item. Payment must equal the current listing fee.
type ListPayload struct {
	MetadataURI string `json:"metadata_uri" validate:"max=2048"`
	Price       Amount `json:"price" validate:"amount"`
	Payment     Amount `json:"payment" validate:"amount"`
}

// PurchasePayload buys an active listing. Payment must equal the item price.
type PurchasePayload struct {
	ItemID  ItemID `json:"item_id" validate:"required"`
	Payment Amount `json:"payment" validate:"amount"`
}

// ResellPayload relists an owned item at a new price.
type ResellPayload struct {
	ItemID  ItemID `json:"item_id" validate:"required"`
	Price   Amount `json:"price" validate:"amount"`
	Payment Amount `json:"payment" validate:"amount"`
}

// CancelPayload withdraws an active listing.
type CancelPayload struct {
	ItemID ItemID `json:"item_id" validate:"required"`
}

// SetListingFeePayload changes the listing fee. Administrator only.
type SetListingFeePayload struct {
	Fee Amount `json:"fee" validate:"amount"`
}

// Operation is a decoded transaction bound to the account that signed it.
type Operation struct {
	Kind        TransactionType
	Caller      Account
	Nonce       uint64 // zero for operations that did not arrive signed
	ItemID      ItemID
	MetadataURI string
	Price       Amount // list and resell price, or the new fee for set_listing_fee
	Payment     Amount
}

// SignedTransaction wraps a marshalled Transaction with the signer's account
// and a secp256k1 signature over keccak256(Tx).
type SignedTransaction struct {
	Tx        json.RawMessage `json:"tx"`
	Signer    Account         `json:"signer"`
	Signature hexutil.Bytes   `json:"signature"`
}

// KeySigner is implemented by identities that can sign a 32-byte digest.
type KeySigner interface {
	Address() Account
	SignDigest(digest []byte) ([]byte, error)
}

var (
	ErrBadSignature   = errors.New("invalid signature")
	ErrSignerMismatch = errors.New("signature does not match signer")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Amounts are validated through their decimal string form.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsInteger()
	})
	return v
}

// NewTransaction marshals payload into a transaction with the given nonce,
// stamped with the current time.
func NewTransaction(txType TransactionType, nonce uint64, payload interface{}) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", txType, err)
	}
	return &Transaction{Type: txType, Nonce: nonce, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

// Sign marshals the transaction and signs it with the given key.
func (tx *Transaction) Sign(key KeySigner) (*SignedTransaction, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	sig, err := key.SignDigest(crypto.Keccak256(body))
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return &SignedTransaction{Tx: body, Signer: key.Address(), Signature: sig}, nil
}

// RecoverSigner returns the account that produced the signature.
func (st *SignedTransaction) RecoverSigner() (Account, error) {
	if len(st.Signature) != crypto.SignatureLength {
		return NullAccount, ErrBadSignature
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(st.Tx), st.Signature)
	if err != nil {
		return NullAccount, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether the signature was made by Signer.
func (st *SignedTransaction) Verify() bool {
	addr, err := st.RecoverSigner()
	return err == nil && addr == st.Signer
}

// GetTransaction decodes and validates the inner transaction.
func (st *SignedTransaction) GetTransaction() (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(st.Tx, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if err := validate.Struct(&tx); err != nil {
		return nil, fmt.Errorf("validate transaction: %w", err)
	}
	return &tx, nil
}

// Open verifies the signature and decodes the transaction into an Operation
// whose caller is the recovered signer.
func (st *SignedTransaction) Open() (Operation, error) {
	signer, err := st.RecoverSigner()
	if err != nil {
		return Operation{}, err
	}
	if signer != st.Signer {
		return Operation{}, ErrSignerMismatch
	}
	tx, err := st.GetTransaction()
	if err != nil {
		return Operation{}, err
	}
	return tx.Operation(signer)
}

// Operation decodes the payload for the transaction type.
func (tx *Transaction) Operation(caller Account) (Operation, error) {
	op := Operation{Kind: tx.Type, Caller: caller, Nonce: tx.Nonce, Price: ZeroAmount, Payment: ZeroAmount}
	switch tx.Type {
	case TxList:
		var p ListPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return op, err
		}
		op.MetadataURI, op.Price, op.Payment = p.MetadataURI, p.Price, p.Payment
	case TxPurchase:
		var p PurchasePayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return op, err
		}
		op.ItemID, op.Payment = p.ItemID, p.Payment
	case TxResell:
		var p ResellPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return op, err
		}
		op.ItemID, op.Price, op.Payment = p.ItemID, p.Price, p.Payment
	case TxCancel:
		var p CancelPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return op, err
		}
		op.ItemID = p.ItemID
	case TxSetListingFee:
		var p SetListingFeePayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return op, err
		}
		op.Price = p.Fee
	default:
		return op, fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	return op, nil
}

func decodePayload(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}
	return nil
}
