// Package identity manages account keypairs and signing utilities. Each
// participant holds a secp256k1 private key; the 20-byte address derived
// from its public key is the account the ledger credits, charges and
// authorises.
package identity

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity represents an account's cryptographic identity
type Identity struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewIdentity creates a new Identity from a private key
func NewIdentity(privKey *ecdsa.PrivateKey) *Identity {
	return &Identity{
		privateKey: privKey,
		address:    crypto.PubkeyToAddress(privKey.PublicKey),
	}
}

// SignDigest signs a 32-byte digest, returning a 65-byte [R || S || V] signature.
func (i *Identity) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, i.privateKey)
}

// Sign signs keccak256(message).
func (i *Identity) Sign(message []byte) ([]byte, error) {
	return i.SignDigest(crypto.Keccak256(message))
}

// Verify reports whether signature over keccak256(message) was made by this identity.
func (i *Identity) Verify(message, signature []byte) bool {
	return Recover(message, signature) == i.address
}

// Address returns the account address. This is the canonical caller identity.
func (i *Identity) Address() common.Address {
	return i.address
}

// PrivateKey returns the raw private key
func (i *Identity) PrivateKey() *ecdsa.PrivateKey {
	return i.privateKey
}

// Recover returns the address that signed keccak256(message), or the zero
// address if the signature is malformed.
func Recover(message, signature []byte) common.Address {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(message), signature)
	if err != nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(*pub)
}
