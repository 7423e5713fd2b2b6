// Package identity handles loading, generating, and persisting account keys
// (secp256k1). It creates and loads key files, ensures secure permissions,
// and builds an Identity used to sign ledger transactions. The account
// address derived from the public key is the caller identity the ledger sees.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
)

// LoadOrCreateIdentity loads an existing identity or creates a new one
// from the given key path. This is the main entry point for identity management.
//
// A missing or empty key file is treated as absent: a fresh key is
// generated and written as hex with 0600 permissions.
func LoadOrCreateIdentity(keyPath string) (*Identity, error) {
	info, err := os.Stat(keyPath)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		privKey, err := generateAndSaveKey(keyPath)
		if err != nil {
			return nil, err
		}
		return NewIdentity(privKey), nil
	}
	if err != nil {
		return nil, err
	}

	privKey, err := crypto.LoadECDSA(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyPath, err)
	}
	return NewIdentity(privKey), nil
}

// LoadIdentity loads an existing key file and fails if it is missing.
func LoadIdentity(keyPath string) (*Identity, error) {
	privKey, err := crypto.LoadECDSA(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyPath, err)
	}
	return NewIdentity(privKey), nil
}

func generateAndSaveKey(keyPath string) (*ecdsa.PrivateKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	// SaveECDSA writes with 0600.
	if err := crypto.SaveECDSA(keyPath, priv); err != nil {
		return nil, fmt.Errorf("save key %s: %w", keyPath, err)
	}
	return priv, nil
}
