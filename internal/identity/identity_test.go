// Package identity tests validate key generation, loading, and signing
// behavior for the Identity abstraction. These tests ensure persistent key
// files can be created, re-loaded, signed with, and that file permissions
// match security expectations.
package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIdentityLifecycle(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "account.key")

	identity1, err := LoadOrCreateIdentity(keyPath)
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	identity2, err := LoadOrCreateIdentity(keyPath)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}

	if identity1.Address() != identity2.Address() {
		t.Errorf("Loaded identity differs from original. Got %s, want %s",
			identity2.Address().Hex(), identity1.Address().Hex())
	}
}

func TestEmptyKeyFileIsRegenerated(t *testing.T) {
	tmpFile, err := os.CreateTemp(t.TempDir(), "empty_*.key")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpFile.Close()

	id, err := LoadOrCreateIdentity(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to create identity over empty file: %v", err)
	}
	loaded, err := LoadIdentity(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to load regenerated key: %v", err)
	}
	if loaded.Address() != id.Address() {
		t.Errorf("Regenerated key not persisted")
	}
}

func TestLoadIdentityMissingFile(t *testing.T) {
	if _, err := LoadIdentity(filepath.Join(t.TempDir(), "missing.key")); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	identity, err := LoadOrCreateIdentity(filepath.Join(dir, "a.key"))
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	message := []byte("list item 1 for 100")

	signature, err := identity.Sign(message)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	if !identity.Verify(message, signature) {
		t.Error("Failed to verify signature with own key")
	}
	if Recover(message, signature) != identity.Address() {
		t.Error("Recovered address does not match signer")
	}

	otherIdentity, err := LoadOrCreateIdentity(filepath.Join(dir, "b.key"))
	if err != nil {
		t.Fatalf("Failed to create other identity: %v", err)
	}

	if otherIdentity.Verify(message, signature) {
		t.Error("Incorrectly verified signature with wrong key")
	}
	if identity.Verify([]byte("tampered"), signature) {
		t.Error("Incorrectly verified signature over a different message")
	}
	if identity.Verify(message, signature[:10]) {
		t.Error("Incorrectly verified truncated signature")
	}
}

func TestPermissions(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secure.key")

	if _, err := LoadOrCreateIdentity(keyPath); err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Failed to stat key file: %v", err)
	}

	// On Unix systems, check for 0600 permissions
	if info.Mode().Perm() != 0600 {
		t.Errorf("Key file has wrong permissions. Got %v, want %v",
			info.Mode().Perm(), 0600)
	}
}
