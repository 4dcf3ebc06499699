package metadata

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestPrivateKey(t *testing.T, path string, mode os.FileMode) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func TestValidateSSHKeyAcceptsWellFormedMode0600Key(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_rsa")
	writeTestPrivateKey(t, path, 0o600)

	g := NewGitSync("git@example.com:org/repo.git", "main", path, t.TempDir())

	if err := g.ValidateSSHKey(); err != nil {
		t.Errorf("unexpected error for valid key: %v", err)
	}
}

func TestValidateSSHKeyRejectsWrongPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_rsa")
	writeTestPrivateKey(t, path, 0o644)

	g := NewGitSync("git@example.com:org/repo.git", "main", path, t.TempDir())

	err := g.ValidateSSHKey()
	if !errors.Is(err, ErrSSHKeyPermissions) {
		t.Errorf("expected ErrSSHKeyPermissions, got %v", err)
	}
}

func TestValidateSSHKeyRejectsMalformedContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	g := NewGitSync("git@example.com:org/repo.git", "main", path, t.TempDir())

	err := g.ValidateSSHKey()
	if !errors.Is(err, ErrSSHKeyInvalid) {
		t.Errorf("expected ErrSSHKeyInvalid, got %v", err)
	}
}

func TestValidateSSHKeyRejectsMissingFile(t *testing.T) {
	g := NewGitSync("git@example.com:org/repo.git", "main", filepath.Join(t.TempDir(), "absent"), t.TempDir())

	err := g.ValidateSSHKey()
	if !errors.Is(err, ErrSSHKeyInvalid) {
		t.Errorf("expected ErrSSHKeyInvalid for missing file, got %v", err)
	}
}
