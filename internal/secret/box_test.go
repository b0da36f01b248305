package secret

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBox_RoundTripAndKeyReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "secret.key")
	b := NewBox(path)
	ct, err := b.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ct == "hunter2" {
		t.Fatal("ciphertext equals plaintext")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := NewBox(path).Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt with reloaded key: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("decrypt = %q", got)
	}
}

func TestBox_DecryptFailures(t *testing.T) {
	dir := t.TempDir()
	b := NewBox(filepath.Join(dir, "a.key"))
	other := NewBox(filepath.Join(dir, "b.key"))
	ct, err := other.Encrypt("pw")
	if err != nil {
		t.Fatal(err)
	}
	for name, in := range map[string]string{
		"wrong key":  ct,
		"not base64": "!!!",
		"too short":  "AAAA",
	} {
		if _, err := b.Decrypt(in); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("%s: expected ErrDecrypt, got %v", name, err)
		}
	}
}

func TestBox_MalformedKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	if err := os.WriteFile(path, []byte("short\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewBox(path).Encrypt("x"); err == nil {
		t.Fatal("expected error for malformed key file")
	}
}
