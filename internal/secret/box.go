// Package secret encrypts stored server passwords.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt is returned when a ciphertext cannot be opened with the key.
var ErrDecrypt = errors.New("decrypt credential")

// Decrypter turns stored ciphertext into a plaintext credential.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

const (
	keySize   = 32
	nonceSize = 24
)

// Box is a NaCl secretbox keyed by a file in the data directory. The key is
// generated on first use.
type Box struct {
	path string

	once sync.Once
	key  *[keySize]byte
	err  error
}

// NewBox returns a Box backed by the key file at path.
func NewBox(path string) *Box {
	return &Box{path: path}
}

// Path returns the key file location.
func (b *Box) Path() string { return b.path }

func (b *Box) loadKey() (*[keySize]byte, error) {
	b.once.Do(func() {
		b.key, b.err = readOrCreateKey(b.path)
	})
	return b.key, b.err
}

func readOrCreateKey(path string) (*[keySize]byte, error) {
	var key [keySize]byte
	raw, err := os.ReadFile(path)
	if err == nil {
		dec, err := base64.StdEncoding.DecodeString(string(trimNewline(raw)))
		if err != nil || len(dec) != keySize {
			return nil, fmt.Errorf("key file %s is malformed", path)
		}
		copy(key[:], dec)
		return &key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	enc := base64.StdEncoding.EncodeToString(key[:]) + "\n"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return readOrCreateKey(path)
		}
		return nil, fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.WriteString(enc); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &key, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Encrypt seals plaintext and returns base64(nonce || box).
func (b *Box) Encrypt(plaintext string) (string, error) {
	key, err := b.loadKey()
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any failure wraps ErrDecrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	key, err := b.loadKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecrypt)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return string(out), nil
}
