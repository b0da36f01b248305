// Package hostkey implements trust-on-first-use verification of SSH host
// keys, persisted in an OpenSSH known_hosts file owned by hshell.
//
// The first key seen for a host is recorded and every later connection must
// present the same key. A different key is a Mismatch and aborts the
// connection; entries are never replaced automatically.
package hostkey

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treykane/hshell/internal/fault"
)

// Decision is the outcome of verifying one host key.
type Decision int

const (
	Trusted Decision = iota
	NewlyTrusted
	Mismatch
)

func (d Decision) String() string {
	switch d {
	case Trusted:
		return "trusted"
	case NewlyTrusted:
		return "newly-trusted"
	case Mismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// KeyMap maps a normalized host ("host" or "[host]:port") to its pinned keys.
type KeyMap map[string][]ssh.PublicKey

// MismatchError describes a host presenting a key other than the pinned one.
type MismatchError struct {
	Host   string
	Got    string
	Pinned []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("host key for %s changed: got %s, pinned %s", e.Host, e.Got, strings.Join(e.Pinned, ", "))
}

// Load reads a known_hosts file. A missing file, or a parent path that is
// not a directory, yields an empty map. Hashed hosts, marker lines
// (@revoked, @cert-authority) and unparsable lines are skipped.
func Load(path string) (KeyMap, error) {
	m := KeyMap{}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return m, nil
		}
		return nil, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		marker, hosts, key, _, _, err := ssh.ParseKnownHosts([]byte(line))
		if err != nil {
			slog.Debug("skipping known_hosts line", "path", path, "line", lineNo, "error", err)
			continue
		}
		if marker != "" {
			continue
		}
		for _, h := range hosts {
			if strings.HasPrefix(h, "|") {
				continue
			}
			m.add(knownhosts.Normalize(h), key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return m, nil
}

func (m KeyMap) add(host string, key ssh.PublicKey) bool {
	for _, k := range m[host] {
		if sameKey(k, key) {
			return false
		}
	}
	m[host] = append(m[host], key)
	return true
}

func sameKey(a, b ssh.PublicKey) bool {
	return a.Type() == b.Type() && bytes.Equal(a.Marshal(), b.Marshal())
}

// Store verifies and records host keys. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	keys   KeyMap
	system ssh.HostKeyCallback
}

// Option configures a Store.
type Option func(*Store) error

// WithSystemKnownHosts consults the given OpenSSH known_hosts files
// read-only. Files that do not exist are ignored.
func WithSystemKnownHosts(paths ...string) Option {
	return func(s *Store) error {
		var existing []string
		for _, p := range paths {
			if _, err := os.Stat(p); err == nil {
				existing = append(existing, p)
			}
		}
		if len(existing) == 0 {
			return nil
		}
		cb, err := knownhosts.New(existing...)
		if err != nil {
			return fmt.Errorf("load system known_hosts: %w", err)
		}
		s.system = cb
		return nil
	}
}

// Open loads the store persisted at path.
func Open(path string, opts ...Option) (*Store, error) {
	keys, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	s := &Store{path: path, keys: keys}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Verify checks key against the pinned keys for hostname (a host or
// host:port as dialed). Unknown hosts are pinned and persisted; a failure to
// persist is logged and the in-memory pin still applies.
func (s *Store) Verify(hostname string, remote net.Addr, key ssh.PublicKey) (Decision, error) {
	host := knownhosts.Normalize(hostname)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	if pinned := s.keys[host]; len(pinned) > 0 {
		for _, k := range pinned {
			if sameKey(k, key) {
				return Trusted, nil
			}
		}
		return Mismatch, fault.New(fault.Trust, "verify host key", host, mismatch(host, key, pinned))
	}

	if s.system != nil && remote != nil {
		err := s.system(hostname, remote, key)
		if err == nil {
			return Trusted, nil
		}
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) && len(ke.Want) > 0 {
			pinned := make([]ssh.PublicKey, 0, len(ke.Want))
			for _, w := range ke.Want {
				pinned = append(pinned, w.Key)
			}
			return Mismatch, fault.New(fault.Trust, "verify host key", host, mismatch(host, key, pinned))
		}
		var re *knownhosts.RevokedError
		if errors.As(err, &re) {
			return Mismatch, fault.New(fault.Trust, "verify host key", host, err)
		}
	}

	s.keys.add(host, key)
	if err := s.appendLocked(host, key); err != nil {
		slog.Warn("failed to persist new host key", "host", host, "path", s.path, "error", err)
	}
	return NewlyTrusted, nil
}

func mismatch(host string, got ssh.PublicKey, pinned []ssh.PublicKey) error {
	e := &MismatchError{Host: host, Got: ssh.FingerprintSHA256(got)}
	for _, k := range pinned {
		e.Pinned = append(e.Pinned, ssh.FingerprintSHA256(k))
	}
	return e
}

// HostKeyCallback adapts the store for ssh.ClientConfig.
func (s *Store) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		d, err := s.Verify(hostname, remote, key)
		if err != nil {
			slog.Error("host key verification failed", "host", hostname, "error", err)
			return err
		}
		if d == NewlyTrusted {
			slog.Warn("trusting new host key", "host", hostname, "type", key.Type(), "fingerprint", ssh.FingerprintSHA256(key))
		}
		return nil
	}
}

// HostKeyAlgorithms returns the algorithms matching the keys pinned for
// hostname, or nil when the host is unknown.
func (s *Store) HostKeyAlgorithms(hostname string) []string {
	host := knownhosts.Normalize(hostname)
	s.mu.Lock()
	defer s.mu.Unlock()
	var algos []string
	seen := map[string]bool{}
	for _, k := range s.keys[host] {
		for _, a := range algorithmsFor(k.Type()) {
			if !seen[a] {
				seen[a] = true
				algos = append(algos, a)
			}
		}
	}
	return algos
}

func algorithmsFor(keyType string) []string {
	if keyType == ssh.KeyAlgoRSA {
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	}
	return []string{keyType}
}

// Hosts lists the pinned hosts in sorted order.
func (s *Store) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := make([]string, 0, len(s.keys))
	for h := range s.keys {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Remove forgets every pin for hostname and rewrites the file. It is only
// reachable from an explicit user command.
func (s *Store) Remove(hostname string) error {
	host := knownhosts.Normalize(hostname)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	if _, ok := s.keys[host]; !ok {
		return fmt.Errorf("no pinned key for %s", host)
	}
	delete(s.keys, host)
	return s.rewriteLocked()
}

// refreshLocked merges entries appended by other processes.
func (s *Store) refreshLocked() {
	disk, err := Load(s.path)
	if err != nil {
		slog.Warn("failed to reload known_hosts", "path", s.path, "error", err)
		return
	}
	for h, keys := range disk {
		for _, k := range keys {
			s.keys.add(h, k)
		}
	}
}

func (s *Store) appendLocked(host string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) rewriteLocked() error {
	hosts := make([]string, 0, len(s.keys))
	for h := range s.keys {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	var buf bytes.Buffer
	for _, h := range hosts {
		for _, k := range s.keys[h] {
			buf.WriteString(knownhosts.Line([]string{h}, k))
			buf.WriteByte('\n')
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
