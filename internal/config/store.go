// Package config persists the server list and converts OpenSSH client
// configuration into server records.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/util"
)

// Store reads and writes servers.json.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the servers file location.
func (s *Store) Path() string { return s.path }

// Load returns the saved server list. A missing file is an empty list; a
// malformed file is an empty list plus a warning. Records without an ID are
// assigned one and records with a duplicate ID are dropped with a warning.
func (s *Store) Load() ([]model.ServerRecord, []string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, nil, nil
	}
	var records []model.ServerRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, []string{fmt.Sprintf("%s is malformed, starting with an empty server list: %v", s.path, err)}, nil
	}

	var warnings []string
	seen := map[string]bool{}
	out := make([]model.ServerRecord, 0, len(records))
	for i, r := range records {
		if strings.TrimSpace(r.ID) == "" {
			r.ID = uuid.NewString()
		}
		if seen[r.ID] {
			warnings = append(warnings, fmt.Sprintf("server %d (%s): duplicate id %s skipped", i, r.DisplayName(), r.ID))
			continue
		}
		seen[r.ID] = true
		if err := ValidateRecord(r); err != nil {
			warnings = append(warnings, fmt.Sprintf("server %s: %v", r.DisplayName(), err))
		}
		out = append(out, r)
	}
	return out, warnings, nil
}

// Save writes the list atomically through a temp file in the same directory.
func (s *Store) Save(records []model.ServerRecord) error {
	if records == nil {
		records = []model.ServerRecord{}
	}
	b, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("encode servers: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".servers-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write servers: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// ValidateRecord checks the fields a connection attempt needs. Tunnel specs
// are checked separately when each listener starts.
func ValidateRecord(r model.ServerRecord) error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("host is empty")
	}
	if r.Port != 0 {
		if err := util.ValidatePort(r.Port); err != nil {
			return fmt.Errorf("port: %w", err)
		}
	}
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("username is empty")
	}
	return nil
}
