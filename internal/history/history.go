// Package history tracks the last successful connect per server.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/hshell/internal/model"
)

type file struct {
	LastUsed map[string]int64 `json:"last_used"`
}

// Store persists last-used timestamps keyed by server ID.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Touch records a successful connect for a server.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.LastUsed[id] = time.Now().Unix()
	return s.save(st)
}

// LastUsed returns last successful connect timestamps by server ID.
func (s *Store) LastUsed() (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.LastUsed, nil
}

// SortRecent returns a new slice sorted by recent activity (desc), then name.
func SortRecent(records []model.ServerRecord, lastUsed map[string]int64) []model.ServerRecord {
	out := append([]model.ServerRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		ti := lastUsed[out[i].ID]
		tj := lastUsed[out[j].ID]
		if ti != tj {
			return ti > tj
		}
		return out[i].DisplayName() < out[j].DisplayName()
	})
	return out
}

func (s *Store) load() (file, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file{LastUsed: map[string]int64{}}, nil
		}
		return file{}, err
	}
	var st file
	if err := json.Unmarshal(b, &st); err != nil {
		return file{LastUsed: map[string]int64{}}, nil
	}
	if st.LastUsed == nil {
		st.LastUsed = map[string]int64{}
	}
	return st, nil
}

func (s *Store) save(st file) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}
