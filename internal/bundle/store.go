// Package bundle stores named groups of servers that are brought up together.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is a named list of server references (IDs or names).
type Definition struct {
	Name    string   `yaml:"name" json:"name"`
	Servers []string `yaml:"servers" json:"servers"`
}

type fileModel struct {
	Bundles map[string]Definition `yaml:"bundles"`
}

// Store reads and writes bundles.yaml.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// LoadAll returns all bundles sorted by name.
func (s *Store) LoadAll() ([]Definition, error) {
	fm, err := s.loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(fm.Bundles))
	for _, b := range fm.Bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one bundle by name.
func (s *Store) Get(name string) (Definition, error) {
	fm, err := s.loadFile()
	if err != nil {
		return Definition{}, err
	}
	b, ok := fm.Bundles[name]
	if !ok {
		return Definition{}, fmt.Errorf("bundle not found: %s", name)
	}
	return b, nil
}

// Create adds or replaces a bundle definition. Duplicate references are
// collapsed, keeping first occurrence order.
func (s *Store) Create(name string, servers []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("bundle name cannot be empty")
	}
	if len(servers) == 0 {
		return fmt.Errorf("bundle must include at least one server")
	}
	seen := map[string]bool{}
	refs := make([]string, 0, len(servers))
	for i, ref := range servers {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return fmt.Errorf("bundle entry %d is empty", i)
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	fm, err := s.loadFile()
	if err != nil {
		return err
	}
	fm.Bundles[name] = Definition{Name: name, Servers: refs}
	return s.saveFile(fm)
}

// Delete removes a bundle by name.
func (s *Store) Delete(name string) error {
	fm, err := s.loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Bundles[name]; !ok {
		return fmt.Errorf("bundle not found: %s", name)
	}
	delete(fm.Bundles, name)
	return s.saveFile(fm)
}

func (s *Store) loadFile() (fileModel, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Bundles: map[string]Definition{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse bundles: %w", err)
	}
	if fm.Bundles == nil {
		fm.Bundles = map[string]Definition{}
	}
	return fm, nil
}

func (s *Store) saveFile(fm fileModel) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}
