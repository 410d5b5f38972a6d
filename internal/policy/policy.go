// Package policy holds and persists the PII, injection, and budget
// rule configuration (model.SecurityRules), grounded in
// original_source/proxy/config.py for the domain shape and in the
// teacher's internal/config/config.go for the load-defaults-on-missing,
// validate-or-fallback persistence pattern.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

var validate = validator.New()

// Store holds the current SecurityRules in memory and persists them
// to a JSON file. The file is the single source of truth across
// restarts; a malformed file on load falls back to defaults rather
// than failing startup.
type Store struct {
	mu    sync.RWMutex
	rules model.SecurityRules
	path  string
}

// Open loads rules from path, falling back to model.DefaultSecurityRules
// if the file is missing or malformed.
func Open(path string) *Store {
	s := &Store{rules: model.DefaultSecurityRules(), path: path}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var rules model.SecurityRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return
	}
	if err := validate.Struct(rules); err != nil {
		return
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Get returns a copy of the current SecurityRules.
func (s *Store) Get() model.SecurityRules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Update validates and replaces the current rules, then persists them
// atomically (write to a temp file, rename over the target).
func (s *Store) Update(rules model.SecurityRules) (model.SecurityRules, error) {
	if err := validate.Struct(rules); err != nil {
		return model.SecurityRules{}, fmt.Errorf("validation_failed: %w", err)
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	if err := s.persist(rules); err != nil {
		return rules, err
	}
	return rules, nil
}

func (s *Store) persist(rules model.SecurityRules) error {
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling security rules: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating policy dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".policy-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp policy file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp policy file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing policy file: %w", err)
	}
	return nil
}

// Reload re-reads the policy file from disk, for use by the file
// watcher when the policy JSON changes externally. Falls back to
// keeping the current in-memory rules if the file is malformed.
func (s *Store) Reload() {
	s.load()
}
