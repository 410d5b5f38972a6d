// Package access implements the endpoint/model/keyword allow-block
// list, grounded in original_source/proxy/access.py. Persistence and
// locking follow the same single-mutex, atomic-replace shape as
// internal/policy.
package access

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

// Decision is the verdict returned by CheckEndpoint.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionBlock   Decision = "block"
	DecisionInspect Decision = "inspect"
)

// Store holds the current AccessRules in memory and persists them to
// a JSON file.
type Store struct {
	mu    sync.Mutex
	rules model.AccessRules
	path  string
}

// Open loads access rules from path, falling back to an empty
// AccessRules if the file is missing or malformed.
func Open(path string) *Store {
	s := &Store{path: path}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var rules model.AccessRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// persist marshals rules, the snapshot the caller captured while
// holding s.mu, so a concurrent Apply/Reload mutating s.rules can
// never race with the marshal below.
func (s *Store) persist(rules model.AccessRules) error {
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling access rules: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating access dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".access-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp access file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp access file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing access file: %w", err)
	}
	return nil
}

// CheckEndpoint reports whether endpoint bypasses the security
// pipeline (allow), is rejected outright (block), or should proceed
// through normal inspection (inspect). The allowlist is checked
// first, so a URL matching both lists resolves to allow.
func (s *Store) CheckEndpoint(endpoint string) (Decision, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pattern := range s.rules.AllowedEndpoints {
		if strings.Contains(endpoint, pattern) {
			return DecisionAllow, ""
		}
	}
	for _, pattern := range s.rules.BlockedEndpoints {
		if strings.Contains(endpoint, pattern) {
			return DecisionBlock, fmt.Sprintf("Endpoint matches blocklist pattern: %s", pattern)
		}
	}
	return DecisionInspect, ""
}

// CheckModel reports whether a model name is allowed or blocked.
// Blocked models take precedence; if an allowlist is configured and
// non-empty, the model must match one of its entries.
func (s *Store) CheckModel(name string) (Decision, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := strings.ToLower(name)
	for _, blocked := range s.rules.BlockedModels {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return DecisionBlock, fmt.Sprintf("Model '%s' is blocklisted", name)
		}
	}
	if len(s.rules.AllowedModels) > 0 {
		for _, allowed := range s.rules.AllowedModels {
			if strings.Contains(lower, strings.ToLower(allowed)) {
				return DecisionAllow, ""
			}
		}
		return DecisionBlock, fmt.Sprintf("Model '%s' is not in the allowlist", name)
	}
	return DecisionAllow, ""
}

// CheckKeywords reports whether text contains a blocked keyword,
// returning on the first case-insensitive match.
func (s *Store) CheckKeywords(text string) (bool, string) {
	lower := strings.ToLower(text)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kw := range s.rules.BlockedKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true, fmt.Sprintf("Blocked keyword detected: '%s'", kw)
		}
	}
	return false, ""
}

// PartialUpdate is the shape Apply accepts: only the recognized keys
// present in the update are applied; unknown keys are silently
// dropped when decoding, per design doc Sec 9.
type PartialUpdate struct {
	AllowedEndpoints *[]string `json:"allowed_endpoints"`
	BlockedEndpoints *[]string `json:"blocked_endpoints"`
	BlockedKeywords  *[]string `json:"blocked_keywords"`
	AllowedModels    *[]string `json:"allowed_models"`
	BlockedModels    *[]string `json:"blocked_models"`
}

// Apply updates the current rules from u and persists the result.
func (s *Store) Apply(u PartialUpdate) (model.AccessRules, error) {
	s.mu.Lock()
	if u.AllowedEndpoints != nil {
		s.rules.AllowedEndpoints = *u.AllowedEndpoints
	}
	if u.BlockedEndpoints != nil {
		s.rules.BlockedEndpoints = *u.BlockedEndpoints
	}
	if u.BlockedKeywords != nil {
		s.rules.BlockedKeywords = *u.BlockedKeywords
	}
	if u.AllowedModels != nil {
		s.rules.AllowedModels = *u.AllowedModels
	}
	if u.BlockedModels != nil {
		s.rules.BlockedModels = *u.BlockedModels
	}
	current := s.rules
	s.mu.Unlock()

	if err := s.persist(current); err != nil {
		return current, err
	}
	return current, nil
}

// Reload re-reads the access rules file from disk, for use by the
// config file watcher when access.json changes externally. Falls back
// to keeping the current in-memory rules if the file is malformed.
func (s *Store) Reload() {
	s.load()
}

// ToDict returns the current rules for serialization.
func (s *Store) ToDict() model.AccessRules {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}
