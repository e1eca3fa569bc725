// Package seedstore loads the YAML-seeded tenant/workspace/policy state used
// by single-binary deployments, protecting reads against a concurrent writer
// (an admin editing the file, a config-management tool regenerating it) with
// an advisory file lock.
package seedstore

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/gatekeep/internal/config"
)

// Store reads a seed YAML file from disk under an advisory lock, so a
// concurrent writer never hands back a half-written file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a Store for the given seed file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the configured seed file path.
func (s *Store) Path() string {
	return s.path
}

// Load acquires an exclusive lock on the seed file's lock sibling, then
// parses the YAML document into a config.SeedConfig. Returns an empty
// SeedConfig if the file does not exist.
func (s *Store) Load() (*config.SeedConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open seed lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return nil, fmt.Errorf("acquire seed file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config.SeedConfig{}, nil
		}
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed config.SeedConfig
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &seed, nil
}

// Reload re-reads the seed file and invokes apply with the parsed result.
// Intended to be called from a SIGHUP handler; apply is responsible for
// upserting the new rows into the live stores (tenants, workspaces, and
// policies addressed by ID are safe to re-seed: every store treats Put/Add
// as an upsert).
func (s *Store) Reload(apply func(*config.SeedConfig) error) error {
	seed, err := s.Load()
	if err != nil {
		return err
	}
	return apply(seed)
}
