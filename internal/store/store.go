// Package store provides the durable local store of strategy configurations.
// It is the primary source of truth at startup; the remote mirror is a
// one-way copy.
//
// All configs live in a single JSON file as an ordered array (insertion
// order). Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save. Every
// successful Upsert/Delete notifies the mirror sink, at-least-once,
// idempotent on name.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hivebot/pkg/types"
)

// ErrUnavailable wraps transport-level failures (unreadable or unwritable
// backing file). At startup this is fatal.
var ErrUnavailable = errors.New("config store unavailable")

// ErrInvalidConfig wraps schema violations on Upsert.
var ErrInvalidConfig = errors.New("invalid config")

// ErrNotFound is returned by Get/Delete for unknown names.
var ErrNotFound = errors.New("config not found")

// Sink receives config change events for remote mirroring. Implementations
// must never block; the store calls it synchronously after each successful
// write.
type Sink interface {
	ConfigUpserted(cfg types.StrategyConfig)
	ConfigDeleted(name string)
}

// Store is a durable ordered map from name to StrategyConfig.
// All operations are mutex-protected; reads return deep copies.
type Store struct {
	path string
	sink Sink

	mu      sync.Mutex
	order   []string
	configs map[string]types.StrategyConfig
}

// Open loads the store from path, creating the parent directory and an empty
// store if the file does not exist. sink may be nil.
func Open(path string, sink Sink) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store dir: %v", ErrUnavailable, err)
	}

	s := &Store{
		path:    path,
		sink:    sink,
		configs: make(map[string]types.StrategyConfig),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}

	var rows []types.StrategyConfig
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrUnavailable, path, err)
	}
	for _, cfg := range rows {
		s.order = append(s.order, cfg.Name)
		s.configs[cfg.Name] = cfg
	}
	return s, nil
}

// LoadAll returns every config in insertion order.
func (s *Store) LoadAll() []types.StrategyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.StrategyConfig, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.configs[name].Clone())
	}
	return out
}

// Get returns the config for name.
func (s *Store) Get(name string) (types.StrategyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[name]
	if !ok {
		return types.StrategyConfig{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cfg.Clone(), nil
}

// Upsert validates and persists cfg, stamping UpdatedAt (and CreatedAt for
// new rows) with server time. Existing rows keep their insertion position.
func (s *Store) Upsert(cfg types.StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := s.configs[cfg.Name]; ok {
		cfg.CreatedAt = prev.CreatedAt
	} else {
		cfg.CreatedAt = now
		s.order = append(s.order, cfg.Name)
	}
	cfg.UpdatedAt = now

	s.configs[cfg.Name] = cfg.Clone()
	if err := s.flushLocked(); err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.ConfigUpserted(cfg.Clone())
	}
	return nil
}

// Delete removes the config for name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.configs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.ConfigDeleted(name)
	}
	return nil
}

// flushLocked writes the full ordered array atomically. Caller holds mu.
func (s *Store) flushLocked() error {
	rows := make([]types.StrategyConfig, 0, len(s.order))
	for _, name := range s.order {
		rows = append(rows, s.configs[name])
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrUnavailable, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrUnavailable, err)
	}
	return nil
}
