package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Store holds the active Snapshot behind an atomic pointer, persists updates
// to config.json, and notifies registered listeners on every swap. Readers
// call Snapshot and never observe a torn configuration.
type Store struct {
	path     string
	backup   string
	validate *validator.Validate
	logger   *zap.Logger

	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	lastSaved []byte
	listeners []func(*Snapshot)
}

// Open loads the config file at path, creating it with defaults when absent
// and migrating the legacy flat shape when detected (the original file is
// backed up once to config.backup.json next to it).
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		backup:   backupPath(path),
		validate: newValidator(),
		logger:   logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		snap := Default()
		if err := s.persist(snap); err != nil {
			return nil, fmt.Errorf("writing initial config: %w", err)
		}
		s.current.Store(snap)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	snap, migrated, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := s.check(snap); err != nil {
		return nil, err
	}

	if migrated {
		if _, err := os.Stat(s.backup); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(s.backup, data, 0o644); err != nil {
				return nil, fmt.Errorf("backing up legacy config: %w", err)
			}
		}
		if err := s.persist(snap); err != nil {
			return nil, fmt.Errorf("rewriting migrated config: %w", err)
		}
		logger.Info("migrated legacy config", zap.String("backup", s.backup))
	} else {
		s.mu.Lock()
		s.lastSaved = data
		s.mu.Unlock()
	}

	s.current.Store(snap)
	return s, nil
}

// Snapshot returns the active configuration.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// OnChange registers a listener invoked with each newly applied snapshot.
// Listeners must be registered before the store is shared across goroutines.
func (s *Store) OnChange(fn func(*Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update validates next, persists it, swaps it in, and notifies listeners.
func (s *Store) Update(next *Snapshot) error {
	if err := s.check(next); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current.Store(next)
	listeners := make([]func(*Snapshot), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// Reload re-reads the config file and applies it when it differs from the
// last persisted state. Invalid file contents are rejected and the active
// snapshot stays in place.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	s.mu.Lock()
	unchanged := bytes.Equal(data, s.lastSaved)
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	snap, _, err := Parse(data)
	if err != nil {
		return err
	}
	if err := s.check(snap); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSaved = data
	s.current.Store(snap)
	listeners := make([]func(*Snapshot), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.logger.Info("config reloaded", zap.String("path", s.path))
	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

// check runs structural validation and the semantic rules the tags cannot
// express.
func (s *Store) check(snap *Snapshot) error {
	if err := s.validate.Struct(snap); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return snap.validateSemantics()
}

func (s *Snapshot) validateSemantics() error {
	for tier, strategy := range s.Strategies {
		switch strategy {
		case "", StrategySequential, StrategyRandom, StrategyAdaptive:
		default:
			return fmt.Errorf("strategies.%s: unknown strategy %q", tier, strategy)
		}
	}
	if s.Router.Enabled && s.Router.BaseURL == "" {
		return errors.New("router.base_url is required when router.enabled is true")
	}
	if s.StrictProviders {
		for _, tier := range Tiers {
			for _, entry := range s.Models[tier] {
				i := strings.Index(entry, "/")
				if i <= 0 {
					continue
				}
				if _, ok := s.Providers.Custom[entry[:i]]; !ok {
					return fmt.Errorf("models.%s entry %q references unknown provider %q", tier, entry, entry[:i])
				}
			}
		}
	}
	return nil
}

// persist writes the snapshot atomically (temp file + rename) and records
// the written bytes so the file watcher can ignore our own writes. Callers
// other than Open hold s.mu.
func (s *Store) persist(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	s.lastSaved = data
	return nil
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func backupPath(path string) string {
	if strings.HasSuffix(path, ".json") {
		return strings.TrimSuffix(path, ".json") + ".backup.json"
	}
	return path + ".backup"
}
