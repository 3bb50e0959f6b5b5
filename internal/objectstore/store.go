package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

var (
	ErrInvalidStrategy = errors.New("invalid cache strategy")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrLocked          = errors.New("cache directory is locked by another run")
	ErrClosed          = errors.New("object store is closed")
)

type Strategy string

const (
	StrategyCache      Strategy = "cache"
	StrategyNoCache    Strategy = "no-cache"
	StrategyForceCache Strategy = "force-cache"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch strategy := Strategy(strings.ToLower(strings.TrimSpace(raw))); strategy {
	case "":
		return StrategyCache, nil
	case StrategyCache, StrategyNoCache, StrategyForceCache:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: %q (want cache, no-cache or force-cache)", ErrInvalidStrategy, raw)
	}
}

// persists reports whether a walk under this strategy writes its entries back.
func (s Strategy) persists() bool {
	return s == StrategyCache || s == StrategyForceCache
}

type Logger interface {
	Printf(format string, args ...any)
}

// Options drive the store at the start of a walk and do not change during it.
type Options struct {
	// Directory is a cache directory path or a backend DSN
	// (file://, memory://, postgres://, badger://).
	Directory  string
	CleanCache bool
	Strategy   Strategy
	// Backend overrides Directory when set.
	Backend Backend
	Logger  Logger
	Now     func() time.Time
}

type Store struct {
	mu       sync.Mutex
	backend  Backend
	strategy Strategy
	snapshot *Snapshot
	logger   Logger
	now      func() time.Time
	unlock   func() error
	closed   bool
}

// Open validates the strategy and prepares the entry set:
// cleanCache discards everything, cache loads and marks entries for
// revalidation, force-cache loads and trusts, no-cache loads nothing.
func Open(ctx context.Context, opts Options) (*Store, error) {
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	backend := opts.Backend
	if backend == nil {
		backend, err = BuildBackendFromDSN(opts.Directory)
		if err != nil {
			return nil, err
		}
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend:  backend,
		strategy: strategy,
		snapshot: NewSnapshot(),
		logger:   opts.Logger,
		now:      now,
	}
	if locker, ok := backend.(backendLocker); ok {
		unlock, err := locker.Lock()
		if err != nil {
			closeBackend(backend)
			return nil, err
		}
		s.unlock = unlock
	}

	switch {
	case opts.CleanCache:
		err = s.Clear(ctx)
	case strategy == StrategyCache:
		if err = s.Load(ctx); err == nil {
			s.SetNeedsRefresh()
		}
	case strategy == StrategyForceCache:
		err = s.Load(ctx)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Strategy() Strategy {
	return s.strategy
}

// Load replaces the in-memory entry set with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	snapshot, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	if snapshot == nil {
		snapshot = NewSnapshot()
	}
	snapshot.ensureTables()
	s.snapshot = snapshot
	s.logf("loaded %d cache entries (%s)", snapshot.Len(), s.strategy)
	return nil
}

// Save writes the entry set back. It is a no-op under no-cache.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.strategy.persists() {
		return nil
	}
	if err := s.backend.Save(ctx, s.snapshot); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	s.logf("saved %d cache entries", s.snapshot.Len())
	return nil
}

// Clear discards the in-memory and persisted entries.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.snapshot = NewSnapshot()
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// SetNeedsRefresh marks every entry as needing revalidation.
func (s *Store) SetNeedsRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range s.snapshot.Records {
		for _, entry := range table {
			entry.NeedsRefresh = true
		}
	}
	for _, table := range s.snapshot.Children {
		for _, entry := range table {
			entry.NeedsRefresh = true
		}
	}
}

func (s *Store) Record(kind notion.ObjectKind, id string) (RecordEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.snapshot.Records[kind][id]
	if !ok {
		return RecordEntry{}, false
	}
	return *entry, true
}

// PutRecord stores a fetched record. A byte-identical payload keeps the
// existing entry and its CachedAt; changed reports whether bytes differed.
func (s *Store) PutRecord(kind notion.ObjectKind, rec notion.Record) (changed bool, err error) {
	if !kind.Valid() || strings.TrimSpace(rec.ID) == "" {
		return false, fmt.Errorf("%w: record %s/%s", ErrInvalidInput, kind, rec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.snapshot.Records[kind]
	if existing, ok := table[rec.ID]; ok && bytes.Equal(existing.Record.Raw, rec.Raw) {
		existing.NeedsRefresh = false
		return false, nil
	}
	table[rec.ID] = &RecordEntry{Record: rec, CachedAt: s.now().UTC()}
	return true, nil
}

func (s *Store) Children(list ChildList, id string) (ChildrenEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.snapshot.Children[list][id]
	if !ok {
		return ChildrenEntry{}, false
	}
	out := *entry
	out.Children = append([]ChildRef(nil), entry.Children...)
	return out, true
}

// PutChildren stores a complete children listing, with the same
// unchanged-entry rule as PutRecord.
func (s *Store) PutChildren(list ChildList, id string, children []ChildRef) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.snapshot.Children[list]
	if !ok || strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("%w: children %s/%s", ErrInvalidInput, list, id)
	}
	if existing, ok := table[id]; ok && sameChildren(existing.Children, children) {
		existing.NeedsRefresh = false
		return false, nil
	}
	table[id] = &ChildrenEntry{
		Children: append([]ChildRef(nil), children...),
		CachedAt: s.now().UTC(),
	}
	return true, nil
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Len()
}

// Close releases the backend and the cache directory lock without writing.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if err := closeBackend(s.backend); err != nil {
		errs = append(errs, err)
	}
	if s.unlock != nil {
		if err := s.unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func sameChildren(a, b []ChildRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
