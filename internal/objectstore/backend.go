package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/fsutil"
)

// Backend persists a Snapshot. Load returns nil, nil when nothing is stored.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Clear(ctx context.Context) error
}

type backendCloser interface {
	Close() error
}

// backendLocker is implemented by backends that own a local directory and
// must not be shared between concurrent runs.
type backendLocker interface {
	Lock() (unlock func() error, err error)
}

func closeBackend(backend Backend) error {
	if closer, ok := backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN maps a cache directory setting onto a backend. A plain
// path is a directory of JSON documents.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	if !strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "file:") {
		return NewDirectoryBackend(dsn), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewDirectoryBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		backend, pgErr := NewPostgresBackend(dsn)
		if pgErr != nil {
			return nil, pgErr
		}
		return backend, nil
	case "badger":
		path, pathErr := dsnPath(parsed)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBadgerBackend(path), nil
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if opaque := strings.TrimSpace(parsed.Opaque); opaque != "" {
		return opaque, nil
	}
	path := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type MemoryBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return b.snapshot.clone()
}

func (b *MemoryBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	clone, err := snapshot.clone()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func (b *MemoryBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = nil
	return nil
}

const (
	directoryLockFile    = ".lock"
	directoryCurrentFile = "CURRENT"
	snapshotDirPrefix    = "snapshot-"
)

// DirectoryBackend keeps one JSON document per table in a snapshot
// subdirectory of the cache directory. CURRENT names the live snapshot and
// is replaced atomically once every table of a new snapshot is on disk, so a
// crash mid-save leaves the previous snapshot intact.
type DirectoryBackend struct {
	Dir string
}

func NewDirectoryBackend(dir string) *DirectoryBackend {
	return &DirectoryBackend{Dir: filepath.Clean(strings.TrimSpace(dir))}
}

func recordFile(dir, kind string) string {
	return filepath.Join(dir, kind+"s.json")
}

func childrenFile(dir string, list ChildList) string {
	return filepath.Join(dir, string(list)+".json")
}

// current returns the live snapshot directory, if any.
func (b *DirectoryBackend) current() (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, directoryCurrentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	name := strings.TrimSpace(string(data))
	if !strings.HasPrefix(name, snapshotDirPrefix) || filepath.Base(name) != name {
		return "", false, fmt.Errorf("%s: invalid snapshot name %q", directoryCurrentFile, name)
	}
	return filepath.Join(b.Dir, name), true, nil
}

func (b *DirectoryBackend) Load(ctx context.Context) (*Snapshot, error) {
	dir, ok, err := b.current()
	if err != nil || !ok {
		return nil, err
	}
	snapshot := NewSnapshot()
	found := false
	for kind, table := range snapshot.Records {
		ok, err := readJSONFile(recordFile(dir, string(kind)), &table)
		if err != nil {
			return nil, err
		}
		found = found || ok
		snapshot.Records[kind] = table
	}
	for list, table := range snapshot.Children {
		ok, err := readJSONFile(childrenFile(dir, list), &table)
		if err != nil {
			return nil, err
		}
		found = found || ok
		snapshot.Children[list] = table
	}
	if !found {
		return nil, nil
	}
	snapshot.ensureTables()
	return snapshot, nil
}

func (b *DirectoryBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	dir, err := os.MkdirTemp(b.Dir, snapshotDirPrefix)
	if err != nil {
		return err
	}
	if err := writeSnapshotTables(ctx, dir, snapshot); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(b.Dir, directoryCurrentFile), []byte(filepath.Base(dir)+"\n"), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	return b.removeSnapshots(filepath.Base(dir))
}

func writeSnapshotTables(ctx context.Context, dir string, snapshot *Snapshot) error {
	for kind, table := range snapshot.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeJSONFile(recordFile(dir, string(kind)), table); err != nil {
			return err
		}
	}
	for list, table := range snapshot.Children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeJSONFile(childrenFile(dir, list), table); err != nil {
			return err
		}
	}
	return nil
}

// removeSnapshots deletes every snapshot directory except keep, including
// leftovers of interrupted saves.
func (b *DirectoryBackend) removeSnapshots(keep string) error {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, snapshotDirPrefix) || name == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.Dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *DirectoryBackend) Clear(ctx context.Context) error {
	if err := os.Remove(filepath.Join(b.Dir, directoryCurrentFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return b.removeSnapshots("")
}

func (b *DirectoryBackend) Lock() (func() error, error) {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, err
	}
	return lockFile(filepath.Join(b.Dir, directoryLockFile))
}

func readJSONFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeJSONFile(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
