package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

const (
	badgerRecordPrefix   = "records/"
	badgerChildrenPrefix = "children/"
)

// BadgerBackend stores one key per entry:
// records/<kind>/<id> and children/<list>/<id>.
type BadgerBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *badger.DB
}

func NewBadgerBackend(path string) *BadgerBackend {
	return &BadgerBackend{path: strings.TrimSpace(path)}
}

func (b *BadgerBackend) ensureReady() error {
	b.initOnce.Do(func() {
		var opts badger.Options
		if b.path == "" {
			opts = badger.DefaultOptions("").WithInMemory(true)
		} else {
			if err := os.MkdirAll(b.path, 0o750); err != nil {
				b.initErr = fmt.Errorf("create cache directory %s: %w", b.path, err)
				return
			}
			opts = badger.DefaultOptions(b.path)
		}
		db, err := badger.Open(opts.WithLogger(nil))
		if err != nil {
			b.initErr = fmt.Errorf("open badger cache: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *BadgerBackend) Load(ctx context.Context) (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	snapshot := NewSnapshot()
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := snapshot.putEncoded(key, value); err != nil {
				return err
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return snapshot, nil
}

// Save replaces the stored entries with the snapshot.
func (b *BadgerBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	if err := b.db.DropAll(); err != nil {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for kind, table := range snapshot.Records {
		for id, entry := range table {
			value, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := wb.Set([]byte(badgerRecordPrefix+string(kind)+"/"+id), value); err != nil {
				return err
			}
		}
	}
	for list, table := range snapshot.Children {
		for id, entry := range table {
			value, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := wb.Set([]byte(badgerChildrenPrefix+string(list)+"/"+id), value); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return wb.Flush()
}

func (b *BadgerBackend) Clear(ctx context.Context) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	return b.db.DropAll()
}

func (b *BadgerBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (s *Snapshot) putEncoded(key string, value []byte) error {
	switch {
	case strings.HasPrefix(key, badgerRecordPrefix):
		kind, id, ok := strings.Cut(strings.TrimPrefix(key, badgerRecordPrefix), "/")
		table := s.Records[notion.ObjectKind(kind)]
		if !ok || table == nil {
			return fmt.Errorf("%w: cache key %q", ErrInvalidInput, key)
		}
		var entry RecordEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		table[id] = &entry
	case strings.HasPrefix(key, badgerChildrenPrefix):
		list, id, ok := strings.Cut(strings.TrimPrefix(key, badgerChildrenPrefix), "/")
		table := s.Children[ChildList(list)]
		if !ok || table == nil {
			return fmt.Errorf("%w: cache key %q", ErrInvalidInput, key)
		}
		var entry ChildrenEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		table[id] = &entry
	default:
		return fmt.Errorf("%w: cache key %q", ErrInvalidInput, key)
	}
	return nil
}
