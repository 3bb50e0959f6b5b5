package objectstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

func mustRecord(t *testing.T, payload string) notion.Record {
	t.Helper()
	rec, err := notion.ParseRecord([]byte(payload))
	if err != nil {
		t.Fatalf("parse record failed: %v", err)
	}
	return rec
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestOpenRejectsUnknownStrategyBeforeTouchingBackend(t *testing.T) {
	backend := &countingBackend{}
	_, err := Open(context.Background(), Options{Strategy: "sometimes", Backend: backend})
	if !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected invalid strategy error, got %v", err)
	}
	if backend.loads != 0 || backend.clears != 0 {
		t.Fatalf("expected no backend activity, got loads=%d clears=%d", backend.loads, backend.clears)
	}
}

func TestStrategiesLoadAndPersist(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	seed := NewSnapshot()
	seed.Records[notion.ObjectPage]["p1"] = &RecordEntry{
		Record:   mustRecord(t, `{"object":"page","id":"p1"}`),
		CachedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := backend.Save(ctx, seed); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	cached, err := Open(ctx, Options{Strategy: StrategyCache, Backend: backend})
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	entry, ok := cached.Record(notion.ObjectPage, "p1")
	if !ok || !entry.NeedsRefresh {
		t.Fatalf("expected loaded entry marked for revalidation, got %+v ok=%v", entry, ok)
	}
	_ = cached.Close()

	forced, err := Open(ctx, Options{Strategy: StrategyForceCache, Backend: backend})
	if err != nil {
		t.Fatalf("open force-cache failed: %v", err)
	}
	entry, ok = forced.Record(notion.ObjectPage, "p1")
	if !ok || entry.NeedsRefresh {
		t.Fatalf("expected trusted entry, got %+v ok=%v", entry, ok)
	}
	_ = forced.Close()

	cold, err := Open(ctx, Options{Strategy: StrategyNoCache, Backend: backend})
	if err != nil {
		t.Fatalf("open no-cache failed: %v", err)
	}
	if cold.Len() != 0 {
		t.Fatalf("expected no entries under no-cache, got %d", cold.Len())
	}
	if _, err := cold.PutRecord(notion.ObjectPage, mustRecord(t, `{"object":"page","id":"p2"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := cold.Save(ctx); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	_ = cold.Close()

	stored, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, ok := stored.Records[notion.ObjectPage]["p2"]; ok {
		t.Fatalf("expected no-cache run not to write back")
	}
}

func TestCleanCacheTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	seed := NewSnapshot()
	seed.Records[notion.ObjectPage]["p1"] = &RecordEntry{Record: mustRecord(t, `{"object":"page","id":"p1"}`)}
	_ = backend.Save(ctx, seed)

	store, err := Open(ctx, Options{Strategy: StrategyForceCache, CleanCache: true, Backend: backend})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()
	if store.Len() != 0 {
		t.Fatalf("expected empty store after clean, got %d", store.Len())
	}
	stored, _ := backend.Load(ctx)
	if stored != nil {
		t.Fatalf("expected persisted entries discarded, got %d", stored.Len())
	}
}

func TestPutRecordKeepsUnchangedEntry(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := Open(ctx, Options{Strategy: StrategyCache, Now: fixedClock(first)})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()

	rec := mustRecord(t, `{"object":"block","id":"b1","type":"paragraph","has_children":false}`)
	changed, err := store.PutRecord(notion.ObjectBlock, rec)
	if err != nil || !changed {
		t.Fatalf("expected first put to change, changed=%v err=%v", changed, err)
	}

	store.now = fixedClock(first.Add(time.Hour))
	store.SetNeedsRefresh()
	same := mustRecord(t, `{ "object": "block", "id": "b1", "type": "paragraph", "has_children": false }`)
	changed, err = store.PutRecord(notion.ObjectBlock, same)
	if err != nil || changed {
		t.Fatalf("expected identical payload to be unchanged, changed=%v err=%v", changed, err)
	}
	entry, _ := store.Record(notion.ObjectBlock, "b1")
	if !entry.CachedAt.Equal(first) || entry.NeedsRefresh {
		t.Fatalf("expected original timestamp and cleared flag, got %+v", entry)
	}

	edited := mustRecord(t, `{"object":"block","id":"b1","type":"heading_1","has_children":false}`)
	changed, _ = store.PutRecord(notion.ObjectBlock, edited)
	entry, _ = store.Record(notion.ObjectBlock, "b1")
	if !changed || !entry.CachedAt.Equal(first.Add(time.Hour)) {
		t.Fatalf("expected edited payload to refresh timestamp, got %+v", entry)
	}
}

func TestPutChildrenKeepsUnchangedListing(t *testing.T) {
	store, err := Open(context.Background(), Options{Strategy: StrategyCache})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()
	refs := []ChildRef{{Kind: notion.ObjectBlock, ID: "b1"}, {Kind: notion.ObjectBlock, ID: "b2"}}
	if changed, _ := store.PutChildren(BlockChildren, "p1", refs); !changed {
		t.Fatalf("expected first listing to change")
	}
	if changed, _ := store.PutChildren(BlockChildren, "p1", refs); changed {
		t.Fatalf("expected identical listing to be unchanged")
	}
	if changed, _ := store.PutChildren(BlockChildren, "p1", refs[:1]); !changed {
		t.Fatalf("expected shorter listing to change")
	}
	if _, err := store.PutChildren("sideways", "p1", refs); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid list error, got %v", err)
	}
}

func TestClosedStoreRejectsPersistence(t *testing.T) {
	store, err := Open(context.Background(), Options{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if store.Strategy() != StrategyCache {
		t.Fatalf("expected default strategy cache, got %s", store.Strategy())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := store.Save(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

type countingBackend struct {
	loads  int
	saves  int
	clears int
}

func (b *countingBackend) Load(ctx context.Context) (*Snapshot, error) {
	b.loads++
	return nil, nil
}

func (b *countingBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	b.saves++
	return nil
}

func (b *countingBackend) Clear(ctx context.Context) error {
	b.clears++
	return nil
}
