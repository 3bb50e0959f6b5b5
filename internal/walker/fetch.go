package walker

import (
	"context"
	"errors"
	"fmt"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objectstore"
)

const (
	opRetrieve          = "retrieve"
	opQueryDatabase     = "query_database"
	opListBlockChildren = "list_block_children"
)

var (
	ErrMissingRecord = errors.New("remote returned no record")
	ErrCursorLoop    = errors.New("pagination cursor repeated")
)

// FetchError names the object whose retrieval aborted the walk.
type FetchError struct {
	Kind notion.ObjectKind
	ID   string
	Op   string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// fetcher answers record and children lookups from the object store when
// the strategy allows it and from the source otherwise. It is safe for
// concurrent use.
type fetcher struct {
	source  notion.Source
	store   *objectstore.Store
	metrics *Metrics
	logf    func(format string, args ...any)
}

func (f *fetcher) record(ctx context.Context, kind notion.ObjectKind, id string) (notion.Record, error) {
	entry, cached := f.store.Record(kind, id)
	if cached && !entry.NeedsRefresh {
		f.metrics.cacheLookup(kind, cacheHit)
		return entry.Record, nil
	}

	f.metrics.request(opRetrieve)
	rec, err := f.source.Retrieve(ctx, kind, id)
	if err == nil && rec.IsZero() {
		err = ErrMissingRecord
	}
	if err == nil && kind == notion.ObjectBlock {
		err = notion.ValidateBlock(rec)
	}
	if err != nil {
		if cached && canFallBack(ctx, err) {
			f.metrics.cacheLookup(kind, cacheStale)
			f.logf("cache revalidation failed for %s %s; using cached payload: %v", kind, id, err)
			return entry.Record, nil
		}
		return notion.Record{}, &FetchError{Kind: kind, ID: id, Op: opRetrieve, Err: err}
	}
	if _, err := f.store.PutRecord(kind, rec); err != nil {
		return notion.Record{}, &FetchError{Kind: kind, ID: id, Op: opRetrieve, Err: err}
	}
	if cached {
		f.metrics.cacheLookup(kind, cacheRevalidated)
	} else {
		f.metrics.cacheLookup(kind, cacheMiss)
	}
	return rec, nil
}

// children returns the complete, ordered children of a container or
// page-bearing object. Every child record is stored alongside the listing.
func (f *fetcher) children(ctx context.Context, list objectstore.ChildList, kind notion.ObjectKind, id string) ([]notion.Record, error) {
	op := opListBlockChildren
	if list == objectstore.DatabaseChildren {
		op = opQueryDatabase
	}

	entry, cached := f.store.Children(list, id)
	if cached && !entry.NeedsRefresh {
		if recs, ok := f.cachedChildren(entry); ok {
			f.metrics.cacheLookup(kind, cacheHit)
			return recs, nil
		}
	}

	recs, err := f.listAll(ctx, list, id)
	if err != nil {
		if cached && canFallBack(ctx, err) {
			if stale, ok := f.cachedChildren(entry); ok {
				f.metrics.cacheLookup(kind, cacheStale)
				f.logf("cache revalidation failed for children of %s %s; using cached listing: %v", kind, id, err)
				return stale, nil
			}
		}
		return nil, &FetchError{Kind: kind, ID: id, Op: op, Err: err}
	}

	refs := make([]objectstore.ChildRef, 0, len(recs))
	for _, rec := range recs {
		childKind, err := rec.Kind()
		if err != nil {
			return nil, &FetchError{Kind: kind, ID: id, Op: op, Err: err}
		}
		if _, err := f.store.PutRecord(childKind, rec); err != nil {
			return nil, &FetchError{Kind: childKind, ID: rec.ID, Op: op, Err: err}
		}
		refs = append(refs, objectstore.ChildRef{Kind: childKind, ID: rec.ID})
	}
	if _, err := f.store.PutChildren(list, id, refs); err != nil {
		return nil, &FetchError{Kind: kind, ID: id, Op: op, Err: err}
	}
	if cached {
		f.metrics.cacheLookup(kind, cacheRevalidated)
	} else {
		f.metrics.cacheLookup(kind, cacheMiss)
	}
	return recs, nil
}

// cachedChildren resolves a stored listing. It fails when any child record
// is missing from the store, which forces a fresh listing.
func (f *fetcher) cachedChildren(entry objectstore.ChildrenEntry) ([]notion.Record, bool) {
	recs := make([]notion.Record, 0, len(entry.Children))
	for _, ref := range entry.Children {
		child, ok := f.store.Record(ref.Kind, ref.ID)
		if !ok {
			return nil, false
		}
		recs = append(recs, child.Record)
	}
	return recs, true
}

func (f *fetcher) listAll(ctx context.Context, list objectstore.ChildList, id string) ([]notion.Record, error) {
	var out []notion.Record
	cursor := ""
	seen := map[string]bool{}
	for {
		var (
			page notion.ListPage
			err  error
		)
		if list == objectstore.DatabaseChildren {
			f.metrics.request(opQueryDatabase)
			page, err = f.source.QueryDatabase(ctx, id, cursor)
		} else {
			f.metrics.request(opListBlockChildren)
			page, err = f.source.ListBlockChildren(ctx, id, cursor)
		}
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Results {
			if err := validateChild(list, rec); err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		next := page.Next()
		if next == "" {
			return out, nil
		}
		if seen[next] {
			return nil, fmt.Errorf("%w: %s", ErrCursorLoop, next)
		}
		seen[next] = true
		cursor = next
	}
}

func validateChild(list objectstore.ChildList, rec notion.Record) error {
	if rec.IsZero() || rec.ID == "" {
		return ErrMissingRecord
	}
	if list == objectstore.BlockChildren {
		return notion.ValidateBlock(rec)
	}
	kind, err := rec.Kind()
	if err != nil {
		return err
	}
	if kind == notion.ObjectBlock {
		return fmt.Errorf("%w: database member %s is a block", notion.ErrIncompleteRecord, rec.ID)
	}
	return nil
}

// canFallBack reports whether a failed revalidation may be answered from
// the cache. Only transport and transient remote failures qualify;
// cancellation, remote deletion and missing or malformed records always
// surface.
func canFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, fatal := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		notion.ErrNotFound,
		notion.ErrIncompleteRecord,
		ErrMissingRecord,
		ErrCursorLoop,
	} {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return true
}
