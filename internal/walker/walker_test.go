package walker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objectstore"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objecttree"
)

type fakeSource struct {
	mu            sync.Mutex
	records       map[string]string
	blockChildren map[string][][]string
	members       map[string][][]string
	failures      map[string]error
	onCall        func(call string)
	calls         []string
}

func (s *fakeSource) call(call string) error {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	err := s.failures[call]
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return err
}

func (s *fakeSource) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSource) Retrieve(ctx context.Context, kind notion.ObjectKind, id string) (notion.Record, error) {
	if err := s.call("retrieve " + string(kind) + " " + id); err != nil {
		return notion.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return notion.Record{}, err
	}
	payload, ok := s.records[string(kind)+"/"+id]
	if !ok {
		return notion.Record{}, nil
	}
	return notion.ParseRecord([]byte(payload))
}

func (s *fakeSource) QueryDatabase(ctx context.Context, id, cursor string) (notion.ListPage, error) {
	return s.list(ctx, "query "+id, s.members[id], cursor)
}

func (s *fakeSource) ListBlockChildren(ctx context.Context, id, cursor string) (notion.ListPage, error) {
	return s.list(ctx, "list "+id, s.blockChildren[id], cursor)
}

func (s *fakeSource) list(ctx context.Context, call string, pages [][]string, cursor string) (notion.ListPage, error) {
	if cursor != "" {
		call += " " + cursor
	}
	if err := s.call(call); err != nil {
		return notion.ListPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return notion.ListPage{}, err
	}
	index := 0
	if cursor != "" {
		index, _ = strconv.Atoi(strings.TrimPrefix(cursor, "c"))
	}
	var out notion.ListPage
	if index >= len(pages) {
		return out, nil
	}
	for _, payload := range pages[index] {
		rec, err := notion.ParseRecord([]byte(payload))
		if err != nil {
			return notion.ListPage{}, err
		}
		out.Results = append(out.Results, rec)
	}
	if index+1 < len(pages) {
		next := "c" + strconv.Itoa(index+1)
		out.NextCursor = &next
		out.HasMore = true
	}
	return out, nil
}

func block(id, blockType string, hasChildren bool, parentKind, parentID string) string {
	return fmt.Sprintf(`{"object":"block","id":%q,"type":%q,"has_children":%t,"last_edited_time":"2024-01-01T00:00:00.000Z","parent":{"type":"%s_id","%s_id":%q},%q:{}}`,
		id, blockType, hasChildren, parentKind, parentKind, parentID, blockType)
}

func page(id, parentKind, parentID string) string {
	return fmt.Sprintf(`{"object":"page","id":%q,"last_edited_time":"2024-01-01T00:00:00.000Z","parent":{"type":"%s_id","%s_id":%q},"properties":{}}`,
		id, parentKind, parentKind, parentID)
}

// fixtureSource serves:
//
//	page root
//	├── b1 paragraph
//	├── cp child_page
//	│   └── b2 paragraph
//	├── cd child_database
//	│   ├── m1 page          (first query page)
//	│   │   └── b5 paragraph
//	│   └── m2 page          (second query page)
//	└── t1 toggle
//	    └── b4 paragraph
func fixtureSource() *fakeSource {
	return &fakeSource{
		records: map[string]string{
			"page/root":   `{"object":"page","id":"root","parent":{"type":"workspace","workspace":true},"properties":{}}`,
			"page/cp":     page("cp", "page", "root"),
			"database/cd": `{"object":"database","id":"cd","title":[{"plain_text":"Tasks"}],"parent":{"type":"page_id","page_id":"root"}}`,
		},
		blockChildren: map[string][][]string{
			"root": {{
				block("b1", "paragraph", false, "page", "root"),
				block("cp", "child_page", true, "page", "root"),
				block("cd", "child_database", false, "page", "root"),
				block("t1", "toggle", true, "page", "root"),
			}},
			"cp": {{block("b2", "paragraph", false, "page", "cp")}},
			"t1": {{block("b4", "paragraph", false, "block", "t1")}},
			"m1": {{block("b5", "paragraph", false, "page", "m1")}},
		},
		members: map[string][][]string{
			"cd": {
				{page("m1", "database", "cd")},
				{page("m2", "database", "cd")},
			},
		},
		failures: map[string]error{},
	}
}

func expectedIDs() map[notion.ObjectKind][]string {
	return map[notion.ObjectKind][]string{
		notion.ObjectPage:     {"root", "cp", "m1", "m2"},
		notion.ObjectDatabase: {"cd"},
		notion.ObjectBlock:    {"b1", "cp", "b2", "cd", "b5", "t1", "b4"},
	}
}

var fixtureEdges = map[string][]string{
	"root": {"b1", "cp", "cd", "t1"},
	"cp":   {"b2"},
	"cd":   {"m1", "m2"},
	"m1":   {"b5"},
	"t1":   {"b4"},
}

func assertFixtureTree(t *testing.T, tree *objecttree.Tree) {
	t.Helper()
	require.NotNil(t, tree)
	assert.Equal(t, 10, tree.Len())
	assert.Equal(t, expectedIDs(), tree.CollectIDs())

	err := objecttree.Traverse(tree, struct{}{}, func(node *objecttree.Node, _ notion.Record, _ struct{}) (struct{}, error) {
		var ids []string
		for _, child := range node.Children {
			ids = append(ids, child.ID)
		}
		assert.Equal(t, fixtureEdges[node.ID], ids, "children of %s", node.ID)
		if node.HasParent {
			parent, ok := tree.Node(node.Parent.Kind, node.Parent.ID)
			require.True(t, ok, "dangling parent for %s", node.ID)
			assert.Contains(t, parent.Children, node.Key())
		}
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestDiscoverReproducesFixture(t *testing.T) {
	source := fixtureSource()
	tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Strategy: objectstore.StrategyNoCache},
	})
	require.NoError(t, err)
	assertFixtureTree(t, tree)

	assert.Equal(t, []string{
		"retrieve page root",
		"list root",
		"retrieve page cp",
		"list cp",
		"retrieve database cd",
		"query cd",
		"query cd c1",
		"list m1",
		"list m2",
		"list t1",
	}, source.Calls())

	_, ok := tree.Record(notion.ObjectPage, "cp")
	assert.True(t, ok, "child page metadata stored under page kind")
	_, ok = tree.Record(notion.ObjectDatabase, "cd")
	assert.True(t, ok, "child database metadata stored under database kind")
	node, ok := tree.Node(notion.ObjectBlock, "cd")
	require.True(t, ok)
	assert.Equal(t, notion.BlockTypeChildDatabase, node.BlockType)
}

func TestDiscoverSkipMetadata(t *testing.T) {
	source := fixtureSource()
	tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache:        objectstore.Options{Strategy: objectstore.StrategyNoCache},
		SkipMetadata: true,
	})
	require.NoError(t, err)
	assertFixtureTree(t, tree)
	for _, call := range source.Calls() {
		assert.False(t, strings.HasPrefix(call, "retrieve"), "unexpected %s", call)
	}
	_, ok := tree.Record(notion.ObjectPage, "root")
	assert.False(t, ok)
}

func TestDiscoverWithWorkersMatchesSequentialTree(t *testing.T) {
	source := fixtureSource()
	tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache:   objectstore.Options{Strategy: objectstore.StrategyNoCache},
		Workers: 4,
	})
	require.NoError(t, err)
	assertFixtureTree(t, tree)
	assert.Len(t, source.Calls(), 10)
}

func TestForceCacheIssuesNoCalls(t *testing.T) {
	dir := t.TempDir()
	_, err := Discover(context.Background(), fixtureSource(), "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
	})
	require.NoError(t, err)

	source := fixtureSource()
	tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyForceCache},
	})
	require.NoError(t, err)
	assertFixtureTree(t, tree)
	assert.Empty(t, source.Calls())
}

func TestCacheRevalidationKeepsUnchangedTimestamps(t *testing.T) {
	dir := t.TempDir()
	first := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)

	_, err := Discover(context.Background(), fixtureSource(), "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache, Now: func() time.Time { return first }},
	})
	require.NoError(t, err)

	source := fixtureSource()
	source.blockChildren["t1"] = [][]string{{block("b4", "heading_1", false, "block", "t1")}}
	tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache, Now: func() time.Time { return second }},
	})
	require.NoError(t, err)
	assertFixtureTree(t, tree)
	assert.NotEmpty(t, source.Calls(), "cache strategy revalidates")

	store, err := objectstore.Open(context.Background(), objectstore.Options{Directory: dir, Strategy: objectstore.StrategyForceCache})
	require.NoError(t, err)
	defer store.Close()

	unchanged, ok := store.Record(notion.ObjectBlock, "b1")
	require.True(t, ok)
	assert.True(t, unchanged.CachedAt.Equal(first), "unchanged record kept %s", unchanged.CachedAt)

	listing, ok := store.Children(objectstore.BlockChildren, "root")
	require.True(t, ok)
	assert.True(t, listing.CachedAt.Equal(first))

	edited, ok := store.Record(notion.ObjectBlock, "b4")
	require.True(t, ok)
	assert.True(t, edited.CachedAt.Equal(second), "edited record refreshed %s", edited.CachedAt)
	assert.Equal(t, "heading_1", edited.Record.Type)
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestCacheRevalidationFallsBackOnTransientFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := Discover(context.Background(), fixtureSource(), "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
	})
	require.NoError(t, err)

	source := fixtureSource()
	source.failures["list m1"] = &notion.HTTPError{StatusCode: 502, Message: "bad gateway"}
	logger := &recordingLogger{}
	tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache:  objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
		Logger: logger,
	})
	require.NoError(t, err)
	assertFixtureTree(t, tree)

	found := false
	for _, line := range logger.lines {
		if strings.Contains(line, "using cached listing") && strings.Contains(line, "m1") {
			found = true
		}
	}
	assert.True(t, found, "expected fallback log line, got %v", logger.lines)
}

func TestIncompleteBlockAbortsWalkWithoutWriteBack(t *testing.T) {
	dir := t.TempDir()
	source := fixtureSource()
	source.blockChildren["cp"] = [][]string{{`{"object":"block","id":"broken","has_children":false}`}}

	tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
	})
	require.Error(t, err)
	assert.Nil(t, tree)
	assert.True(t, errors.Is(err, notion.ErrIncompleteRecord))
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "cp", fetchErr.ID)

	stored, err := objectstore.NewDirectoryBackend(dir).Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored, "failed walk must not write back")
}

func TestMissingRemoteRecordAborts(t *testing.T) {
	source := fixtureSource()
	delete(source.records, "page/cp")
	_, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Strategy: objectstore.StrategyNoCache},
	})
	assert.True(t, errors.Is(err, ErrMissingRecord))
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, notion.ObjectPage, fetchErr.Kind)
	assert.Equal(t, "cp", fetchErr.ID)
}

func TestNotFoundAbortsEvenWithCachedCopy(t *testing.T) {
	dir := t.TempDir()
	_, err := Discover(context.Background(), fixtureSource(), "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
	})
	require.NoError(t, err)

	source := fixtureSource()
	source.failures["retrieve database cd"] = &notion.HTTPError{StatusCode: 404, Code: "object_not_found"}
	_, err = Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
	})
	assert.True(t, errors.Is(err, notion.ErrNotFound))
}

func TestCachedCopyDoesNotMaskMissingOrIncompleteRecords(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*fakeSource)
		want   error
	}{
		"incomplete block": {
			mutate: func(s *fakeSource) {
				s.blockChildren["cp"] = [][]string{{`{"object":"block","id":"broken","has_children":false}`}}
			},
			want: notion.ErrIncompleteRecord,
		},
		"missing record": {
			mutate: func(s *fakeSource) { delete(s.records, "page/cp") },
			want:   ErrMissingRecord,
		},
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Discover(context.Background(), fixtureSource(), "root", notion.ObjectPage, Options{
				Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
			})
			require.NoError(t, err)
			before, err := objectstore.NewDirectoryBackend(dir).Load(context.Background())
			require.NoError(t, err)

			source := fixtureSource()
			tc.mutate(source)
			tree, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
				Cache: objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
			})
			require.Error(t, err)
			assert.Nil(t, tree)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			var fetchErr *FetchError
			require.True(t, errors.As(err, &fetchErr))
			assert.Equal(t, notion.ObjectPage, fetchErr.Kind)
			assert.Equal(t, "cp", fetchErr.ID)

			after, err := objectstore.NewDirectoryBackend(dir).Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, before.Len(), after.Len(), "failed walk must not write back")
		})
	}
}

func TestCursorLoopIsNotAnsweredFromCache(t *testing.T) {
	assert.False(t, canFallBack(context.Background(), fmt.Errorf("%w: c1", ErrCursorLoop)))
	assert.False(t, canFallBack(context.Background(), ErrMissingRecord))
	assert.False(t, canFallBack(context.Background(), fmt.Errorf("%w: block x", notion.ErrIncompleteRecord)))
	assert.True(t, canFallBack(context.Background(), &notion.HTTPError{StatusCode: 503}))
}

func TestDuplicateObjectAborts(t *testing.T) {
	source := fixtureSource()
	source.blockChildren["cp"] = [][]string{{
		block("b2", "paragraph", false, "page", "cp"),
		block("b2", "paragraph", false, "page", "cp"),
	}}
	_, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Strategy: objectstore.StrategyNoCache},
	})
	assert.True(t, errors.Is(err, objecttree.ErrDuplicateObject))
}

func TestCancellationDiscardsWalk(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			dir := t.TempDir()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			source := fixtureSource()
			source.onCall = func(call string) {
				if call == "list cp" {
					cancel()
				}
			}
			tree, err := Discover(ctx, source, "root", notion.ObjectPage, Options{
				Cache:   objectstore.Options{Directory: dir, Strategy: objectstore.StrategyCache},
				Workers: workers,
			})
			assert.Nil(t, tree)
			assert.True(t, errors.Is(err, context.Canceled), "expected cancellation, got %v", err)

			stored, err := objectstore.NewDirectoryBackend(dir).Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, stored)
		})
	}
}

func TestInvalidStrategyFailsBeforeNetwork(t *testing.T) {
	source := fixtureSource()
	_, err := Discover(context.Background(), source, "root", notion.ObjectPage, Options{
		Cache: objectstore.Options{Strategy: "stale-if-error"},
	})
	assert.True(t, errors.Is(err, objectstore.ErrInvalidStrategy))
	assert.Empty(t, source.Calls())
}

func TestDiscoverFromBlockRoot(t *testing.T) {
	source := fixtureSource()
	source.records["block/t1"] = block("t1", "toggle", true, "page", "root")
	tree, err := Discover(context.Background(), source, "t1", notion.ObjectBlock, Options{
		Cache: objectstore.Options{Strategy: objectstore.StrategyNoCache},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Len())
	assert.Equal(t, "toggle", tree.Root().BlockType)
	assert.Equal(t, []string{"retrieve block t1", "list t1"}, source.Calls())
}

func TestMetricsCountRequestsAndCacheLookups(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	_, err := Discover(context.Background(), fixtureSource(), "root", notion.ObjectPage, Options{
		Cache:   objectstore.Options{Strategy: objectstore.StrategyNoCache},
		Metrics: metrics,
	})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	totals := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				totals[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				totals[family.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(10), totals["notion_downloader_remote_requests_total"])
	assert.Equal(t, float64(10), totals["notion_downloader_tree_nodes"])
}
