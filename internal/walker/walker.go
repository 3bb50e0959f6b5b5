package walker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objectstore"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objecttree"
)

var ErrInvalidInput = errors.New("invalid input")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Cache objectstore.Options
	// SkipMetadata skips retrieving the own record of pages, databases and
	// reference blocks when it was not already returned by a listing.
	SkipMetadata bool
	// Workers bounds concurrent expansions. Values below 1 mean 1.
	Workers int
	Logger  Logger
	Metrics *Metrics
}

type Walker struct {
	source notion.Source
	opts   Options
}

func New(source notion.Source, opts Options) *Walker {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Cache.Logger == nil && opts.Logger != nil {
		opts.Cache.Logger = opts.Logger
	}
	return &Walker{source: source, opts: opts}
}

// Discover builds the object tree rooted at (rootKind, rootID). The cache is
// written back only after the whole walk succeeds; on any error the tree is
// discarded and nothing is persisted.
func Discover(ctx context.Context, source notion.Source, rootID string, rootKind notion.ObjectKind, opts Options) (*objecttree.Tree, error) {
	return New(source, opts).Discover(ctx, rootID, rootKind)
}

func (w *Walker) Discover(ctx context.Context, rootID string, rootKind notion.ObjectKind) (tree *objecttree.Tree, err error) {
	started := time.Now()
	defer func() {
		nodes := 0
		if tree != nil {
			nodes = tree.Len()
		}
		w.opts.Metrics.observeWalk(started, nodes, err)
	}()

	rootID = strings.TrimSpace(rootID)
	if w.source == nil || rootID == "" || !rootKind.Valid() {
		return nil, fmt.Errorf("%w: discover %s %q", ErrInvalidInput, rootKind, rootID)
	}
	store, err := objectstore.Open(ctx, w.opts.Cache)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil && err == nil {
			tree, err = nil, closeErr
		}
	}()

	tree, err = objecttree.New(rootKind, rootID)
	if err != nil {
		return nil, err
	}
	f := &fetcher{
		source:  w.source,
		store:   store,
		metrics: w.opts.Metrics,
		logf:    w.logf,
	}

	root := tree.Root()
	if rootKind == notion.ObjectBlock {
		rec, fetchErr := f.record(ctx, notion.ObjectBlock, rootID)
		if fetchErr != nil {
			return nil, fetchErr
		}
		root.BlockType = rec.Type
		root.HasChildren = rec.HasChildren
		if err := tree.SetRecord(notion.ObjectBlock, rec); err != nil {
			return nil, err
		}
	}

	if first, ok := w.taskFor(tree, root); ok {
		if err := w.run(ctx, tree, f, first); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.Save(ctx); err != nil {
		return nil, err
	}
	w.logf("discovered %d nodes under %s %s (%s)", tree.Len(), rootKind, rootID, store.Strategy())
	return tree, nil
}

// task is one node waiting for expansion. It carries copies of the node
// fields so workers never read the tree.
type task struct {
	key         objecttree.Key
	blockType   string
	hasChildren bool
	needMeta    bool
}

func (t task) effectiveKind() notion.ObjectKind {
	if t.key.Kind == notion.ObjectBlock {
		if kind, ok := notion.ReferencedKind(t.blockType); ok {
			return kind
		}
	}
	return t.key.Kind
}

type expansion struct {
	task     task
	meta     notion.Record
	hasMeta  bool
	children []notion.Record
	err      error
}

func (w *Walker) taskFor(tree *objecttree.Tree, node *objecttree.Node) (task, bool) {
	if !node.Expands() {
		return task{}, false
	}
	t := task{key: node.Key(), blockType: node.BlockType, hasChildren: node.HasChildren}
	if kind := t.effectiveKind(); !w.opts.SkipMetadata && kind != notion.ObjectBlock {
		if _, ok := tree.Record(kind, node.ID); !ok {
			t.needMeta = true
		}
	}
	return t, true
}

// run expands nodes depth-first from a stack. Only this goroutine touches
// the tree; workers fetch and report back over results. A node's children
// are all attached before any of them is scheduled.
func (w *Walker) run(ctx context.Context, tree *objecttree.Tree, f *fetcher, first task) error {
	g, gctx := errgroup.WithContext(ctx)
	results := make(chan expansion, w.opts.Workers)
	stack := []task{first}
	inflight := 0
	var walkErr error

	for {
		if walkErr == nil {
			if err := ctx.Err(); err != nil {
				walkErr = err
			}
		}
		for walkErr == nil && inflight < w.opts.Workers && len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			inflight++
			g.Go(func() error {
				exp := w.expand(gctx, f, next)
				results <- exp
				return exp.err
			})
		}
		if inflight == 0 {
			break
		}
		exp := <-results
		inflight--
		if walkErr != nil {
			continue
		}
		if exp.err != nil {
			walkErr = exp.err
			continue
		}
		children, err := w.apply(tree, exp)
		if err != nil {
			walkErr = err
			continue
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	if err := g.Wait(); walkErr == nil {
		walkErr = err
	}
	return walkErr
}

func (w *Walker) expand(ctx context.Context, f *fetcher, t task) expansion {
	exp := expansion{task: t}
	kind := t.effectiveKind()
	if t.needMeta {
		rec, err := f.record(ctx, kind, t.key.ID)
		if err != nil {
			exp.err = err
			return exp
		}
		exp.meta, exp.hasMeta = rec, true
	}
	list := objectstore.BlockChildren
	if kind == notion.ObjectDatabase {
		list = objectstore.DatabaseChildren
	}
	exp.children, exp.err = f.children(ctx, list, kind, t.key.ID)
	return exp
}

func (w *Walker) apply(tree *objecttree.Tree, exp expansion) ([]task, error) {
	if exp.hasMeta {
		if err := tree.SetRecord(exp.task.effectiveKind(), exp.meta); err != nil {
			return nil, err
		}
	}
	var tasks []task
	for _, rec := range exp.children {
		kind, err := rec.Kind()
		if err != nil {
			return nil, err
		}
		child := objecttree.Node{Kind: kind, ID: rec.ID}
		if kind == notion.ObjectBlock {
			child.BlockType = rec.Type
			child.HasChildren = rec.HasChildren
		}
		node, err := tree.Attach(exp.task.key, child)
		if err != nil {
			return nil, fmt.Errorf("attach %s %s under %s: %w", kind, rec.ID, exp.task.key, err)
		}
		if err := tree.SetRecord(kind, rec); err != nil {
			return nil, err
		}
		if next, ok := w.taskFor(tree, node); ok {
			tasks = append(tasks, next)
		}
	}
	return tasks, nil
}

func (w *Walker) logf(format string, args ...any) {
	if w.opts.Logger == nil {
		return
	}
	w.opts.Logger.Printf(format, args...)
}
