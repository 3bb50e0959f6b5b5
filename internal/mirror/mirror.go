package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/filesmap"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/fsutil"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objecttree"
)

var ErrInvalidInput = errors.New("invalid input")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	OutputDir string
	Ledger    *filesmap.FilesMap
	// HTTPClient downloads asset files. Defaults to a client with a
	// one minute timeout.
	HTTPClient *http.Client
	// SkipAssets leaves asset blocks out of the run and out of pruning.
	SkipAssets bool
	Logger     Logger
}

type Result struct {
	Written int
	Skipped int
	Pruned  int
	Assets  int
}

// document is the JSON written for one page or database.
type document struct {
	Object json.RawMessage `json:"object"`
	Blocks []blockDocument `json:"blocks"`
}

type blockDocument struct {
	Block    json.RawMessage `json:"block"`
	Children []blockDocument `json:"children,omitempty"`
}

type mirror struct {
	tree   *objecttree.Tree
	opts   Options
	client *http.Client
	dirs   map[objecttree.Key]string
	seen   map[filesmap.Kind]map[string]bool
	result Result
}

// Run writes every page and database of tree below opts.OutputDir and
// downloads asset blocks, skipping units whose ledger timestamp still
// matches. Ledger entries for units no longer in the tree are pruned. The
// caller persists the ledger.
func Run(ctx context.Context, tree *objecttree.Tree, opts Options) (Result, error) {
	if tree == nil || opts.Ledger == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return Result{}, fmt.Errorf("%w: mirror needs a tree, a ledger and an output directory", ErrInvalidInput)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	m := &mirror{
		tree:   tree,
		opts:   opts,
		client: client,
		dirs:   map[objecttree.Key]string{},
		seen:   map[filesmap.Kind]map[string]bool{},
	}
	for _, kind := range filesmap.Kinds {
		m.seen[kind] = map[string]bool{}
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return Result{}, err
	}

	err := objecttree.Traverse(tree, "", func(node *objecttree.Node, rec notion.Record, dir string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		kind, tracked := filesmap.KindForObject(node.Kind, node.BlockType)
		switch {
		case !tracked:
			return dir, nil
		case kind.IsAsset():
			if opts.SkipAssets {
				return dir, nil
			}
			return dir, m.asset(ctx, node, rec, kind)
		default:
			return m.unit(node, kind, dir)
		}
	})
	if err != nil {
		return m.result, err
	}
	m.prune()
	return m.result, nil
}

// unit writes one page or database and returns the directory its
// descendants are placed in.
func (m *mirror) unit(node *objecttree.Node, kind filesmap.Kind, dir string) (string, error) {
	rec := m.unitRecord(node)
	name := slug(notion.Title(rec)) + "-" + notion.ShortID(node.ID)
	rel := filepath.Join(dir, name+".json")
	childDir := filepath.Join(dir, name)
	if !node.HasParent {
		childDir = dir
	}
	m.dirs[node.Key()] = childDir
	m.seen[kind][node.ID] = true

	edited := parseTime(rec.LastEditedTime)
	if m.upToDate(kind, node.ID, rel, edited) {
		m.result.Skipped++
		return childDir, nil
	}

	doc := document{Object: rec.Raw, Blocks: m.blocks(node)}
	if len(doc.Object) == 0 {
		doc.Object = json.RawMessage(`null`)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := m.writeFile(kind, node.ID, rel, func(abs string) error {
		return fsutil.WriteFileAtomic(abs, append(data, '\n'), 0o644)
	}); err != nil {
		return "", err
	}
	if err := m.opts.Ledger.Set(kind, node.ID, filesmap.Record{Path: filepath.ToSlash(rel), LastEditedTime: edited}); err != nil {
		return "", err
	}
	m.result.Written++
	m.logf("wrote %s %s to %s", kind, node.ID, rel)
	return childDir, nil
}

// unitRecord prefers the page or database payload over the reference block
// that stands for it.
func (m *mirror) unitRecord(node *objecttree.Node) notion.Record {
	if rec, ok := m.tree.Record(node.EffectiveKind(), node.ID); ok {
		return rec
	}
	rec, _ := m.tree.Record(node.Kind, node.ID)
	return rec
}

// blocks nests the content blocks of a unit, stopping at references to
// other pages and databases.
func (m *mirror) blocks(node *objecttree.Node) []blockDocument {
	out := []blockDocument{}
	for _, key := range node.Children {
		if key.Kind != notion.ObjectBlock {
			continue
		}
		child, ok := m.tree.Node(key.Kind, key.ID)
		if !ok {
			continue
		}
		rec, _ := m.tree.Record(key.Kind, key.ID)
		doc := blockDocument{Block: rec.Raw}
		if len(doc.Block) == 0 {
			doc.Block = json.RawMessage(`null`)
		}
		if child.EffectiveKind() == notion.ObjectBlock {
			doc.Children = m.blocks(child)
			if len(doc.Children) == 0 {
				doc.Children = nil
			}
		}
		out = append(out, doc)
	}
	return out
}

func (m *mirror) asset(ctx context.Context, node *objecttree.Node, rec notion.Record, kind filesmap.Kind) error {
	source, ok := assetURL(rec)
	if !ok {
		return nil
	}
	m.seen[kind][node.ID] = true
	rel := filepath.Join(m.ownerDir(node), "assets", node.ID+assetExt(source))
	edited := parseTime(rec.LastEditedTime)
	if m.upToDate(kind, node.ID, rel, edited) {
		m.result.Skipped++
		return nil
	}
	if err := m.writeFile(kind, node.ID, rel, func(abs string) error {
		return m.download(ctx, source, abs)
	}); err != nil {
		return fmt.Errorf("download %s %s: %w", kind, node.ID, err)
	}
	if err := m.opts.Ledger.Set(kind, node.ID, filesmap.Record{Path: filepath.ToSlash(rel), LastEditedTime: edited}); err != nil {
		return err
	}
	m.result.Assets++
	return nil
}

// ownerDir is the directory of the page, or failing that the database,
// that owns a block.
func (m *mirror) ownerDir(node *objecttree.Node) string {
	for _, want := range []notion.ObjectKind{notion.ObjectPage, notion.ObjectDatabase} {
		owner, ok := m.tree.AncestorOfKind(node.Kind, node.ID, want)
		if !ok {
			continue
		}
		if dir, ok := m.dirs[owner.Key()]; ok {
			return dir
		}
	}
	return ""
}

func (m *mirror) download(ctx context.Context, source, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fsutil.CopyFileAtomic(dest, resp.Body, 0o644)
}

// writeFile creates the parent directory, writes through write and removes
// the previous output of the same unit when its path changed.
func (m *mirror) writeFile(kind filesmap.Kind, id, rel string, write func(abs string) error) error {
	abs := filepath.Join(m.opts.OutputDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := write(abs); err != nil {
		return err
	}
	if previous, err := m.opts.Ledger.Get(kind, id); err == nil && filepath.FromSlash(previous.Path) != rel {
		m.removeOutput(previous.Path)
	}
	return nil
}

// upToDate reports whether the ledger still describes the output of a unit.
// A unit without an edit time is always regenerated.
func (m *mirror) upToDate(kind filesmap.Kind, id, rel string, edited time.Time) bool {
	if edited.IsZero() {
		return false
	}
	previous, err := m.opts.Ledger.Get(kind, id)
	if err != nil {
		return false
	}
	if filepath.FromSlash(previous.Path) != rel || !previous.LastEditedTime.Equal(edited) {
		return false
	}
	_, err = os.Stat(filepath.Join(m.opts.OutputDir, rel))
	return err == nil
}

// prune drops ledger entries, and their files, for units that are no longer
// in the tree.
func (m *mirror) prune() {
	for _, kind := range filesmap.Kinds {
		if kind.IsAsset() && m.opts.SkipAssets {
			continue
		}
		for _, id := range m.opts.Ledger.IDs(kind) {
			if m.seen[kind][id] {
				continue
			}
			rec, err := m.opts.Ledger.Get(kind, id)
			if err != nil {
				continue
			}
			m.opts.Ledger.Delete(kind, id)
			m.removeOutput(rec.Path)
			m.result.Pruned++
			m.logf("pruned %s %s (%s)", kind, id, rec.Path)
		}
	}
}

func (m *mirror) removeOutput(rel string) {
	abs := filepath.Join(m.opts.OutputDir, filepath.FromSlash(rel))
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logf("remove %s failed: %v", abs, err)
	}
}

func (m *mirror) logf(format string, args ...any) {
	if m.opts.Logger == nil {
		return
	}
	m.opts.Logger.Printf(format, args...)
}

func assetURL(rec notion.Record) (string, bool) {
	payload, ok := rec.Payload()
	if !ok {
		return "", false
	}
	for _, key := range []string{"file", "external"} {
		section, ok := payload[key].(map[string]any)
		if !ok {
			continue
		}
		if source, ok := section["url"].(string); ok && strings.TrimSpace(source) != "" {
			return source, true
		}
	}
	return "", false
}

func assetExt(source string) string {
	trimmed := source
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	ext := strings.ToLower(path.Ext(trimmed))
	if ext == "" || len(ext) > 8 {
		return ".bin"
	}
	return ext
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if runes := []rune(out); len(runes) > 60 {
		out = strings.TrimRight(string(runes[:60]), "-")
	}
	if out == "" {
		return "untitled"
	}
	return out
}
