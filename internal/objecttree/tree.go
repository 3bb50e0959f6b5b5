package objecttree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrParentNotFound  = errors.New("parent not found")
	ErrDuplicateObject = errors.New("object already in tree")
)

type ParentNotFoundError struct {
	Kind       notion.ObjectKind
	ID         string
	ParentKind notion.ObjectKind
	ParentID   string
}

func (e *ParentNotFoundError) Error() string {
	if e.ParentID == "" {
		return fmt.Sprintf("parent not found for %s %s: record has no parent in the tree", e.Kind, e.ID)
	}
	return fmt.Sprintf("parent not found for %s %s: %s %s", e.Kind, e.ID, e.ParentKind, e.ParentID)
}

func (e *ParentNotFoundError) Is(target error) bool {
	return target == ErrParentNotFound
}

// Key identifies a node. Parent links hold keys, never pointers.
type Key struct {
	Kind notion.ObjectKind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

type Node struct {
	Kind notion.ObjectKind
	ID   string
	// BlockType and HasChildren are only set for block nodes.
	BlockType   string
	HasChildren bool
	Parent      Key
	HasParent   bool
	Children    []Key
}

func (n *Node) Key() Key {
	return Key{Kind: n.Kind, ID: n.ID}
}

// EffectiveKind is page or database for reference blocks and the node's own
// kind otherwise.
func (n *Node) EffectiveKind() notion.ObjectKind {
	if n.Kind == notion.ObjectBlock {
		if kind, ok := notion.ReferencedKind(n.BlockType); ok {
			return kind
		}
	}
	return n.Kind
}

// Expands reports whether discovery descends into the node.
func (n *Node) Expands() bool {
	if n.Kind != notion.ObjectBlock {
		return true
	}
	_, reference := notion.ReferencedKind(n.BlockType)
	return reference || n.HasChildren
}

// Tree is an arena of nodes keyed by (kind, id) plus one record table per
// kind. It is not safe for concurrent mutation.
type Tree struct {
	root    Key
	nodes   map[Key]*Node
	records map[notion.ObjectKind]map[string]notion.Record
}

func New(rootKind notion.ObjectKind, rootID string) (*Tree, error) {
	rootID = strings.TrimSpace(rootID)
	if !rootKind.Valid() || rootID == "" {
		return nil, fmt.Errorf("%w: root %s/%s", ErrInvalidInput, rootKind, rootID)
	}
	t := &Tree{
		root:    Key{Kind: rootKind, ID: rootID},
		nodes:   map[Key]*Node{},
		records: map[notion.ObjectKind]map[string]notion.Record{},
	}
	for _, kind := range notion.ObjectKinds {
		t.records[kind] = map[string]notion.Record{}
	}
	t.nodes[t.root] = &Node{Kind: rootKind, ID: rootID}
	return t, nil
}

func (t *Tree) Root() *Node {
	return t.nodes[t.root]
}

func (t *Tree) Node(kind notion.ObjectKind, id string) (*Node, bool) {
	node, ok := t.nodes[Key{Kind: kind, ID: id}]
	return node, ok
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Record(kind notion.ObjectKind, id string) (notion.Record, bool) {
	rec, ok := t.records[kind][id]
	return rec, ok
}

// SetRecord stores a fetched payload. A node for the id need not exist:
// the page record of a child_page block is stored under its own kind.
func (t *Tree) SetRecord(kind notion.ObjectKind, rec notion.Record) error {
	if !kind.Valid() || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record %s/%s", ErrInvalidInput, kind, rec.ID)
	}
	t.records[kind][rec.ID] = rec
	return nil
}

// Attach appends a new child node to an existing parent.
func (t *Tree) Attach(parent Key, child Node) (*Node, error) {
	child.ID = strings.TrimSpace(child.ID)
	if !child.Kind.Valid() || child.ID == "" {
		return nil, fmt.Errorf("%w: node %s/%s", ErrInvalidInput, child.Kind, child.ID)
	}
	parentNode, ok := t.nodes[parent]
	if !ok {
		return nil, &ParentNotFoundError{Kind: child.Kind, ID: child.ID, ParentKind: parent.Kind, ParentID: parent.ID}
	}
	key := child.Key()
	if _, exists := t.nodes[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateObject, key)
	}
	node := &Node{
		Kind:      child.Kind,
		ID:        child.ID,
		Parent:    parent,
		HasParent: true,
	}
	if child.Kind == notion.ObjectBlock {
		node.BlockType = child.BlockType
		node.HasChildren = child.HasChildren
	}
	t.nodes[key] = node
	parentNode.Children = append(parentNode.Children, key)
	return node, nil
}

// AddObject inserts a record below the parent named by its own parent
// pointer.
func (t *Tree) AddObject(rec notion.Record) (*Node, error) {
	kind, err := rec.Kind()
	if err != nil {
		return nil, err
	}
	parentKind, parentID, ok := rec.Parent.Ref()
	if !ok {
		return nil, &ParentNotFoundError{Kind: kind, ID: rec.ID}
	}
	parent, ok := t.resolveParent(parentKind, parentID)
	if !ok {
		return nil, &ParentNotFoundError{Kind: kind, ID: rec.ID, ParentKind: parentKind, ParentID: parentID}
	}
	child := Node{Kind: kind, ID: rec.ID}
	if kind == notion.ObjectBlock {
		child.BlockType = rec.Type
		child.HasChildren = rec.HasChildren
	}
	node, err := t.Attach(parent, child)
	if err != nil {
		return nil, err
	}
	t.records[kind][rec.ID] = rec
	return node, nil
}

// resolveParent falls back to a reference block with the same id, since
// the API reports children of a child_page block with a page_id parent.
func (t *Tree) resolveParent(kind notion.ObjectKind, id string) (Key, bool) {
	key := Key{Kind: kind, ID: id}
	if _, ok := t.nodes[key]; ok {
		return key, true
	}
	if kind == notion.ObjectPage || kind == notion.ObjectDatabase {
		block := Key{Kind: notion.ObjectBlock, ID: id}
		if node, ok := t.nodes[block]; ok && node.EffectiveKind() == kind {
			return block, true
		}
	}
	return Key{}, false
}

// RemoveObject purges the subtree rooted at (kind, id) and detaches it from
// its parent. An id that is not in the tree is a no-op.
func (t *Tree) RemoveObject(kind notion.ObjectKind, id string) (bool, error) {
	key := Key{Kind: kind, ID: id}
	target, ok := t.nodes[key]
	if !ok {
		return false, nil
	}
	if key == t.root {
		return false, fmt.Errorf("%w: cannot remove root %s", ErrInvalidInput, key)
	}

	stack := []Key{key}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := t.nodes[current]
		if !ok {
			continue
		}
		stack = append(stack, node.Children...)
		delete(t.nodes, current)
		delete(t.records[current.Kind], current.ID)
		if effective := node.EffectiveKind(); effective != node.Kind {
			delete(t.records[effective], current.ID)
		}
	}

	if parent, ok := t.nodes[target.Parent]; ok {
		kept := parent.Children[:0]
		for _, child := range parent.Children {
			if child != key {
				kept = append(kept, child)
			}
		}
		parent.Children = kept
	}
	return true, nil
}

// AncestorOfKind returns the nearest ancestor of (kind, id) whose effective
// kind is want. The node itself is not considered.
func (t *Tree) AncestorOfKind(kind notion.ObjectKind, id string, want notion.ObjectKind) (*Node, bool) {
	node, ok := t.nodes[Key{Kind: kind, ID: id}]
	if !ok {
		return nil, false
	}
	for node.HasParent {
		parent, ok := t.nodes[node.Parent]
		if !ok {
			return nil, false
		}
		if parent.Kind == want || parent.EffectiveKind() == want {
			return parent, true
		}
		node = parent
	}
	return nil, false
}

// AllOfKind returns the records of one kind keyed by id. For blocks, an
// optional list of block types narrows the result.
func (t *Tree) AllOfKind(kind notion.ObjectKind, blockTypes ...string) map[string]notion.Record {
	out := map[string]notion.Record{}
	wanted := map[string]bool{}
	for _, blockType := range blockTypes {
		wanted[blockType] = true
	}
	for id, rec := range t.records[kind] {
		if kind == notion.ObjectBlock && len(wanted) > 0 && !wanted[rec.Type] {
			continue
		}
		out[id] = rec
	}
	return out
}

// CollectIDs lists node ids by kind in traversal order. A reference block is
// listed as a block and again under the kind it materializes.
func (t *Tree) CollectIDs() map[notion.ObjectKind][]string {
	out := map[notion.ObjectKind][]string{}
	for _, kind := range notion.ObjectKinds {
		out[kind] = nil
	}
	_ = Traverse(t, struct{}{}, func(node *Node, _ notion.Record, _ struct{}) (struct{}, error) {
		out[node.Kind] = append(out[node.Kind], node.ID)
		if effective := node.EffectiveKind(); effective != node.Kind {
			out[effective] = append(out[effective], node.ID)
		}
		return struct{}{}, nil
	})
	return out
}
