package objecttree

import (
	"fmt"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

// Visitor receives a node, its record (zero if not fetched) and the context
// returned by the parent's visit. The returned context is handed to every
// child of the node.
type Visitor[C any] func(node *Node, rec notion.Record, parent C) (C, error)

// Traverse walks the tree from the root in pre-order, children in stored
// order. A visitor error stops the walk and is returned.
func Traverse[C any](t *Tree, seed C, visit Visitor[C]) error {
	return TraverseFrom(t, t.root, seed, visit)
}

func TraverseFrom[C any](t *Tree, start Key, seed C, visit Visitor[C]) error {
	if _, ok := t.nodes[start]; !ok {
		return fmt.Errorf("%w: start node %s", ErrInvalidInput, start)
	}
	type frame struct {
		key Key
		ctx C
	}
	stack := []frame{{key: start, ctx: seed}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := t.nodes[top.key]
		if !ok {
			continue
		}
		rec := t.records[node.Kind][node.ID]
		childCtx, err := visit(node, rec, top.ctx)
		if err != nil {
			return err
		}
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{key: node.Children[i], ctx: childCtx})
		}
	}
	return nil
}
