package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objecttree"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/walker"
)

func (a *app) treeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Discover the root and print its object tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			source, err := a.newSource(cfg)
			if err != nil {
				return err
			}
			tree, err := walker.Discover(cmd.Context(), source, cfg.RootID, notion.ObjectKind(cfg.RootKind), walker.Options{
				Cache:        cfg.CacheOptions(),
				SkipMetadata: cfg.SkipMetadata,
				Workers:      cfg.Workers,
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}
			return printTree(a, tree)
		},
	}
}

func printTree(a *app, tree *objecttree.Tree) error {
	return objecttree.Traverse(tree, 0, func(node *objecttree.Node, rec notion.Record, depth int) (int, error) {
		line := strings.Repeat("  ", depth) + string(node.Kind) + " " + node.ID
		if node.BlockType != "" {
			line += " (" + node.BlockType + ")"
		}
		title := notion.Title(rec)
		if ref, ok := tree.Record(node.EffectiveKind(), node.ID); ok && node.EffectiveKind() != node.Kind {
			title = notion.Title(ref)
		}
		if title != "" {
			line += " " + fmt.Sprintf("%q", title)
		}
		if _, err := fmt.Fprintln(a.out, line); err != nil {
			return 0, err
		}
		return depth + 1, nil
	})
}
