/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main is an operator tool for inspecting and pruning the format
// gate's environment cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"chainguard.dev/formatgate/venvcache"
	"github.com/chainguard-dev/clog"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

func main() {
	var (
		cacheDir = flag.String("cache-dir", "/var/cache/formatgate", "cache root directory")
		maxAge   = flag.Duration("max-age", 7*24*time.Hour, "entry age threshold for prune")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <list|prune|remove KEY>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx := context.Background()
	if err := run(ctx, *cacheDir, *maxAge, flag.Args()); err != nil {
		clog.FatalContextf(ctx, "%v", err)
	}
}

func run(ctx context.Context, cacheDir string, maxAge time.Duration, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("no command given")
	}

	store, err := venvcache.NewStore(cacheDir)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}

	switch args[0] {
	case "list":
		return list(store, os.Stdout)
	case "prune":
		removed, err := store.Prune(ctx, maxAge)
		if err != nil {
			return fmt.Errorf("pruning: %w", err)
		}
		fmt.Printf("Pruned %d entries\n", len(removed))
		return nil
	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("remove requires exactly one key")
		}
		return store.Remove(args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func list(store *venvcache.Store, w io.Writer) error {
	entries, err := store.Entries()
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}

	table := createStandardTable([]string{"Key", "Size", "Last used"}, w)
	for _, e := range entries {
		_ = table.Append([]string{e.Key, humanSize(e.Size), e.LastUsed.Format(time.RFC3339)})
	}
	return table.Render()
}

// createStandardTable creates a table writer with the formatting used across
// the operator tooling.
func createStandardTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		MaxWidth: 120,
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
