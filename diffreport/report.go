/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package diffreport turns the formatter's diff output into per-file
// summaries suitable for a check-run report.
package diffreport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/waigani/diffparser"
)

// FileSummary counts the would-be changes for one misformatted file.
type FileSummary struct {
	// Path is the file path as reported by the formatter.
	Path string `json:"path"`
	// Added is the number of lines the formatter would add.
	Added int `json:"added"`
	// Removed is the number of lines the formatter would remove.
	Removed int `json:"removed"`
}

// Summarize parses a unified diff and returns one summary per file, sorted by
// path. An empty diff yields no summaries.
func Summarize(diff string) ([]FileSummary, error) {
	if strings.TrimSpace(diff) == "" {
		return nil, nil
	}

	parsed, err := diffparser.Parse(diff)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	var files []FileSummary
	for _, f := range parsed.Files {
		fs := FileSummary{Path: displayName(f)}
		for _, h := range f.Hunks {
			for _, l := range h.WholeRange.Lines {
				switch l.Mode {
				case diffparser.ADDED:
					fs.Added++
				case diffparser.REMOVED:
					fs.Removed++
				}
			}
		}
		files = append(files, fs)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// displayName prefers the post-image name and strips git-style a/ b/ prefixes.
func displayName(f *diffparser.DiffFile) string {
	name := f.NewName
	if name == "" {
		name = f.OrigName
	}
	name = strings.TrimPrefix(name, "b/")
	name = strings.TrimPrefix(name, "a/")
	return name
}

// MarkdownTable renders the summaries as a markdown table.
func MarkdownTable(files []FileSummary) string {
	if len(files) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("| File | Lines added | Lines removed |\n")
	sb.WriteString("|------|-------------|---------------|\n")
	for _, f := range files {
		sb.WriteString(fmt.Sprintf("| `%s` | %d | %d |\n", f.Path, f.Added, f.Removed))
	}
	return sb.String()
}
