/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package pytool provisions Python interpreters and virtual environments and
// drives the pinned formatting tool inside them. Everything here shells out;
// no step mutates the checked-out tree.
package pytool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
)

// Interpreter is a Python interpreter verified to report the exact requested
// version.
type Interpreter struct {
	// Path is the resolved executable path.
	Path string
	// Version is the full reported version, e.g. "3.9.13".
	Version string
}

var pythonVersionRE = regexp.MustCompile(`Python (\d+\.\d+\.\d+)`)

// Provision locates an interpreter reporting exactly the requested version.
// Candidates are tried in order: the explicit path (when non-empty), then
// "pythonX.Y" from PATH, then "python3". A version mismatch anywhere is
// fatal; there is no closest-match fallback.
func Provision(ctx context.Context, version, explicitPath string) (*Interpreter, error) {
	if version == "" {
		return nil, fmt.Errorf("interpreter version cannot be empty")
	}

	candidates := []string{}
	if explicitPath != "" {
		candidates = append(candidates, explicitPath)
	}
	if mm := majorMinor(version); mm != "" {
		candidates = append(candidates, "python"+mm)
	}
	candidates = append(candidates, "python3")

	log := clog.FromContext(ctx)
	var lastErr error
	for _, cand := range candidates {
		path, err := exec.LookPath(cand)
		if err != nil {
			lastErr = err
			continue
		}

		got, err := reportedVersion(ctx, path)
		if err != nil {
			lastErr = err
			continue
		}
		if got != version {
			lastErr = fmt.Errorf("%s reports version %s, want %s", path, got, version)
			continue
		}

		log.With("interpreter", path).With("version", got).Info("Provisioned interpreter")
		return &Interpreter{Path: path, Version: got}, nil
	}

	return nil, fmt.Errorf("no interpreter for version %s: %w", version, lastErr)
}

// reportedVersion runs `<path> --version` and parses the version string.
func reportedVersion(ctx context.Context, path string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running %s --version: %w", path, err)
	}

	// Python 2 printed the version on stderr; tolerate both.
	out := stdout.String() + stderr.String()
	m := pythonVersionRE.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("unrecognized version output from %s: %q", path, strings.TrimSpace(out))
	}
	return m[1], nil
}

func majorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}
