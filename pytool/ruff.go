/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pytool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/chainguard-dev/clog"
)

// FormatTool is the console entry point of the pinned formatter.
const FormatTool = "ruff"

// FormatDiff invokes the formatter's non-mutating diff mode against path,
// relative to dir. It returns the unified diff the formatter would apply; an
// empty string means the tree is clean. A tool crash (exit status other than
// the documented clean/dirty codes) is an error.
func (v *Venv) FormatDiff(ctx context.Context, dir, path string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, v.Tool(FormatTool), "format", "--diff", path)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	clog.FromContext(ctx).With("path", path).With("dir", dir).Info("Running format diff")

	err := cmd.Run()
	if err == nil {
		return "", nil
	}

	// Exit code 1 means "would reformat"; the diff is the diagnostic.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return stdout.String(), nil
	}

	return "", fmt.Errorf("format check of %s: %w: %s", path, err, tail(stderr.String()))
}
