/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pytool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
)

// Venv is an isolated Python environment rooted at Dir.
type Venv struct {
	// Dir is the environment root.
	Dir string
}

// Python returns the path of the environment's interpreter entry point.
func (v *Venv) Python() string {
	return filepath.Join(v.Dir, "bin", "python")
}

// Tool returns the path of a console entry point installed in the
// environment.
func (v *Venv) Tool(name string) string {
	return filepath.Join(v.Dir, "bin", name)
}

// CreateVenv builds a fresh virtual environment at dir using the provided
// interpreter.
func CreateVenv(ctx context.Context, interp *Interpreter, dir string) (*Venv, error) {
	if interp == nil {
		return nil, fmt.Errorf("interpreter cannot be nil")
	}

	clog.FromContext(ctx).With("interpreter", interp.Path).With("dir", dir).
		Info("Creating virtual environment")

	if out, err := runCommand(ctx, "", interp.Path, "-m", "venv", dir); err != nil {
		return nil, fmt.Errorf("creating venv: %w: %s", err, tail(out))
	}
	return &Venv{Dir: dir}, nil
}

// OpenVenv opens an existing environment, e.g. one restored from cache.
func OpenVenv(dir string) (*Venv, error) {
	if _, err := os.Stat(filepath.Join(dir, "pyvenv.cfg")); err != nil {
		return nil, fmt.Errorf("%s is not a virtual environment: %w", dir, err)
	}
	return &Venv{Dir: dir}, nil
}

// Install installs the given requirement (e.g. "ruff==0.11.5") into the
// environment. Installation is driven through the environment's interpreter
// rather than its pip script, so environments restored to a different path
// keep working.
func (v *Venv) Install(ctx context.Context, requirement string) error {
	if requirement == "" {
		return fmt.Errorf("requirement cannot be empty")
	}

	clog.FromContext(ctx).With("requirement", requirement).With("venv", v.Dir).
		Info("Installing requirement")

	if out, err := runCommand(ctx, "", v.Python(), "-m", "pip", "install", requirement); err != nil {
		return fmt.Errorf("installing %s: %w: %s", requirement, err, tail(out))
	}
	return nil
}

// runCommand runs the command and returns its combined output. The caller's
// dir, when non-empty, becomes the working directory.
func runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// tail returns the last few lines of command output for error messages.
func tail(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
