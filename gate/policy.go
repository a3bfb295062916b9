/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gate runs the formatting check pipeline for a pull request head and
// reports the outcome as a check run.
package gate

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"chainguard.dev/formatgate/venvcache"
	"gopkg.in/yaml.v3"
)

// Policy pins the toolchain a gated repository is checked with. Every field
// participates in the job generation, so changing the policy re-checks heads
// that were already reported on.
type Policy struct {
	// Interpreter pins the Python interpreter.
	Interpreter InterpreterPolicy `yaml:"interpreter"`
	// Tool pins the formatter requirement installed into the environment.
	Tool ToolPolicy `yaml:"tool"`
	// Manifest is the repository-relative dependency manifest whose content
	// hash keys the environment cache.
	Manifest string `yaml:"manifest"`
	// Targets are the repository-relative trees the formatter checks.
	Targets []string `yaml:"targets"`
	// CachePrefix namespaces environment cache keys.
	CachePrefix string `yaml:"cachePrefix"`
}

// InterpreterPolicy pins the Python interpreter for the environment.
type InterpreterPolicy struct {
	// Version is the exact interpreter version required, e.g. "3.9.13".
	Version string `yaml:"version"`
	// Path optionally names the interpreter executable to try first.
	Path string `yaml:"path"`
}

// ToolPolicy pins the formatter.
type ToolPolicy struct {
	// Requirement is the pip requirement string, e.g. "ruff==0.11.5".
	Requirement string `yaml:"requirement"`
}

// DefaultPolicy returns the policy used when no configuration file is given.
func DefaultPolicy() *Policy {
	return &Policy{
		Interpreter: InterpreterPolicy{Version: "3.9.13"},
		Tool:        ToolPolicy{Requirement: "ruff==0.11.5"},
		Manifest:    "requirements.txt",
		Targets:     []string{"src", "tests"},
		CachePrefix: venvcache.DefaultKeyPrefix,
	}
}

// LoadPolicy reads a YAML policy file, filling unset fields with defaults.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the policy for unusable values.
func (p *Policy) Validate() error {
	switch {
	case p.Interpreter.Version == "":
		return errors.New("interpreter version is required")
	case p.Tool.Requirement == "":
		return errors.New("tool requirement is required")
	case !strings.Contains(p.Tool.Requirement, "=="):
		return fmt.Errorf("tool requirement %q must pin an exact version", p.Tool.Requirement)
	case p.Manifest == "":
		return errors.New("manifest path is required")
	case len(p.Targets) == 0:
		return errors.New("at least one target is required")
	case p.CachePrefix == "":
		return errors.New("cache prefix is required")
	}
	for _, target := range p.Targets {
		if strings.HasPrefix(target, "/") || strings.Contains(target, "..") {
			return fmt.Errorf("target %q must be a relative path inside the repository", target)
		}
	}
	return nil
}

// Keyer returns the cache key computer for this policy.
func (p *Policy) Keyer() venvcache.Keyer {
	return venvcache.Keyer{
		Prefix:             p.CachePrefix,
		InterpreterVersion: p.Interpreter.Version,
	}
}
