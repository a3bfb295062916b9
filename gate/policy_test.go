/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadPolicy_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if diff := cmp.Diff(DefaultPolicy(), got); diff != "" {
		t.Errorf("policy mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPolicy_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(`
interpreter:
  version: "3.11.4"
tool:
  requirement: "black==24.1.0"
manifest: "requirements/dev.txt"
targets: ["lib"]
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if got.Interpreter.Version != "3.11.4" {
		t.Errorf("interpreter version = %q", got.Interpreter.Version)
	}
	if got.Tool.Requirement != "black==24.1.0" {
		t.Errorf("tool requirement = %q", got.Tool.Requirement)
	}
	if got.Manifest != "requirements/dev.txt" {
		t.Errorf("manifest = %q", got.Manifest)
	}
	if len(got.Targets) != 1 || got.Targets[0] != "lib" {
		t.Errorf("targets = %v", got.Targets)
	}
	// Unset fields keep their defaults.
	if got.CachePrefix != DefaultPolicy().CachePrefix {
		t.Errorf("cache prefix = %q", got.CachePrefix)
	}
}

func TestLoadPolicy_Missing(t *testing.T) {
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadPolicy succeeded on a missing file")
	}
}

func TestPolicyValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Policy)
	}{
		{"no interpreter version", func(p *Policy) { p.Interpreter.Version = "" }},
		{"no tool requirement", func(p *Policy) { p.Tool.Requirement = "" }},
		{"unpinned tool", func(p *Policy) { p.Tool.Requirement = "ruff" }},
		{"no manifest", func(p *Policy) { p.Manifest = "" }},
		{"no targets", func(p *Policy) { p.Targets = nil }},
		{"no cache prefix", func(p *Policy) { p.CachePrefix = "" }},
		{"absolute target", func(p *Policy) { p.Targets = []string{"/etc"} }},
		{"escaping target", func(p *Policy) { p.Targets = []string{"../secrets"} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			tc.mutate(p)
			if err := p.Validate(); err == nil {
				t.Error("Validate passed, want error")
			}
		})
	}

	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
}

func TestPolicyKeyer(t *testing.T) {
	p := DefaultPolicy()
	keyer := p.Keyer()
	if got, want := keyer.Key("abc123"), "v2-pypi-py-ruff-3.9.13-abc123"; got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
	if got, want := keyer.FallbackPrefix(), "v2-pypi-py-ruff-3.9.13-"; got != want {
		t.Errorf("FallbackPrefix = %q, want %q", got, want)
	}
}

func TestComputeGeneration(t *testing.T) {
	a := ComputeGeneration("sha", "3.9.13", "ruff==0.11.5")
	b := ComputeGeneration("sha", "3.9.13", "ruff==0.11.5")
	if a != b {
		t.Error("identical inputs produced different generations")
	}
	if len(a) != 64 {
		t.Errorf("generation length = %d, want 64", len(a))
	}
	if c := ComputeGeneration("sha", "3.9.13", "ruff==0.11.6"); c == a {
		t.Error("different inputs produced the same generation")
	}
	// Input boundaries matter: ("ab","c") must differ from ("a","bc").
	if ComputeGeneration("ab", "c") == ComputeGeneration("a", "bc") {
		t.Error("shifted input boundaries produced the same generation")
	}
}
