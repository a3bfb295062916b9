/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package venvcache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKeyer_Key(t *testing.T) {
	t.Parallel()
	k := Keyer{InterpreterVersion: "3.9.13"}

	got := k.Key("abc123")
	want := "v2-pypi-py-ruff-3.9.13-abc123"
	if got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	if got := k.FallbackPrefix(); got != "v2-pypi-py-ruff-3.9.13-" {
		t.Errorf("FallbackPrefix() = %q", got)
	}
	if !strings.HasPrefix(k.Key("abc123"), k.FallbackPrefix()) {
		t.Error("exact key must match its own fallback prefix")
	}
}

func TestKeyer_CustomPrefix(t *testing.T) {
	t.Parallel()
	k := Keyer{Prefix: "v3-test-", InterpreterVersion: "3.12.1"}
	if got, want := k.Key("deadbeef"), "v3-test-3.12.1-deadbeef"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestHashManifest_Deterministic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	content := []byte("ruff==0.11.5\n")
	if err := os.WriteFile(manifest, content, 0o644); err != nil {
		t.Fatal(err)
	}

	h1, err := HashManifest(manifest)
	if err != nil {
		t.Fatalf("HashManifest() = %v", err)
	}
	h2, err := HashManifest(manifest)
	if err != nil {
		t.Fatalf("HashManifest() = %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %q vs %q", h1, h2)
	}

	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); h1 != want {
		t.Errorf("HashManifest() = %q, want %q", h1, want)
	}

	// Same interpreter version + same manifest content => same key.
	k := Keyer{InterpreterVersion: "3.9.13"}
	if k.Key(h1) != k.Key(h2) {
		t.Error("identical inputs must produce identical keys")
	}
}

func TestHashManifest_ContentChangesKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")

	if err := os.WriteFile(manifest, []byte("ruff==0.11.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, err := HashManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(manifest, []byte("ruff==0.12.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h2, err := HashManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}

	if h1 == h2 {
		t.Error("different manifest content must produce different hashes")
	}
}

func TestHashManifest_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := HashManifest(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Error("expected error for missing manifest")
	}
}

func TestCheckKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"v2-pypi-py-ruff-3.9.13-abc123", false},
		{"", true},
		{".hidden", true},
		{"has/slash", true},
		{"has space", true},
		{"ok_key-1.2", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := checkKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkKey(%q) = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}
