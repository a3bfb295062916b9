/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package venvcache persists built virtual environments keyed by the
// interpreter version and a content hash of the dependency manifest, so runs
// with identical inputs skip the environment build entirely.
package venvcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultKeyPrefix is the versioned namespace for cache keys. Bumping it
// invalidates every existing entry at once.
const DefaultKeyPrefix = "v2-pypi-py-ruff-"

// Keyer computes cache keys for a fixed interpreter version. Identical
// manifest content and interpreter version always yield the same key.
type Keyer struct {
	// Prefix is the static key namespace (DefaultKeyPrefix if empty).
	Prefix string
	// InterpreterVersion is the interpreter version baked into the key.
	InterpreterVersion string
}

func (k Keyer) prefix() string {
	if k.Prefix == "" {
		return DefaultKeyPrefix
	}
	return k.Prefix
}

// Key returns the exact cache key for the given manifest hash.
func (k Keyer) Key(manifestHash string) string {
	return fmt.Sprintf("%s%s-%s", k.prefix(), k.InterpreterVersion, manifestHash)
}

// FallbackPrefix returns the restore prefix matching any manifest hash for
// the same interpreter version. A prefix match trades exactness for a warmer
// starting point: the pinned tool still gets (re)installed on top.
func (k Keyer) FallbackPrefix() string {
	return fmt.Sprintf("%s%s-", k.prefix(), k.InterpreterVersion)
}

// HashManifest returns the hex-encoded SHA-256 of the manifest file content.
func HashManifest(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading manifest %s: %w", path, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// validKey constrains keys to characters that are safe as directory names.
var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func checkKey(key string) error {
	switch {
	case key == "":
		return errors.New("key cannot be empty")
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("key %q cannot start with a dot", key)
	case !validKey.MatchString(key):
		return fmt.Errorf("key %q contains invalid characters", key)
	}
	return nil
}
