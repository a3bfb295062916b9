/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package venvcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// Outcome classifies the result of a cache restore.
type Outcome string

const (
	// OutcomeHit means the exact key was found.
	OutcomeHit Outcome = "hit"
	// OutcomeFallback means only a prefix match (older manifest hash, same
	// interpreter version) was found.
	OutcomeFallback Outcome = "fallback"
	// OutcomeMiss means nothing usable was found.
	OutcomeMiss Outcome = "miss"
)

const stagingPrefix = ".staging-"

// Entry describes a stored environment, for operator tooling.
type Entry struct {
	Key      string
	Size     int64
	ModTime  time.Time
	LastUsed time.Time
}

// Store is a directory-tree cache on the local filesystem. Entries are
// addressed by content-derived keys, so concurrent writers of the same key
// race harmlessly: last-write-wins over identical content.
type Store struct {
	root string
}

// NewStore creates (if needed) and opens a cache rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &Store{root: dir}, nil
}

// Restore copies the entry for key into dest. When the exact key is absent,
// the most recently stored entry matching fallbackPrefix is used instead.
// A miss leaves dest untouched and is never an error.
func (s *Store) Restore(ctx context.Context, key, fallbackPrefix, dest string) (Outcome, error) {
	if err := checkKey(key); err != nil {
		return OutcomeMiss, err
	}
	log := clog.FromContext(ctx)

	src := filepath.Join(s.root, key)
	outcome := OutcomeHit
	if _, err := os.Stat(src); err != nil {
		if !os.IsNotExist(err) {
			return OutcomeMiss, fmt.Errorf("checking cache entry: %w", err)
		}
		src = ""
		outcome = OutcomeFallback
		if fallbackPrefix != "" {
			fb, err := s.newestWithPrefix(fallbackPrefix, key)
			if err != nil {
				return OutcomeMiss, err
			}
			src = fb
		}
	}
	if src == "" {
		log.With("key", key).Info("Cache miss")
		return OutcomeMiss, nil
	}

	if err := copyTree(src, dest); err != nil {
		// A torn copy must not masquerade as a usable environment.
		os.RemoveAll(dest)
		return OutcomeMiss, fmt.Errorf("restoring cache entry: %w", err)
	}
	s.touch(src)

	log.With("key", key).With("entry", filepath.Base(src)).With("outcome", outcome).
		Info("Restored cache entry")
	return outcome, nil
}

// Save promotes the directory tree at src into the cache under key. The copy
// is staged inside the cache root and renamed into place so readers never see
// a partial entry. Losing the rename race to an identical entry is fine.
func (s *Store) Save(ctx context.Context, key, src string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(s.root, stagingPrefix)
	if err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	target := filepath.Join(staging, "entry")
	if err := copyTree(src, target); err != nil {
		return fmt.Errorf("staging cache entry: %w", err)
	}

	dest := filepath.Join(s.root, key)
	if err := os.Rename(target, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			// Another writer promoted the same key; by construction the
			// content is identical.
			clog.FromContext(ctx).With("key", key).Info("Cache entry already present, discarding staged copy")
			return nil
		}
		return fmt.Errorf("promoting cache entry: %w", err)
	}

	clog.FromContext(ctx).With("key", key).Info("Saved cache entry")
	return nil
}

// Entries lists stored entries, newest first.
func (s *Store) Entries() ([]Entry, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}

	var entries []Entry
	for _, de := range dirents {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		size, _ := treeSize(filepath.Join(s.root, de.Name()))
		entries = append(entries, Entry{
			Key:      de.Name(),
			Size:     size,
			ModTime:  info.ModTime(),
			LastUsed: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}

// Remove deletes the entry for key, if present.
func (s *Store) Remove(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, key))
}

// Prune removes entries whose last use is older than maxAge and returns the
// removed keys.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) ([]string, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if e.LastUsed.After(cutoff) {
			continue
		}
		if err := s.Remove(e.Key); err != nil {
			return removed, fmt.Errorf("pruning %s: %w", e.Key, err)
		}
		clog.FromContext(ctx).With("key", e.Key).Info("Pruned cache entry")
		removed = append(removed, e.Key)
	}
	return removed, nil
}

// newestWithPrefix returns the path of the most recently modified entry whose
// key starts with prefix, excluding skipKey. Empty string means no match.
func (s *Store) newestWithPrefix(prefix, skipKey string) (string, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("reading cache dir: %w", err)
	}

	var best string
	var bestTime time.Time
	for _, de := range dirents {
		name := de.Name()
		if !de.IsDir() || name == skipKey || !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = filepath.Join(s.root, name)
			bestTime = info.ModTime()
		}
	}
	return best, nil
}

// touch bumps the entry mtime so pruning tracks use, not just creation.
func (s *Store) touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

// copyTree copies the directory tree at src to dest, preserving file modes
// and symlinks. Virtual environments contain symlinks back to the system
// interpreter, which must survive the copy.
func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())

		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)

		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())

		default:
			// Sockets, devices, etc. have no business in a venv.
			return fmt.Errorf("unsupported file type at %s", path)
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func treeSize(root string) (int64, error) {
	var size int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
