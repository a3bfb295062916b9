/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package checkout maintains a pool of git clones and prepares working trees
// at the head commit of a pull request.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chainguard.dev/formatgate/trigger"
	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

const cloneDirPrefix = "formatgate-clone-"

// Manager owns a pool of git clones that can be leased to callers for a single
// format check. Clones are pooled per repository, and each lease guarantees a
// clean working tree detached at the pull request's head commit.
type Manager struct {
	tokenSource oauth2.TokenSource
	remoteURL   func(*trigger.Resource) string

	mu        sync.Mutex
	available map[string][]*clone
}

// Option customizes manager construction.
type Option func(*Manager)

// WithRemoteURL overrides how repository coordinates resolve to a git remote,
// e.g. for GitHub Enterprise hosts or local test repositories.
func WithRemoteURL(fn func(*trigger.Resource) string) Option {
	return func(m *Manager) {
		m.remoteURL = fn
	}
}

type clone struct {
	path string
	repo *git.Repository
}

// Lease represents an acquired clone checked out at a pull request head.
// Callers must invoke Return to release the clone back to the pool.
type Lease struct {
	manager *Manager
	clone   *clone
	repoKey string
	sha     string
}

// New constructs a Manager. The token source must allow cloning the gated
// repositories; it may be nil when only public repositories are checked.
func New(tokenSource oauth2.TokenSource, opts ...Option) *Manager {
	m := &Manager{
		tokenSource: tokenSource,
		remoteURL:   defaultRemoteURL,
		available:   make(map[string][]*clone),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease hydrates a clone for the supplied pull request and returns a Lease
// handle with the working tree detached at the event's head commit.
func (m *Manager) Lease(ctx context.Context, res *trigger.Resource) (*Lease, error) {
	switch {
	case res == nil:
		return nil, errors.New("resource cannot be nil")
	case res.Owner == "":
		return nil, errors.New("resource owner cannot be empty")
	case res.Repo == "":
		return nil, errors.New("resource repo cannot be empty")
	case res.Number <= 0:
		return nil, fmt.Errorf("invalid pull request number %d", res.Number)
	case res.SHA == "":
		return nil, errors.New("resource sha cannot be empty")
	}

	repoKey := res.Owner + "/" + res.Repo
	cl, err := m.acquireClone(ctx, repoKey, res)
	if err != nil {
		return nil, err
	}

	if err := m.prepareClone(ctx, cl, res); err != nil {
		clog.FromContext(ctx).Warnf("Discarding clone after prepare failure: %v", err)
		m.discardClone(cl)
		return nil, err
	}

	return &Lease{
		manager: m,
		clone:   cl,
		repoKey: repoKey,
		sha:     res.SHA,
	}, nil
}

// acquireClone returns a clone of the repository from the pool or creates a
// new one if none is available. Clones are taken from the front of the pool
// while releaseClone appends to the back, so recently returned clones are not
// immediately reused. This prevents problematic clones from churning
// repeatedly by allowing them to age out at the back of the pool.
func (m *Manager) acquireClone(ctx context.Context, repoKey string, res *trigger.Resource) (*clone, error) {
	m.mu.Lock()
	if pool := m.available[repoKey]; len(pool) > 0 {
		cl := pool[0]
		m.available[repoKey] = pool[1:]
		m.mu.Unlock()
		return cl, nil
	}
	m.mu.Unlock()

	return m.createClone(ctx, res)
}

func (m *Manager) createClone(ctx context.Context, res *trigger.Resource) (*clone, error) {
	dir, err := os.MkdirTemp("", cloneDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	remote := m.remoteURL(res)
	clog.FromContext(ctx).Infof("Cloning repository %s into %s", remote, dir)

	auth, err := m.authForRemote()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("getting token: %w", err)
	}

	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:  remote,
		Auth: auth,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("cloning repository: %w", err)
	}

	return &clone{path: dir, repo: repo}, nil
}

func (m *Manager) prepareClone(ctx context.Context, cl *clone, res *trigger.Resource) error {
	repo := cl.repo
	if repo == nil {
		var err error
		repo, err = git.PlainOpen(cl.path)
		if err != nil {
			return fmt.Errorf("opening repo: %w", err)
		}
		cl.repo = repo
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}

	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}

	auth, err := m.authForRemote()
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	// GitHub exposes the PR head under refs/pull/<n>/head even for
	// cross-fork pull requests, so a single fetch covers both cases.
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+refs/pull/%d/head:refs/remotes/origin/pr/%d", res.Number, res.Number))
	clog.FromContext(ctx).Infof("Fetching %s", refSpec)
	if err := repo.Fetch(&git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{refSpec},
		Auth:     auth,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching pull/%d/head: %w", res.Number, err)
	}

	// Check out the head commit the event named, not whatever the ref
	// points at now. A stale event fails here rather than checking the
	// wrong commit; the queue will have a newer key for the same PR.
	hash := plumbing.NewHash(res.SHA)
	if _, err := repo.CommitObject(hash); err != nil {
		return fmt.Errorf("head commit %s not found after fetch: %w", res.SHA, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", res.SHA, err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("getting worktree status: %w", err)
	}
	if !status.IsClean() {
		return errors.New("worktree is not clean after checkout")
	}

	return nil
}

func (m *Manager) resetClone(cl *clone) error {
	worktree, err := cl.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}

	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}

	return nil
}

// releaseClone returns a clone to the back of its repository's pool. Combined
// with acquireClone taking from the front, this prevents churning.
func (m *Manager) releaseClone(repoKey string, cl *clone) {
	m.mu.Lock()
	m.available[repoKey] = append(m.available[repoKey], cl)
	m.mu.Unlock()
}

func (m *Manager) discardClone(cl *clone) {
	os.RemoveAll(cl.path)
}

func (m *Manager) authForRemote() (*githttp.BasicAuth, error) {
	if m.tokenSource == nil {
		return nil, nil
	}

	token, err := m.tokenSource.Token()
	if err != nil {
		return nil, err
	}

	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}

func defaultRemoteURL(res *trigger.Resource) string {
	return fmt.Sprintf("https://github.com/%s/%s", res.Owner, res.Repo)
}

// ID returns a clone ID based on the underlying working tree path.
func (l *Lease) ID() string {
	return filepath.Base(l.clone.path)
}

// WorkingTree returns the absolute path to the lease's working directory.
func (l *Lease) WorkingTree() string {
	return l.clone.path
}

// SHA returns the commit hash currently checked out by the lease.
func (l *Lease) SHA() string {
	return l.sha
}

// Return resets the working tree and places the clone back into the manager's
// pool. Once Return succeeds, the lease should be considered invalid.
func (l *Lease) Return(ctx context.Context) error {
	if err := l.manager.resetClone(l.clone); err != nil {
		l.manager.discardClone(l.clone)
		l.clone = nil
		return err
	}

	l.manager.releaseClone(l.repoKey, l.clone)
	l.clone = nil
	l.manager = nil
	l.sha = ""

	return nil
}
