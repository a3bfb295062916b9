/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checkout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainguard.dev/formatgate/trigger"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/oauth2"
)

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()

	repoDir, prHash := initTestRepo(t)
	mgr := New(staticTokenSource(""), WithRemoteURL(func(*trigger.Resource) string { return repoDir }))

	res := &trigger.Resource{
		Owner:  "tests",
		Repo:   repoDir,
		Number: 7,
		SHA:    prHash,
	}

	lease, err := mgr.Lease(ctx, res)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	if got := lease.SHA(); got != prHash {
		t.Fatalf("SHA mismatch, got %s want %s", got, prHash)
	}

	workingDir := lease.WorkingTree()
	if workingDir == repoDir {
		t.Fatalf("expected working dir to differ from remote")
	}

	// The PR head commit rewrites main.py; the default branch does not
	// have this content.
	content, err := os.ReadFile(filepath.Join(workingDir, "src", "main.py"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(content), "reformatted") {
		t.Fatalf("working tree not at PR head, got: %s", content)
	}

	scratch := filepath.Join(workingDir, "scratch.txt")
	if err := os.WriteFile(scratch, []byte("temporary"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := lease.Return(ctx); err != nil {
		t.Fatalf("returning lease: %v", err)
	}

	lease2, err := mgr.Lease(ctx, res)
	if err != nil {
		t.Fatalf("Lease reuse: %v", err)
	}

	if lease2.WorkingTree() != workingDir {
		t.Fatalf("expected clone to be reused")
	}

	if _, err := os.Stat(scratch); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected scratch file cleaned, got err=%v", err)
	}

	if err := lease2.Return(ctx); err != nil {
		t.Fatalf("returning lease2: %v", err)
	}
}

func TestLeaseUnknownSHA(t *testing.T) {
	ctx := context.Background()

	repoDir, _ := initTestRepo(t)
	mgr := New(staticTokenSource(""), WithRemoteURL(func(*trigger.Resource) string { return repoDir }))

	res := &trigger.Resource{
		Owner:  "tests",
		Repo:   repoDir,
		Number: 7,
		SHA:    "1111111111111111111111111111111111111111",
	}

	if _, err := mgr.Lease(ctx, res); err == nil {
		t.Fatal("Lease succeeded with a SHA the remote does not have")
	}
}

func TestLeaseValidation(t *testing.T) {
	ctx := context.Background()
	mgr := New(staticTokenSource(""))

	for _, res := range []*trigger.Resource{
		nil,
		{Repo: "r", Number: 1, SHA: "abcdef1"},
		{Owner: "o", Number: 1, SHA: "abcdef1"},
		{Owner: "o", Repo: "r", SHA: "abcdef1"},
		{Owner: "o", Repo: "r", Number: 1},
	} {
		if _, err := mgr.Lease(ctx, res); err == nil {
			t.Errorf("Lease(%+v) succeeded, want error", res)
		}
	}
}

func TestPoolIsPerRepository(t *testing.T) {
	ctx := context.Background()

	repoA, hashA := initTestRepo(t)
	repoB, hashB := initTestRepo(t)
	mgr := New(staticTokenSource(""), WithRemoteURL(func(res *trigger.Resource) string { return res.Repo }))

	leaseA, err := mgr.Lease(ctx, &trigger.Resource{Owner: "tests", Repo: repoA, Number: 7, SHA: hashA})
	if err != nil {
		t.Fatalf("Lease A: %v", err)
	}
	dirA := leaseA.WorkingTree()
	if err := leaseA.Return(ctx); err != nil {
		t.Fatalf("Return A: %v", err)
	}

	// A clone of repo A must not be handed out for repo B.
	leaseB, err := mgr.Lease(ctx, &trigger.Resource{Owner: "tests", Repo: repoB, Number: 7, SHA: hashB})
	if err != nil {
		t.Fatalf("Lease B: %v", err)
	}
	if leaseB.WorkingTree() == dirA {
		t.Error("clone pooled for one repository was reused for another")
	}
	if err := leaseB.Return(ctx); err != nil {
		t.Fatalf("Return B: %v", err)
	}
}

// initTestRepo builds a bare-bones remote: one commit on master, plus a
// second commit published only under refs/pull/7/head, mirroring how GitHub
// exposes pull request heads.
func initTestRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	file := filepath.Join(srcDir, "main.py")
	if err := os.WriteFile(file, []byte("print('hello')\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add("src/main.py"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	base, err := wt.Commit("initial", &git.CommitOptions{Author: testAuthor()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := os.WriteFile(file, []byte("print('hello')  # reformatted\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add("src/main.py"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	prHash, err := wt.Commit("pr head", &git.CommitOptions{Author: testAuthor()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Publish the second commit as the PR head and wind master back so the
	// default branch does not contain it.
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.ReferenceName("refs/pull/7/head"), prHash)); err != nil {
		t.Fatalf("SetReference pull head: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("master"), base)); err != nil {
		t.Fatalf("SetReference master: %v", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: base}); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("master"))); err != nil {
		t.Fatalf("SetReference HEAD: %v", err)
	}

	return dir, prHash.String()
}

func testAuthor() *object.Signature {
	return &object.Signature{
		Name:  "Test",
		Email: "test@example.com",
		When:  time.Now(),
	}
}

type staticTokenSource string

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: string(s)}, nil
}
