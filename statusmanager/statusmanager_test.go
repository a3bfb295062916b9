/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package statusmanager

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"chainguard.dev/formatgate/retry"
	"chainguard.dev/formatgate/trigger"
	"github.com/google/go-github/v84/github"
)

type testDetails struct {
	Generation string `json:"generation"`
	Files      int    `json:"files"`
}

type fakeChecks struct {
	runs []*github.CheckRun

	created []github.CreateCheckRunOptions
	updated []github.UpdateCheckRunOptions

	nextID       int64
	failuresLeft int
	failWith     error
}

func (f *fakeChecks) maybeFail() error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return f.failWith
	}
	return nil
}

func (f *fakeChecks) CreateCheckRun(_ context.Context, _, _ string, opts github.CreateCheckRunOptions) (*github.CheckRun, *github.Response, error) {
	if err := f.maybeFail(); err != nil {
		return nil, nil, err
	}
	f.created = append(f.created, opts)
	f.nextID++
	return &github.CheckRun{ID: github.Ptr(f.nextID)}, nil, nil
}

func (f *fakeChecks) UpdateCheckRun(_ context.Context, _, _ string, id int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, *github.Response, error) {
	if err := f.maybeFail(); err != nil {
		return nil, nil, err
	}
	f.updated = append(f.updated, opts)
	return &github.CheckRun{ID: github.Ptr(id)}, nil, nil
}

func (f *fakeChecks) ListCheckRunsForRef(_ context.Context, _, _, _ string, _ *github.ListCheckRunsOptions) (*github.ListCheckRunsResults, *github.Response, error) {
	if err := f.maybeFail(); err != nil {
		return nil, nil, err
	}
	return &github.ListCheckRunsResults{
		Total:     github.Ptr(len(f.runs)),
		CheckRuns: f.runs,
	}, nil, nil
}

func testResource() *trigger.Resource {
	return &trigger.Resource{Owner: "octo-org", Repo: "widgets", Number: 7, SHA: "feedface"}
}

func fastRetry() Option {
	return WithRetryConfig(retry.Config{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
}

func TestObservedState_NoRuns(t *testing.T) {
	m, err := New[testDetails]("formatgate", fastRetry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := m.NewSession(&fakeChecks{}, testResource())

	got, err := sess.ObservedState(t.Context())
	if err != nil {
		t.Fatalf("ObservedState: %v", err)
	}
	if got != nil {
		t.Errorf("ObservedState = %+v, want nil", got)
	}
}

func TestObservedState_DecodesDetails(t *testing.T) {
	m, err := New[testDetails]("formatgate", fastRetry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	checks := &fakeChecks{runs: []*github.CheckRun{{
		ID:         github.Ptr(int64(99)),
		Status:     github.Ptr("completed"),
		Conclusion: github.Ptr("success"),
		ExternalID: github.Ptr(`{"generation":"gen-1","files":3}`),
	}}}
	sess := m.NewSession(checks, testResource())

	got, err := sess.ObservedState(t.Context())
	if err != nil {
		t.Fatalf("ObservedState: %v", err)
	}
	if got == nil {
		t.Fatal("ObservedState = nil, want status")
	}
	if got.Status != "completed" || got.Conclusion != "success" {
		t.Errorf("status = %q/%q", got.Status, got.Conclusion)
	}
	if got.ObservedGeneration != "feedface" {
		t.Errorf("ObservedGeneration = %q", got.ObservedGeneration)
	}
	if got.Details.Generation != "gen-1" || got.Details.Files != 3 {
		t.Errorf("Details = %+v", got.Details)
	}
}

func TestSetActualState_CreateThenUpdate(t *testing.T) {
	m, err := New[testDetails]("formatgate", fastRetry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	checks := &fakeChecks{}
	sess := m.NewSession(checks, testResource())
	ctx := t.Context()

	if err := sess.SetActualState(ctx, "Checking format", "", &Status[testDetails]{
		Status:  "in_progress",
		Details: testDetails{Generation: "gen-1"},
	}); err != nil {
		t.Fatalf("SetActualState: %v", err)
	}
	if len(checks.created) != 1 {
		t.Fatalf("created %d runs, want 1", len(checks.created))
	}
	create := checks.created[0]
	if create.Name != "formatgate" || create.HeadSHA != "feedface" {
		t.Errorf("created run = %q@%q", create.Name, create.HeadSHA)
	}
	if got := create.GetExternalID(); !strings.Contains(got, `"generation":"gen-1"`) {
		t.Errorf("external ID = %q", got)
	}
	if create.Conclusion != nil {
		t.Error("in_progress run must not carry a conclusion")
	}

	if err := sess.SetActualState(ctx, "2 files need formatting", "```diff\n...\n```", &Status[testDetails]{
		Status:     "completed",
		Conclusion: "failure",
		Details:    testDetails{Generation: "gen-1", Files: 2},
	}); err != nil {
		t.Fatalf("SetActualState: %v", err)
	}
	if len(checks.updated) != 1 {
		t.Fatalf("updated %d runs, want 1", len(checks.updated))
	}
	update := checks.updated[0]
	if got := update.GetConclusion(); got != "failure" {
		t.Errorf("conclusion = %q", got)
	}
	if update.CompletedAt == nil {
		t.Error("completed run must carry a completion time")
	}
	if got := update.Output.GetSummary(); got != "2 files need formatting" {
		t.Errorf("summary = %q", got)
	}
}

func TestSetActualState_UpdatesExistingRun(t *testing.T) {
	m, err := New[testDetails]("formatgate", fastRetry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	checks := &fakeChecks{runs: []*github.CheckRun{{
		ID:     github.Ptr(int64(42)),
		Status: github.Ptr("in_progress"),
	}}}
	sess := m.NewSession(checks, testResource())
	ctx := t.Context()

	// Observing an existing run binds the session to it.
	if _, err := sess.ObservedState(ctx); err != nil {
		t.Fatalf("ObservedState: %v", err)
	}

	if err := sess.SetActualState(ctx, "done", "", &Status[testDetails]{
		Status:     "completed",
		Conclusion: "success",
	}); err != nil {
		t.Fatalf("SetActualState: %v", err)
	}
	if len(checks.created) != 0 {
		t.Errorf("created %d runs, want 0", len(checks.created))
	}
	if len(checks.updated) != 1 {
		t.Errorf("updated %d runs, want 1", len(checks.updated))
	}
}

func TestSetActualState_RetriesTransientErrors(t *testing.T) {
	m, err := New[testDetails]("formatgate", fastRetry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	checks := &fakeChecks{
		failuresLeft: 1,
		failWith: &github.ErrorResponse{
			Response: &http.Response{StatusCode: http.StatusBadGateway},
		},
	}
	sess := m.NewSession(checks, testResource())

	if err := sess.SetActualState(t.Context(), "ok", "", &Status[testDetails]{Status: "in_progress"}); err != nil {
		t.Fatalf("SetActualState: %v", err)
	}
	if len(checks.created) != 1 {
		t.Errorf("created %d runs, want 1", len(checks.created))
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", MaxOutputBytes); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}

	long := strings.Repeat("x", MaxOutputBytes+100)
	got := Truncate(long, MaxOutputBytes)
	if len(got) > MaxOutputBytes {
		t.Errorf("len = %d, want <= %d", len(got), MaxOutputBytes)
	}
	if !strings.HasSuffix(got, "(output truncated)") {
		t.Errorf("missing truncation marker: %q", got[len(got)-40:])
	}
}

func TestNew_RequiresCheckName(t *testing.T) {
	if _, err := New[testDetails](" "); err == nil {
		t.Error("New succeeded with blank check name")
	}
}
