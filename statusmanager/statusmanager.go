/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package statusmanager records job outcomes as GitHub check runs and reads
// them back for idempotent reprocessing.
package statusmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chainguard.dev/formatgate/retry"
	"chainguard.dev/formatgate/trigger"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// MaxOutputBytes caps the check run output text. GitHub rejects larger
// payloads.
const MaxOutputBytes = 64 * 1024

// Status captures serialized job progress for a head commit.
type Status[T any] struct {
	// ObservedGeneration is the head SHA the status was recorded against.
	ObservedGeneration string `json:"observedGeneration"`
	// Status is the check run status (queued, in_progress, completed).
	Status string `json:"status"`
	// Conclusion is set when Status is completed (success, failure, etc).
	Conclusion string `json:"conclusion,omitempty"`
	// Details carries caller-defined state, serialized into the check
	// run's external ID so it round-trips through ObservedState.
	Details T `json:"details"`
}

// ChecksService is the subset of the GitHub Checks API the manager uses.
type ChecksService interface {
	CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, *github.Response, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, *github.Response, error)
	ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) (*github.ListCheckRunsResults, *github.Response, error)
}

// Manager writes and reads job status as named check runs.
type Manager[T any] struct {
	checkName string
	retryCfg  retry.Config
}

// Session represents status state for a single pull request head commit.
type Session[T any] struct {
	manager *Manager[T]
	checks  ChecksService
	res     *trigger.Resource

	runID int64
}

// New constructs a Manager whose check runs carry the provided name.
func New[T any](checkName string, opts ...Option) (*Manager[T], error) {
	if strings.TrimSpace(checkName) == "" {
		return nil, errors.New("check name is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.retryCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	return &Manager[T]{
		checkName: checkName,
		retryCfg:  cfg.retryCfg,
	}, nil
}

// NewSession initializes a status session for the provided pull request head.
func (m *Manager[T]) NewSession(checks ChecksService, res *trigger.Resource) *Session[T] {
	return &Session[T]{manager: m, checks: checks, res: res}
}

// ObservedState returns the latest recorded status for the head commit, or
// nil when no check run with the manager's name exists yet.
func (s *Session[T]) ObservedState(ctx context.Context) (*Status[T], error) {
	m := s.manager
	results, err := retry.WithBackoff(ctx, m.retryCfg, "list check runs", isTransient,
		func() (*github.ListCheckRunsResults, error) {
			res, _, err := s.checks.ListCheckRunsForRef(ctx, s.res.Owner, s.res.Repo, s.res.SHA, &github.ListCheckRunsOptions{
				CheckName: github.Ptr(m.checkName),
				Filter:    github.Ptr("all"),
			})
			return res, err
		})
	if err != nil {
		return nil, fmt.Errorf("listing check runs: %w", err)
	}

	if results.GetTotal() == 0 || len(results.CheckRuns) == 0 {
		return nil, nil
	}

	// GitHub returns the latest run for the ref first.
	run := results.CheckRuns[0]
	s.runID = run.GetID()

	status := &Status[T]{
		ObservedGeneration: s.res.SHA,
		Status:             run.GetStatus(),
		Conclusion:         run.GetConclusion(),
	}
	if ext := run.GetExternalID(); ext != "" {
		if err := json.Unmarshal([]byte(ext), &status.Details); err != nil {
			clog.FromContext(ctx).Warnf("Discarding unparseable check run external ID: %v", err)
		}
	}
	return status, nil
}

// SetActualState persists the provided status as a check run. The summary and
// text populate the check run output; text is truncated to MaxOutputBytes.
func (s *Session[T]) SetActualState(ctx context.Context, summary, text string, status *Status[T]) error {
	if status == nil {
		return errors.New("status cannot be nil")
	}
	status.ObservedGeneration = s.res.SHA

	external, err := json.Marshal(status.Details)
	if err != nil {
		return fmt.Errorf("marshaling details: %w", err)
	}

	output := &github.CheckRunOutput{
		Title:   github.Ptr(s.manager.checkName),
		Summary: github.Ptr(summary),
	}
	if text != "" {
		output.Text = github.Ptr(Truncate(text, MaxOutputBytes))
	}

	m := s.manager
	if s.runID == 0 {
		opts := github.CreateCheckRunOptions{
			Name:       m.checkName,
			HeadSHA:    s.res.SHA,
			Status:     github.Ptr(status.Status),
			ExternalID: github.Ptr(string(external)),
			Output:     output,
		}
		if status.Status == "completed" {
			opts.Conclusion = github.Ptr(status.Conclusion)
			opts.CompletedAt = &github.Timestamp{Time: time.Now()}
		}
		run, err := retry.WithBackoff(ctx, m.retryCfg, "create check run", isTransient,
			func() (*github.CheckRun, error) {
				run, _, err := s.checks.CreateCheckRun(ctx, s.res.Owner, s.res.Repo, opts)
				return run, err
			})
		if err != nil {
			return fmt.Errorf("creating check run: %w", err)
		}
		s.runID = run.GetID()
		return nil
	}

	opts := github.UpdateCheckRunOptions{
		Name:       m.checkName,
		Status:     github.Ptr(status.Status),
		ExternalID: github.Ptr(string(external)),
		Output:     output,
	}
	if status.Status == "completed" {
		opts.Conclusion = github.Ptr(status.Conclusion)
		opts.CompletedAt = &github.Timestamp{Time: time.Now()}
	}
	if _, err := retry.WithBackoff(ctx, m.retryCfg, "update check run", isTransient,
		func() (*github.CheckRun, error) {
			run, _, err := s.checks.UpdateCheckRun(ctx, s.res.Owner, s.res.Repo, s.runID, opts)
			return run, err
		}); err != nil {
		return fmt.Errorf("updating check run: %w", err)
	}
	return nil
}

// Truncate clips s to at most limit bytes without splitting a UTF-8 sequence,
// appending a marker when anything was dropped.
func Truncate(s string, limit int) string {
	const marker = "\n... (output truncated)"
	if len(s) <= limit {
		return s
	}
	cut := limit - len(marker)
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// isTransient reports whether a GitHub API error is worth retrying.
func isTransient(err error) bool {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		return true
	}
	var ghe *github.ErrorResponse
	if errors.As(err, &ghe) && ghe.Response != nil {
		return ghe.Response.StatusCode >= http.StatusInternalServerError
	}
	// Transport-level failures arrive as plain errors.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
