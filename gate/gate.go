/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chainguard.dev/formatgate/checkout"
	"chainguard.dev/formatgate/diffreport"
	"chainguard.dev/formatgate/metrics"
	"chainguard.dev/formatgate/pytool"
	"chainguard.dev/formatgate/statusmanager"
	"chainguard.dev/formatgate/trigger"
	"chainguard.dev/formatgate/venvcache"
	"chainguard.dev/formatgate/workqueue"
	"github.com/chainguard-dev/clog"
)

// CheckName is the name the gate's check runs appear under on a pull request.
const CheckName = "formatgate"

// Step names, as recorded in metrics.
const (
	stepCheckout  = "checkout"
	stepProvision = "provision"
	stepCache     = "cache"
	stepBuildEnv  = "buildenv"
	stepVerify    = "verify"
	stepSave      = "save"
)

// Details is the state the gate records with each check run. It round-trips
// through the check run so completed heads are not re-checked.
type Details struct {
	// Generation identifies the exact inputs of the check.
	Generation string `json:"generation"`
	// CacheOutcome is the environment cache outcome (hit, fallback, miss).
	CacheOutcome string `json:"cacheOutcome,omitempty"`
	// Files is the number of files that would be reformatted.
	Files int `json:"files"`
}

// Runner executes the formatting check pipeline for queued pull request
// heads. A run is fail-fast: the first step error aborts the job, and steps
// are never retried individually.
type Runner struct {
	policy *Policy
	clones *checkout.Manager
	store  *venvcache.Store
	status *statusmanager.Manager[Details]
	checks statusmanager.ChecksService
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(policy *Policy, clones *checkout.Manager, store *venvcache.Store, checks statusmanager.ChecksService, opts ...statusmanager.Option) (*Runner, error) {
	switch {
	case policy == nil:
		return nil, errors.New("policy cannot be nil")
	case clones == nil:
		return nil, errors.New("clone manager cannot be nil")
	case store == nil:
		return nil, errors.New("cache store cannot be nil")
	case checks == nil:
		return nil, errors.New("checks service cannot be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	status, err := statusmanager.New[Details](CheckName, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating status manager: %w", err)
	}

	return &Runner{
		policy: policy,
		clones: clones,
		store:  store,
		status: status,
		checks: checks,
	}, nil
}

// Run is the work queue callback. The key names a pull request head; the
// returned error drives the queue's requeue/deadletter behavior. Formatting
// violations are a reported outcome, not an error.
func (r *Runner) Run(ctx context.Context, key string, _ workqueue.Options) error {
	res, err := trigger.ParseKey(key)
	if err != nil {
		// A malformed key never becomes valid; retrying is pointless.
		return workqueue.NonRetriableError(err, "malformed key")
	}

	log := clog.FromContext(ctx).With("key", key)
	ctx = clog.WithLogger(ctx, log)

	generation := r.generation(res.SHA)
	session := r.status.NewSession(r.checks, res)

	observed, err := session.ObservedState(ctx)
	if err != nil {
		return fmt.Errorf("getting observed state: %w", err)
	}
	if observed != nil && observed.Status == "completed" && observed.Details.Generation == generation {
		log.With("generation", generation[:8]).Info("Already checked this generation, skipping")
		metrics.RecordJob("skipped")
		return nil
	}

	if err := session.SetActualState(ctx, "Checking Python formatting", "", &statusmanager.Status[Details]{
		Status:  "in_progress",
		Details: Details{Generation: generation},
	}); err != nil {
		return fmt.Errorf("reporting job start: %w", err)
	}

	outcome, err := r.execute(ctx, res, session, generation)
	if err != nil {
		if ctx.Err() != nil {
			// Superseded or shutting down: leave the check run as-is; a
			// newer key (or restart) owns the next report.
			log.Infof("Abandoning job: %v", ctx.Err())
			return ctx.Err()
		}
		r.reportError(ctx, session, generation, err)
		metrics.RecordJob("failure")
		return err
	}

	metrics.RecordJob(outcome)
	return nil
}

// execute runs the pipeline steps and reports the terminal state. It returns
// the job conclusion, or an error when a step failed.
func (r *Runner) execute(ctx context.Context, res *trigger.Resource, session *statusmanager.Session[Details], generation string) (string, error) {
	// Checkout.
	stop := metrics.TimeStep(stepCheckout)
	lease, err := r.clones.Lease(ctx, res)
	stop()
	if err != nil {
		return "", fmt.Errorf("checking out %s: %w", res.SHA, err)
	}
	defer func() {
		if err := lease.Return(context.WithoutCancel(ctx)); err != nil {
			clog.FromContext(ctx).Warnf("Returning clone: %v", err)
		}
	}()

	// Provision.
	stop = metrics.TimeStep(stepProvision)
	interp, err := pytool.Provision(ctx, r.policy.Interpreter.Version, r.policy.Interpreter.Path)
	stop()
	if err != nil {
		return "", fmt.Errorf("provisioning interpreter: %w", err)
	}

	// Cache lookup.
	stop = metrics.TimeStep(stepCache)
	venv, cacheKey, outcome, err := r.resolveEnv(ctx, lease, interp)
	stop()
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(filepath.Dir(venv.Dir))
	metrics.RecordCacheOutcome(string(outcome))

	// Verify.
	stop = metrics.TimeStep(stepVerify)
	diff, err := r.verify(ctx, venv, lease.WorkingTree())
	stop()
	if err != nil {
		return "", err
	}

	// Promote the freshly built environment only after a clean run, and
	// never on the way out of a cancellation.
	if outcome == venvcache.OutcomeMiss && ctx.Err() == nil {
		stop = metrics.TimeStep(stepSave)
		err := r.store.Save(ctx, cacheKey, venv.Dir)
		stop()
		if err != nil {
			clog.FromContext(ctx).Warnf("Saving environment to cache: %v", err)
		}
	}

	return r.report(ctx, session, generation, outcome, diff)
}

// resolveEnv restores a cached environment or builds a fresh one. The
// returned venv lives under a private temp dir owned by the caller.
func (r *Runner) resolveEnv(ctx context.Context, lease *checkout.Lease, interp *pytool.Interpreter) (*pytool.Venv, string, venvcache.Outcome, error) {
	manifestHash, err := venvcache.HashManifest(filepath.Join(lease.WorkingTree(), r.policy.Manifest))
	if err != nil {
		return nil, "", venvcache.OutcomeMiss, fmt.Errorf("hashing manifest: %w", err)
	}
	keyer := r.policy.Keyer()
	cacheKey := keyer.Key(manifestHash)

	tmp, err := os.MkdirTemp("", "formatgate-env-")
	if err != nil {
		return nil, "", venvcache.OutcomeMiss, fmt.Errorf("creating env dir: %w", err)
	}
	dest := filepath.Join(tmp, "venv")

	outcome, err := r.store.Restore(ctx, cacheKey, keyer.FallbackPrefix(), dest)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, "", outcome, fmt.Errorf("restoring environment: %w", err)
	}

	var venv *pytool.Venv
	switch outcome {
	case venvcache.OutcomeHit:
		// The exact manifest hash matched; the tool is already installed.
		venv, err = pytool.OpenVenv(dest)
	case venvcache.OutcomeFallback:
		// Same interpreter, older manifest: reuse the environment but
		// reinstall the pinned tool on top.
		if venv, err = pytool.OpenVenv(dest); err == nil {
			err = venv.Install(ctx, r.policy.Tool.Requirement)
		}
	case venvcache.OutcomeMiss:
		stop := metrics.TimeStep(stepBuildEnv)
		if venv, err = pytool.CreateVenv(ctx, interp, dest); err == nil {
			err = venv.Install(ctx, r.policy.Tool.Requirement)
		}
		stop()
	}
	if err != nil {
		os.RemoveAll(tmp)
		return nil, "", outcome, fmt.Errorf("preparing environment: %w", err)
	}

	return venv, cacheKey, outcome, nil
}

// verify runs the formatter in diff mode over every target tree and returns
// the combined diff. Every configured target must exist in the checkout; a
// head that removes a target tree fails rather than passing vacuously.
func (r *Runner) verify(ctx context.Context, venv *pytool.Venv, workTree string) (string, error) {
	var sb strings.Builder
	for _, target := range r.policy.Targets {
		if _, err := os.Stat(filepath.Join(workTree, target)); err != nil {
			return "", fmt.Errorf("target %q missing from checkout: %w", target, err)
		}

		diff, err := venv.FormatDiff(ctx, workTree, target)
		if err != nil {
			return "", err
		}
		sb.WriteString(diff)
	}
	return sb.String(), nil
}

// report records the terminal check run state and returns the conclusion.
func (r *Runner) report(ctx context.Context, session *statusmanager.Session[Details], generation string, outcome venvcache.Outcome, diff string) (string, error) {
	files, err := diffreport.Summarize(diff)
	if err != nil {
		return "", fmt.Errorf("summarizing diff: %w", err)
	}

	conclusion := "success"
	summary := "All files are formatted correctly."
	text := ""
	if len(files) > 0 {
		conclusion = "failure"
		summary = fmt.Sprintf("%d file(s) would be reformatted.", len(files))
		text = diffreport.MarkdownTable(files) + "\n```diff\n" + diff + "\n```\n"
	}

	if err := session.SetActualState(ctx, summary, text, &statusmanager.Status[Details]{
		Status:     "completed",
		Conclusion: conclusion,
		Details: Details{
			Generation:   generation,
			CacheOutcome: string(outcome),
			Files:        len(files),
		},
	}); err != nil {
		return "", fmt.Errorf("reporting outcome: %w", err)
	}

	clog.FromContext(ctx).With("conclusion", conclusion).With("files", len(files)).Info("Job finished")
	return conclusion, nil
}

// reportError makes a best-effort attempt to surface a step failure on the
// check run before the job error propagates to the queue.
func (r *Runner) reportError(ctx context.Context, session *statusmanager.Session[Details], generation string, jobErr error) {
	ctx = context.WithoutCancel(ctx)
	if err := session.SetActualState(ctx, fmt.Sprintf("Format check failed to run: %v", jobErr), "", &statusmanager.Status[Details]{
		Status:     "completed",
		Conclusion: "failure",
		Details:    Details{Generation: generation},
	}); err != nil {
		clog.FromContext(ctx).Warnf("Reporting job failure: %v", err)
	}
}

// generation fingerprints the inputs of a check so identical reruns are
// skipped. Any policy change yields a new generation.
func (r *Runner) generation(sha string) string {
	return ComputeGeneration(sha,
		r.policy.Interpreter.Version,
		r.policy.Tool.Requirement,
		r.policy.Manifest,
		r.policy.CachePrefix,
		strings.Join(r.policy.Targets, ","),
	)
}
