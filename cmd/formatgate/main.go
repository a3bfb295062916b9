/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the pull request format gate: a webhook intake, a work
// queue dispatcher executing format checks, and a metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainguard.dev/formatgate/checkout"
	"chainguard.dev/formatgate/gate"
	"chainguard.dev/formatgate/githubauth"
	"chainguard.dev/formatgate/trigger"
	"chainguard.dev/formatgate/venvcache"
	"chainguard.dev/formatgate/workqueue"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

type config struct {
	Port        int `env:"PORT,default=8080"`
	MetricsPort int `env:"METRICS_PORT,default=2112"`

	// WebhookSecret is the shared secret configured on the GitHub webhook.
	WebhookSecret string `env:"WEBHOOK_SECRET,required"`

	// GitHub App credentials. GitHubToken is a development alternative.
	GitHubAppID          int64  `env:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `env:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyFile string `env:"GITHUB_PRIVATE_KEY_FILE"`
	GitHubToken          string `env:"GITHUB_TOKEN"`

	// PolicyFile optionally overrides the built-in gate policy.
	PolicyFile string `env:"POLICY_FILE"`
	CacheDir   string `env:"CACHE_DIR,default=/var/cache/formatgate"`

	Concurrency      int           `env:"CONCURRENCY,default=4"`
	BatchSize        int           `env:"BATCH_SIZE,default=10"`
	MaxRetry         int           `env:"MAX_RETRY,default=3"`
	DispatchInterval time.Duration `env:"DISPATCH_INTERVAL,default=250ms"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	policy := gate.DefaultPolicy()
	if cfg.PolicyFile != "" {
		var err error
		if policy, err = gate.LoadPolicy(cfg.PolicyFile); err != nil {
			clog.FatalContextf(ctx, "loading policy: %v", err)
		}
	}

	ghClient, tokenSource, err := githubClient(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "configuring GitHub auth: %v", err)
	}

	store, err := venvcache.NewStore(cfg.CacheDir)
	if err != nil {
		clog.FatalContextf(ctx, "opening cache: %v", err)
	}

	clones := checkout.New(tokenSource)

	runner, err := gate.NewRunner(policy, clones, store, ghClient.Checks)
	if err != nil {
		clog.FatalContextf(ctx, "creating runner: %v", err)
	}

	queue := workqueue.NewInMemory(workqueue.WithGroupFunc(trigger.GroupOfKey))
	webhook := trigger.NewWebhook([]byte(cfg.WebhookSecret), queue)

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhook)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		clog.InfoContextf(ctx, "Webhook intake listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		clog.InfoContextf(ctx, "Metrics listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})
	eg.Go(func() error {
		clog.InfoContextf(ctx, "Dispatching with concurrency=%d", cfg.Concurrency)
		err := workqueue.Run(ctx, queue, cfg.Concurrency, cfg.BatchSize, runner.Run, cfg.MaxRetry, cfg.DispatchInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := eg.Wait(); err != nil {
		clog.FatalContextf(ctx, "server failed: %v", err)
	}
	clog.InfoContext(ctx, "Shutdown complete")
}

// githubClient builds the API client and git token source from either GitHub
// App credentials or, for development, a personal access token.
func githubClient(ctx context.Context, cfg config) (*github.Client, oauth2.TokenSource, error) {
	if cfg.GitHubToken != "" {
		client, ts := githubauth.Static(cfg.GitHubToken)
		return client, ts, nil
	}

	auth, err := githubauth.NewFromKeyFile(cfg.GitHubAppID, cfg.GitHubInstallationID, cfg.GitHubPrivateKeyFile)
	if err != nil {
		return nil, nil, err
	}
	return auth.Client(), auth.TokenSource(ctx), nil
}
