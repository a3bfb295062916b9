/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package statusmanager

import "chainguard.dev/formatgate/retry"

type config struct {
	retryCfg retry.Config
}

func defaultConfig() *config {
	return &config{
		retryCfg: retry.DefaultConfig(),
	}
}

// Option customizes manager construction.
type Option func(*config)

// WithRetryConfig overrides the backoff configuration used for GitHub API
// calls.
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *config) {
		c.retryCfg = cfg
	}
}
