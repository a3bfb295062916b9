/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubauth builds authenticated GitHub clients and git token
// sources from GitHub App installation credentials.
package githubauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// Authenticator vends GitHub API clients and OAuth2 token sources backed by a
// single GitHub App installation.
type Authenticator struct {
	transport *ghinstallation.Transport
}

// New constructs an Authenticator from a GitHub App's credentials. The
// private key must be the app's PEM-encoded RSA key.
func New(appID, installationID int64, privateKeyPEM []byte) (*Authenticator, error) {
	switch {
	case appID <= 0:
		return nil, fmt.Errorf("invalid app ID %d", appID)
	case installationID <= 0:
		return nil, fmt.Errorf("invalid installation ID %d", installationID)
	case len(privateKeyPEM) == 0:
		return nil, errors.New("private key cannot be empty")
	}

	itr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}

	return &Authenticator{transport: itr}, nil
}

// NewFromKeyFile is like New but reads the private key from a file.
func NewFromKeyFile(appID, installationID int64, privateKeyFile string) (*Authenticator, error) {
	switch {
	case appID <= 0:
		return nil, fmt.Errorf("invalid app ID %d", appID)
	case installationID <= 0:
		return nil, fmt.Errorf("invalid installation ID %d", installationID)
	case privateKeyFile == "":
		return nil, errors.New("private key file cannot be empty")
	}

	itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}

	return &Authenticator{transport: itr}, nil
}

// Client returns a GitHub API client authenticated as the installation.
func (a *Authenticator) Client() *github.Client {
	return github.NewClient(&http.Client{Transport: a.transport})
}

// TokenSource returns an OAuth2 token source that mints installation access
// tokens, suitable for authenticating git operations. The context bounds each
// token exchange.
func (a *Authenticator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &installationTokenSource{ctx: ctx, transport: a.transport})
}

type installationTokenSource struct {
	ctx       context.Context
	transport *ghinstallation.Transport
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.transport.Token(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("minting installation token: %w", err)
	}
	return &oauth2.Token{AccessToken: token}, nil
}

// Static builds a GitHub client and token source from a personal access
// token, for development setups without a GitHub App.
func Static(token string) (*github.Client, oauth2.TokenSource) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(context.Background(), ts)), ts
}
