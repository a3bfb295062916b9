/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestNew(t *testing.T) {
	auth, err := New(12345, 67890, testKeyPEM(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if auth.Client() == nil {
		t.Error("Client() = nil")
	}
	if auth.TokenSource(t.Context()) == nil {
		t.Error("TokenSource() = nil")
	}
}

func TestNew_Validation(t *testing.T) {
	key := testKeyPEM(t)
	for _, tc := range []struct {
		name          string
		appID, instID int64
		key           []byte
	}{
		{name: "zero app ID", appID: 0, instID: 1, key: key},
		{name: "zero installation ID", appID: 1, instID: 0, key: key},
		{name: "empty key", appID: 1, instID: 1, key: nil},
		{name: "garbage key", appID: 1, instID: 1, key: []byte("not a pem")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.appID, tc.instID, tc.key); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}

func TestStatic(t *testing.T) {
	client, ts := Static("ghp_example")
	if client == nil {
		t.Fatal("client = nil")
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "ghp_example" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
}
