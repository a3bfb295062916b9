/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gate

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeGeneration hashes the check inputs into a stable fingerprint.
// Identical inputs always produce the same generation.
func ComputeGeneration(inputs ...string) string {
	h := sha256.New()
	for _, in := range inputs {
		h.Write([]byte(in))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
