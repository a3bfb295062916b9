/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package trigger receives pull-request webhook events and translates them
// into work queue keys for the format gate.
package trigger

import (
	"fmt"
	"regexp"
	"strconv"
)

// Resource identifies a pull request head commit to gate.
type Resource struct {
	// Owner is the repository owner login.
	Owner string
	// Repo is the repository name.
	Repo string
	// Number is the pull request number.
	Number int
	// SHA is the head commit to check.
	SHA string
}

// Key encodes the resource as a work queue key: owner/repo#number@sha.
func (r *Resource) Key() string {
	return fmt.Sprintf("%s/%s#%d@%s", r.Owner, r.Repo, r.Number, r.SHA)
}

// Group returns the supersession group for the resource: all head commits of
// the same pull request displace each other.
func (r *Resource) Group() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

var keyRE = regexp.MustCompile(`^([^/]+)/([^#]+)#(\d+)@([0-9a-f]{7,40})$`)

// ParseKey decodes a work queue key produced by Key.
func ParseKey(key string) (*Resource, error) {
	m := keyRE.FindStringSubmatch(key)
	if m == nil {
		return nil, fmt.Errorf("malformed key %q", key)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("malformed PR number in key %q: %w", key, err)
	}
	return &Resource{Owner: m[1], Repo: m[2], Number: n, SHA: m[4]}, nil
}

// GroupOfKey maps a key to its supersession group, for use as the work
// queue's group function. Unparseable keys form their own group.
func GroupOfKey(key string) string {
	res, err := ParseKey(key)
	if err != nil {
		return key
	}
	return res.Group()
}
