/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package trigger

import (
	"net/http"

	"chainguard.dev/formatgate/metrics"
	"chainguard.dev/formatgate/workqueue"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// TriggerActions are the pull-request actions that start a format check.
// Every other action is acknowledged and dropped.
var TriggerActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
	"edited":      true,
}

// Webhook validates incoming GitHub webhook deliveries and queues one key per
// matching pull-request event.
type Webhook struct {
	secret []byte
	queue  workqueue.Interface
}

// NewWebhook constructs a Webhook. The secret must match the webhook's
// configured shared secret; deliveries failing signature validation are
// rejected.
func NewWebhook(secret []byte, queue workqueue.Interface) *Webhook {
	return &Webhook{secret: secret, queue: queue}
}

// ServeHTTP implements http.Handler.
func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	payload, err := github.ValidatePayload(r, wh.secret)
	if err != nil {
		log.Warnf("Rejecting webhook delivery: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := github.WebHookType(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		log.Warnf("Unparseable %q webhook payload: %v", eventType, err)
		metrics.RecordWebhookEvent(eventType, false)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	pre, ok := event.(*github.PullRequestEvent)
	if !ok {
		log.With("event", eventType).Debug("Ignoring non-pull-request event")
		metrics.RecordWebhookEvent(eventType, false)
		w.WriteHeader(http.StatusOK)
		return
	}

	action := pre.GetAction()
	if !TriggerActions[action] {
		log.With("action", action).Debug("Ignoring pull-request action")
		metrics.RecordWebhookEvent(action, false)
		w.WriteHeader(http.StatusOK)
		return
	}

	res := &Resource{
		Owner:  pre.GetRepo().GetOwner().GetLogin(),
		Repo:   pre.GetRepo().GetName(),
		Number: pre.GetNumber(),
		SHA:    pre.GetPullRequest().GetHead().GetSHA(),
	}
	if res.Owner == "" || res.Repo == "" || res.Number == 0 || res.SHA == "" {
		log.Warnf("Dropping pull-request event with incomplete coordinates: %+v", res)
		metrics.RecordWebhookEvent(action, false)
		http.Error(w, "incomplete event", http.StatusBadRequest)
		return
	}

	if err := wh.queue.Queue(ctx, res.Key(), workqueue.Options{}); err != nil {
		log.Errorf("Queueing %s: %v", res.Key(), err)
		metrics.RecordWebhookEvent(action, false)
		http.Error(w, "queueing failed", http.StatusInternalServerError)
		return
	}

	log.With("key", res.Key()).With("action", action).Info("Queued format check")
	metrics.RecordWebhookEvent(action, true)
	w.WriteHeader(http.StatusAccepted)
}
