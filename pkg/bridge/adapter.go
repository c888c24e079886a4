// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"io"
	"strings"
)

// EventSink receives normalized envelopes from platform adapters. The
// Router implements it; tests substitute a recorder.
type EventSink interface {
	QueueEvent(evt Envelope)
}

// Outbound is a fully built payload for one target delivery. Body already
// carries the sender prefix for bot-mode targets and placeholder lines for
// media that could not be relayed.
type Outbound struct {
	Body string
	// Sender is the original sender's identity, for targets that
	// impersonate it.
	Sender Sender
	Files  []*OutFile
}

// OutFile is one attachment ready for upload to a target platform.
type OutFile struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.ReadCloser
}

// Close releases the underlying stream of every file.
func (o *Outbound) Close() {
	for _, f := range o.Files {
		if f.Reader != nil {
			_ = f.Reader.Close()
		}
	}
}

// MediaPolicy is a target platform's attachment acceptance policy.
type MediaPolicy struct {
	// MaxBytes is the largest attachment the target accepts. Zero falls
	// back to DefaultMaxMediaBytes.
	MaxBytes int64
	// AllowedTypes lists accepted MIME types, exact ("image/png") or by
	// prefix ("image/", "image/*"). Empty allows everything.
	AllowedTypes []string
}

// Allows reports whether the policy accepts the given MIME type.
func (p MediaPolicy) Allows(mediaType string) bool {
	if len(p.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range p.AllowedTypes {
		switch {
		case allowed == "*" || allowed == "*/*":
			return true
		case strings.HasSuffix(allowed, "/*"):
			if strings.HasPrefix(mediaType, strings.TrimSuffix(allowed, "*")) {
				return true
			}
		case strings.HasSuffix(allowed, "/"):
			if strings.HasPrefix(mediaType, allowed) {
				return true
			}
		case mediaType == allowed:
			return true
		}
	}
	return false
}

// Adapter is the capability surface the router drives for one platform.
// Adapters normalize inbound platform events into envelopes and push them
// to the EventSink they were constructed with; they never decide routing.
type Adapter interface {
	Platform() Platform

	// Start connects to the platform and begins feeding inbound envelopes
	// to the event sink. It returns once the receive stream is established.
	Start(ctx context.Context) error
	// Stop cancels the receive stream. Outbound calls already in flight are
	// allowed to finish.
	Stop()

	// BotIdentities returns the platform user IDs this bridge publishes
	// through on the adapter's platform, populated once Start has
	// connected. The router drops inbound envelopes from any of them.
	BotIdentities() []string
	// MediaPolicy returns the platform's attachment limits.
	MediaPolicy() MediaPolicy

	Send(ctx context.Context, target Target, out *Outbound) (messageID string, err error)
	Edit(ctx context.Context, target Target, messageID, newBody string) error
	Delete(ctx context.Context, target Target, messageID string) error
}

// WebhookIdentityManager is implemented by adapters whose webhook delivery
// requires rewriting the webhook's stored identity before sending through
// it. The router calls EnsureWebhookIdentity lazily, guarded by the
// identity cache, inside the per-target-channel critical section.
type WebhookIdentityManager interface {
	EnsureWebhookIdentity(ctx context.Context, target Target, identity WebhookIdentity) error
}

// BotBody prefixes the sender's name into a message body for bot-mode
// delivery, where no impersonation is available.
func BotBody(sender Sender, body string) string {
	name := sender.Name()
	if body == "" {
		return name + ":"
	}
	return name + ": " + body
}
