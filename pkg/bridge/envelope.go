// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"io"
	"time"
)

// Platform identifies one of the bridged chat platforms.
type Platform string

// EventKind distinguishes the three conversational event types.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventEdit   EventKind = "edit"
	EventDelete EventKind = "delete"
)

// Sender identifies the author of an inbound event.
type Sender struct {
	// UserID is the platform-scoped user identifier. Loop prevention
	// compares it exactly against known bridge-bot identities.
	UserID string
	// Username is the platform handle, when the platform has one. The
	// blocklist matches it alongside UserID.
	Username    string
	DisplayName string
	AvatarURL   string
}

// Name returns the best human-readable name for the sender.
func (s Sender) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	if s.Username != "" {
		return s.Username
	}
	return "Unknown"
}

// Key returns the identity-cache key for the sender: the platform user ID,
// or the display name when the platform reports the sender anonymously.
func (s Sender) Key() string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.DisplayName
}

// Attachment is one media item carried by an envelope. Bytes are fetched
// lazily through Open and re-opened per target, so streams are never shared
// between deliveries.
type Attachment struct {
	Filename  string
	MediaType string
	// Size in bytes as reported by the source platform, 0 when unknown.
	Size int64
	// Link is a public URL for the media, when the source platform exposes
	// one. Oversized attachments turn into a link placeholder if set.
	Link string
	// Open fetches the attachment bytes from the source platform.
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// Envelope is the normalized representation of one inbound message event.
// (Platform, ChatID, MessageID) is globally unique for create events; edit
// and delete events reference the create they modify.
type Envelope struct {
	Platform  Platform
	ChatID    string
	MessageID string
	Sender    Sender
	Kind      EventKind
	Body      string
	// Attachments keep their source order through the relay.
	Attachments []Attachment
	// Timestamp is the logical arrival time, used for ordering within a chat.
	Timestamp time.Time
	// System marks synthetic service notices (joins, leaves, announcements).
	// They relay like creates but are never linked, since no edit or delete
	// can follow them.
	System bool
}

// Source returns the endpoint the envelope originated on.
func (e *Envelope) Source() Endpoint {
	return Endpoint{Platform: e.Platform, ChatID: e.ChatID}
}

// LinkKey returns the link-store key for the envelope's source message.
func (e *Envelope) LinkKey() LinkKey {
	return LinkKey{Platform: e.Platform, ChatID: e.ChatID, MessageID: e.MessageID}
}
