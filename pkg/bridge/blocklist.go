// Copyright 2024-2026 Aiku AI

package bridge

import "strings"

// Blocklist drops events from denylisted source identities before any
// routing decision. It is a pure predicate over a denylist fixed at
// construction.
type Blocklist struct {
	platform map[Platform]map[string]struct{}
	endpoint map[Endpoint]map[string]struct{}
}

// NewBlocklist builds the filter from per-platform denylists plus
// per-bridge overrides scoped to specific endpoints. Entries match the
// sender's user ID or username, case-insensitively, with any leading "@"
// ignored.
func NewBlocklist(platform map[Platform][]string, endpoint map[Endpoint][]string) *Blocklist {
	b := &Blocklist{
		platform: make(map[Platform]map[string]struct{}, len(platform)),
		endpoint: make(map[Endpoint]map[string]struct{}, len(endpoint)),
	}
	for p, entries := range platform {
		if set := blockSet(entries); set != nil {
			b.platform[p] = set
		}
	}
	for ep, entries := range endpoint {
		if set := blockSet(entries); set != nil {
			b.endpoint[ep] = set
		}
	}
	return b
}

func blockSet(entries []string) map[string]struct{} {
	var set map[string]struct{}
	for _, e := range entries {
		norm := normalizeBlockEntry(e)
		if norm == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{})
		}
		set[norm] = struct{}{}
	}
	return set
}

func normalizeBlockEntry(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// Allow reports whether the envelope may be routed.
func (b *Blocklist) Allow(evt *Envelope) bool {
	if b == nil {
		return true
	}
	if senderBlocked(b.platform[evt.Platform], evt.Sender) {
		return false
	}
	return !senderBlocked(b.endpoint[evt.Source()], evt.Sender)
}

func senderBlocked(set map[string]struct{}, s Sender) bool {
	if len(set) == 0 {
		return false
	}
	if s.UserID != "" {
		if _, hit := set[strings.ToLower(s.UserID)]; hit {
			return true
		}
	}
	if s.Username != "" {
		if _, hit := set[normalizeBlockEntry(s.Username)]; hit {
			return true
		}
	}
	return false
}
