// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"
)

// WebhookIdentity is the name and avatar a webhook displays.
type WebhookIdentity struct {
	Name      string
	AvatarURL string
}

type identityKey struct {
	endpoint Endpoint
	sender   string
}

type identityEntry struct {
	identity WebhookIdentity
	lastUsed time.Time
}

// IdentityCache tracks, per webhook target channel, which sender's identity
// the webhook currently carries and what identity each sender last had
// applied. It lets the router skip the webhook rewrite when consecutive
// messages to a channel come from the same unchanged sender, keeping at
// most one live identity per (channel, sender) pair.
type IdentityCache struct {
	mu      sync.Mutex
	entries map[identityKey]*identityEntry
	// current maps a target channel to the sender key whose identity the
	// webhook presently carries.
	current map[Endpoint]string

	now func() time.Time
}

func NewIdentityCache() *IdentityCache {
	return &IdentityCache{
		entries: make(map[identityKey]*identityEntry),
		current: make(map[Endpoint]string),
		now:     time.Now,
	}
}

// NeedsUpdate reports whether the webhook for ep must be rewritten before a
// send attributed to the given sender: true when the webhook currently
// carries another sender's identity, or when this sender's name or avatar
// changed since it was last applied. A false return is a cache hit and
// refreshes the entry's last-used time.
func (c *IdentityCache) NeedsUpdate(ep Endpoint, senderKey string, want WebhookIdentity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current[ep] != senderKey {
		return true
	}
	entry, ok := c.entries[identityKey{endpoint: ep, sender: senderKey}]
	if !ok || entry.identity != want {
		return true
	}
	entry.lastUsed = c.now()
	return false
}

// MarkApplied records that the webhook for ep now carries the given
// sender's identity.
func (c *IdentityCache) MarkApplied(ep Endpoint, senderKey string, id WebhookIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[ep] = senderKey
	c.entries[identityKey{endpoint: ep, sender: senderKey}] = &identityEntry{
		identity: id,
		lastUsed: c.now(),
	}
}

// Evict drops entries unused for longer than maxIdle and returns how many
// were removed.
func (c *IdentityCache) Evict(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-maxIdle)
	evicted := 0
	for key, entry := range c.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(c.entries, key)
			if c.current[key.endpoint] == key.sender {
				delete(c.current, key.endpoint)
			}
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached (channel, sender) identities.
func (c *IdentityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
