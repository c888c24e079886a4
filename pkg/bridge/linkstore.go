// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"slices"
	"sync"
)

// LinkKey identifies a source message.
type LinkKey struct {
	Platform  Platform
	ChatID    string
	MessageID string
}

func (k LinkKey) String() string {
	return string(k.Platform) + ":" + k.ChatID + ":" + k.MessageID
}

// Copy is one relayed copy of a source message. The delivery mode is kept
// so edits and deletes go through the same path the message was sent with.
type Copy struct {
	Target
	MessageID string
}

// LinkStore correlates a source message with its relayed copies. Entries
// are created when a create relays, read on edit, and removed once a delete
// has been acknowledged by every copy. The router is the only writer.
type LinkStore interface {
	Put(ctx context.Context, key LinkKey, copies []Copy) error
	Get(ctx context.Context, key LinkKey) ([]Copy, bool, error)
	Delete(ctx context.Context, key LinkKey) error
}

// MemoryLinkStore is the default, process-lifetime LinkStore. Edits and
// deletes referencing pre-restart messages become no-ops under it, which is
// the documented behavior when persistence is not configured.
type MemoryLinkStore struct {
	mu    sync.RWMutex
	links map[LinkKey][]Copy
}

var _ LinkStore = (*MemoryLinkStore)(nil)

func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{links: make(map[LinkKey][]Copy)}
}

func (s *MemoryLinkStore) Put(_ context.Context, key LinkKey, copies []Copy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[key] = slices.Clone(copies)
	return nil
}

func (s *MemoryLinkStore) Get(_ context.Context, key LinkKey) ([]Copy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copies, ok := s.links[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(copies), true, nil
}

func (s *MemoryLinkStore) Delete(_ context.Context, key LinkKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, key)
	return nil
}

// Len reports the number of linked source messages.
func (s *MemoryLinkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}
