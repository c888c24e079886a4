// Copyright 2024-2026 Aiku AI

package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/multibridge/pkg/bridge"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ProcessedDedup(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	done, err := s.IsProcessed(ctx, "-100123", "42")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if done {
		t.Errorf("IsProcessed() before marking = true, want false")
	}

	if err := s.MarkProcessed(ctx, "-100123", "42"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	// Marking again must not error.
	if err := s.MarkProcessed(ctx, "-100123", "42"); err != nil {
		t.Fatalf("repeated MarkProcessed() error = %v", err)
	}

	done, err = s.IsProcessed(ctx, "-100123", "42")
	if err != nil || !done {
		t.Errorf("IsProcessed() after marking = (%v, %v), want (true, nil)", done, err)
	}

	// Dedup is per chat.
	done, err = s.IsProcessed(ctx, "-100999", "42")
	if err != nil || done {
		t.Errorf("IsProcessed() for other chat = (%v, %v), want (false, nil)", done, err)
	}
}

func TestStore_LinkRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	key := bridge.LinkKey{Platform: "telegram", ChatID: "-100", MessageID: "42"}
	copies := []bridge.Copy{
		{
			Target: bridge.Target{
				Endpoint: bridge.Endpoint{Platform: "discord", ChatID: "555"},
				Mode:     bridge.DeliverWebhook,
				Webhook:  "555/token",
			},
			MessageID: "100",
		},
		{
			Target: bridge.Target{
				Endpoint: bridge.Endpoint{Platform: "fluxer", ChatID: "881"},
				Mode:     bridge.DeliverBot,
			},
			MessageID: "55",
		},
	}

	if _, ok, err := s.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get() before Put = (ok=%v, err=%v), want no link", ok, err)
	}
	if err := s.Put(ctx, key, copies); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() = (ok=%v, err=%v), want a link", ok, err)
	}
	if len(got) != 2 {
		t.Fatalf("Get() = %d copies, want 2", len(got))
	}
	if got[0] != copies[0] || got[1] != copies[1] {
		t.Errorf("Get() = %+v, want %+v in order", got, copies)
	}
}

func TestStore_PutReplacesExistingLink(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	key := bridge.LinkKey{Platform: "telegram", ChatID: "-100", MessageID: "42"}
	first := []bridge.Copy{
		{Target: bridge.Target{Endpoint: bridge.Endpoint{Platform: "discord", ChatID: "555"}, Mode: bridge.DeliverBot}, MessageID: "100"},
		{Target: bridge.Target{Endpoint: bridge.Endpoint{Platform: "fluxer", ChatID: "881"}, Mode: bridge.DeliverBot}, MessageID: "55"},
	}
	if err := s.Put(ctx, key, first); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Shrinking the copy list, as the router does when a copy vanishes.
	if err := s.Put(ctx, key, first[1:]); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() = (ok=%v, err=%v), want a link", ok, err)
	}
	if len(got) != 1 || got[0].MessageID != "55" {
		t.Errorf("Get() after replace = %+v, want only the fluxer copy", got)
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	key := bridge.LinkKey{Platform: "telegram", ChatID: "-100", MessageID: "42"}
	copies := []bridge.Copy{
		{Target: bridge.Target{Endpoint: bridge.Endpoint{Platform: "discord", ChatID: "555"}, Mode: bridge.DeliverBot}, MessageID: "100"},
	}
	if err := s.Put(ctx, key, copies); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, key); ok {
		t.Errorf("Get() after Delete still finds the link")
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("Delete() of absent key error = %v, want nil", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	key := bridge.LinkKey{Platform: "telegram", ChatID: "-100", MessageID: "42"}

	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.MarkProcessed(ctx, "-100", "42"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	copies := []bridge.Copy{
		{Target: bridge.Target{Endpoint: bridge.Endpoint{Platform: "discord", ChatID: "555"}, Mode: bridge.DeliverBot}, MessageID: "100"},
	}
	if err := s.Put(ctx, key, copies); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	done, err := s.IsProcessed(ctx, "-100", "42")
	if err != nil || !done {
		t.Errorf("IsProcessed() after reopen = (%v, %v), want (true, nil)", done, err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok || len(got) != 1 {
		t.Errorf("Get() after reopen = (%v, ok=%v, err=%v), want the stored link", got, ok, err)
	}
}
