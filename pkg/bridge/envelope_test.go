// Copyright 2024-2026 Aiku AI

package bridge

import "testing"

func TestSender_Name(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		sender Sender
		want   string
	}{
		{"display name wins", Sender{DisplayName: "Alice", Username: "alice99"}, "Alice"},
		{"username fallback", Sender{Username: "alice99"}, "alice99"},
		{"nothing known", Sender{UserID: "42"}, "Unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.sender.Name(); got != tc.want {
				t.Errorf("Name() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSender_Key(t *testing.T) {
	t.Parallel()
	if got := (Sender{UserID: "42", DisplayName: "Alice"}).Key(); got != "42" {
		t.Errorf("Key() = %q, want user id", got)
	}
	if got := (Sender{DisplayName: "Anon"}).Key(); got != "Anon" {
		t.Errorf("Key() for anonymous sender = %q, want display name", got)
	}
}

func TestBotBody(t *testing.T) {
	t.Parallel()
	alice := Sender{DisplayName: "Alice"}
	if got, want := BotBody(alice, "hello"), "Alice: hello"; got != want {
		t.Errorf("BotBody() = %q, want %q", got, want)
	}
	if got, want := BotBody(alice, ""), "Alice:"; got != want {
		t.Errorf("BotBody() for media-only message = %q, want %q", got, want)
	}
}

func TestEnvelope_Keys(t *testing.T) {
	t.Parallel()
	evt := Envelope{Platform: "telegram", ChatID: "-100", MessageID: "42"}
	if got := evt.Source(); got != (Endpoint{Platform: "telegram", ChatID: "-100"}) {
		t.Errorf("Source() = %v", got)
	}
	if got := evt.LinkKey(); got != (LinkKey{Platform: "telegram", ChatID: "-100", MessageID: "42"}) {
		t.Errorf("LinkKey() = %v", got)
	}
}
