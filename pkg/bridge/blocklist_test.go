// Copyright 2024-2026 Aiku AI

package bridge

import "testing"

func TestBlocklist_Allow(t *testing.T) {
	t.Parallel()
	bl := NewBlocklist(
		map[Platform][]string{
			"telegram": {"@Spammer", "12345"},
			"discord":  {"troll"},
		},
		map[Endpoint][]string{
			{Platform: "fluxer", ChatID: "881001"}: {"local-pest"},
		},
	)

	tests := []struct {
		name string
		evt  Envelope
		want bool
	}{
		{
			name: "clean sender",
			evt:  Envelope{Platform: "telegram", ChatID: "-1", Sender: Sender{UserID: "777", Username: "alice"}},
			want: true,
		},
		{
			name: "blocked by user id",
			evt:  Envelope{Platform: "telegram", ChatID: "-1", Sender: Sender{UserID: "12345"}},
			want: false,
		},
		{
			name: "blocked by username case-insensitively",
			evt:  Envelope{Platform: "telegram", ChatID: "-1", Sender: Sender{UserID: "9", Username: "SPAMMER"}},
			want: false,
		},
		{
			name: "blocked entry strips leading at sign",
			evt:  Envelope{Platform: "telegram", ChatID: "-1", Sender: Sender{Username: "spammer"}},
			want: false,
		},
		{
			name: "denylist is platform-scoped",
			evt:  Envelope{Platform: "discord", ChatID: "1", Sender: Sender{Username: "spammer"}},
			want: true,
		},
		{
			name: "endpoint override blocks only its chat",
			evt:  Envelope{Platform: "fluxer", ChatID: "881001", Sender: Sender{Username: "local-pest"}},
			want: false,
		},
		{
			name: "endpoint override does not leak to other chats",
			evt:  Envelope{Platform: "fluxer", ChatID: "881002", Sender: Sender{Username: "local-pest"}},
			want: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := bl.Allow(&tc.evt); got != tc.want {
				t.Errorf("Allow(%+v) = %v, want %v", tc.evt.Sender, got, tc.want)
			}
		})
	}
}

func TestBlocklist_NilAllowsEverything(t *testing.T) {
	t.Parallel()
	var bl *Blocklist
	evt := Envelope{Platform: "telegram", Sender: Sender{Username: "anyone"}}
	if !bl.Allow(&evt) {
		t.Errorf("nil Blocklist blocked an event, want allow")
	}
}
