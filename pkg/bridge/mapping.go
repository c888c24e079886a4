// Copyright 2024-2026 Aiku AI

package bridge

import "fmt"

// Bridge is one configured group of endpoints that mutually relay messages.
// Any endpoint can act as source for events originating on it, targeting
// every other endpoint of the group, never itself.
type Bridge struct {
	Name    string
	Targets []Target
}

// Mapping resolves a source endpoint to the other endpoints of its bridge.
// It is static, built once at startup from configuration.
type Mapping struct {
	bridges  []Bridge
	bySource map[Endpoint][]Target
}

// NewMapping validates the bridge definitions and builds the resolution
// index. It is the mapping validation entry point run before bridging
// starts.
func NewMapping(bridges []Bridge) (*Mapping, error) {
	seen := make(map[Endpoint]string)
	names := make(map[string]struct{})
	for i, b := range bridges {
		if b.Name == "" {
			return nil, fmt.Errorf("bridge %d: missing name", i)
		}
		if _, dup := names[b.Name]; dup {
			return nil, fmt.Errorf("bridge %q: duplicate name", b.Name)
		}
		names[b.Name] = struct{}{}
		if len(b.Targets) < 2 {
			return nil, fmt.Errorf("bridge %q: needs at least two endpoints, got %d", b.Name, len(b.Targets))
		}
		for _, t := range b.Targets {
			if t.Platform == "" || t.ChatID == "" {
				return nil, fmt.Errorf("bridge %q: endpoint with empty platform or chat id", b.Name)
			}
			switch t.Mode {
			case DeliverBot:
			case DeliverWebhook:
				if t.Webhook == "" {
					return nil, fmt.Errorf("bridge %q: endpoint %s: webhook delivery without a webhook reference", b.Name, t.Endpoint)
				}
			default:
				return nil, fmt.Errorf("bridge %q: endpoint %s: unknown delivery mode %q", b.Name, t.Endpoint, t.Mode)
			}
			if owner, dup := seen[t.Endpoint]; dup {
				return nil, fmt.Errorf("bridge %q: endpoint %s already used by bridge %q", b.Name, t.Endpoint, owner)
			}
			seen[t.Endpoint] = b.Name
		}
	}

	m := &Mapping{bridges: bridges, bySource: make(map[Endpoint][]Target, len(seen))}
	for _, b := range bridges {
		for _, src := range b.Targets {
			targets := make([]Target, 0, len(b.Targets)-1)
			for _, t := range b.Targets {
				if t.Endpoint != src.Endpoint {
					targets = append(targets, t)
				}
			}
			m.bySource[src.Endpoint] = targets
		}
	}
	return m, nil
}

// TargetsFor returns the delivery targets for events originating on src:
// every other endpoint of src's bridge, in configuration order, never src
// itself. Nil when src is not part of any bridge.
func (m *Mapping) TargetsFor(src Endpoint) []Target {
	return m.bySource[src]
}

// BridgeTargets returns every endpoint of the named bridge, for broadcast
// announcements. Nil when no such bridge exists.
func (m *Mapping) BridgeTargets(name string) []Target {
	for _, b := range m.bridges {
		if b.Name == name {
			return b.Targets
		}
	}
	return nil
}

// Endpoints returns every configured endpoint on the given platform, in
// configuration order. Pollers use it to learn which chats to watch.
func (m *Mapping) Endpoints(p Platform) []Endpoint {
	var eps []Endpoint
	for _, b := range m.bridges {
		for _, t := range b.Targets {
			if t.Platform == p {
				eps = append(eps, t.Endpoint)
			}
		}
	}
	return eps
}
