// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// sendCall records one Send attempt, including attempts that were told to
// fail.
type sendCall struct {
	Target Target
	Body   string
	Sender Sender
	Files  []string
}

type editCall struct {
	Target    Target
	MessageID string
	Body      string
}

type deleteCall struct {
	Target    Target
	MessageID string
}

type ensureCall struct {
	Target   Target
	Identity WebhookIdentity
}

// fakeAdapter is an in-memory Adapter that records every outbound call and
// can be told to fail specific calls. It does not manage webhook
// identities; wrap it in fakeIdentityAdapter for that.
type fakeAdapter struct {
	platform Platform
	policy   MediaPolicy
	botIDs   []string

	mu      sync.Mutex
	started bool
	stopped bool
	nextID  int
	sends   []sendCall
	edits   []editCall
	deletes []deleteCall

	// Queued errors are popped one per call on the matching endpoint or
	// target message ID. An exhausted queue means success.
	sendErrs   map[Endpoint][]error
	editErrs   map[string][]error
	deleteErrs map[string][]error
}

var _ Adapter = (*fakeAdapter)(nil)

func newFakeAdapter(p Platform) *fakeAdapter {
	return &fakeAdapter{
		platform:   p,
		policy:     MediaPolicy{MaxBytes: DefaultMaxMediaBytes, AllowedTypes: []string{"*"}},
		sendErrs:   make(map[Endpoint][]error),
		editErrs:   make(map[string][]error),
		deleteErrs: make(map[string][]error),
	}
}

func (f *fakeAdapter) Platform() Platform { return f.platform }

func (f *fakeAdapter) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeAdapter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAdapter) BotIdentities() []string { return f.botIDs }

func (f *fakeAdapter) MediaPolicy() MediaPolicy { return f.policy }

func (f *fakeAdapter) Send(_ context.Context, tgt Target, out *Outbound) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := sendCall{Target: tgt, Body: out.Body, Sender: out.Sender}
	for _, file := range out.Files {
		// Drain the stream like a real adapter would.
		_, _ = io.Copy(io.Discard, file.Reader)
		call.Files = append(call.Files, file.Name)
	}
	f.sends = append(f.sends, call)
	if errs := f.sendErrs[tgt.Endpoint]; len(errs) > 0 {
		err := errs[0]
		f.sendErrs[tgt.Endpoint] = errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	return fmt.Sprintf("%s-m%d", f.platform, f.nextID), nil
}

func (f *fakeAdapter) Edit(_ context.Context, tgt Target, messageID, newBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{Target: tgt, MessageID: messageID, Body: newBody})
	if errs := f.editErrs[messageID]; len(errs) > 0 {
		err := errs[0]
		f.editErrs[messageID] = errs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) Delete(_ context.Context, tgt Target, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{Target: tgt, MessageID: messageID})
	if errs := f.deleteErrs[messageID]; len(errs) > 0 {
		err := errs[0]
		f.deleteErrs[messageID] = errs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) failSend(ep Endpoint, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs[ep] = append(f.sendErrs[ep], errs...)
}

func (f *fakeAdapter) failEdit(messageID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editErrs[messageID] = append(f.editErrs[messageID], errs...)
}

func (f *fakeAdapter) failDelete(messageID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErrs[messageID] = append(f.deleteErrs[messageID], errs...)
}

func (f *fakeAdapter) Sends() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sendCall, len(f.sends))
	copy(cp, f.sends)
	return cp
}

func (f *fakeAdapter) SendsTo(ep Endpoint) []sendCall {
	var out []sendCall
	for _, c := range f.Sends() {
		if c.Target.Endpoint == ep {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAdapter) Edits() []editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]editCall, len(f.edits))
	copy(cp, f.edits)
	return cp
}

func (f *fakeAdapter) Deletes() []deleteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]deleteCall, len(f.deletes))
	copy(cp, f.deletes)
	return cp
}

// LastMessageID returns the ID the fake handed out for its most recent
// successful send.
func (f *fakeAdapter) LastMessageID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("%s-m%d", f.platform, f.nextID)
}

// fakeIdentityAdapter is a fakeAdapter that also manages webhook
// identities, like a platform whose webhooks carry a persistent name and
// avatar.
type fakeIdentityAdapter struct {
	*fakeAdapter

	ensureErrs []error
	ensures    []ensureCall
}

var _ WebhookIdentityManager = (*fakeIdentityAdapter)(nil)

func newFakeIdentityAdapter(p Platform) *fakeIdentityAdapter {
	return &fakeIdentityAdapter{fakeAdapter: newFakeAdapter(p)}
}

func (f *fakeIdentityAdapter) EnsureWebhookIdentity(_ context.Context, tgt Target, identity WebhookIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures = append(f.ensures, ensureCall{Target: tgt, Identity: identity})
	if len(f.ensureErrs) > 0 {
		err := f.ensureErrs[0]
		f.ensureErrs = f.ensureErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeIdentityAdapter) Ensures() []ensureCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]ensureCall, len(f.ensures))
	copy(cp, f.ensures)
	return cp
}

// Shared test fixture: one bridge spanning a polled platform and two
// webhook platforms.
var (
	tgChat = Endpoint{Platform: "telegram", ChatID: "-100123"}
	dcChan = Endpoint{Platform: "discord", ChatID: "555001"}
	fxChan = Endpoint{Platform: "fluxer", ChatID: "881001"}
)

func threeWayBridge() []Bridge {
	return []Bridge{{
		Name: "lobby",
		Targets: []Target{
			{Endpoint: tgChat, Mode: DeliverBot},
			{Endpoint: dcChan, Mode: DeliverWebhook, Webhook: "555001/dc-hook-token"},
			{Endpoint: fxChan, Mode: DeliverWebhook, Webhook: "881001/fx-hook-token"},
		},
	}}
}

// newTestRouter builds an unstarted router over the given bridges. Tests
// drive it synchronously through route unless they need the worker queues.
func newTestRouter(t *testing.T, bridges []Bridge, cfg RouterConfig, adapters ...Adapter) *Router {
	t.Helper()
	mapping, err := NewMapping(bridges)
	if err != nil {
		t.Fatalf("NewMapping() error = %v", err)
	}
	cfg.Log = zerolog.Nop()
	cfg.Mapping = mapping
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	}
	r := NewRouter(cfg)
	for _, ad := range adapters {
		r.RegisterAdapter(ad)
	}
	return r
}

func makeCreate(src Endpoint, messageID, body string) Envelope {
	return Envelope{
		Platform:  src.Platform,
		ChatID:    src.ChatID,
		MessageID: messageID,
		Sender: Sender{
			UserID:      "u-alice",
			Username:    "alice",
			DisplayName: "Alice",
			AvatarURL:   "https://cdn.example.net/alice.png",
		},
		Kind:      EventCreate,
		Body:      body,
		Timestamp: time.Unix(1760000000, 0),
	}
}

func makeEdit(src Endpoint, messageID, body string) Envelope {
	evt := makeCreate(src, messageID, body)
	evt.Kind = EventEdit
	return evt
}

func makeDelete(src Endpoint, messageID string) Envelope {
	evt := makeCreate(src, messageID, "")
	evt.Kind = EventDelete
	return evt
}

// waitFor polls cond until it holds or the deadline passes. Only tests that
// exercise the worker queues need it; synchronous route calls do not.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func mustGetLink(t *testing.T, links LinkStore, key LinkKey) []Copy {
	t.Helper()
	copies, ok, err := links.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("links.Get(%v) error = %v", key, err)
	}
	if !ok {
		t.Fatalf("links.Get(%v) found no link", key)
	}
	return copies
}
