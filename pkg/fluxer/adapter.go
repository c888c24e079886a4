// Copyright 2024-2026 Aiku AI

// Package fluxer is the adapter for Fluxer, a self-hosted Discord-like
// platform. It speaks the platform's websocket gateway for inbound events
// and its REST API for outbound delivery. Fluxer webhooks keep a stored
// display identity, so the adapter implements the router's webhook identity
// rewrite hook.
package fluxer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/exslices"

	"github.com/aiku/multibridge/pkg/bridge"
)

// PlatformID is the platform name Fluxer endpoints use in bridge
// definitions.
const PlatformID bridge.Platform = "fluxer"

// Config holds the Fluxer adapter settings.
type Config struct {
	// BaseURL is the deployment root, e.g. "https://fluxer.example.net". The
	// REST API lives under {BaseURL}/api and the gateway under
	// {BaseURL}/gateway (ws scheme).
	BaseURL string
	Token   string
	// ExtraBotIDs are additional bridge-owned Fluxer user IDs whose messages
	// must never be relayed.
	ExtraBotIDs []string
	// MaxMediaBytes caps inbound-to-outbound media size. Zero uses the
	// bridge default.
	MaxMediaBytes int64
}

// Adapter implements bridge.Adapter and bridge.WebhookIdentityManager over
// the Fluxer gateway and REST API.
type Adapter struct {
	cfg    Config
	log    zerolog.Logger
	sink   bridge.EventSink
	client *client
	media  *http.Client

	mu        sync.RWMutex
	botUserID string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

var (
	_ bridge.Adapter                = (*Adapter)(nil)
	_ bridge.WebhookIdentityManager = (*Adapter)(nil)
)

func NewAdapter(cfg Config, sink bridge.EventSink, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		log:    log.With().Str("component", "fluxer").Logger(),
		sink:   sink,
		client: newClient(cfg.BaseURL, cfg.Token),
		media:  &http.Client{Timeout: 30 * time.Second},
		done:   make(chan struct{}),
	}
}

func (a *Adapter) Platform() bridge.Platform { return PlatformID }

// Start opens the gateway session in the background. Unlike the REST-only
// platforms there is no upfront authentication call; a bad token surfaces as
// a rejected IDENTIFY and the gateway keeps retrying, so Start itself cannot
// fail.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	gw := &gateway{
		url:     gatewayURL(a.cfg.BaseURL),
		token:   a.cfg.Token,
		log:     a.log,
		handler: a.handleDispatch,
	}
	go func() {
		defer close(a.done)
		gw.run(ctx)
	}()
	return nil
}

func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
	})
}

func (a *Adapter) handleDispatch(event string, d gjson.Result) {
	switch event {
	case "READY":
		a.mu.Lock()
		a.botUserID = d.Get("user.id").String()
		a.mu.Unlock()
		a.log.Info().Str("user_id", d.Get("user.id").String()).Msg("Gateway ready")
	case "MESSAGE_CREATE":
		a.queueMessage(d, bridge.EventCreate)
	case "MESSAGE_UPDATE":
		a.queueMessage(d, bridge.EventEdit)
	case "MESSAGE_DELETE":
		evt := bridge.Envelope{
			Platform:  PlatformID,
			ChatID:    d.Get("channel_id").String(),
			MessageID: d.Get("id").String(),
			Kind:      bridge.EventDelete,
			Timestamp: time.Now(),
		}
		if evt.ChatID != "" && evt.MessageID != "" {
			a.sink.QueueEvent(evt)
		}
	}
}

func (a *Adapter) queueMessage(d gjson.Result, kind bridge.EventKind) {
	evt := envelopeFromDispatch(d, kind, a.openAttachment)
	if evt == nil {
		return
	}
	a.mu.RLock()
	own := a.botUserID != "" && evt.Sender.UserID == a.botUserID
	a.mu.RUnlock()
	if own {
		return
	}
	a.sink.QueueEvent(*evt)
}

// BotIdentities returns the gateway session's user ID plus configured
// extras.
func (a *Adapter) BotIdentities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.cfg.ExtraBotIDs)+1)
	if a.botUserID != "" {
		ids = append(ids, a.botUserID)
	}
	return exslices.DeduplicateUnsorted(append(ids, a.cfg.ExtraBotIDs...))
}

func (a *Adapter) MediaPolicy() bridge.MediaPolicy {
	return bridge.MediaPolicy{MaxBytes: a.cfg.MaxMediaBytes}
}

// EnsureWebhookIdentity rewrites the webhook's stored name and avatar so
// the next execution displays as the original sender.
func (a *Adapter) EnsureWebhookIdentity(ctx context.Context, target bridge.Target, identity bridge.WebhookIdentity) error {
	return a.client.updateWebhook(ctx, target.Webhook, identity)
}

func (a *Adapter) Send(ctx context.Context, target bridge.Target, out *bridge.Outbound) (string, error) {
	if target.Mode == bridge.DeliverWebhook {
		return a.client.executeWebhook(ctx, target.Webhook, out)
	}
	return a.client.sendMessage(ctx, target.ChatID, out)
}

func (a *Adapter) Edit(ctx context.Context, target bridge.Target, messageID, newBody string) error {
	if target.Mode == bridge.DeliverWebhook {
		return a.client.editWebhookMessage(ctx, target.Webhook, messageID, newBody)
	}
	return a.client.editMessage(ctx, target.ChatID, messageID, newBody)
}

func (a *Adapter) Delete(ctx context.Context, target bridge.Target, messageID string) error {
	if target.Mode == bridge.DeliverWebhook {
		return a.client.deleteWebhookMessage(ctx, target.Webhook, messageID)
	}
	return a.client.deleteMessage(ctx, target.ChatID, messageID)
}

// openAttachment fetches attachment bytes from the deployment's CDN path.
func (a *Adapter) openAttachment(url string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bot "+a.cfg.Token)
		resp, err := a.media.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch fluxer attachment: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("fluxer attachment fetch returned status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}
