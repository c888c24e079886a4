// Copyright 2024-2026 Aiku AI

// Package discord is the Discord platform adapter. Inbound gateway events
// become bridge envelopes; outbound delivery goes through channel webhooks
// (impersonating the original sender per send) or the bot account.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/aiku/multibridge/pkg/bridge"
)

// PlatformID is the platform name Discord endpoints use in bridge
// definitions.
const PlatformID bridge.Platform = "discord"

// Config holds the Discord adapter settings.
type Config struct {
	Token string
	// ExtraBotIDs are additional bridge-owned Discord user IDs whose
	// messages must never be relayed.
	ExtraBotIDs []string
	// MaxMediaBytes caps relayed attachment size. Zero uses the bridge
	// default.
	MaxMediaBytes int64
}

// restSession is the slice of discordgo.Session the adapter drives for
// outbound calls. Tests substitute a recorder.
type restSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageDelete(webhookID, token, messageID string, options ...discordgo.RequestOption) error
}

// Adapter implements bridge.Adapter over a discordgo session.
type Adapter struct {
	cfg  Config
	log  zerolog.Logger
	sink bridge.EventSink

	session *discordgo.Session
	rest    restSession

	mu        sync.RWMutex
	botUserID string

	stopOnce sync.Once
}

var _ bridge.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config, sink bridge.EventSink, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:  cfg,
		log:  log.With().Str("component", "discord").Logger(),
		sink: sink,
	}
}

func (a *Adapter) Platform() bridge.Platform { return PlatformID }

// Start opens the gateway session. Open blocks until the Ready event, so
// the bot's own user ID is known once Start returns. Authentication failure
// is returned to the caller; it is fatal for the process.
func (a *Adapter) Start(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	session.AddHandler(a.handleMessageCreate)
	session.AddHandler(a.handleMessageUpdate)
	session.AddHandler(a.handleMessageDelete)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord authentication failed: %w", err)
	}
	a.session = session
	a.rest = session
	a.mu.Lock()
	if session.State != nil && session.State.User != nil {
		a.botUserID = session.State.User.ID
	}
	a.mu.Unlock()
	a.log.Info().Str("user_id", a.botUserID).Msg("Gateway connected")
	return nil
}

// Stop closes the gateway session.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		if a.session != nil {
			if err := a.session.Close(); err != nil {
				a.log.Warn().Err(err).Msg("Error closing gateway session")
			}
		}
	})
}

func (a *Adapter) BotIdentities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.cfg.ExtraBotIDs)+1)
	if a.botUserID != "" {
		ids = append(ids, a.botUserID)
	}
	return append(ids, a.cfg.ExtraBotIDs...)
}

func (a *Adapter) MediaPolicy() bridge.MediaPolicy {
	return bridge.MediaPolicy{MaxBytes: a.cfg.MaxMediaBytes}
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if evt := a.normalize(m.Message, bridge.EventCreate); evt != nil {
		a.sink.QueueEvent(*evt)
	}
}

func (a *Adapter) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed unfurls arrive as author-less updates; nothing to relay.
	if m.Author == nil {
		return
	}
	if evt := a.normalize(m.Message, bridge.EventEdit); evt != nil {
		a.sink.QueueEvent(*evt)
	}
}

func (a *Adapter) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	// Delete events carry no author; the router correlates them through
	// the link store.
	a.sink.QueueEvent(bridge.Envelope{
		Platform:  PlatformID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Kind:      bridge.EventDelete,
	})
}

// Send delivers one outbound payload, through the target's webhook with
// per-send impersonation or through the bot account.
func (a *Adapter) Send(ctx context.Context, target bridge.Target, out *bridge.Outbound) (string, error) {
	files := make([]*discordgo.File, len(out.Files))
	for i, f := range out.Files {
		files[i] = &discordgo.File{Name: f.Name, ContentType: f.ContentType, Reader: f.Reader}
	}

	if target.Mode == bridge.DeliverWebhook {
		id, token, err := parseWebhookRef(target.Webhook)
		if err != nil {
			return "", err
		}
		msg, err := a.rest.WebhookExecute(id, token, true, &discordgo.WebhookParams{
			Content:   out.Body,
			Username:  out.Sender.Name(),
			AvatarURL: out.Sender.AvatarURL,
			Files:     files,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return "", classify(err)
		}
		return msg.ID, nil
	}

	msg, err := a.rest.ChannelMessageSendComplex(target.ChatID, &discordgo.MessageSend{
		Content: out.Body,
		Files:   files,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

func (a *Adapter) Edit(ctx context.Context, target bridge.Target, messageID, newBody string) error {
	if target.Mode == bridge.DeliverWebhook {
		id, token, err := parseWebhookRef(target.Webhook)
		if err != nil {
			return err
		}
		_, err = a.rest.WebhookMessageEdit(id, token, messageID, &discordgo.WebhookEdit{
			Content: ptr.Ptr(newBody),
		}, discordgo.WithContext(ctx))
		if err != nil {
			return classify(err)
		}
		return nil
	}
	if _, err := a.rest.ChannelMessageEdit(target.ChatID, messageID, newBody, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, target bridge.Target, messageID string) error {
	if target.Mode == bridge.DeliverWebhook {
		id, token, err := parseWebhookRef(target.Webhook)
		if err != nil {
			return err
		}
		if err := a.rest.WebhookMessageDelete(id, token, messageID, discordgo.WithContext(ctx)); err != nil {
			return classify(err)
		}
		return nil
	}
	if err := a.rest.ChannelMessageDelete(target.ChatID, messageID, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

// parseWebhookRef accepts either an "id/token" pair or a full webhook URL.
func parseWebhookRef(ref string) (id, token string, err error) {
	trimmed := ref
	if idx := strings.Index(trimmed, "/webhooks/"); idx >= 0 {
		trimmed = trimmed[idx+len("/webhooks/"):]
	}
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &bridge.DeliveryError{
			Kind: bridge.ErrPermissionDenied,
			Err:  fmt.Errorf("malformed webhook reference %q", ref),
		}
	}
	return parts[0], parts[1], nil
}
