// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/multibridge/pkg/bridge"
)

// ProcessedStore remembers which archive messages were already relayed, so
// repeated history pages do not duplicate them.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, chatID, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, chatID, messageID string) error
}

// ArchiveConfig configures the archive poller.
type ArchiveConfig struct {
	// BaseURL of the self-hosted archive, without trailing slash.
	BaseURL string
	// AvatarURLTemplate mirrors the adapter's template, "{username}"
	// placeholder.
	AvatarURLTemplate string
	// BotIDs are sender IDs never relayed (the bridge's own identities).
	BotIDs []string
	// Interval between polls per chat, default 5s.
	Interval time.Duration
	// PageLimit is the history page size, default 15.
	PageLimit int
}

// ArchivePoller watches a self-hosted Telegram archive for chats the bot
// cannot join directly. Every interval it fetches the newest history page of
// each bridged chat, drops already-processed messages, and emits the rest
// oldest-first as create envelopes. Edits and deletes are not visible
// through the archive.
type ArchivePoller struct {
	cfg   ArchiveConfig
	chats []bridge.Endpoint
	store ProcessedStore
	sink  bridge.EventSink
	http  *http.Client
	log   zerolog.Logger
	bots  map[string]struct{}
}

func NewArchivePoller(cfg ArchiveConfig, chats []bridge.Endpoint, store ProcessedStore, sink bridge.EventSink, log zerolog.Logger) *ArchivePoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 15
	}
	bots := make(map[string]struct{}, len(cfg.BotIDs))
	for _, id := range cfg.BotIDs {
		bots[id] = struct{}{}
	}
	return &ArchivePoller{
		cfg:   cfg,
		chats: chats,
		store: store,
		sink:  sink,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   log.With().Str("component", "telegram_archive").Logger(),
		bots:  bots,
	}
}

// Run polls until the context is cancelled.
func (p *ArchivePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, chat := range p.chats {
				if err := p.pollChat(ctx, chat.ChatID); err != nil {
					p.log.Error().Err(err).Str("chat_id", chat.ChatID).Msg("Archive poll failed")
				}
			}
		}
	}
}

func (p *ArchivePoller) pollChat(ctx context.Context, chatID string) error {
	historyURL := fmt.Sprintf("%s/api/messages.getHistory?limit=%d&page=1&peer=%s",
		p.cfg.BaseURL, p.cfg.PageLimit, url.QueryEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, historyURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch archive history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive history returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read archive history: %w", err)
	}

	names, usernames := userMaps(gjson.GetBytes(body, "users"))
	messages := gjson.GetBytes(body, "messages").Array()

	// The page is newest-first; relay unseen messages oldest-first so they
	// arrive in conversation order.
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		msgID := msg.Get("id").String()
		if msgID == "" {
			continue
		}
		seen, err := p.store.IsProcessed(ctx, chatID, msgID)
		if err != nil {
			return fmt.Errorf("failed to check processed state: %w", err)
		}
		if seen {
			continue
		}
		if evt := p.envelope(chatID, msg, names, usernames); evt != nil {
			p.sink.QueueEvent(*evt)
		}
		if err := p.store.MarkProcessed(ctx, chatID, msgID); err != nil {
			return fmt.Errorf("failed to mark message processed: %w", err)
		}
	}
	return nil
}

// envelope converts one archive history entry, or returns nil for entries
// that must not relay: service messages, bot or anonymous senders, and
// entries with neither text nor media.
func (p *ArchivePoller) envelope(chatID string, msg gjson.Result, names, usernames map[string]string) *bridge.Envelope {
	if msg.Get("_").String() == "messageService" {
		return nil
	}
	fromID := msg.Get("from_id").String()
	if fromID == "" || strings.HasPrefix(fromID, "-") {
		return nil
	}
	if _, isBot := p.bots[fromID]; isBot {
		return nil
	}
	text := msg.Get("message").String()
	media := msg.Get("media")
	if text == "" && !media.Exists() {
		return nil
	}

	msgID := msg.Get("id").String()
	sender := bridge.Sender{
		UserID:      fromID,
		Username:    usernames[fromID],
		DisplayName: names[fromID],
	}
	if sender.DisplayName == "" {
		sender.DisplayName = "User_" + fromID
	}
	if sender.Username != "" && p.cfg.AvatarURLTemplate != "" {
		sender.AvatarURL = strings.ReplaceAll(p.cfg.AvatarURLTemplate, "{username}", sender.Username)
	}

	evt := &bridge.Envelope{
		Platform:  PlatformID,
		ChatID:    chatID,
		MessageID: msgID,
		Sender:    sender,
		Kind:      bridge.EventCreate,
		Body:      text,
		Timestamp: time.Unix(msg.Get("date").Int(), 0),
	}
	if media.Exists() {
		mediaURL := fmt.Sprintf("%s/api/getMedia?peer=%s&id=%s",
			p.cfg.BaseURL, url.QueryEscape(chatID), url.QueryEscape(msgID))
		evt.Attachments = []bridge.Attachment{{
			Filename:  orDefault(media.Get("name").String(), "media_"+msgID),
			MediaType: orDefault(media.Get("mime_type").String(), "application/octet-stream"),
			Size:      media.Get("size").Int(),
			Link:      mediaURL,
			Open:      p.openMedia(mediaURL),
		}}
	}
	return evt
}

func (p *ArchivePoller) openMedia(mediaURL string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch archive media: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("archive media returned status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

func userMaps(users gjson.Result) (names, usernames map[string]string) {
	names = make(map[string]string)
	usernames = make(map[string]string)
	users.ForEach(func(_, user gjson.Result) bool {
		id := user.Get("id").String()
		if id == "" {
			return true
		}
		name := strings.TrimSpace(user.Get("first_name").String() + " " + user.Get("last_name").String())
		if name != "" {
			names[id] = name
		}
		if un := user.Get("username").String(); un != "" {
			usernames[id] = un
		}
		return true
	})
	return names, usernames
}
