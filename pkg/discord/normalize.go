// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/multibridge/pkg/bridge"
)

var mediaHTTP = &http.Client{Timeout: 30 * time.Second}

// normalize converts a gateway message into a bridge envelope. It returns
// nil for events that must not relay: webhook-authored messages and the
// bridge's own posts (first echo-prevention layer; the router re-checks),
// plus messages with neither text nor attachments.
func (a *Adapter) normalize(m *discordgo.Message, kind bridge.EventKind) *bridge.Envelope {
	if m.Author == nil || m.WebhookID != "" {
		return nil
	}
	a.mu.RLock()
	own := a.botUserID != "" && m.Author.ID == a.botUserID
	a.mu.RUnlock()
	if own {
		return nil
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return nil
	}

	evt := &bridge.Envelope{
		Platform:  PlatformID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Sender:    senderOf(m),
		Kind:      kind,
		Body:      m.Content,
		Timestamp: m.Timestamp,
	}
	for _, att := range m.Attachments {
		evt.Attachments = append(evt.Attachments, bridge.Attachment{
			Filename:  att.Filename,
			MediaType: att.ContentType,
			Size:      int64(att.Size),
			Link:      att.URL,
			Open:      openAttachment(att.URL),
		})
	}
	return evt
}

func senderOf(m *discordgo.Message) bridge.Sender {
	s := bridge.Sender{
		UserID:      m.Author.ID,
		Username:    m.Author.Username,
		DisplayName: m.Author.GlobalName,
		AvatarURL:   m.Author.AvatarURL("256"),
	}
	if m.Member != nil && m.Member.Nick != "" {
		s.DisplayName = m.Member.Nick
	}
	return s
}

// openAttachment fetches attachment bytes from Discord's CDN.
func openAttachment(url string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := mediaHTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch discord attachment: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("discord attachment fetch returned status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}
