// Copyright 2024-2026 Aiku AI

package fluxer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/multibridge/pkg/bridge"
)

// Gateway opcodes, Discord-compatible numbering.
const (
	opDispatch  = 0
	opHeartbeat = 1
	opIdentify  = 2
	opHello     = 10
	opAck       = 11
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// gateway maintains the websocket session: HELLO/IDENTIFY handshake,
// heartbeat keepalive, and dispatch of MESSAGE_* events to the adapter.
// A dropped connection reconnects with exponential backoff.
type gateway struct {
	url     string
	token   string
	log     zerolog.Logger
	handler func(event string, data gjson.Result)
}

type frame struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// gatewayURL derives the websocket endpoint from the REST base URL.
func gatewayURL(baseURL string) string {
	url := strings.TrimSuffix(baseURL, "/") + "/gateway"
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// run connects and reconnects until ctx is canceled. The backoff resets
// after any session that completed its handshake.
func (g *gateway) run(ctx context.Context) {
	backoff := reconnectBase
	for {
		identified, err := g.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if identified {
			backoff = reconnectBase
		}
		g.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Gateway connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectCap)
	}
}

// session runs one websocket connection to completion. It reports whether
// the HELLO/IDENTIFY handshake succeeded before the connection ended.
func (g *gateway) session(ctx context.Context) (identified bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return false, fmt.Errorf("gateway dial failed: %w", err)
	}
	defer conn.Close()

	// Close the socket when ctx dies so the blocked ReadMessage returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	hello, err := g.readFrame(conn)
	if err != nil {
		return false, fmt.Errorf("gateway closed before HELLO: %w", err)
	}
	if hello.Op != opHello {
		return false, fmt.Errorf("expected HELLO, got op %d", hello.Op)
	}
	interval := time.Duration(gjson.GetBytes(hello.Data, "heartbeat_interval").Int()) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}

	identify, _ := json.Marshal(map[string]string{"token": g.token})
	if err := conn.WriteJSON(frame{Op: opIdentify, Data: identify}); err != nil {
		return false, fmt.Errorf("failed to send IDENTIFY: %w", err)
	}
	g.log.Debug().Dur("heartbeat_interval", interval).Msg("Gateway session established")

	readErr := make(chan error, 1)
	go g.readLoop(conn, readErr)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-ticker.C:
			if err := conn.WriteJSON(frame{Op: opHeartbeat}); err != nil {
				return true, fmt.Errorf("heartbeat write failed: %w", err)
			}
		}
	}
}

func (g *gateway) readLoop(conn *websocket.Conn, readErr chan<- error) {
	for {
		f, err := g.readFrame(conn)
		if err != nil {
			readErr <- err
			return
		}
		switch f.Op {
		case opDispatch:
			g.handler(f.Type, gjson.ParseBytes(f.Data))
		case opAck:
			// Heartbeat acknowledged.
		}
	}
}

func (g *gateway) readFrame(conn *websocket.Conn) (frame, error) {
	var f frame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("malformed gateway frame: %w", err)
	}
	return f, nil
}

// envelopeFromDispatch converts a MESSAGE_CREATE or MESSAGE_UPDATE payload
// into a bridge envelope. Nil for webhook-authored messages and empty
// payloads; the adapter's own messages are filtered by the caller.
func envelopeFromDispatch(d gjson.Result, kind bridge.EventKind, mediaOpener func(url string) func(ctx context.Context) (io.ReadCloser, error)) *bridge.Envelope {
	if d.Get("webhook_id").Exists() && d.Get("webhook_id").String() != "" {
		return nil
	}
	author := d.Get("author")
	if !author.Exists() {
		return nil
	}
	body := d.Get("content").String()
	attachments := d.Get("attachments").Array()
	if body == "" && len(attachments) == 0 {
		return nil
	}

	evt := &bridge.Envelope{
		Platform:  PlatformID,
		ChatID:    d.Get("channel_id").String(),
		MessageID: d.Get("id").String(),
		Sender: bridge.Sender{
			UserID:      author.Get("id").String(),
			Username:    author.Get("username").String(),
			DisplayName: author.Get("display_name").String(),
			AvatarURL:   author.Get("avatar_url").String(),
		},
		Kind: kind,
		Body: body,
	}
	if ts, err := time.Parse(time.RFC3339, d.Get("timestamp").String()); err == nil {
		evt.Timestamp = ts
	} else {
		evt.Timestamp = time.Now()
	}
	for _, att := range attachments {
		url := att.Get("url").String()
		evt.Attachments = append(evt.Attachments, bridge.Attachment{
			Filename:  att.Get("filename").String(),
			MediaType: att.Get("content_type").String(),
			Size:      att.Get("size").Int(),
			Link:      url,
			Open:      mediaOpener(url),
		})
	}
	return evt
}
