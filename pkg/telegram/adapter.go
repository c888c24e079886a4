// Copyright 2024-2026 Aiku AI

// Package telegram is the long-poll source platform adapter. It normalizes
// Bot API updates into bridge envelopes and executes the router's outbound
// sends, edits, and deletes. Deployments where the bot cannot join the chat
// can additionally run the [ArchivePoller] against a self-hosted archive.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exslices"

	"github.com/aiku/multibridge/pkg/bridge"
)

// PlatformID is the platform name Telegram endpoints use in bridge
// definitions.
const PlatformID bridge.Platform = "telegram"

// Config holds the Telegram adapter settings.
type Config struct {
	Token string
	// AvatarURLTemplate resolves a sender's avatar from their username; the
	// literal "{username}" is replaced. When empty or the sender has no
	// username, the avatar falls back to the profile photo API.
	AvatarURLTemplate string
	// ExtraBotIDs are additional bridge-owned Telegram user IDs whose
	// messages must never be relayed.
	ExtraBotIDs []string
	// MaxMediaBytes caps inbound-to-outbound media size. Zero uses the
	// bridge default.
	MaxMediaBytes int64
	// UpdateTimeout is the long-poll timeout in seconds, default 60.
	UpdateTimeout int
}

// Adapter implements bridge.Adapter over the Telegram Bot API.
type Adapter struct {
	cfg  Config
	log  zerolog.Logger
	sink bridge.EventSink
	http *http.Client

	bot *tgbotapi.BotAPI
	// profilePhotoURL resolves a user's current profile photo to a fetchable
	// URL. Swapped out in tests.
	profilePhotoURL func(userID int64) (string, error)

	stopOnce sync.Once
	stopChan chan struct{}
}

var _ bridge.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config, sink bridge.EventSink, log zerolog.Logger) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		log:      log.With().Str("component", "telegram").Logger(),
		sink:     sink,
		http:     &http.Client{Timeout: 30 * time.Second},
		stopChan: make(chan struct{}),
	}
	a.profilePhotoURL = a.fetchProfilePhotoURL
	return a
}

func (a *Adapter) Platform() bridge.Platform { return PlatformID }

// Start authenticates against the Bot API and begins long-polling for
// message and edited_message updates. Authentication failure is returned to
// the caller; it is fatal for the process.
func (a *Adapter) Start(_ context.Context) error {
	bot, err := tgbotapi.NewBotAPIWithClient(a.cfg.Token, tgbotapi.APIEndpoint, a.http)
	if err != nil {
		return fmt.Errorf("telegram authentication failed: %w", err)
	}
	a.bot = bot
	a.log.Info().Str("username", bot.Self.UserName).Int64("user_id", bot.Self.ID).Msg("Authenticated")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.cfg.UpdateTimeout
	if u.Timeout <= 0 {
		u.Timeout = 60
	}
	u.AllowedUpdates = []string{"message", "edited_message"}
	updates := a.bot.GetUpdatesChan(u)

	go a.listen(updates)
	return nil
}

func (a *Adapter) listen(updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-a.stopChan:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			a.handleUpdate(update)
		}
	}
}

func (a *Adapter) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		a.handleMessage(update.Message, bridge.EventCreate)
	case update.EditedMessage != nil:
		a.handleMessage(update.EditedMessage, bridge.EventEdit)
	}
}

func (a *Adapter) handleMessage(msg *tgbotapi.Message, kind bridge.EventKind) {
	if evt := a.serviceEnvelope(msg); evt != nil {
		a.sink.QueueEvent(*evt)
		return
	}
	evt := a.normalize(msg, kind)
	if evt == nil {
		return
	}
	a.sink.QueueEvent(*evt)
}

// Stop cancels the update stream. The Bot API delivers no deletes, so there
// is no delete stream to drain.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		if a.bot != nil {
			a.bot.StopReceivingUpdates()
		}
	})
}

// BotIdentities returns the bot's own user ID plus any configured extras.
func (a *Adapter) BotIdentities() []string {
	ids := make([]string, 0, len(a.cfg.ExtraBotIDs)+1)
	if a.bot != nil {
		ids = append(ids, strconv.FormatInt(a.bot.Self.ID, 10))
	}
	return exslices.DeduplicateUnsorted(append(ids, a.cfg.ExtraBotIDs...))
}

func (a *Adapter) MediaPolicy() bridge.MediaPolicy {
	return bridge.MediaPolicy{MaxBytes: a.cfg.MaxMediaBytes}
}

// Send delivers one outbound payload: the text as its own message, then each
// attachment as a photo or document. The text message's ID (or the first
// attachment's, for text-less payloads) becomes the linked target message.
func (a *Adapter) Send(_ context.Context, target bridge.Target, out *bridge.Outbound) (string, error) {
	chatID, err := parseChatID(target.ChatID)
	if err != nil {
		return "", err
	}
	var firstID string
	if out.Body != "" {
		sent, err := a.bot.Send(tgbotapi.NewMessage(chatID, out.Body))
		if err != nil {
			return "", classify(err)
		}
		firstID = strconv.Itoa(sent.MessageID)
	}
	for _, file := range out.Files {
		var sent tgbotapi.Message
		reader := tgbotapi.FileReader{Name: file.Name, Reader: file.Reader}
		if strings.HasPrefix(file.ContentType, "image/") {
			sent, err = a.bot.Send(tgbotapi.NewPhoto(chatID, reader))
		} else {
			sent, err = a.bot.Send(tgbotapi.NewDocument(chatID, reader))
		}
		if err != nil {
			return "", classify(err)
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	if firstID == "" {
		return "", &bridge.DeliveryError{Kind: bridge.ErrPayloadTooLarge, Err: errors.New("empty outbound payload")}
	}
	return firstID, nil
}

func (a *Adapter) Edit(_ context.Context, target bridge.Target, messageID, newBody string) error {
	chatID, err := parseChatID(target.ChatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return &bridge.DeliveryError{Kind: bridge.ErrNotFound, Err: fmt.Errorf("malformed telegram message id %q", messageID)}
	}
	if _, err := a.bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, newBody)); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Delete(_ context.Context, target bridge.Target, messageID string) error {
	chatID, err := parseChatID(target.ChatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return &bridge.DeliveryError{Kind: bridge.ErrNotFound, Err: fmt.Errorf("malformed telegram message id %q", messageID)}
	}
	if _, err := a.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return classify(err)
	}
	return nil
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &bridge.DeliveryError{Kind: bridge.ErrNotFound, Err: fmt.Errorf("malformed telegram chat id %q", s)}
	}
	return id, nil
}

func (a *Adapter) fetchProfilePhotoURL(userID int64) (string, error) {
	photos, err := a.bot.GetUserProfilePhotos(tgbotapi.NewUserProfilePhotos(userID))
	if err != nil {
		return "", fmt.Errorf("failed to fetch profile photos: %w", err)
	}
	if photos.TotalCount == 0 || len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", nil
	}
	// Largest size of the most recent photo.
	sizes := photos.Photos[0]
	return a.bot.GetFileDirectURL(sizes[len(sizes)-1].FileID)
}

// openFile lazily fetches an attachment's bytes through the Bot API file
// endpoint. The direct URL is resolved per open so it never goes stale
// between retries.
func (a *Adapter) openFile(fileID string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		url, err := a.bot.GetFileDirectURL(fileID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve telegram file %q: %w", fileID, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch telegram file: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("telegram file fetch returned status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}
