// Copyright 2024-2026 Aiku AI

package telegram

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/multibridge/pkg/bridge"
)

// normalize converts a Telegram message into a bridge envelope. It returns
// nil for messages that must not be relayed: bot-authored ones (including
// anonymous channel senders, whose from-id is negative) and messages with
// neither text nor media.
func (a *Adapter) normalize(msg *tgbotapi.Message, kind bridge.EventKind) *bridge.Envelope {
	if msg.From == nil || msg.From.ID < 0 {
		return nil
	}
	if msg.From.IsBot && a.bot != nil && msg.From.ID == a.bot.Self.ID {
		// First echo-prevention layer; the router re-checks by identity.
		return nil
	}

	evt := &bridge.Envelope{
		Platform:  PlatformID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Sender:    a.sender(msg.From),
		Kind:      kind,
		Body:      messageText(msg),
		Timestamp: msg.Time(),
	}
	evt.Attachments = a.attachments(msg)
	if evt.Body == "" && len(evt.Attachments) == 0 {
		return nil
	}
	return evt
}

// serviceEnvelope turns join and leave service messages into synthetic
// system notices. Non-service messages return nil.
func (a *Adapter) serviceEnvelope(msg *tgbotapi.Message) *bridge.Envelope {
	var body string
	switch {
	case len(msg.NewChatMembers) > 0:
		names := make([]string, len(msg.NewChatMembers))
		for i, u := range msg.NewChatMembers {
			names[i] = userName(&u)
		}
		body = "📌 " + strings.Join(names, ", ") + " joined the Telegram Chat"
	case msg.LeftChatMember != nil:
		body = "📍 " + userName(msg.LeftChatMember) + " left the Telegram Chat"
	default:
		return nil
	}
	return &bridge.Envelope{
		Platform:  PlatformID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Sender:    bridge.Sender{DisplayName: "System"},
		Kind:      bridge.EventCreate,
		Body:      body,
		Timestamp: msg.Time(),
		System:    true,
	}
}

func (a *Adapter) sender(from *tgbotapi.User) bridge.Sender {
	s := bridge.Sender{
		UserID:      strconv.FormatInt(from.ID, 10),
		Username:    from.UserName,
		DisplayName: userName(from),
	}
	if from.UserName != "" && a.cfg.AvatarURLTemplate != "" {
		s.AvatarURL = strings.ReplaceAll(a.cfg.AvatarURLTemplate, "{username}", from.UserName)
		return s
	}
	url, err := a.profilePhotoURL(from.ID)
	if err != nil {
		a.log.Debug().Err(err).Int64("user_id", from.ID).Msg("Could not resolve profile photo")
		return s
	}
	s.AvatarURL = url
	return s
}

func userName(u *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return "User_" + strconv.FormatInt(u.ID, 10)
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func (a *Adapter) attachments(msg *tgbotapi.Message) []bridge.Attachment {
	var atts []bridge.Attachment
	if len(msg.Photo) > 0 {
		// Sizes are ordered smallest first; relay the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		atts = append(atts, bridge.Attachment{
			Filename:  "photo_" + strconv.Itoa(msg.MessageID) + ".jpg",
			MediaType: "image/jpeg",
			Size:      int64(photo.FileSize),
			Open:      a.openFile(photo.FileID),
		})
	}
	if doc := msg.Document; doc != nil {
		atts = append(atts, bridge.Attachment{
			Filename:  orDefault(doc.FileName, "document_"+strconv.Itoa(msg.MessageID)),
			MediaType: orDefault(doc.MimeType, "application/octet-stream"),
			Size:      int64(doc.FileSize),
			Open:      a.openFile(doc.FileID),
		})
	}
	if vid := msg.Video; vid != nil {
		atts = append(atts, bridge.Attachment{
			Filename:  orDefault(vid.FileName, "video_"+strconv.Itoa(msg.MessageID)+".mp4"),
			MediaType: orDefault(vid.MimeType, "video/mp4"),
			Size:      int64(vid.FileSize),
			Open:      a.openFile(vid.FileID),
		})
	}
	if aud := msg.Audio; aud != nil {
		atts = append(atts, bridge.Attachment{
			Filename:  orDefault(aud.FileName, "audio_"+strconv.Itoa(msg.MessageID)+".mp3"),
			MediaType: orDefault(aud.MimeType, "audio/mpeg"),
			Size:      int64(aud.FileSize),
			Open:      a.openFile(aud.FileID),
		})
	}
	if voice := msg.Voice; voice != nil {
		atts = append(atts, bridge.Attachment{
			Filename:  "voice_" + strconv.Itoa(msg.MessageID) + ".ogg",
			MediaType: orDefault(voice.MimeType, "audio/ogg"),
			Size:      int64(voice.FileSize),
			Open:      a.openFile(voice.FileID),
		})
	}
	return atts
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
