// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// DefaultMaxMediaBytes is the attachment size limit applied when a target's
// media policy does not set its own.
const DefaultMaxMediaBytes = 10 * 1024 * 1024

// MediaRelay prepares envelope attachments for upload to a target platform.
// Attachments within policy are streamed through without full buffering
// when the source reported their size; oversized or disallowed ones are
// replaced with a textual placeholder so the conversation keeps its
// continuity.
type MediaRelay struct {
	log zerolog.Logger
}

func NewMediaRelay(log zerolog.Logger) *MediaRelay {
	return &MediaRelay{log: log.With().Str("component", "media_relay").Logger()}
}

// Prepare fetches one attachment under the given target policy. It returns
// either a file ready for upload or a placeholder line, never both. The
// caller owns the file's reader.
func (r *MediaRelay) Prepare(ctx context.Context, att Attachment, policy MediaPolicy) (*OutFile, string, error) {
	maxBytes := policy.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}
	if !policy.Allows(att.MediaType) {
		r.log.Debug().
			Str("filename", att.Filename).
			Str("media_type", att.MediaType).
			Msg("Attachment type not accepted by target")
		return nil, "[unsupported media: " + attachmentName(att) + "]", nil
	}
	if att.Size > 0 && att.Size > maxBytes {
		r.log.Debug().
			Str("filename", att.Filename).
			Int64("size", att.Size).
			Int64("max_bytes", maxBytes).
			Msg("Attachment exceeds target size limit")
		return nil, oversizePlaceholder(att), nil
	}
	if att.Open == nil {
		return nil, unavailablePlaceholder(att), nil
	}

	rc, err := att.Open(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open attachment %q: %w", att.Filename, err)
	}
	if att.Size > 0 {
		// Size known and within limits: hand the stream through untouched.
		return &OutFile{
			Name:        attachmentName(att),
			ContentType: att.MediaType,
			Size:        att.Size,
			Reader:      rc,
		}, "", nil
	}

	// Unknown size: buffer up to the limit to find out.
	data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	_ = rc.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment %q: %w", att.Filename, err)
	}
	if int64(len(data)) > maxBytes {
		r.log.Debug().
			Str("filename", att.Filename).
			Int64("max_bytes", maxBytes).
			Msg("Attachment of unknown size exceeds target limit")
		return nil, oversizePlaceholder(att), nil
	}
	return &OutFile{
		Name:        attachmentName(att),
		ContentType: att.MediaType,
		Size:        int64(len(data)),
		Reader:      io.NopCloser(bytes.NewReader(data)),
	}, "", nil
}

func attachmentName(att Attachment) string {
	if att.Filename != "" {
		return att.Filename
	}
	return "attachment"
}

func oversizePlaceholder(att Attachment) string {
	if att.Link != "" {
		return "[" + attachmentName(att) + "](" + att.Link + ")"
	}
	return "[media too large: " + attachmentName(att) + "]"
}

func unavailablePlaceholder(att Attachment) string {
	if att.Link != "" {
		return "[" + attachmentName(att) + "](" + att.Link + ")"
	}
	return "[media unavailable: " + attachmentName(att) + "]"
}
