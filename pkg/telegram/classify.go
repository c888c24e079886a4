// Copyright 2024-2026 Aiku AI

package telegram

import (
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/multibridge/pkg/bridge"
)

// classify maps a Bot API error onto the bridge delivery taxonomy. Telegram
// reports "not found" conditions as 400s with descriptive text, so the
// message is inspected alongside the status code.
func classify(err error) *bridge.DeliveryError {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return bridge.Classify(err)
	}
	switch apiErr.Code {
	case 429:
		return &bridge.DeliveryError{
			Kind:       bridge.ErrRateLimited,
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			Err:        err,
		}
	case 401, 403:
		return &bridge.DeliveryError{Kind: bridge.ErrPermissionDenied, Err: err}
	case 404:
		return &bridge.DeliveryError{Kind: bridge.ErrNotFound, Err: err}
	case 413:
		return &bridge.DeliveryError{Kind: bridge.ErrPayloadTooLarge, Err: err}
	case 400:
		if isGoneMessage(apiErr.Message) {
			return &bridge.DeliveryError{Kind: bridge.ErrNotFound, Err: err}
		}
		return &bridge.DeliveryError{Kind: bridge.ErrPermissionDenied, Err: err}
	default:
		return &bridge.DeliveryError{Kind: bridge.ErrTransientNetwork, Err: err}
	}
}

func isGoneMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"message to edit not found",
		"message to delete not found",
		"message not found",
		"chat not found",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
