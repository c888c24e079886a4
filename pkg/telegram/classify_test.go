// Copyright 2024-2026 Aiku AI

package telegram

import (
	"errors"
	"fmt"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/multibridge/pkg/bridge"
)

func TestClassify_BotAPIErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantKind  bridge.ErrorKind
		wantRetry time.Duration
	}{
		{
			name: "rate limited with retry-after",
			err: &tgbotapi.Error{
				Code:               429,
				Message:            "Too Many Requests: retry after 7",
				ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7},
			},
			wantKind:  bridge.ErrRateLimited,
			wantRetry: 7 * time.Second,
		},
		{
			name:     "forbidden",
			err:      &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was kicked"},
			wantKind: bridge.ErrPermissionDenied,
		},
		{
			name:     "edit target gone",
			err:      &tgbotapi.Error{Code: 400, Message: "Bad Request: message to edit not found"},
			wantKind: bridge.ErrNotFound,
		},
		{
			name:     "delete target gone",
			err:      &tgbotapi.Error{Code: 400, Message: "Bad Request: message to delete not found"},
			wantKind: bridge.ErrNotFound,
		},
		{
			name:     "chat gone",
			err:      &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"},
			wantKind: bridge.ErrNotFound,
		},
		{
			name:     "other bad request is fatal",
			err:      &tgbotapi.Error{Code: 400, Message: "Bad Request: message is too long"},
			wantKind: bridge.ErrPermissionDenied,
		},
		{
			name:     "payload too large",
			err:      &tgbotapi.Error{Code: 413, Message: "Request Entity Too Large"},
			wantKind: bridge.ErrPayloadTooLarge,
		},
		{
			name:     "server error is transient",
			err:      &tgbotapi.Error{Code: 502, Message: "Bad Gateway"},
			wantKind: bridge.ErrTransientNetwork,
		},
		{
			name:     "wrapped api error",
			err:      fmt.Errorf("send: %w", &tgbotapi.Error{Code: 403, Message: "Forbidden"}),
			wantKind: bridge.ErrPermissionDenied,
		},
		{
			name:     "plain network error",
			err:      errors.New("connection refused"),
			wantKind: bridge.ErrTransientNetwork,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			de := classify(tc.err)
			if de.Kind != tc.wantKind {
				t.Errorf("classify(%v).Kind = %q, want %q", tc.err, de.Kind, tc.wantKind)
			}
			if de.RetryAfter != tc.wantRetry {
				t.Errorf("classify(%v).RetryAfter = %v, want %v", tc.err, de.RetryAfter, tc.wantRetry)
			}
			if !errors.Is(de, tc.err) && de.Err == nil {
				t.Errorf("classified error lost its cause")
			}
		})
	}
}
