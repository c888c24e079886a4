// Copyright 2024-2026 Aiku AI

package discord

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/multibridge/pkg/bridge"
)

// classify maps discordgo errors onto the bridge delivery taxonomy.
func classify(err error) *bridge.DeliveryError {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &bridge.DeliveryError{
			Kind:       bridge.ErrRateLimited,
			RetryAfter: rl.RetryAfter,
			Err:        err,
		}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &bridge.DeliveryError{Kind: bridge.ErrPermissionDenied, Err: err}
		case http.StatusNotFound:
			return &bridge.DeliveryError{Kind: bridge.ErrNotFound, Err: err}
		case http.StatusRequestEntityTooLarge:
			return &bridge.DeliveryError{Kind: bridge.ErrPayloadTooLarge, Err: err}
		case http.StatusTooManyRequests:
			return &bridge.DeliveryError{Kind: bridge.ErrRateLimited, Err: err}
		default:
			return &bridge.DeliveryError{Kind: bridge.ErrTransientNetwork, Err: err}
		}
	}
	return bridge.Classify(err)
}
