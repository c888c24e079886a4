// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrorKind classifies a delivery failure.
type ErrorKind string

const (
	// ErrRateLimited marks throttling by the target platform. Retried with
	// exponential backoff, honoring a server-provided wait when present.
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrPermissionDenied is fatal for the target and never retried.
	ErrPermissionDenied ErrorKind = "permission_denied"
	// ErrNotFound means the target channel or message is gone. It counts as
	// success for deletes and as a non-fatal failure for creates and edits.
	ErrNotFound ErrorKind = "not_found"
	// ErrTransientNetwork marks connectivity trouble, retried like a rate
	// limit.
	ErrTransientNetwork ErrorKind = "transient_network"
	// ErrPayloadTooLarge means the payload exceeded a platform limit the
	// media relay could not predict.
	ErrPayloadTooLarge ErrorKind = "payload_too_large"
)

// DeliveryError is the classified failure of one outbound platform call.
type DeliveryError struct {
	Kind ErrorKind
	// RetryAfter is the server-requested wait before retrying, when the
	// platform provided one.
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may resolve by waiting.
func (e *DeliveryError) Retryable() bool {
	return e.Kind == ErrRateLimited || e.Kind == ErrTransientNetwork
}

// Classify normalizes any error into a DeliveryError. Errors the adapters
// already classified pass through unchanged; timeouts count as rate-limit
// class, everything else as transient network trouble.
func Classify(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &DeliveryError{Kind: ErrRateLimited, Err: err}
	}
	return &DeliveryError{Kind: ErrTransientNetwork, Err: err}
}

// ClassifyHTTP maps an HTTP response status to a DeliveryError wrapping err.
func ClassifyHTTP(status int, err error) *DeliveryError {
	var kind ErrorKind
	switch status {
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrPermissionDenied
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusRequestEntityTooLarge:
		kind = ErrPayloadTooLarge
	default:
		kind = ErrTransientNetwork
	}
	return &DeliveryError{Kind: kind, Err: err}
}
