// Copyright 2024-2026 Aiku AI

package fluxer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.mau.fi/util/retryafter"

	"github.com/aiku/multibridge/pkg/bridge"
)

// client talks to the Fluxer REST API. Fluxer has no published SDK; the
// endpoints mirror the platform's Discord-like HTTP contract.
type client struct {
	apiBase string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		apiBase: strings.TrimSuffix(baseURL, "/") + "/api",
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// webhookPayload is the payload_json part of a webhook execution.
type webhookPayload struct {
	Username    string              `json:"username,omitempty"`
	AvatarURL   string              `json:"avatar_url,omitempty"`
	Content     string              `json:"content"`
	Attachments []attachmentPayload `json:"attachments"`
}

type attachmentPayload struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

// do executes one API request and returns the response body for 2xx
// statuses. Other statuses are classified into the delivery taxonomy,
// honoring Retry-After on 429s.
func (c *client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &bridge.DeliveryError{Kind: bridge.ErrTransientNetwork, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &bridge.DeliveryError{Kind: bridge.ErrTransientNetwork, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	cause := fmt.Errorf("fluxer api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	de := bridge.ClassifyHTTP(resp.StatusCode, cause)
	if resp.StatusCode == http.StatusTooManyRequests {
		de.RetryAfter = retryafter.Parse(resp.Header.Get("Retry-After"), time.Second)
	}
	return nil, de
}

func (c *client) request(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	return c.do(req)
}

// multipartRequest sends payload_json plus files[i] parts, the webhook
// execution contract. Files stream through the multipart writer.
func (c *client) multipartRequest(ctx context.Context, method, url string, payload webhookPayload, files []*bridge.OutFile) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload_json: %w", err)
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(payloadJSON); err != nil {
		return nil, err
	}

	for i, file := range files {
		fh := textproto.MIMEHeader{}
		fh.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename=%q`, i, file.Name))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fh.Set("Content-Type", contentType)
		part, err := w.CreatePart(fh)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, file.Reader); err != nil {
			return nil, fmt.Errorf("failed to stream file %q: %w", file.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bot "+c.token)
	return c.do(req)
}

func buildPayload(out *bridge.Outbound, impersonate bool) webhookPayload {
	payload := webhookPayload{Content: out.Body, Attachments: []attachmentPayload{}}
	if impersonate {
		payload.Username = out.Sender.Name()
		payload.AvatarURL = out.Sender.AvatarURL
	}
	for i, file := range out.Files {
		payload.Attachments = append(payload.Attachments, attachmentPayload{ID: i, Filename: file.Name})
	}
	return payload
}

// executeWebhook posts through a channel webhook and returns the created
// message ID.
func (c *client) executeWebhook(ctx context.Context, webhookRef string, out *bridge.Outbound) (string, error) {
	url := fmt.Sprintf("%s/webhooks/%s?wait=true", c.apiBase, webhookRef)
	body, err := c.multipartRequest(ctx, http.MethodPost, url, buildPayload(out, true), out.Files)
	if err != nil {
		return "", err
	}
	return messageID(body)
}

// sendMessage posts through the bot account.
func (c *client) sendMessage(ctx context.Context, channelID string, out *bridge.Outbound) (string, error) {
	url := fmt.Sprintf("%s/channels/%s/messages", c.apiBase, channelID)
	var body []byte
	var err error
	if len(out.Files) > 0 {
		body, err = c.multipartRequest(ctx, http.MethodPost, url, buildPayload(out, false), out.Files)
	} else {
		body, err = c.request(ctx, http.MethodPost, url, map[string]string{"content": out.Body})
	}
	if err != nil {
		return "", err
	}
	return messageID(body)
}

func (c *client) editWebhookMessage(ctx context.Context, webhookRef, messageID, content string) error {
	url := fmt.Sprintf("%s/webhooks/%s/messages/%s", c.apiBase, webhookRef, messageID)
	_, err := c.request(ctx, http.MethodPatch, url, map[string]string{"content": content})
	return err
}

func (c *client) deleteWebhookMessage(ctx context.Context, webhookRef, messageID string) error {
	url := fmt.Sprintf("%s/webhooks/%s/messages/%s", c.apiBase, webhookRef, messageID)
	_, err := c.request(ctx, http.MethodDelete, url, nil)
	return err
}

func (c *client) editMessage(ctx context.Context, channelID, messageID, content string) error {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", c.apiBase, channelID, messageID)
	_, err := c.request(ctx, http.MethodPatch, url, map[string]string{"content": content})
	return err
}

func (c *client) deleteMessage(ctx context.Context, channelID, messageID string) error {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", c.apiBase, channelID, messageID)
	_, err := c.request(ctx, http.MethodDelete, url, nil)
	return err
}

// updateWebhook rewrites the webhook's stored display identity. Some Fluxer
// deployments ignore per-send username overrides, so the stored identity is
// kept in sync before each impersonated send.
func (c *client) updateWebhook(ctx context.Context, webhookRef string, identity bridge.WebhookIdentity) error {
	url := fmt.Sprintf("%s/webhooks/%s", c.apiBase, webhookRef)
	_, err := c.request(ctx, http.MethodPatch, url, map[string]string{
		"name":       identity.Name,
		"avatar_url": identity.AvatarURL,
	})
	return err
}

func messageID(body []byte) (string, error) {
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", &bridge.DeliveryError{
			Kind: bridge.ErrTransientNetwork,
			Err:  fmt.Errorf("fluxer response carries no message id: %s", strings.TrimSpace(string(body))),
		}
	}
	return id, nil
}
