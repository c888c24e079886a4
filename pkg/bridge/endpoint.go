// Copyright 2024-2026 Aiku AI

package bridge

// Endpoint is a (platform, channel) pair, the unit the mapping resolves.
type Endpoint struct {
	Platform Platform
	ChatID   string
}

func (e Endpoint) String() string {
	return string(e.Platform) + ":" + e.ChatID
}

// DeliveryMode selects how a relayed message is posted to a target.
type DeliveryMode string

const (
	// DeliverBot posts through the platform bot account. The original
	// sender's name is prefixed into the body since no impersonation is
	// available.
	DeliverBot DeliveryMode = "bot"
	// DeliverWebhook posts through a channel webhook, impersonating the
	// original sender's name and avatar.
	DeliverWebhook DeliveryMode = "webhook"
)

// Target is one delivery destination within a bridge.
type Target struct {
	Endpoint
	Mode DeliveryMode
	// Webhook is the adapter-interpreted webhook reference, either a full
	// URL or an "id/token" pair. Set only for DeliverWebhook targets.
	Webhook string
}
