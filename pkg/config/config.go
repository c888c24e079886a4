// Copyright 2024-2026 Aiku AI

// Package config loads the bridge configuration: a YAML file with
// environment overrides for secrets, validated before anything connects.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/multibridge/pkg/bridge"
)

// Duration decodes YAML strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("malformed duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Platform names as they appear in bridge definitions.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformFluxer   = "fluxer"
)

// Config is the full process configuration. Environment variables prefixed
// MULTIBRIDGE_ override the tagged fields so tokens stay out of the file.
type Config struct {
	Logging *zeroconfig.Config `yaml:"logging"`

	Telegram  TelegramConfig  `yaml:"telegram"`
	Discord   DiscordConfig   `yaml:"discord"`
	Fluxer    FluxerConfig    `yaml:"fluxer"`
	State     StateConfig     `yaml:"state"`
	Donations DonationsConfig `yaml:"donations"`
	Router    RouterConfig    `yaml:"router"`

	// Blocklist maps a platform name to sender IDs or usernames whose
	// messages are never relayed.
	Blocklist map[string][]string `yaml:"blocklist"`
	Bridges   []BridgeConfig      `yaml:"bridges"`
}

type TelegramConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Token             string   `yaml:"token" env:"TELEGRAM_TOKEN"`
	AvatarURLTemplate string   `yaml:"avatar_url_template"`
	ExtraBotIDs       []string `yaml:"extra_bot_ids"`
	MaxMediaBytes     int64    `yaml:"max_media_bytes"`
	// UpdateTimeout is the long-poll timeout in seconds.
	UpdateTimeout int           `yaml:"update_timeout"`
	Archive       ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig enables the read-only archive poller for chats the bot
// cannot join. Disabled unless BaseURL is set.
type ArchiveConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Interval  Duration `yaml:"interval"`
	PageLimit int      `yaml:"page_limit"`
}

type DiscordConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Token         string   `yaml:"token" env:"DISCORD_TOKEN"`
	ExtraBotIDs   []string `yaml:"extra_bot_ids"`
	MaxMediaBytes int64    `yaml:"max_media_bytes"`
}

type FluxerConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BaseURL       string   `yaml:"base_url"`
	Token         string   `yaml:"token" env:"FLUXER_TOKEN"`
	ExtraBotIDs   []string `yaml:"extra_bot_ids"`
	MaxMediaBytes int64    `yaml:"max_media_bytes"`
}

type StateConfig struct {
	// Path of the SQLite database file.
	Path string `yaml:"path" env:"STATE_PATH"`
}

type DonationsConfig struct {
	// Endpoint of the latest-donation API. Empty disables the poller.
	Endpoint string   `yaml:"endpoint" env:"DONATIONS_ENDPOINT"`
	Bridge   string   `yaml:"bridge"`
	Interval Duration `yaml:"interval"`
}

// RouterConfig tunes delivery retries and queueing.
type RouterConfig struct {
	Workers         int      `yaml:"workers"`
	QueueSize       int      `yaml:"queue_size"`
	SendTimeout     Duration `yaml:"send_timeout"`
	RetryAttempts   int      `yaml:"retry_attempts"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   Duration `yaml:"retry_max_delay"`
	IdentityMaxIdle Duration `yaml:"identity_max_idle"`
}

// BridgeConfig is one group of mutually relaying endpoints.
type BridgeConfig struct {
	Name      string           `yaml:"name"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

type EndpointConfig struct {
	Platform string `yaml:"platform"`
	ChatID   string `yaml:"chat_id"`
	// Mode is "bot" or "webhook". Defaults to webhook when a webhook
	// reference is given, bot otherwise.
	Mode    string `yaml:"mode"`
	Webhook string `yaml:"webhook"`
	// Block lists sender IDs or usernames denied on this endpoint only.
	Block []string `yaml:"block"`
}

// Load reads, overrides, and validates the configuration file. It is the
// single entry point; a returned Config has passed Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "MULTIBRIDGE_"}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "multibridge.db"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration before anything connects: at least two
// enabled platforms, tokens for every enabled platform, and well-formed
// bridge definitions.
func (c *Config) Validate() error {
	enabled := c.enabledPlatforms()
	if len(enabled) < 2 {
		return fmt.Errorf("bridging needs at least two enabled platforms, got %d", len(enabled))
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram is enabled without a token")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord is enabled without a token")
	}
	if c.Fluxer.Enabled {
		if c.Fluxer.Token == "" {
			return fmt.Errorf("fluxer is enabled without a token")
		}
		if err := validURL(c.Fluxer.BaseURL); err != nil {
			return fmt.Errorf("fluxer base_url: %w", err)
		}
	}
	if c.Telegram.Archive.BaseURL != "" {
		if err := validURL(c.Telegram.Archive.BaseURL); err != nil {
			return fmt.Errorf("telegram archive base_url: %w", err)
		}
	}

	if len(c.Bridges) == 0 {
		return fmt.Errorf("no bridges configured")
	}
	for _, b := range c.Bridges {
		for _, ep := range b.Endpoints {
			if _, ok := enabled[ep.Platform]; !ok {
				return fmt.Errorf("bridge %q: endpoint %s:%s uses a disabled or unknown platform", b.Name, ep.Platform, ep.ChatID)
			}
			if strings.HasPrefix(ep.Webhook, "http") {
				if err := validURL(ep.Webhook); err != nil {
					return fmt.Errorf("bridge %q: endpoint %s:%s webhook: %w", b.Name, ep.Platform, ep.ChatID, err)
				}
			}
		}
	}
	// Mapping construction enforces the structural rules: two endpoints per
	// bridge, no duplicates, webhook mode with a reference.
	if _, err := bridge.NewMapping(c.BridgeDefs()); err != nil {
		return err
	}

	if c.Donations.Endpoint != "" {
		if !c.hasBridge(c.Donations.Bridge) {
			return fmt.Errorf("donations: bridge %q is not configured", c.Donations.Bridge)
		}
	}
	return nil
}

func (c *Config) enabledPlatforms() map[string]struct{} {
	enabled := make(map[string]struct{}, 3)
	if c.Telegram.Enabled {
		enabled[PlatformTelegram] = struct{}{}
	}
	if c.Discord.Enabled {
		enabled[PlatformDiscord] = struct{}{}
	}
	if c.Fluxer.Enabled {
		enabled[PlatformFluxer] = struct{}{}
	}
	return enabled
}

func (c *Config) hasBridge(name string) bool {
	for _, b := range c.Bridges {
		if b.Name == name {
			return true
		}
	}
	return false
}

func validURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("malformed url %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("malformed url %q", s)
	}
	return nil
}

// BridgeDefs converts the bridge section into the router's mapping input.
func (c *Config) BridgeDefs() []bridge.Bridge {
	defs := make([]bridge.Bridge, 0, len(c.Bridges))
	for _, b := range c.Bridges {
		def := bridge.Bridge{Name: b.Name}
		for _, ep := range b.Endpoints {
			def.Targets = append(def.Targets, bridge.Target{
				Endpoint: bridge.Endpoint{Platform: bridge.Platform(ep.Platform), ChatID: ep.ChatID},
				Mode:     ep.DeliveryMode(),
				Webhook:  ep.Webhook,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

// DeliveryMode resolves the endpoint's effective mode.
func (ep EndpointConfig) DeliveryMode() bridge.DeliveryMode {
	switch ep.Mode {
	case "":
		if ep.Webhook != "" {
			return bridge.DeliverWebhook
		}
		return bridge.DeliverBot
	default:
		return bridge.DeliveryMode(ep.Mode)
	}
}

// BuildBlocklist assembles the sender filter from the platform denylists and
// the per-endpoint overrides.
func (c *Config) BuildBlocklist() *bridge.Blocklist {
	platform := make(map[bridge.Platform][]string, len(c.Blocklist))
	for name, entries := range c.Blocklist {
		platform[bridge.Platform(name)] = entries
	}
	endpoint := make(map[bridge.Endpoint][]string)
	for _, b := range c.Bridges {
		for _, ep := range b.Endpoints {
			if len(ep.Block) > 0 {
				key := bridge.Endpoint{Platform: bridge.Platform(ep.Platform), ChatID: ep.ChatID}
				endpoint[key] = append(endpoint[key], ep.Block...)
			}
		}
	}
	return bridge.NewBlocklist(platform, endpoint)
}

// RetryPolicy converts the router section's retry tuning.
func (c *Config) RetryPolicy() bridge.RetryPolicy {
	p := bridge.DefaultRetryPolicy()
	if c.Router.RetryAttempts > 0 {
		p.MaxAttempts = c.Router.RetryAttempts
	}
	if c.Router.RetryBaseDelay > 0 {
		p.BaseDelay = c.Router.RetryBaseDelay.Std()
	}
	if c.Router.RetryMaxDelay > 0 {
		p.MaxDelay = c.Router.RetryMaxDelay.Std()
	}
	return p
}

// CompileLogger builds the root logger from the logging section, defaulting
// to pretty-colored stderr at info level.
func (c *Config) CompileLogger() (zerolog.Logger, error) {
	logCfg := c.Logging
	if logCfg == nil {
		logCfg = &zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStderr,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		}
	}
	log, err := logCfg.Compile()
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return *log, nil
}
