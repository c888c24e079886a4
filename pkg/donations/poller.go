// Copyright 2024-2026 Aiku AI

// Package donations polls a supporter API for new donations and announces
// them into a bridged channel group.
package donations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const defaultInterval = 60 * time.Second

// Announcer broadcasts a system notice to every endpoint of a named bridge.
// The bridge router implements it.
type Announcer interface {
	Announce(ctx context.Context, bridgeName, body string) error
}

// Config holds the donation poller settings. An empty Endpoint disables the
// poller entirely.
type Config struct {
	// Endpoint is the latest-donation API URL.
	Endpoint string
	// Bridge names the bridge group that receives donation announcements.
	Bridge string
	// Interval between polls, default 60s.
	Interval time.Duration
}

// Poller watches the supporter API and announces each new donation once.
// Donations are identified by name, amount, and donor username; repeated
// polls returning the same latest donation stay silent.
type Poller struct {
	cfg       Config
	log       zerolog.Logger
	announcer Announcer
	http      *http.Client

	lastID string
	primed bool
}

func NewPoller(cfg Config, announcer Announcer, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Poller{
		cfg:       cfg,
		log:       log.With().Str("component", "donations").Logger(),
		announcer: announcer,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether an endpoint is configured.
func (p *Poller) Enabled() bool { return p.cfg.Endpoint != "" }

// Run polls until ctx is canceled. It never returns an error other than
// ctx.Err(); individual poll failures are logged and retried next tick.
func (p *Poller) Run(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.log.Info().Str("endpoint", p.cfg.Endpoint).Str("bridge", p.cfg.Bridge).
		Dur("interval", p.cfg.Interval).Msg("Donation poller started")
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("Donation poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll fetches the latest donation and announces it when it differs from the
// previous one. The first successful poll only records the current latest
// donation: announcing it would repeat a donation from before this process
// started.
func (p *Poller) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch latest donation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("donation api returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read donation response: %w", err)
	}

	donation := gjson.GetBytes(body, "latest_donation")
	name := donation.Get("name").String()
	if name == "" {
		name = "Anonymous"
	}
	amountRaw := donation.Get("amount").String()
	username := donation.Get("discord_username").String()

	id := name + "-" + amountRaw + "-" + username
	if id == p.lastID {
		return nil
	}
	p.lastID = id
	if !p.primed {
		p.primed = true
		return nil
	}

	// Usernames may carry a legacy "#0000" discriminator.
	donor := strings.SplitN(username, "#", 2)[0]
	if donor == "" {
		donor = name
	}
	amount, err := strconv.ParseFloat(amountRaw, 64)
	if err != nil {
		return fmt.Errorf("malformed donation amount %q: %w", amountRaw, err)
	}

	notice := fmt.Sprintf("☕ Donation received!\nDonor: %s\nAmount: $%.2f", donor, amount)
	if err := p.announcer.Announce(ctx, p.cfg.Bridge, notice); err != nil {
		return fmt.Errorf("failed to announce donation: %w", err)
	}
	p.log.Info().Str("donor", donor).Str("amount", amountRaw).Msg("Donation announced")
	return nil
}
