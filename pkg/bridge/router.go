// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how retryable delivery failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries per target, including the
	// first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt. It doubles per
	// subsequent attempt, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries each target four times with exponential
// backoff capped at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Backoff returns the wait before the retry following the given attempt,
// counting from 1, with equal jitter so synchronized retries spread out.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	d := maxDelay
	if attempt < 30 {
		d = base << (attempt - 1)
		if d > maxDelay || d <= 0 {
			d = maxDelay
		}
	}
	half := d / 2
	return half + rand.N(half+1)
}

// RouterConfig wires a Router's collaborators and tuning.
type RouterConfig struct {
	Log     zerolog.Logger
	Mapping *Mapping
	// Links defaults to an in-memory store.
	Links LinkStore
	// Filter may be nil to allow every sender.
	Filter *Blocklist
	Media  *MediaRelay
	Retry  RetryPolicy
	// Workers is the number of routing goroutines. Events for one chat
	// always land on the same worker, preserving per-chat order.
	Workers int
	// QueueSize is each worker's buffered queue length.
	QueueSize int
	// SendTimeout bounds each outbound platform call.
	SendTimeout time.Duration
	// IdentityMaxIdle, when positive, evicts webhook identities unused for
	// that long.
	IdentityMaxIdle time.Duration
}

// Router consumes normalized envelopes and relays them to every other
// endpoint of the source's bridge. It owns the link store and the webhook
// identity cache; adapters only execute the outbound calls it issues.
type Router struct {
	log      zerolog.Logger
	mapping  *Mapping
	links    LinkStore
	filter   *Blocklist
	media    *MediaRelay
	identity *IdentityCache
	retry    RetryPolicy
	timeout  time.Duration
	idleMax  time.Duration

	adaptersMu sync.RWMutex
	adapters   map[Platform]Adapter

	botsMu sync.RWMutex
	bots   map[Platform]map[string]struct{}

	chanMu    sync.Mutex
	chanLocks map[Endpoint]*sync.Mutex

	queues   []chan Envelope
	wg       sync.WaitGroup
	intakeMu sync.RWMutex
	closed   bool
	stopping chan struct{}
}

var _ EventSink = (*Router)(nil)

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Links == nil {
		cfg.Links = NewMemoryLinkStore()
	}
	if cfg.Media == nil {
		cfg.Media = NewMediaRelay(cfg.Log)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := &Router{
		log:       cfg.Log.With().Str("component", "router").Logger(),
		mapping:   cfg.Mapping,
		links:     cfg.Links,
		filter:    cfg.Filter,
		media:     cfg.Media,
		identity:  NewIdentityCache(),
		retry:     cfg.Retry,
		timeout:   timeout,
		idleMax:   cfg.IdentityMaxIdle,
		adapters:  make(map[Platform]Adapter),
		bots:      make(map[Platform]map[string]struct{}),
		chanLocks: make(map[Endpoint]*sync.Mutex),
		queues:    make([]chan Envelope, workers),
		stopping:  make(chan struct{}),
	}
	for i := range r.queues {
		r.queues[i] = make(chan Envelope, queueSize)
	}
	return r
}

// RegisterAdapter makes an adapter's platform routable. Every adapter must
// be registered before Start.
func (r *Router) RegisterAdapter(ad Adapter) {
	r.adaptersMu.Lock()
	defer r.adaptersMu.Unlock()
	r.adapters[ad.Platform()] = ad
}

func (r *Router) adapter(p Platform) Adapter {
	r.adaptersMu.RLock()
	defer r.adaptersMu.RUnlock()
	return r.adapters[p]
}

// AddBotIdentity registers a bridge-owned identity on the given platform so
// envelopes authored by it are dropped as echoes. Adapters report their own
// user IDs through BotIdentities; this covers additional configured ones.
func (r *Router) AddBotIdentity(p Platform, userID string) {
	if userID == "" {
		return
	}
	r.botsMu.Lock()
	defer r.botsMu.Unlock()
	set, ok := r.bots[p]
	if !ok {
		set = make(map[string]struct{})
		r.bots[p] = set
	}
	set[userID] = struct{}{}
}

// isBridgeBot reports whether the sender is a known bridge-bot identity on
// the platform. The comparison is exact, never heuristic.
func (r *Router) isBridgeBot(p Platform, sender Sender) bool {
	if sender.UserID == "" {
		return false
	}
	r.botsMu.RLock()
	if set, ok := r.bots[p]; ok {
		if _, hit := set[sender.UserID]; hit {
			r.botsMu.RUnlock()
			return true
		}
	}
	r.botsMu.RUnlock()

	ad := r.adapter(p)
	if ad == nil {
		return false
	}
	for _, id := range ad.BotIdentities() {
		if id != "" && id == sender.UserID {
			return true
		}
	}
	return false
}

// Start launches the routing workers.
func (r *Router) Start() {
	for _, q := range r.queues {
		r.wg.Add(1)
		go r.worker(q)
	}
	if r.idleMax > 0 {
		r.wg.Add(1)
		go r.identityJanitor()
	}
	r.log.Info().Int("workers", len(r.queues)).Msg("Router started")
}

// Stop closes the intake and waits up to grace for in-flight deliveries to
// reach a terminal state. Pending retry waits are abandoned; calls already
// on the wire finish within their own timeout.
func (r *Router) Stop(grace time.Duration) {
	r.intakeMu.Lock()
	if r.closed {
		r.intakeMu.Unlock()
		return
	}
	r.closed = true
	close(r.stopping)
	for _, q := range r.queues {
		close(q)
	}
	r.intakeMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info().Msg("Router stopped")
	case <-time.After(grace):
		r.log.Warn().Dur("grace", grace).Msg("Shutdown grace elapsed with deliveries still in flight")
	}
}

// QueueEvent implements EventSink. Events for the same chat land on the
// same worker queue, preserving arrival order; distinct chats route in
// parallel. Denylisted senders are dropped here, before any routing work.
func (r *Router) QueueEvent(evt Envelope) {
	if !r.filter.Allow(&evt) {
		r.log.Debug().
			Str("platform", string(evt.Platform)).
			Str("chat_id", evt.ChatID).
			Str("sender_id", evt.Sender.Key()).
			Msg("Dropping event from denylisted sender")
		return
	}
	r.intakeMu.RLock()
	defer r.intakeMu.RUnlock()
	if r.closed {
		r.log.Debug().
			Str("platform", string(evt.Platform)).
			Str("chat_id", evt.ChatID).
			Msg("Dropping event, router is stopped")
		return
	}
	r.queues[r.shard(evt)] <- evt
}

func (r *Router) shard(evt Envelope) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(evt.Platform))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(evt.ChatID))
	return int(h.Sum32() % uint32(len(r.queues)))
}

func (r *Router) worker(q <-chan Envelope) {
	defer r.wg.Done()
	for evt := range q {
		r.route(evt)
	}
}

func (r *Router) identityJanitor() {
	defer r.wg.Done()
	tick := time.NewTicker(r.idleMax)
	defer tick.Stop()
	for {
		select {
		case <-r.stopping:
			return
		case <-tick.C:
			if n := r.identity.Evict(r.idleMax); n > 0 {
				r.log.Debug().Int("evicted", n).Msg("Evicted idle webhook identities")
			}
		}
	}
}

// route processes one envelope to completion: every target reaches a
// terminal delivery state before the worker picks up the next event for
// this chat, so an edit can never overtake the create it refers to.
func (r *Router) route(evt Envelope) {
	log := r.log.With().
		Str("platform", string(evt.Platform)).
		Str("chat_id", evt.ChatID).
		Str("message_id", evt.MessageID).
		Str("kind", string(evt.Kind)).
		Logger()

	if r.isBridgeBot(evt.Platform, evt.Sender) {
		log.Debug().Str("sender_id", evt.Sender.UserID).Msg("Dropping echo of a bridge-bot message")
		return
	}

	targets := r.mapping.TargetsFor(evt.Source())
	if len(targets) == 0 {
		log.Debug().Msg("No bridge mapping for source endpoint")
		return
	}

	switch evt.Kind {
	case EventCreate:
		if evt.Body == "" && len(evt.Attachments) == 0 {
			log.Debug().Msg("Ignoring create event with no content")
			return
		}
		r.routeCreate(log, evt, targets)
	case EventEdit:
		r.routeEdit(log, evt)
	case EventDelete:
		r.routeDelete(log, evt)
	default:
		log.Warn().Msg("Ignoring event of unknown kind")
	}
}

// routeCreate fans a create out to every target independently and records
// the successful copies as one message link. A failure on one target never
// blocks or aborts delivery to its siblings.
func (r *Router) routeCreate(log zerolog.Logger, evt Envelope, targets []Target) {
	copies := make([]Copy, len(targets))
	delivered := make([]bool, len(targets))
	var wg sync.WaitGroup
	for i, tgt := range targets {
		wg.Add(1)
		go func(i int, tgt Target) {
			defer wg.Done()
			msgID, mode, err := r.deliverCreate(context.Background(), log, evt, tgt)
			if err != nil {
				return
			}
			tgt.Mode = mode
			if mode != DeliverWebhook {
				tgt.Webhook = ""
			}
			copies[i] = Copy{Target: tgt, MessageID: msgID}
			delivered[i] = true
		}(i, tgt)
	}
	wg.Wait()

	if evt.System {
		return
	}
	linked := make([]Copy, 0, len(targets))
	for i := range targets {
		if delivered[i] {
			linked = append(linked, copies[i])
		}
	}
	if len(linked) == 0 {
		log.Warn().Int("targets", len(targets)).Msg("Message was not delivered to any target")
		return
	}
	ctx, cancel := r.callCtx(context.Background())
	defer cancel()
	if err := r.links.Put(ctx, evt.LinkKey(), linked); err != nil {
		log.Error().Err(err).Msg("Failed to record message link")
		return
	}
	log.Debug().Int("copies", len(linked)).Int("targets", len(targets)).Msg("Message relayed")
}

// deliverCreate relays one create to one target under the retry policy. A
// fatally failing webhook falls back to a plain bot send so a deleted or
// misconfigured webhook does not silence the bridge for that channel. The
// returned mode is the one the message was actually delivered with.
func (r *Router) deliverCreate(ctx context.Context, log zerolog.Logger, evt Envelope, tgt Target) (string, DeliveryMode, error) {
	msgID, err := r.dispatchSend(ctx, log, evt, tgt)
	if err == nil {
		log.Debug().
			Str("target", tgt.Endpoint.String()).
			Str("target_message_id", msgID).
			Str("state", "delivered").
			Msg("Delivered to target")
		return msgID, tgt.Mode, nil
	}

	de := Classify(err)
	if tgt.Mode == DeliverWebhook && (de.Kind == ErrPermissionDenied || de.Kind == ErrNotFound) {
		log.Warn().
			Str("target", tgt.Endpoint.String()).
			Str("error_kind", string(de.Kind)).
			Msg("Webhook delivery failed fatally, falling back to bot send")
		fallback := Target{Endpoint: tgt.Endpoint, Mode: DeliverBot}
		msgID, fbErr := r.dispatchSend(ctx, log, evt, fallback)
		if fbErr == nil {
			log.Debug().
				Str("target", fallback.Endpoint.String()).
				Str("target_message_id", msgID).
				Str("state", "delivered").
				Msg("Delivered to target via bot fallback")
			return msgID, DeliverBot, nil
		}
		logDeliveryFailure(log, fallback.Endpoint, Classify(fbErr), "send")
		return "", "", fbErr
	}

	logDeliveryFailure(log, tgt.Endpoint, de, "send")
	return "", "", err
}

func logDeliveryFailure(log zerolog.Logger, ep Endpoint, de *DeliveryError, op string) {
	log.Error().
		Err(de).
		Str("target", ep.String()).
		Str("op", op).
		Str("error_kind", string(de.Kind)).
		Str("state", "failed_fatal").
		Msg("Delivery failed")
}

// dispatchSend builds the outbound payload and sends it, retrying per
// policy. The payload is rebuilt per attempt so media streams are fresh.
func (r *Router) dispatchSend(ctx context.Context, log zerolog.Logger, evt Envelope, tgt Target) (string, error) {
	ad := r.adapter(tgt.Platform)
	if ad == nil {
		return "", &DeliveryError{Kind: ErrPermissionDenied, Err: fmt.Errorf("no adapter registered for platform %q", tgt.Platform)}
	}
	var msgID string
	err := r.withRetry(ctx, log, tgt.Endpoint, "send", func(callCtx context.Context) error {
		out, err := r.buildOutbound(callCtx, evt, tgt, ad.MediaPolicy())
		if err != nil {
			return err
		}
		defer out.Close()
		if tgt.Mode == DeliverWebhook {
			unlock := r.lockChannel(tgt.Endpoint)
			defer unlock()
			if err := r.ensureIdentity(callCtx, ad, tgt, evt.Sender); err != nil {
				return fmt.Errorf("failed to ensure webhook identity: %w", err)
			}
			id, err := ad.Send(callCtx, tgt, out)
			if err != nil {
				return err
			}
			msgID = id
			return nil
		}
		id, err := ad.Send(callCtx, tgt, out)
		if err != nil {
			return err
		}
		msgID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// routeEdit looks up the link for the edited source message and edits every
// copy. A missing link is a no-op: the original relay never succeeded or
// predates this process. Copies that vanished on their target are unlinked.
func (r *Router) routeEdit(log zerolog.Logger, evt Envelope) {
	ctx, cancel := r.callCtx(context.Background())
	copies, ok, err := r.links.Get(ctx, evt.LinkKey())
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up message link")
		return
	}
	if !ok {
		log.Debug().Msg("Edit for unlinked message, nothing to do")
		return
	}

	gone := make([]bool, len(copies))
	var wg sync.WaitGroup
	for i, cp := range copies {
		wg.Add(1)
		go func(i int, cp Copy) {
			defer wg.Done()
			err := r.dispatchEdit(context.Background(), log, evt, cp)
			if err == nil {
				log.Debug().
					Str("target", cp.Endpoint.String()).
					Str("target_message_id", cp.MessageID).
					Str("state", "delivered").
					Msg("Edit relayed to target")
				return
			}
			de := Classify(err)
			if de.Kind == ErrNotFound {
				log.Debug().
					Str("target", cp.Endpoint.String()).
					Str("target_message_id", cp.MessageID).
					Msg("Edited message already gone on target, unlinking copy")
				gone[i] = true
				return
			}
			logDeliveryFailure(log, cp.Endpoint, de, "edit")
		}(i, cp)
	}
	wg.Wait()

	survivors := make([]Copy, 0, len(copies))
	for i, cp := range copies {
		if !gone[i] {
			survivors = append(survivors, cp)
		}
	}
	if len(survivors) == len(copies) {
		return
	}
	ctx, cancel = r.callCtx(context.Background())
	defer cancel()
	if len(survivors) == 0 {
		err = r.links.Delete(ctx, evt.LinkKey())
	} else {
		err = r.links.Put(ctx, evt.LinkKey(), survivors)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to update message link")
	}
}

func (r *Router) dispatchEdit(ctx context.Context, log zerolog.Logger, evt Envelope, cp Copy) error {
	ad := r.adapter(cp.Platform)
	if ad == nil {
		return &DeliveryError{Kind: ErrPermissionDenied, Err: fmt.Errorf("no adapter registered for platform %q", cp.Platform)}
	}
	body := evt.Body
	if cp.Mode == DeliverBot {
		body = BotBody(evt.Sender, body)
	}
	return r.withRetry(ctx, log, cp.Endpoint, "edit", func(callCtx context.Context) error {
		return ad.Edit(callCtx, cp.Target, cp.MessageID, body)
	})
}

// routeDelete deletes every copy of the source message and removes the link
// once all targets either succeeded or reported the message already gone.
// Copies still failing retryably keep the link alive for a later retry; a
// repeated delete after full success finds no link and is a no-op.
func (r *Router) routeDelete(log zerolog.Logger, evt Envelope) {
	ctx, cancel := r.callCtx(context.Background())
	copies, ok, err := r.links.Get(ctx, evt.LinkKey())
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up message link")
		return
	}
	if !ok {
		log.Debug().Msg("Delete for unlinked message, nothing to do")
		return
	}

	resolved := make([]bool, len(copies))
	var wg sync.WaitGroup
	for i, cp := range copies {
		wg.Add(1)
		go func(i int, cp Copy) {
			defer wg.Done()
			resolved[i] = r.deleteCopy(context.Background(), log, cp)
		}(i, cp)
	}
	wg.Wait()

	for _, done := range resolved {
		if !done {
			log.Warn().Msg("Keeping message link, not every copy could be deleted yet")
			return
		}
	}
	ctx, cancel = r.callCtx(context.Background())
	defer cancel()
	if err := r.links.Delete(ctx, evt.LinkKey()); err != nil {
		log.Error().Err(err).Msg("Failed to remove message link")
		return
	}
	log.Debug().Int("copies", len(copies)).Msg("Message deleted on every target")
}

// deleteCopy reports whether the copy is resolved: deleted, or already gone.
func (r *Router) deleteCopy(ctx context.Context, log zerolog.Logger, cp Copy) bool {
	ad := r.adapter(cp.Platform)
	if ad == nil {
		log.Error().Str("target", cp.Endpoint.String()).Msg("No adapter registered for delete target")
		return false
	}
	err := r.withRetry(ctx, log, cp.Endpoint, "delete", func(callCtx context.Context) error {
		return ad.Delete(callCtx, cp.Target, cp.MessageID)
	})
	if err == nil {
		log.Debug().
			Str("target", cp.Endpoint.String()).
			Str("target_message_id", cp.MessageID).
			Msg("Delete relayed to target")
		return true
	}
	de := Classify(err)
	if de.Kind == ErrNotFound {
		log.Debug().
			Str("target", cp.Endpoint.String()).
			Str("target_message_id", cp.MessageID).
			Msg("Message already gone on target")
		return true
	}
	logDeliveryFailure(log, cp.Endpoint, de, "delete")
	return false
}

// Announce relays a synthetic system notice to every endpoint of the named
// bridge. Announcements are never linked; nothing can edit or delete them.
func (r *Router) Announce(ctx context.Context, bridgeName, body string) error {
	targets := r.mapping.BridgeTargets(bridgeName)
	if len(targets) == 0 {
		return fmt.Errorf("unknown bridge %q", bridgeName)
	}
	evt := Envelope{
		Kind:      EventCreate,
		MessageID: uuid.NewString(),
		Sender:    Sender{DisplayName: "System"},
		Body:      body,
		Timestamp: time.Now(),
		System:    true,
	}
	log := r.log.With().Str("bridge", bridgeName).Str("announcement_id", evt.MessageID).Logger()

	var wg sync.WaitGroup
	for _, tgt := range targets {
		wg.Add(1)
		go func(tgt Target) {
			defer wg.Done()
			_, _, _ = r.deliverCreate(ctx, log, evt, tgt)
		}(tgt)
	}
	wg.Wait()
	return nil
}

// withRetry runs one outbound operation under the retry policy. Retryable
// failures wait with jittered backoff, honoring a server-provided delay;
// the terminal error is returned for the caller to log with its context.
func (r *Router) withRetry(ctx context.Context, log zerolog.Logger, ep Endpoint, op string, fn func(ctx context.Context) error) error {
	var lastErr *DeliveryError
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		callCtx, cancel := r.callCtx(ctx)
		err := fn(callCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Debug().
					Str("target", ep.String()).
					Str("op", op).
					Int("attempt", attempt).
					Msg("Outbound call succeeded after retry")
			}
			return nil
		}
		lastErr = Classify(err)
		if !lastErr.Retryable() || attempt == r.retry.MaxAttempts {
			return lastErr
		}
		wait := r.retry.Backoff(attempt)
		if lastErr.RetryAfter > 0 {
			wait = lastErr.RetryAfter
		}
		log.Debug().
			Err(err).
			Str("target", ep.String()).
			Str("op", op).
			Str("error_kind", string(lastErr.Kind)).
			Str("state", "failed_retryable").
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Outbound call failed, will retry")
		select {
		case <-time.After(wait):
		case <-r.stopping:
			return lastErr
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

func (r *Router) callCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.timeout)
}

// lockChannel serializes the identity-update-then-send sequence per target
// channel. Distinct channels proceed concurrently.
func (r *Router) lockChannel(ep Endpoint) func() {
	r.chanMu.Lock()
	mu, ok := r.chanLocks[ep]
	if !ok {
		mu = &sync.Mutex{}
		r.chanLocks[ep] = mu
	}
	r.chanMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// ensureIdentity rewrites the target webhook's identity when the cache says
// the webhook does not already carry this sender's current name and avatar.
// Adapters without webhook identity management rely on per-send fields and
// skip this entirely.
func (r *Router) ensureIdentity(ctx context.Context, ad Adapter, tgt Target, sender Sender) error {
	wim, ok := ad.(WebhookIdentityManager)
	if !ok {
		return nil
	}
	want := WebhookIdentity{Name: sender.Name(), AvatarURL: sender.AvatarURL}
	key := sender.Key()
	if !r.identity.NeedsUpdate(tgt.Endpoint, key, want) {
		return nil
	}
	if err := wim.EnsureWebhookIdentity(ctx, tgt, want); err != nil {
		return err
	}
	r.identity.MarkApplied(tgt.Endpoint, key, want)
	return nil
}

// buildOutbound assembles the payload for one target: the mode-adjusted
// body, relayed attachments, and placeholder lines for whatever could not
// be carried over. Streams are opened fresh per call so retries and sibling
// targets never share a reader.
func (r *Router) buildOutbound(ctx context.Context, evt Envelope, tgt Target, policy MediaPolicy) (*Outbound, error) {
	out := &Outbound{Sender: evt.Sender}
	var placeholders []string
	for _, att := range evt.Attachments {
		file, placeholder, err := r.media.Prepare(ctx, att, policy)
		if err != nil {
			out.Close()
			return nil, err
		}
		if file != nil {
			out.Files = append(out.Files, file)
		}
		if placeholder != "" {
			placeholders = append(placeholders, placeholder)
		}
	}
	body := evt.Body
	if len(placeholders) > 0 {
		if body != "" {
			body += "\n"
		}
		body += strings.Join(placeholders, "\n")
	}
	if tgt.Mode == DeliverBot {
		body = BotBody(evt.Sender, body)
	}
	out.Body = body
	return out, nil
}
