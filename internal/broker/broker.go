// ABOUTME: Broker publishes envelopes with retry and manages per-agent subscriptions.
// ABOUTME: Also persists offline copies and drains them when an agent returns.

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/transport"
)

// offlineKeyPrefix namespaces the per-recipient offline lists.
const offlineKeyPrefix = "agent_offline:"

// Config holds broker tuning knobs.
type Config struct {
	// RetryAttempts is how many times a publish is tried before giving up.
	RetryAttempts int

	// RetryDelay is the base backoff; attempt n waits RetryDelay × n.
	RetryDelay time.Duration

	// MessageTTL is the offline-list expiry for envelopes that carry no ttl.
	MessageTTL time.Duration

	// EnablePersistence controls store-and-forward for offline recipients.
	EnablePersistence bool

	// PollTimeout bounds each subscription poll; it is also the upper bound
	// on how long shutdown and channel-set changes take to observe.
	PollTimeout time.Duration
}

// withDefaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = time.Duration(protocol.DefaultTTL) * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 250 * time.Millisecond
	}
	return c
}

// Handler consumes one decoded inbound envelope. Handlers run on the
// subscription loop and must not block.
type Handler func(msg *protocol.AgentMessage)

// Broker owns the channel-per-agent mapping and all transport pub/sub
// activity for one process.
type Broker struct {
	tr     transport.Transport
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler // channel name -> handler

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a Broker. Pass nil logger for the default.
func New(tr transport.Transport, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		tr:       tr,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "broker"),
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the subscription loop. It is a no-op if already started.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.run(ctx)
}

// Stop shuts down the subscription loop and waits for it to exit.
func (b *Broker) Stop() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stop) })
	if started {
		<-b.done
	}
}

// Publish delivers an envelope to its recipient's channel, retrying transport
// failures with linear backoff. Validation failures are returned immediately
// and never retried. After the configured attempts are exhausted the error is
// a *DeliveryError.
func (b *Broker) Publish(ctx context.Context, msg *protocol.AgentMessage) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	channel := protocol.ChannelFor(msg.RecipientID)

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= b.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			metrics.PublishRetries.Inc()
		}

		receivers, err := b.tr.Publish(ctx, channel, payload)
		if err == nil {
			b.logger.Debug("message published",
				"message_id", msg.MessageID,
				"channel", channel,
				"receivers", receivers,
				"attempt", attempt,
			)
			b.persistOffline(ctx, msg, payload)
			return nil
		}
		lastErr = err
		b.logger.Warn("publish attempt failed",
			"message_id", msg.MessageID,
			"channel", channel,
			"attempt", attempt,
			"error", err,
		)

		if attempt < b.cfg.RetryAttempts {
			if err := sleepCtx(ctx, b.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}

	return &DeliveryError{
		MessageID: msg.MessageID,
		Attempts:  b.cfg.RetryAttempts,
		Elapsed:   time.Since(start),
		Cause:     lastErr,
	}
}

// persistOffline appends the serialized envelope to the recipient's offline
// list. The envelope's own ttl is authoritative for the list expiry; the
// broker default only covers envelopes without one. Persistence failures are
// logged, never surfaced: delivery already succeeded.
func (b *Broker) persistOffline(ctx context.Context, msg *protocol.AgentMessage, payload []byte) {
	if !b.cfg.EnablePersistence {
		return
	}

	ttl := b.cfg.MessageTTL
	if msg.TTL > 0 {
		ttl = time.Duration(msg.TTL) * time.Second
	}
	key := offlineKeyPrefix + msg.RecipientID
	if err := b.tr.PushList(ctx, key, payload, ttl); err != nil {
		b.logger.Warn("offline persistence failed",
			"message_id", msg.MessageID,
			"recipient_id", msg.RecipientID,
			"error", err,
		)
	}
}

// Subscribe registers a handler for an agent's channel. The subscription loop
// picks up the change on its next reconcile pass.
func (b *Broker) Subscribe(agentID string, handler Handler) {
	channel := protocol.ChannelFor(agentID)
	b.mu.Lock()
	b.handlers[channel] = handler
	b.mu.Unlock()
	b.logger.Debug("handler registered", "channel", channel)
}

// Unsubscribe removes an agent's handler; the loop issues the transport
// unsubscribe on its next pass.
func (b *Broker) Unsubscribe(agentID string) {
	channel := protocol.ChannelFor(agentID)
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()
	b.logger.Debug("handler removed", "channel", channel)
}

// SubscriptionCount returns how many channels currently have handlers.
func (b *Broker) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// DrainOffline pops and clears the recipient's persisted envelopes. Entries
// that fail to parse are skipped with a warning rather than failing the batch.
func (b *Broker) DrainOffline(ctx context.Context, agentID string) ([]*protocol.AgentMessage, error) {
	id, err := protocol.ValidateAgentID(agentID)
	if err != nil {
		return nil, err
	}

	entries, err := b.tr.DrainList(ctx, offlineKeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("draining offline messages for %s: %w", id, err)
	}

	messages := make([]*protocol.AgentMessage, 0, len(entries))
	for _, entry := range entries {
		msg, err := protocol.Decode(entry)
		if err != nil {
			b.logger.Warn("skipping unparseable offline message",
				"agent_id", id,
				"error", err,
			)
			continue
		}
		messages = append(messages, msg)
	}

	if len(messages) > 0 {
		b.logger.Info("offline messages drained", "agent_id", id, "count", len(messages))
	}
	return messages, nil
}

// Health describes the broker's view of the transport.
type Health struct {
	Healthy       bool          `json:"healthy"`
	Latency       time.Duration `json:"latency"`
	Subscriptions int           `json:"subscriptions"`
	Error         string        `json:"error,omitempty"`
}

// HealthCheck round-trips a ping and reports latency plus subscription count.
// A failing transport yields a degraded report, not an error.
func (b *Broker) HealthCheck(ctx context.Context) Health {
	h := Health{Subscriptions: b.SubscriptionCount()}

	latency, err := b.tr.Ping(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	h.Latency = latency
	return h
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
