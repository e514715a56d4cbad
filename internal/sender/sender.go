// ABOUTME: Outbound send with best-effort validation, retry, and correlation waits.
// ABOUTME: Pending replies resolve through one-shot channels keyed by message id.

package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/registry"
)

// ErrCancelled resolves a correlation wait that was shut down before a reply
// or timeout.
var ErrCancelled = errors.New("correlation wait cancelled")

// Bus is the publish/subscribe surface the sender needs from the broker.
type Bus interface {
	Publish(ctx context.Context, msg *protocol.AgentMessage) error
	Subscribe(agentID string, handler broker.Handler)
	Unsubscribe(agentID string)
}

// Directory is the discovery surface the sender needs from the registry.
type Directory interface {
	Lookup(agentID string) (*protocol.AgentInfo, error)
	Discover(f registry.Filter) []*protocol.AgentInfo
}

// Config holds sender tuning knobs.
type Config struct {
	// SenderID is the identity replies are addressed to.
	SenderID string

	// DefaultTimeout bounds correlation waits that set no explicit timeout.
	DefaultTimeout time.Duration

	// MaxRetries is the application-level publish retry count, applied on
	// top of the broker's transport-level retries.
	MaxRetries int

	// RetryDelay is the base backoff between application-level retries.
	RetryDelay time.Duration

	// Fallback receives inbound messages that resolve no pending wait. When
	// the sender shares its identity with a dispatcher this is the
	// dispatcher's Enqueue, so one channel subscription serves both reply
	// intake and intent dispatch. Nil drops unmatched messages.
	Fallback broker.Handler
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	return c
}

// Options tune a single send.
type Options struct {
	Priority         protocol.Priority
	RequiresResponse bool

	// Timeout bounds the correlation wait; zero uses the config default.
	Timeout time.Duration

	// ConversationID threads the message into an existing exchange.
	ConversationID string

	Context     map[string]any
	Attachments []string
}

// Stats are the sender's running counters.
type Stats struct {
	Sent      uint64
	Failed    uint64
	Responses uint64
}

// Sender publishes outbound messages and correlates synchronous replies.
type Sender struct {
	bus    Bus
	dir    Directory
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.AgentMessage
	closed  bool

	sent      atomic.Uint64
	failed    atomic.Uint64
	responses atomic.Uint64
}

// New creates a Sender. The directory may be nil, in which case recipient
// validation is skipped entirely. Pass nil logger for the default.
func New(bus Bus, dir Directory, cfg Config, logger *slog.Logger) (*Sender, error) {
	id, err := protocol.ValidateAgentID(cfg.SenderID)
	if err != nil {
		return nil, err
	}
	cfg.SenderID = id
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		bus:     bus,
		dir:     dir,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "sender", "sender_id", id),
		pending: make(map[string]chan *protocol.AgentMessage),
	}, nil
}

// Start subscribes the sender's own identity for reply intake.
func (s *Sender) Start() {
	s.bus.Subscribe(s.cfg.SenderID, s.handleInbound)
}

// Stop unsubscribes reply intake and cancels every pending wait.
func (s *Sender) Stop() {
	s.bus.Unsubscribe(s.cfg.SenderID)

	s.mu.Lock()
	s.closed = true
	for key, ch := range s.pending {
		close(ch)
		delete(s.pending, key)
	}
	s.mu.Unlock()
}

// Send builds an envelope and publishes it. When opts.RequiresResponse is
// set it blocks until the correlated reply arrives and returns it; otherwise
// the returned message is nil. A timed-out wait returns a *broker.DeliveryError.
func (s *Sender) Send(ctx context.Context, recipientID string, intent protocol.MessageIntent, data map[string]any, opts Options) (*protocol.AgentMessage, error) {
	if err := s.validateRecipient(recipientID); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	payload := protocol.MessagePayload{
		Data:             data,
		Priority:         opts.Priority,
		RequiresResponse: opts.RequiresResponse,
		Context:          opts.Context,
		Attachments:      opts.Attachments,
	}
	if opts.RequiresResponse {
		payload.ResponseTimeout = timeout.Seconds()
	}

	msg, err := protocol.NewMessage(s.cfg.SenderID, recipientID, intent, payload)
	if err != nil {
		return nil, err
	}
	if opts.ConversationID != "" {
		msg.ConversationID = opts.ConversationID
	}

	// Register the slot before publishing so a fast reply cannot race the
	// registration. Keys are per-call message ids, so slots never collide.
	var replyCh chan *protocol.AgentMessage
	if opts.RequiresResponse {
		replyCh, err = s.addPending(msg.MessageID)
		if err != nil {
			return nil, err
		}
		defer s.removePending(msg.MessageID)
	}

	if err := s.publishWithRetry(ctx, msg); err != nil {
		s.failed.Add(1)
		metrics.MessagesFailed.WithLabelValues("publish").Inc()
		return nil, err
	}
	s.sent.Add(1)
	metrics.MessagesSent.WithLabelValues(string(intent)).Inc()

	if !opts.RequiresResponse {
		return nil, nil
	}
	return s.awaitReply(ctx, msg.MessageID, replyCh, timeout)
}

// validateRecipient checks registration and online status best-effort. Only
// a definitive "not found or not online" answer fails the send; an
// unreachable registry skips validation.
func (s *Sender) validateRecipient(recipientID string) error {
	if s.dir == nil {
		return nil
	}

	info, err := s.dir.Lookup(recipientID)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			return fmt.Errorf("recipient %s: %w", recipientID, registry.ErrAgentNotFound)
		}
		if errors.Is(err, protocol.ErrInvalidMessage) {
			return err
		}
		s.logger.Warn("registry unreachable, skipping recipient validation",
			"recipient_id", recipientID,
			"error", err,
		)
		return nil
	}
	if info.Status != protocol.StatusOnline {
		return fmt.Errorf("recipient %s is %s: %w", info.AgentID, info.Status, registry.ErrAgentNotFound)
	}
	return nil
}

// publishWithRetry is the application-level retry across full publish
// attempts; the broker separately retries individual transport calls.
func (s *Sender) publishWithRetry(ctx context.Context, msg *protocol.AgentMessage) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		err := s.bus.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("send attempt failed",
			"message_id", msg.MessageID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < s.cfg.MaxRetries {
			timer := time.NewTimer(s.cfg.RetryDelay * time.Duration(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// awaitReply blocks until the reply arrives, the deadline passes, or the
// wait is cancelled. The pending slot is already cleaned up by the caller's
// defer regardless of which way this resolves.
func (s *Sender) awaitReply(ctx context.Context, messageID string, replyCh <-chan *protocol.AgentMessage, timeout time.Duration) (*protocol.AgentMessage, error) {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrCancelled
		}
		s.responses.Add(1)
		metrics.ResponsesReceived.Inc()
		return reply, nil
	case <-timer.C:
		s.failed.Add(1)
		metrics.MessagesFailed.WithLabelValues("timeout").Inc()
		return nil, &broker.DeliveryError{
			MessageID: messageID,
			Elapsed:   time.Since(start),
			Cause:     fmt.Errorf("no response within %s", timeout),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleInbound routes a message on the sender's own channel to the waiting
// slot, matching correlation_id first, then reply_to. Everything that
// resolves no slot goes to the fallback.
func (s *Sender) handleInbound(msg *protocol.AgentMessage) {
	if key := msg.CorrelationKey(); key != "" {
		s.mu.Lock()
		ch, ok := s.pending[key]
		if ok {
			// Resolve while still holding the lock: Stop closes pending
			// channels under it, and an unlocked send could hit a channel
			// closed in between. The one-shot channel has capacity 1, so a
			// second reply for the same key (duplicate delivery) is dropped.
			select {
			case ch <- msg:
			default:
				s.logger.Warn("duplicate reply dropped", "correlation_key", key)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}

	if s.cfg.Fallback != nil {
		s.cfg.Fallback(msg)
		return
	}
	s.logger.Debug("unsolicited message dropped",
		"message_id", msg.MessageID,
		"sender_id", msg.SenderID,
	)
}

func (s *Sender) addPending(messageID string) (chan *protocol.AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrCancelled
	}
	ch := make(chan *protocol.AgentMessage, 1)
	s.pending[messageID] = ch
	return ch, nil
}

func (s *Sender) removePending(messageID string) {
	s.mu.Lock()
	delete(s.pending, messageID)
	s.mu.Unlock()
}

// PendingCount reports how many correlation waits are outstanding.
func (s *Sender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats returns the running counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		Responses: s.responses.Load(),
	}
}
