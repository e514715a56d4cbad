// ABOUTME: Intent-keyed dispatcher: bounded inbound queue, single worker loop.
// ABOUTME: Dedupes redeliveries, contains handler panics, replies to requests.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// Agent describes the identity the dispatcher receives for.
type Agent interface {
	ID() string
	Capabilities() []string
	SupportedIntents() []protocol.MessageIntent
}

// Handler processes one inbound message. Returned data becomes the payload of
// a reply when the message asked for one; a nil map with a nil error means
// the handler produced no reply.
type Handler func(ctx context.Context, msg *protocol.AgentMessage) (map[string]any, error)

// Bus is the broker surface the dispatcher needs.
type Bus interface {
	Publish(ctx context.Context, msg *protocol.AgentMessage) error
	Subscribe(agentID string, handler broker.Handler)
	Unsubscribe(agentID string)
}

// Config holds dispatcher tuning knobs.
type Config struct {
	// QueueSize bounds the inbound buffer. A full queue drops new arrivals
	// rather than blocking the broker's receive loop.
	QueueSize int

	// DedupeWindow is how long a message id is remembered for duplicate
	// suppression.
	DedupeWindow time.Duration

	// DedupeSize caps the number of remembered ids.
	DedupeSize int

	// Observer, when set, sees every accepted inbound message before it is
	// queued. Used for audit logging; it must not block.
	Observer func(msg *protocol.AgentMessage)
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 10 * time.Minute
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 4096
	}
	return c
}

// Dispatcher consumes one agent's channel and routes by intent.
type Dispatcher struct {
	agent  Agent
	bus    Bus
	cfg    Config
	logger *slog.Logger
	seen   *dedupe.Seen

	mu       sync.RWMutex
	handlers map[protocol.MessageIntent]Handler

	queue chan *protocol.AgentMessage
	stop  chan struct{}
	done  chan struct{}

	startOnce  sync.Once
	stopOnce   sync.Once
	started    bool
	subscribed bool
}

// New creates a Dispatcher for the agent. Pass nil logger for the default.
// The built-in handlers for health_check, capability_query, and agent_status
// are installed up front; RegisterHandler can override them.
func New(agent Agent, bus Bus, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		agent:    agent,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher", "agent_id", agent.ID()),
		seen:     dedupe.New(cfg.DedupeWindow, cfg.DedupeSize),
		handlers: make(map[protocol.MessageIntent]Handler),
		queue:    make(chan *protocol.AgentMessage, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.registerBuiltins()
	return d
}

// RegisterHandler binds a handler to an intent, replacing any previous one.
func (d *Dispatcher) RegisterHandler(intent protocol.MessageIntent, h Handler) error {
	if !intent.Valid() {
		return fmt.Errorf("%w: unknown intent %q", protocol.ErrInvalidMessage, string(intent))
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for intent %q", protocol.ErrInvalidMessage, string(intent))
	}
	d.mu.Lock()
	d.handlers[intent] = h
	d.mu.Unlock()
	return nil
}

// HandlerFor returns the handler bound to an intent, if any.
func (d *Dispatcher) HandlerFor(intent protocol.MessageIntent) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[intent]
	return h, ok
}

// Start subscribes the agent's channel and launches the worker loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.bus.Subscribe(d.agent.ID(), d.enqueue)
		d.mu.Lock()
		d.subscribed = true
		d.mu.Unlock()
		d.launch(ctx)
	})
}

// Run launches the worker loop without subscribing the agent's channel.
// Used when another component owns the subscription and feeds Enqueue, as
// the sender's fallback does when both share one identity.
func (d *Dispatcher) Run(ctx context.Context) {
	d.startOnce.Do(func() { d.launch(ctx) })
}

func (d *Dispatcher) launch(ctx context.Context) {
	d.mu.Lock()
	d.started = true
	subscribed := d.subscribed
	d.mu.Unlock()

	go d.run(ctx)
	d.logger.Info("dispatcher started",
		"queue_size", d.cfg.QueueSize,
		"subscribed", subscribed,
	)
}

// Stop unsubscribes and waits for the worker to exit. Messages still queued
// are dropped; offline persistence covers redelivery.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.RLock()
		started, subscribed := d.started, d.subscribed
		d.mu.RUnlock()

		if subscribed {
			d.bus.Unsubscribe(d.agent.ID())
		}
		close(d.stop)
		if started {
			<-d.done
		}
		d.seen.Close()
		d.logger.Info("dispatcher stopped")
	})
}

// QueueDepth reports how many messages are waiting.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Enqueue feeds a message into the queue outside the broker path, used to
// replay a drained offline backlog.
func (d *Dispatcher) Enqueue(msg *protocol.AgentMessage) {
	d.enqueue(msg)
}

// enqueue runs on the broker's receive goroutine; it must never block.
func (d *Dispatcher) enqueue(msg *protocol.AgentMessage) {
	if d.seen.Observe(msg.MessageID) {
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
		d.logger.Debug("duplicate delivery dropped", "message_id", msg.MessageID)
		return
	}
	if d.cfg.Observer != nil {
		d.cfg.Observer(msg)
	}

	select {
	case d.queue <- msg:
	default:
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		d.logger.Warn("queue full, message dropped",
			"message_id", msg.MessageID,
			"intent", string(msg.Intent),
			"sender_id", msg.SenderID,
		)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case msg := <-d.queue:
			d.process(ctx, msg)
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// process routes one message. A panicking handler poisons only its own
// message; the loop keeps running.
func (d *Dispatcher) process(ctx context.Context, msg *protocol.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"message_id", msg.MessageID,
				"intent", string(msg.Intent),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	handler, ok := d.HandlerFor(msg.Intent)
	if !ok {
		d.unknownIntent(ctx, msg)
		return
	}

	data, err := handler(ctx, msg)
	if err != nil {
		d.logger.Error("handler failed",
			"message_id", msg.MessageID,
			"intent", string(msg.Intent),
			"error", err,
		)
		if msg.Payload.RequiresResponse {
			d.reply(ctx, msg, map[string]any{
				"error":  err.Error(),
				"intent": string(msg.Intent),
			})
		}
		return
	}
	metrics.MessagesDispatched.WithLabelValues(string(msg.Intent)).Inc()

	if msg.Payload.RequiresResponse && data != nil {
		d.reply(ctx, msg, data)
	}
}

// unknownIntent logs, and answers the sender when a response was requested
// so its correlation wait fails fast instead of timing out.
func (d *Dispatcher) unknownIntent(ctx context.Context, msg *protocol.AgentMessage) {
	d.logger.Warn("no handler for intent",
		"message_id", msg.MessageID,
		"intent", string(msg.Intent),
		"sender_id", msg.SenderID,
	)
	if !msg.Payload.RequiresResponse {
		return
	}
	d.reply(ctx, msg, map[string]any{
		"error":  fmt.Sprintf("agent %s has no handler for intent %s", d.agent.ID(), msg.Intent),
		"intent": string(msg.Intent),
	})
}

func (d *Dispatcher) reply(ctx context.Context, original *protocol.AgentMessage, data map[string]any) {
	resp, err := protocol.Reply(original, d.agent.ID(), protocol.IntentProvideContext, protocol.MessagePayload{Data: data})
	if err != nil {
		d.logger.Error("building reply failed", "message_id", original.MessageID, "error", err)
		return
	}
	if err := d.bus.Publish(ctx, resp); err != nil {
		d.logger.Error("publishing reply failed",
			"message_id", resp.MessageID,
			"recipient_id", resp.RecipientID,
			"error", err,
		)
	}
}
