// ABOUTME: Background subscription loop reconciling the desired channel set.
// ABOUTME: One transport subscription serves every handler in the process.

package broker

import (
	"context"
	"errors"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/transport"
)

// run is the subscription loop. A single transport subscription is diffed
// against the handler table each iteration, so channels can come and go at
// runtime without tearing the loop down, and one polling point preserves
// per-channel delivery order.
func (b *Broker) run(ctx context.Context) {
	defer close(b.done)

	sub := b.tr.Subscribe(ctx)
	defer sub.Close()

	current := make(map[string]struct{})

	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		b.reconcile(ctx, sub, current)

		msg, ok, err := sub.Receive(ctx, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			b.logger.Warn("subscription receive failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		b.deliver(msg)
	}
}

// reconcile diffs the desired channel set against what the subscription
// currently covers and issues incremental subscribe/unsubscribe calls.
func (b *Broker) reconcile(ctx context.Context, sub transport.Subscription, current map[string]struct{}) {
	b.mu.RLock()
	desired := make(map[string]struct{}, len(b.handlers))
	for channel := range b.handlers {
		desired[channel] = struct{}{}
	}
	b.mu.RUnlock()

	var add, remove []string
	for channel := range desired {
		if _, ok := current[channel]; !ok {
			add = append(add, channel)
		}
	}
	for channel := range current {
		if _, ok := desired[channel]; !ok {
			remove = append(remove, channel)
		}
	}

	if len(add) > 0 {
		if err := sub.Subscribe(ctx, add...); err != nil {
			b.logger.Warn("subscribe failed", "channels", add, "error", err)
		} else {
			for _, channel := range add {
				current[channel] = struct{}{}
			}
			b.logger.Debug("channels subscribed", "channels", add)
		}
	}
	if len(remove) > 0 {
		if err := sub.Unsubscribe(ctx, remove...); err != nil {
			b.logger.Warn("unsubscribe failed", "channels", remove, "error", err)
		} else {
			for _, channel := range remove {
				delete(current, channel)
			}
			b.logger.Debug("channels unsubscribed", "channels", remove)
		}
	}
}

// deliver decodes one inbound message and hands it to the channel's handler.
// Decode failures are dropped, not retried; malformed input is not transient.
func (b *Broker) deliver(msg *transport.Message) {
	decoded, err := protocol.Decode(msg.Payload)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("decode").Inc()
		b.logger.Warn("dropping undecodable message", "channel", msg.Channel, "error", err)
		return
	}

	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		// Handler removed between transport delivery and lookup.
		b.logger.Debug("no handler for channel", "channel", msg.Channel)
		return
	}
	handler(decoded)
}
