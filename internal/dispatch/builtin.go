// ABOUTME: Built-in handlers for the system intents every agent must answer.
// ABOUTME: health_check, capability_query, and agent_status ship pre-registered.

package dispatch

import (
	"context"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

func (d *Dispatcher) registerBuiltins() {
	d.handlers[protocol.IntentHealthCheck] = d.handleHealthCheck
	d.handlers[protocol.IntentCapabilityQuery] = d.handleCapabilityQuery
	d.handlers[protocol.IntentAgentStatus] = d.handleAgentStatus
}

func (d *Dispatcher) handleHealthCheck(context.Context, *protocol.AgentMessage) (map[string]any, error) {
	return map[string]any{
		"status":    "healthy",
		"agent_id":  d.agent.ID(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dispatcher) handleCapabilityQuery(context.Context, *protocol.AgentMessage) (map[string]any, error) {
	intents := d.agent.SupportedIntents()
	names := make([]string, len(intents))
	for i, intent := range intents {
		names[i] = string(intent)
	}
	return map[string]any{
		"agent_id":         d.agent.ID(),
		"capabilities":     d.agent.Capabilities(),
		"supports_intents": names,
	}, nil
}

func (d *Dispatcher) handleAgentStatus(context.Context, *protocol.AgentMessage) (map[string]any, error) {
	return map[string]any{
		"agent_id":    d.agent.ID(),
		"status":      string(protocol.StatusOnline),
		"queue_depth": d.QueueDepth(),
	}, nil
}
