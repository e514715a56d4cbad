// ABOUTME: AgentInfo registry record, agent status values, and channel naming.
// ABOUTME: Channels derive deterministically from agent ids: agent_comm:<id>.

package protocol

import (
	"fmt"
	"slices"
	"time"
)

// ChannelPrefix is prepended to an agent id to form its pub/sub channel name.
const ChannelPrefix = "agent_comm:"

// ChannelFor derives the transport channel name for an agent id.
func ChannelFor(agentID string) string {
	return ChannelPrefix + agentID
}

// AgentStatus describes an agent's availability.
type AgentStatus string

// Recognized statuses. Only the liveness sweep transitions agents to
// StatusOffline automatically; everything else is set explicitly.
const (
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
	StatusBusy    AgentStatus = "busy"
	StatusAway    AgentStatus = "away"
)

// Valid reports whether the status is one of the recognized values.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy, StatusAway:
		return true
	}
	return false
}

// AgentInfo is the registry record for a participant. AgentID is immutable
// once registered; LastSeen advances monotonically on every heartbeat.
type AgentInfo struct {
	AgentID         string          `json:"agent_id"`
	UserName        string          `json:"user_name"`
	Role            string          `json:"role"`
	Department      string          `json:"department,omitempty"`
	Capabilities    []string        `json:"capabilities"`
	Status          AgentStatus     `json:"status"`
	Channel         string          `json:"channel"`
	SupportsIntents []MessageIntent `json:"supports_intents"`
	CreatedAt       time.Time       `json:"created_at"`
	LastSeen        time.Time       `json:"last_seen"`
	Metadata        map[string]any  `json:"metadata"`
}

// Validate normalizes the agent id and derived channel and checks the status.
// The error wraps ErrInvalidMessage.
func (a *AgentInfo) Validate() error {
	id, err := ValidateAgentID(a.AgentID)
	if err != nil {
		return err
	}
	a.AgentID = id
	a.Channel = ChannelFor(id)
	if a.Status == "" {
		a.Status = StatusOnline
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, string(a.Status))
	}
	for _, intent := range a.SupportsIntents {
		if !intent.Valid() {
			return fmt.Errorf("%w: unknown intent %q in supports_intents", ErrInvalidMessage, string(intent))
		}
	}
	return nil
}

// HasCapability reports whether the agent advertises the capability.
func (a *AgentInfo) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// SupportsIntent reports whether the agent handles the intent.
func (a *AgentInfo) SupportsIntent(intent MessageIntent) bool {
	return slices.Contains(a.SupportsIntents, intent)
}

// Clone returns a deep enough copy that callers cannot mutate registry state.
func (a *AgentInfo) Clone() *AgentInfo {
	clone := *a
	clone.Capabilities = slices.Clone(a.Capabilities)
	clone.SupportsIntents = slices.Clone(a.SupportsIntents)
	if a.Metadata != nil {
		clone.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
