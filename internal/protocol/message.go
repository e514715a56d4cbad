// ABOUTME: AgentMessage envelope, payload, construction helpers, and wire codec.
// ABOUTME: Envelopes are immutable once built; Encode/Decode round-trip losslessly.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the envelope time-to-live, in seconds, stamped on messages
// that do not set one. It governs how long an offline copy may be persisted.
const DefaultTTL = 3600

// Priority orders messages by urgency. It is a payload-level hint; the
// transport itself does not reorder.
type Priority string

// Recognized priorities.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether the priority is one of the recognized values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MessagePayload is the structured body of an envelope. Fields this version
// does not know about are retained in Extra and re-emitted on encode, so a
// payload survives a round trip through an older peer unchanged.
type MessagePayload struct {
	Data             map[string]any `json:"data"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requires_response"`
	ResponseTimeout  float64        `json:"response_timeout,omitempty"`
	Context          map[string]any `json:"context"`
	Attachments      []string       `json:"attachments"`

	// Extra holds unknown payload fields for forward compatibility.
	Extra map[string]json.RawMessage `json:"-"`
}

// payloadKeys are the fields MessagePayload models directly; anything else
// found on the wire lands in Extra.
var payloadKeys = map[string]struct{}{
	"data":              {},
	"priority":          {},
	"requires_response": {},
	"response_timeout":  {},
	"context":           {},
	"attachments":       {},
}

// payloadAlias avoids recursing into the custom codec.
type payloadAlias struct {
	Data             map[string]any `json:"data"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requires_response"`
	ResponseTimeout  float64        `json:"response_timeout,omitempty"`
	Context          map[string]any `json:"context"`
	Attachments      []string       `json:"attachments"`
}

// MarshalJSON emits the known fields plus any retained unknown fields.
func (p MessagePayload) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(payloadAlias{
		Data:             p.Data,
		Priority:         p.Priority,
		RequiresResponse: p.RequiresResponse,
		ResponseTimeout:  p.ResponseTimeout,
		Context:          p.Context,
		Attachments:      p.Attachments,
	})
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, reserved := payloadKeys[k]; !reserved {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the known fields and captures everything else in Extra.
func (p *MessagePayload) UnmarshalJSON(data []byte) error {
	var alias payloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = MessagePayload{
		Data:             alias.Data,
		Priority:         alias.Priority,
		RequiresResponse: alias.RequiresResponse,
		ResponseTimeout:  alias.ResponseTimeout,
		Context:          alias.Context,
		Attachments:      alias.Attachments,
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := payloadKeys[k]; known {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

// AgentMessage is the wire envelope exchanged between agents.
type AgentMessage struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	RecipientID    string         `json:"recipient_id"`
	Intent         MessageIntent  `json:"intent"`
	Payload        MessagePayload `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	TTL            int            `json:"ttl"`
}

// NewMessage builds a validated envelope. Sender and recipient ids are
// normalized; message and conversation ids, timestamp, ttl, and priority
// are filled with defaults when absent.
func NewMessage(senderID, recipientID string, intent MessageIntent, payload MessagePayload) (*AgentMessage, error) {
	sender, err := ValidateAgentID(senderID)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipient, err := ValidateAgentID(recipientID)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if !intent.Valid() {
		return nil, fmt.Errorf("%w: unknown intent %q", ErrInvalidMessage, string(intent))
	}
	if payload.Priority == "" {
		payload.Priority = PriorityNormal
	}
	if !payload.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, string(payload.Priority))
	}
	if payload.Data == nil {
		payload.Data = make(map[string]any)
	}
	if payload.Context == nil {
		payload.Context = make(map[string]any)
	}
	if payload.Attachments == nil {
		payload.Attachments = []string{}
	}

	return &AgentMessage{
		MessageID:      uuid.New().String(),
		ConversationID: uuid.New().String(),
		SenderID:       sender,
		RecipientID:    recipient,
		Intent:         intent,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
		TTL:            DefaultTTL,
	}, nil
}

// Reply builds the answering envelope for an original request. The recipient
// is the original sender, the conversation id is inherited, reply_to points
// at the original message id, and an explicit correlation id is carried over
// when the original set one.
func Reply(original *AgentMessage, senderID string, intent MessageIntent, payload MessagePayload) (*AgentMessage, error) {
	reply, err := NewMessage(senderID, original.SenderID, intent, payload)
	if err != nil {
		return nil, err
	}
	reply.ConversationID = original.ConversationID
	reply.ReplyTo = original.MessageID
	if original.CorrelationID != "" {
		reply.CorrelationID = original.CorrelationID
	}
	return reply, nil
}

// CorrelationKey is the key a waiter uses to claim this message as the answer
// to a pending request: the explicit correlation id when present, otherwise
// the id of the message being replied to.
func (m *AgentMessage) CorrelationKey() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ReplyTo
}

// Validate checks the envelope's ids, intent, and ttl, normalizing ids in
// place. The error wraps ErrInvalidMessage.
func (m *AgentMessage) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidMessage)
	}
	sender, err := ValidateAgentID(m.SenderID)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	recipient, err := ValidateAgentID(m.RecipientID)
	if err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	if !m.Intent.Valid() {
		return fmt.Errorf("%w: unknown intent %q", ErrInvalidMessage, string(m.Intent))
	}
	if m.TTL < 0 {
		return fmt.Errorf("%w: negative ttl %d", ErrInvalidMessage, m.TTL)
	}
	m.SenderID = sender
	m.RecipientID = recipient
	return nil
}

// Encode serializes an envelope to its wire form.
func Encode(m *AgentMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return data, nil
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (*AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
