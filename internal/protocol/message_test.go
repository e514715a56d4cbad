// ABOUTME: Tests for envelope construction, replies, and the wire codec.
// ABOUTME: Validates lossless round trips including unknown payload fields.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_Defaults(t *testing.T) {
	msg, err := NewMessage("Agent.Alice", "agent.bob", IntentAssignTask, MessagePayload{
		Data: map[string]any{"task": "triage inbox"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.MessageID)
	assert.NotEmpty(t, msg.ConversationID)
	assert.Equal(t, "agent.alice", msg.SenderID, "sender id is normalized")
	assert.Equal(t, "agent.bob", msg.RecipientID)
	assert.Equal(t, DefaultTTL, msg.TTL)
	assert.Equal(t, PriorityNormal, msg.Payload.Priority)
	assert.False(t, msg.Timestamp.IsZero())
	assert.NotNil(t, msg.Payload.Context)
	assert.NotNil(t, msg.Payload.Attachments)
}

func TestNewMessage_Invalid(t *testing.T) {
	t.Run("bad recipient", func(t *testing.T) {
		_, err := NewMessage("agent.alice", "bob", IntentAssignTask, MessagePayload{})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("bad intent", func(t *testing.T) {
		_, err := NewMessage("agent.alice", "agent.bob", MessageIntent("yodel"), MessagePayload{})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("bad priority", func(t *testing.T) {
		_, err := NewMessage("agent.alice", "agent.bob", IntentAssignTask, MessagePayload{
			Priority: Priority("extreme"),
		})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg, err := NewMessage("agent.alice", "agent.bob", IntentRequestKnowledge, MessagePayload{
		Data:             map[string]any{"query": "deployment runbook"},
		Priority:         PriorityHigh,
		RequiresResponse: true,
		ResponseTimeout:  15,
		Context:          map[string]any{"thread": "t-1"},
		Attachments:      []string{"s3://bucket/doc.pdf"},
	})
	require.NoError(t, err)

	wire, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.Equal(t, msg.ConversationID, decoded.ConversationID)
	assert.Equal(t, msg.Intent, decoded.Intent)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.Equal(t, msg.TTL, decoded.TTL)
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
}

func TestDecode_PreservesUnknownPayloadFields(t *testing.T) {
	wire := []byte(`{
		"message_id": "m-1",
		"conversation_id": "c-1",
		"sender_id": "agent.alice",
		"recipient_id": "agent.bob",
		"intent": "share_insights",
		"payload": {
			"data": {"topic": "latency"},
			"priority": "normal",
			"requires_response": false,
			"context": {},
			"attachments": [],
			"trace_hint": {"span": "abc123"},
			"schema_rev": 7
		},
		"timestamp": "2026-08-01T10:00:00Z",
		"ttl": 600
	}`)

	decoded, err := Decode(wire)
	require.NoError(t, err)
	require.Contains(t, decoded.Payload.Extra, "trace_hint")
	require.Contains(t, decoded.Payload.Extra, "schema_rev")

	reencoded, err := Encode(decoded)
	require.NoError(t, err)

	var payload map[string]json.RawMessage
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reencoded, &envelope))
	require.NoError(t, json.Unmarshal(envelope["payload"], &payload))
	assert.JSONEq(t, `{"span": "abc123"}`, string(payload["trace_hint"]))
	assert.Equal(t, "7", string(payload["schema_rev"]))
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"malformed json", `{"message_id": `},
		{"missing message id", `{"sender_id":"agent.a","recipient_id":"agent.b","intent":"custom","ttl":0}`},
		{"bad sender", `{"message_id":"m","sender_id":"a","recipient_id":"agent.b","intent":"custom","ttl":0}`},
		{"bad intent", `{"message_id":"m","sender_id":"agent.a","recipient_id":"agent.b","intent":"nope","ttl":0}`},
		{"negative ttl", `{"message_id":"m","sender_id":"agent.a","recipient_id":"agent.b","intent":"custom","ttl":-5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.wire))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestReply(t *testing.T) {
	original, err := NewMessage("agent.alice", "agent.bob", IntentRequestKnowledge, MessagePayload{
		RequiresResponse: true,
	})
	require.NoError(t, err)

	reply, err := Reply(original, "agent.bob", IntentProvideContext, MessagePayload{
		Data: map[string]any{"answer": "see runbook"},
	})
	require.NoError(t, err)

	assert.Equal(t, "agent.alice", reply.RecipientID)
	assert.Equal(t, original.ConversationID, reply.ConversationID)
	assert.Equal(t, original.MessageID, reply.ReplyTo)
	assert.Empty(t, reply.CorrelationID, "no correlation id to inherit")
	assert.Equal(t, original.MessageID, reply.CorrelationKey())
}

func TestReply_InheritsCorrelationID(t *testing.T) {
	original, err := NewMessage("agent.alice", "agent.bob", IntentRequestReview, MessagePayload{})
	require.NoError(t, err)
	original.CorrelationID = "corr-42"

	reply, err := Reply(original, "agent.bob", IntentProvideFeedback, MessagePayload{})
	require.NoError(t, err)

	assert.Equal(t, "corr-42", reply.CorrelationID)
	assert.Equal(t, "corr-42", reply.CorrelationKey(), "correlation id wins over reply_to")
}

func TestAgentInfo_Validate(t *testing.T) {
	info := &AgentInfo{
		AgentID:         "Agent.Alice",
		UserName:        "alice",
		Role:            "engineer",
		SupportsIntents: []MessageIntent{IntentHealthCheck},
	}
	require.NoError(t, info.Validate())
	assert.Equal(t, "agent.alice", info.AgentID)
	assert.Equal(t, "agent_comm:agent.alice", info.Channel)
	assert.Equal(t, StatusOnline, info.Status, "status defaults to online")

	bad := &AgentInfo{AgentID: "agent.alice", Status: AgentStatus("gone")}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidMessage)
}
