// Package protocol defines the wire envelope and agent record types shared
// by every component of coven-relay.
//
// # Envelope
//
// AgentMessage is the unit of exchange between agents. It carries a unique
// message_id, the ids of its sender and recipient, a closed intent tag, and
// a structured payload:
//
//	{ message_id, conversation_id, sender_id, recipient_id, intent,
//	  payload: { data, priority, requires_response, response_timeout?,
//	             context, attachments },
//	  timestamp, reply_to?, correlation_id?, ttl }
//
// Envelopes are immutable once constructed. Encode and Decode perform a
// lossless JSON round trip; payload fields this version does not know about
// are preserved so newer peers can add fields without breaking older ones.
//
// # Agent identifiers
//
// Agent ids take the form "agent.<name>" or "system.<service>". They are
// case-folded to lowercase by ValidateAgentID; every id that enters the
// system passes through it.
//
// # Replies
//
// Reply builds the answering envelope for a request: the recipient becomes
// the original sender, the conversation id is inherited, reply_to points at
// the original message id, and an explicit correlation id is carried over
// when present. CorrelationKey is the matching half used by waiters: it
// prefers correlation_id and falls back to reply_to.
//
// All functions in this package are pure; nothing here touches the network.
package protocol
