// Package dispatch routes inbound messages to intent handlers.
//
// The dispatcher owns one agent identity: it subscribes the agent's channel
// on the broker, queues everything that arrives, and works the queue off a
// single goroutine so handlers never run concurrently with each other.
// Duplicate deliveries are suppressed before routing, handler panics are
// contained per message, and requests carrying requires_response get a reply
// published back even when no handler matches.
package dispatch
