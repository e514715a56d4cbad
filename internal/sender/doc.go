// Package sender is the client-facing API for outbound exchanges.
//
// Send validates the recipient against the registry best-effort — an
// unreachable registry skips validation rather than blocking the send, a
// deliberate availability-over-correctness tradeoff — then publishes through
// the broker with an application-level retry wrapper distinct from the
// broker's transport-level retry.
//
// When a response is required, the sender registers a one-shot channel keyed
// by the outbound message id before publishing, and blocks until a reply
// carrying that key arrives, the timeout elapses, or the wait is cancelled.
// Keys are generated per call, so two concurrent requests can never share a
// slot. Slot cleanup is unconditional regardless of outcome.
//
// The sender subscribes its own identity as a channel; every inbound message
// is checked against the pending table by correlation_id first, then
// reply_to. Messages that match no slot are logged as unsolicited and
// dropped.
package sender
