// Package broker owns all publish/subscribe activity against the shared
// transport.
//
// # Publishing
//
// Publish encodes an envelope and hands it to the transport with linear
// backoff retry: up to retry_attempts tries, waiting retry_delay × attempt
// between them. A publish that reaches the transport succeeds regardless of
// how many subscribers received it; zero receivers is not an error. When
// persistence is enabled, a successful publish also appends the serialized
// envelope to the recipient's offline list so a disconnected agent can drain
// it later. The envelope's own ttl governs the offline list's expiry; the
// broker's configured message_ttl is only the default for envelopes without
// one.
//
// # Subscribing
//
// One background loop owns a single transport subscription for the whole
// process. Each iteration it diffs the desired channel set (everything with
// a registered handler) against what the subscription currently covers,
// issues incremental subscribe/unsubscribe calls, then polls for one message
// with a short timeout so it stays responsive to changes and shutdown.
// Handlers are invoked inline and must not block; anything slow belongs
// behind a queue. Messages that fail to decode are logged and dropped —
// malformed input is not transient.
package broker
