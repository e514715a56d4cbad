// ABOUTME: Prometheus collectors for relay messaging activity.
// ABOUTME: Exposition is the operator's concern; this package only maintains them.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// DefaultRegistry collects every relay metric. Operators mount it behind
// whatever exposition endpoint they run.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		MessagesSent, MessagesFailed, ResponsesReceived,
		PublishRetries, MessagesDispatched, MessagesDropped,
		AgentsOnline,
	)
}

// MessagesSent counts successfully published outbound messages by intent.
var MessagesSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Outbound messages successfully published, by intent.",
	},
	[]string{"intent"},
)

// MessagesFailed counts outbound messages that exhausted delivery retries.
var MessagesFailed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_messages_failed_total",
		Help: "Outbound messages that failed delivery, by reason.",
	},
	[]string{"reason"}, // publish | timeout
)

// ResponsesReceived counts correlated replies resolved to a waiting sender.
var ResponsesReceived = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "relay_responses_received_total",
		Help: "Correlated replies delivered to waiting senders.",
	},
)

// PublishRetries counts transport-level publish retry attempts.
var PublishRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "relay_publish_retries_total",
		Help: "Transport publish attempts beyond the first.",
	},
)

// MessagesDispatched counts inbound messages routed to a handler, by intent.
var MessagesDispatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_messages_dispatched_total",
		Help: "Inbound messages routed to an intent handler, by intent.",
	},
	[]string{"intent"},
)

// MessagesDropped counts inbound messages dropped before dispatch.
var MessagesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "Inbound messages dropped before dispatch, by reason.",
	},
	[]string{"reason"}, // queue_full | duplicate | decode
)

// AgentsOnline tracks how many registered agents are currently online.
var AgentsOnline = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "relay_agents_online",
		Help: "Registered agents currently online.",
	},
)
