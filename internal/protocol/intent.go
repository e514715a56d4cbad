// ABOUTME: Closed enumeration of message intents used for handler dispatch.
// ABOUTME: Covers task lifecycle, knowledge, collaboration, and system intents.

package protocol

import "fmt"

// MessageIntent classifies the purpose of a message. The set is closed;
// IntentCustom is the escape hatch for application-defined exchanges.
type MessageIntent string

// Task lifecycle intents.
const (
	IntentGetRoadmap       MessageIntent = "get_roadmap"
	IntentAssignTask       MessageIntent = "assign_task"
	IntentUpdateTaskStatus MessageIntent = "update_task_status"
	IntentRequestTaskHelp  MessageIntent = "request_task_help"
)

// Knowledge intents.
const (
	IntentShareInsights    MessageIntent = "share_insights"
	IntentRequestKnowledge MessageIntent = "request_knowledge"
	IntentProvideContext   MessageIntent = "provide_context"
)

// Collaboration intents.
const (
	IntentRequestReview   MessageIntent = "request_review"
	IntentProvideFeedback MessageIntent = "provide_feedback"
	IntentScheduleMeeting MessageIntent = "schedule_meeting"
)

// System intents.
const (
	IntentAgentStatus     MessageIntent = "agent_status"
	IntentHealthCheck     MessageIntent = "health_check"
	IntentCapabilityQuery MessageIntent = "capability_query"
)

// IntentCustom marks application-defined messages outside the closed set.
const IntentCustom MessageIntent = "custom"

var intents = map[MessageIntent]struct{}{
	IntentGetRoadmap:       {},
	IntentAssignTask:       {},
	IntentUpdateTaskStatus: {},
	IntentRequestTaskHelp:  {},
	IntentShareInsights:    {},
	IntentRequestKnowledge: {},
	IntentProvideContext:   {},
	IntentRequestReview:    {},
	IntentProvideFeedback:  {},
	IntentScheduleMeeting:  {},
	IntentAgentStatus:      {},
	IntentHealthCheck:      {},
	IntentCapabilityQuery:  {},
	IntentCustom:           {},
}

// Valid reports whether the intent belongs to the closed enumeration.
func (i MessageIntent) Valid() bool {
	_, ok := intents[i]
	return ok
}

// ParseIntent converts a string to a MessageIntent.
// Returns an error wrapping ErrInvalidMessage for values outside the enumeration.
func ParseIntent(s string) (MessageIntent, error) {
	i := MessageIntent(s)
	if !i.Valid() {
		return "", fmt.Errorf("%w: unknown intent %q", ErrInvalidMessage, s)
	}
	return i, nil
}
