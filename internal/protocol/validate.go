// ABOUTME: Agent identifier validation and normalization.
// ABOUTME: Ids must carry an agent. or system. prefix and dot-separated segments.

package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidMessage indicates an envelope or identifier failed validation.
// Validation failures are deterministic and are never retried.
var ErrInvalidMessage = errors.New("invalid message")

// agentIDPattern accepts "agent.<segment>..." or "system.<segment>...":
// a recognized prefix followed by at least one more non-empty segment,
// with no whitespace or empty segments anywhere.
var agentIDPattern = regexp.MustCompile(`^(agent|system)\.[^\s.]+(\.[^\s.]+)*$`)

// ValidateAgentID normalizes an agent identifier to lowercase and verifies
// its structure. The returned id is the normalized form; the error wraps
// ErrInvalidMessage on failure.
func ValidateAgentID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty agent id", ErrInvalidMessage)
	}
	if !agentIDPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: agent id %q must match agent.<name> or system.<service>", ErrInvalidMessage, id)
	}
	return normalized, nil
}
