// ABOUTME: Broadcast fans out concurrent non-blocking sends to discovered agents.
// ABOUTME: Individual failures never abort the batch; the result is a per-id map.

package sender

import (
	"context"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/registry"
)

// Broadcast resolves candidates through registry discovery and sends to each
// concurrently without waiting for responses. The sender's own identity is
// excluded. Returns success per recipient id; an empty map means nobody
// matched the filter.
func (s *Sender) Broadcast(ctx context.Context, intent protocol.MessageIntent, data map[string]any, f registry.Filter, maxRecipients int) map[string]bool {
	results := make(map[string]bool)
	if s.dir == nil {
		s.logger.Warn("broadcast without a directory reaches nobody")
		return results
	}

	candidates := s.dir.Discover(f)
	var recipients []string
	for _, info := range candidates {
		if info.AgentID == s.cfg.SenderID {
			continue
		}
		recipients = append(recipients, info.AgentID)
		if maxRecipients > 0 && len(recipients) >= maxRecipients {
			break
		}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, recipient := range recipients {
		wg.Add(1)
		go func(recipient string) {
			defer wg.Done()
			_, err := s.Send(ctx, recipient, intent, data, Options{})
			mu.Lock()
			results[recipient] = err == nil
			mu.Unlock()
			if err != nil {
				s.logger.Warn("broadcast send failed", "recipient_id", recipient, "error", err)
			}
		}(recipient)
	}
	wg.Wait()

	s.logger.Info("broadcast complete",
		"intent", string(intent),
		"recipients", len(recipients),
	)
	return results
}
