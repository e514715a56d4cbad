// ABOUTME: Tests for send, correlation waits, broadcast, and best-effort validation.
// ABOUTME: Runs a real broker over the in-memory transport plus small stubs.

package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/transport"
)

func testSenderConfig() Config {
	return Config{
		SenderID:       "agent.sender",
		DefaultTimeout: time.Second,
		MaxRetries:     2,
		RetryDelay:     10 * time.Millisecond,
	}
}

// testRig wires a broker over the in-memory transport with a registry.
type testRig struct {
	tr  *transport.Memory
	b   *broker.Broker
	reg *registry.Registry
}

func newTestRig(t *testing.T, ctx context.Context) *testRig {
	t.Helper()
	tr := transport.NewMemory()
	t.Cleanup(func() { tr.Close() })

	b := broker.New(tr, broker.Config{
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
		PollTimeout:   20 * time.Millisecond,
	}, nil)
	b.Start(ctx)
	t.Cleanup(b.Stop)

	reg := registry.New(tr, registry.Config{AgentTimeout: time.Minute}, nil)
	return &testRig{tr: tr, b: b, reg: reg}
}

func registerOnline(t *testing.T, ctx context.Context, reg *registry.Registry, id string) {
	t.Helper()
	require.NoError(t, reg.Register(ctx, &protocol.AgentInfo{
		AgentID:  id,
		UserName: id,
		Role:     "worker",
		Status:   protocol.StatusOnline,
	}))
}

// echoAgent subscribes an identity and replies to every request.
func echoAgent(t *testing.T, rig *testRig, id string, reply map[string]any) {
	t.Helper()
	rig.b.Subscribe(id, func(msg *protocol.AgentMessage) {
		if !msg.Payload.RequiresResponse {
			return
		}
		resp, err := protocol.Reply(msg, id, protocol.IntentProvideContext, protocol.MessagePayload{Data: reply})
		if err != nil {
			t.Errorf("building reply: %v", err)
			return
		}
		go rig.b.Publish(context.Background(), resp)
	})
}

func waitSubscribed(t *testing.T, ctx context.Context, rig *testRig, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, _ := rig.tr.Publish(ctx, protocol.ChannelFor(id), []byte("{not json"))
		return n > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSend_FireAndForget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)
	registerOnline(t, ctx, rig.reg, "agent.worker")

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	reply, err := s.Send(ctx, "agent.worker", protocol.IntentShareInsights,
		map[string]any{"note": "fyi"}, Options{})
	require.NoError(t, err)
	assert.Nil(t, reply, "no reply expected without requires_response")

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Zero(t, stats.Failed)
}

func TestSend_ReplyCorrelation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)
	registerOnline(t, ctx, rig.reg, "agent.worker")

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	echoAgent(t, rig, "agent.worker", map[string]any{"answer": "42"})
	waitSubscribed(t, ctx, rig, "agent.worker")
	waitSubscribed(t, ctx, rig, "agent.sender")

	reply, err := s.Send(ctx, "agent.worker", protocol.IntentRequestKnowledge,
		map[string]any{"query": "meaning"}, Options{RequiresResponse: true, Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "42", reply.Payload.Data["answer"])
	assert.Equal(t, "agent.worker", reply.SenderID)

	assert.Zero(t, s.PendingCount(), "slot cleaned up after resolution")
	assert.Equal(t, uint64(1), s.Stats().Responses)
}

func TestSend_ConcurrentCorrelationsDoNotCollide(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)
	registerOnline(t, ctx, rig.reg, "agent.worker")

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	// Echo the request's own query back so each waiter can verify it got
	// its own reply and not its sibling's.
	rig.b.Subscribe("agent.worker", func(msg *protocol.AgentMessage) {
		resp, err := protocol.Reply(msg, "agent.worker", protocol.IntentProvideContext, protocol.MessagePayload{
			Data: map[string]any{"echo": msg.Payload.Data["query"]},
		})
		if err != nil {
			t.Errorf("building reply: %v", err)
			return
		}
		go rig.b.Publish(context.Background(), resp)
	})
	waitSubscribed(t, ctx, rig, "agent.worker")
	waitSubscribed(t, ctx, rig, "agent.sender")

	var wg sync.WaitGroup
	for _, query := range []string{"first", "second"} {
		wg.Add(1)
		go func(query string) {
			defer wg.Done()
			reply, err := s.Send(ctx, "agent.worker", protocol.IntentRequestKnowledge,
				map[string]any{"query": query}, Options{RequiresResponse: true, Timeout: 2 * time.Second})
			if err != nil {
				t.Errorf("send %q: %v", query, err)
				return
			}
			assert.Equal(t, query, reply.Payload.Data["echo"])
		}(query)
	}
	wg.Wait()

	assert.Zero(t, s.PendingCount())
}

func TestSend_CorrelationTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)
	registerOnline(t, ctx, rig.reg, "agent.silent")

	// The recipient subscribes but never replies.
	rig.b.Subscribe("agent.silent", func(*protocol.AgentMessage) {})

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	_, err = s.Send(ctx, "agent.silent", protocol.IntentRequestKnowledge, nil,
		Options{RequiresResponse: true, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrDelivery)

	var deliveryErr *broker.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.GreaterOrEqual(t, deliveryErr.Elapsed, 50*time.Millisecond)

	assert.Zero(t, s.PendingCount(), "slot cleaned up after timeout")
}

func TestSend_RecipientValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	t.Run("unknown recipient rejected", func(t *testing.T) {
		_, err := s.Send(ctx, "agent.ghost", protocol.IntentShareInsights, nil, Options{})
		assert.ErrorIs(t, err, registry.ErrAgentNotFound)
	})

	t.Run("offline recipient rejected", func(t *testing.T) {
		require.NoError(t, rig.reg.Register(ctx, &protocol.AgentInfo{
			AgentID: "agent.away",
			Status:  protocol.StatusAway,
		}))
		_, err := s.Send(ctx, "agent.away", protocol.IntentShareInsights, nil, Options{})
		assert.ErrorIs(t, err, registry.ErrAgentNotFound)
	})
}

// flakyDirectory fails lookups with a non-notfound error, simulating an
// unreachable registry.
type flakyDirectory struct{}

func (flakyDirectory) Lookup(string) (*protocol.AgentInfo, error) {
	return nil, errors.New("registry timeout")
}

func (flakyDirectory) Discover(registry.Filter) []*protocol.AgentInfo { return nil }

func TestSend_UnreachableRegistrySkipsValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	s, err := New(rig.b, flakyDirectory{}, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	// Availability over correctness: the send proceeds without validation.
	_, err = s.Send(ctx, "agent.whoever", protocol.IntentShareInsights, nil, Options{})
	assert.NoError(t, err)
}

func TestBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	for _, id := range []string{"agent.w1", "agent.w2", "agent.w3"} {
		registerOnline(t, ctx, rig.reg, id)
	}
	registerOnline(t, ctx, rig.reg, "agent.sender")

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	results := s.Broadcast(ctx, protocol.IntentAgentStatus, map[string]any{"ping": true},
		registry.Filter{Role: "worker"}, 0)

	assert.Len(t, results, 3)
	assert.NotContains(t, results, "agent.sender", "sender excluded from its own broadcast")
	for id, ok := range results {
		assert.True(t, ok, "send to %s", id)
	}
}

func TestBroadcast_MaxRecipients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	for _, id := range []string{"agent.w1", "agent.w2", "agent.w3"} {
		registerOnline(t, ctx, rig.reg, id)
	}

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	results := s.Broadcast(ctx, protocol.IntentAgentStatus, nil, registry.Filter{Role: "worker"}, 2)
	assert.Len(t, results, 2)
}

func TestStop_CancelsPendingWaits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)
	registerOnline(t, ctx, rig.reg, "agent.silent")
	rig.b.Subscribe("agent.silent", func(*protocol.AgentMessage) {})

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "agent.silent", protocol.IntentRequestKnowledge, nil,
			Options{RequiresResponse: true, Timeout: 5 * time.Second})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return s.PendingCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait not cancelled by Stop")
	}
}

func TestStop_RacesWithReplyIntake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	s, err := New(rig.b, rig.reg, testSenderConfig(), nil)
	require.NoError(t, err)
	s.Start()

	keys := make([]string, 32)
	for i := range keys {
		keys[i] = fmt.Sprintf("pending-%d", i)
		_, err := s.addPending(keys[i])
		require.NoError(t, err)
	}

	// Hammer reply intake while Stop closes the pending channels. Resolution
	// happens under the same lock as the close, so no send can hit a channel
	// closed in between.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.handleInbound(&protocol.AgentMessage{
				MessageID:     fmt.Sprintf("reply-%d", i),
				SenderID:      "agent.worker",
				CorrelationID: keys[i%len(keys)],
			})
		}
	}()
	s.Stop()
	<-done

	assert.Zero(t, s.PendingCount())
}

func TestFallback_ReceivesNonReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	inbound := make(chan *protocol.AgentMessage, 8)
	cfg := testSenderConfig()
	cfg.Fallback = func(msg *protocol.AgentMessage) { inbound <- msg }

	s, err := New(rig.b, rig.reg, cfg, nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()
	waitSubscribed(t, ctx, rig, "agent.sender")

	msg, err := protocol.NewMessage("agent.worker", "agent.sender",
		protocol.IntentShareInsights, protocol.MessagePayload{Data: map[string]any{"note": "fyi"}})
	require.NoError(t, err)
	require.NoError(t, rig.b.Publish(ctx, msg))

	select {
	case got := <-inbound:
		assert.Equal(t, msg.MessageID, got.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback never saw the message")
	}
}
