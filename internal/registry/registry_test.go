// ABOUTME: Tests for registration, discovery composition, heartbeats, and the sweep.
// ABOUTME: Runs against the in-memory transport.

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/transport"
)

func testConfig(t *testing.T) Config {
	return Config{
		AgentTimeout:  time.Minute,
		SweepInterval: 10 * time.Millisecond,
		SnapshotPath:  t.TempDir() + "/registry.json",
	}
}

func agentInfo(id, role, dept string, caps []string, intents []protocol.MessageIntent) *protocol.AgentInfo {
	return &protocol.AgentInfo{
		AgentID:         id,
		UserName:        id[len("agent."):],
		Role:            role,
		Department:      dept,
		Capabilities:    caps,
		Status:          protocol.StatusOnline,
		SupportsIntents: intents,
	}
}

func TestRegister_SetsDerivedFields(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	r := New(tr, testConfig(t), nil)

	require.NoError(t, r.Register(ctx, agentInfo("Agent.Alice", "engineer", "", nil, nil)))

	record, err := r.Lookup("agent.alice")
	require.NoError(t, err)
	assert.Equal(t, "agent_comm:agent.alice", record.Channel)
	assert.False(t, record.CreatedAt.IsZero())
	assert.False(t, record.LastSeen.IsZero())
}

func TestRegister_PreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	r := New(tr, testConfig(t), nil)

	info := agentInfo("agent.alice", "engineer", "", nil, nil)
	require.NoError(t, r.Register(ctx, info))
	first, err := r.Lookup("agent.alice")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Register(ctx, info))
	second, err := r.Lookup("agent.alice")
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "created_at is set only once")
	assert.True(t, second.LastSeen.After(first.LastSeen), "last_seen advances on re-register")
}

func TestDiscover_FilterComposition(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	r := New(tr, testConfig(t), nil)

	require.NoError(t, r.Register(ctx, agentInfo("agent.a", "r1", "d1", nil, nil)))
	require.NoError(t, r.Register(ctx, agentInfo("agent.b", "r1", "d2", nil, nil)))
	require.NoError(t, r.Register(ctx, agentInfo("agent.c", "r2", "d1", nil, nil)))

	found := r.Discover(Filter{Role: "r1", Department: "d1"})
	require.Len(t, found, 1, "filters compose as AND")
	assert.Equal(t, "agent.a", found[0].AgentID)

	assert.Len(t, r.Discover(Filter{Role: "r1"}), 2)
	assert.Len(t, r.Discover(Filter{Department: "d1"}), 2)
	assert.Len(t, r.Discover(Filter{}), 3, "no filters pass everything online")
}

func TestDiscover_CapabilityAndIntent(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	r := New(tr, testConfig(t), nil)

	require.NoError(t, r.Register(ctx, agentInfo("agent.a", "r", "", []string{"triage"},
		[]protocol.MessageIntent{protocol.IntentAssignTask})))
	require.NoError(t, r.Register(ctx, agentInfo("agent.b", "r", "", []string{"review"},
		[]protocol.MessageIntent{protocol.IntentRequestReview})))

	found := r.Discover(Filter{Capability: "triage"})
	require.Len(t, found, 1)
	assert.Equal(t, "agent.a", found[0].AgentID)

	found = r.Discover(Filter{Intent: protocol.IntentRequestReview})
	require.Len(t, found, 1)
	assert.Equal(t, "agent.b", found[0].AgentID)
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	r := New(tr, testConfig(t), nil)

	require.NoError(t, r.Register(ctx, agentInfo("agent.a", "r1", "d1", nil, nil)))
	assert.True(t, r.Unregister(ctx, "agent.a"))
	assert.False(t, r.Unregister(ctx, "agent.a"), "unknown id is a no-op returning false")

	_, err := r.Lookup("agent.a")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Empty(t, r.Discover(Filter{Role: "r1"}), "indices are cleaned up")

	_, err = tr.GetKey(ctx, "agent_registry:agent.a")
	assert.ErrorIs(t, err, transport.ErrKeyNotFound, "backing store record removed")
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	r := New(tr, testConfig(t), nil)

	info := agentInfo("agent.a", "r", "", nil, nil)
	info.Status = protocol.StatusAway
	require.NoError(t, r.Register(ctx, info))
	before, err := r.Lookup("agent.a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, r.Heartbeat(ctx, "agent.a"))

	after, err := r.Lookup("agent.a")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, after.Status, "heartbeat forces online")
	assert.True(t, after.LastSeen.After(before.LastSeen))

	assert.False(t, r.Heartbeat(ctx, "agent.ghost"), "unknown id fails silently")
}

func TestSweep_MarksSilentAgentsOffline(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()

	cfg := testConfig(t)
	cfg.AgentTimeout = 50 * time.Millisecond
	r := New(tr, cfg, nil)

	require.NoError(t, r.Register(ctx, agentInfo("agent.a", "r", "", nil, nil)))

	// Simulate silence past the timeout, then run one sweep cycle.
	r.mu.Lock()
	r.agents["agent.a"].LastSeen = time.Now().UTC().Add(-(cfg.AgentTimeout + time.Second))
	r.mu.Unlock()

	r.sweep(ctx, time.Now().UTC())

	record, err := r.Lookup("agent.a")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, record.Status)
	assert.Empty(t, r.Discover(Filter{}), "swept agent excluded from online discovery")
	assert.Len(t, r.Discover(Filter{IncludeOffline: true}), 1, "record is never deleted")
}

func TestDiscover_SilentOnlineAgentNotReturned(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()

	cfg := testConfig(t)
	cfg.AgentTimeout = 50 * time.Millisecond
	r := New(tr, cfg, nil)

	require.NoError(t, r.Register(ctx, agentInfo("agent.a", "r", "", nil, nil)))

	r.mu.Lock()
	r.agents["agent.a"].LastSeen = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()

	// Status is still online but last_seen is stale; discovery already
	// excludes it even before the sweep runs.
	assert.Empty(t, r.Discover(Filter{}))
}

func TestLoad_FromKVStore(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	cfg := testConfig(t)

	first := New(tr, cfg, nil)
	require.NoError(t, first.Register(ctx, agentInfo("agent.a", "r1", "d1", nil, nil)))
	require.NoError(t, first.Register(ctx, agentInfo("agent.b", "r2", "d2", nil, nil)))

	second := New(tr, cfg, nil)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 2, second.Count())

	found := second.Discover(Filter{Role: "r1"})
	require.Len(t, found, 1, "indices rebuilt from persisted records")
	assert.Equal(t, "agent.a", found[0].AgentID)
}

func TestLoad_SnapshotFallback(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	cfg := testConfig(t)

	first := New(tr, cfg, nil)
	require.NoError(t, first.Register(ctx, agentInfo("agent.a", "r1", "", nil, nil)))

	// Store unreachable at boot: a closed transport errors on scan, so the
	// snapshot file is the only surviving state.
	tr.Close()
	second := New(tr, cfg, nil)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 1, second.Count())

	record, err := second.Lookup("agent.a")
	require.NoError(t, err)
	assert.Equal(t, "r1", record.Role)
}

func TestSweepLoop_RunsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := transport.NewMemory()
	defer tr.Close()

	cfg := testConfig(t)
	cfg.AgentTimeout = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	r := New(tr, cfg, nil)

	require.NoError(t, r.Register(ctx, agentInfo("agent.a", "r", "", nil, nil)))
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool {
		record, err := r.Lookup("agent.a")
		return err == nil && record.Status == protocol.StatusOffline
	}, 2*time.Second, 10*time.Millisecond, "sweep loop marks the silent agent offline")
}

func TestRegister_ConcurrentWithHeartbeat(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()
	r := New(tr, testConfig(t), nil)

	require.NoError(t, r.Register(ctx, agentInfo("agent.a", "r1", "d1", nil, nil)))

	// Re-registration persists the record while heartbeats mutate the stored
	// copy; both must operate on their own clones.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = r.Register(ctx, agentInfo("agent.a", "r1", "d1", nil, nil))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Heartbeat(ctx, "agent.a")
		}
	}()
	wg.Wait()

	record, err := r.Lookup("agent.a")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, record.Status)
	assert.Equal(t, 1, r.Count())
}
