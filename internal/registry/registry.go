// ABOUTME: Agent registration, discovery by role/department/capability/intent.
// ABOUTME: Maintains incremental indices and dual-writes records to the store.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/transport"
)

// keyPrefix namespaces registry records in the key/value store.
const keyPrefix = "agent_registry:"

// ErrAgentNotFound indicates the requested agent is not registered or not
// currently online.
var ErrAgentNotFound = errors.New("agent not found")

// Config holds registry tuning knobs.
type Config struct {
	// AgentTimeout is how long an agent may stay silent before the sweep
	// marks it offline and discovery stops treating it as online.
	AgentTimeout time.Duration

	// SweepInterval is the liveness sweep period.
	SweepInterval time.Duration

	// SnapshotPath is the local fallback snapshot file. Empty disables the
	// snapshot entirely.
	SnapshotPath string
}

func (c Config) withDefaults() Config {
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 90 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Filter narrows discovery. Zero-value fields pass every candidate; supplied
// fields compose as logical AND.
type Filter struct {
	Role       string
	Department string
	Capability string
	Intent     protocol.MessageIntent

	// IncludeOffline widens the candidate set from "online now" to every
	// registered agent.
	IncludeOffline bool
}

// Registry tracks known agents, their liveness, and their discovery indices.
type Registry struct {
	tr     transport.Transport
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*protocol.AgentInfo
	byName map[string]string               // user name -> agent id
	byRole map[string]map[string]struct{} // role -> agent ids
	byDept map[string]map[string]struct{} // department -> agent ids

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a Registry. Pass nil logger for the default.
func New(tr transport.Transport, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tr:     tr,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "registry"),
		agents: make(map[string]*protocol.AgentInfo),
		byName: make(map[string]string),
		byRole: make(map[string]map[string]struct{}),
		byDept: make(map[string]map[string]struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the liveness sweep loop.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.runSweep(ctx)
}

// Stop shuts down the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	if started {
		<-r.done
	}
}

// Register inserts or refreshes an agent record. created_at is set only the
// first time an id is seen; last_seen always advances. The record is
// persisted best-effort to the key/value store and snapshot.
func (r *Registry) Register(ctx context.Context, info *protocol.AgentInfo) error {
	record := info.Clone()
	if err := record.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	record.LastSeen = now

	r.mu.Lock()
	if existing, ok := r.agents[record.AgentID]; ok {
		record.CreatedAt = existing.CreatedAt
		r.dropIndexesLocked(existing)
	} else {
		record.CreatedAt = now
	}
	r.agents[record.AgentID] = record
	r.addIndexesLocked(record)
	// Clone while still holding the lock: the stored record can be mutated
	// by a racing heartbeat or sweep the moment the lock is released.
	snapshot := record.Clone()
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"agent_id", snapshot.AgentID,
		"role", snapshot.Role,
		"status", string(snapshot.Status),
	)
	r.persist(ctx, snapshot)
	r.updateOnlineGauge()
	return nil
}

// Unregister removes an agent from the indices and the backing store.
// An unknown id is a no-op returning false.
func (r *Registry) Unregister(ctx context.Context, agentID string) bool {
	id, err := protocol.ValidateAgentID(agentID)
	if err != nil {
		return false
	}

	r.mu.Lock()
	record, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.dropIndexesLocked(record)
	delete(r.agents, id)
	r.mu.Unlock()

	if err := r.tr.DeleteKey(ctx, keyPrefix+id); err != nil {
		r.logger.Warn("deleting agent record failed", "agent_id", id, "error", err)
	}
	r.saveSnapshot()
	r.updateOnlineGauge()
	r.logger.Info("agent unregistered", "agent_id", id)
	return true
}

// Heartbeat refreshes last_seen and forces status online for an existing
// record. Unknown ids return false rather than an error: a heartbeat racing
// a crash or an unregister is expected, not exceptional.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) bool {
	id, err := protocol.ValidateAgentID(agentID)
	if err != nil {
		return false
	}

	r.mu.Lock()
	record, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	record.Status = protocol.StatusOnline
	record.LastSeen = time.Now().UTC()
	snapshot := record.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.updateOnlineGauge()
	return true
}

// Lookup returns a copy of the agent's record, or ErrAgentNotFound.
func (r *Registry) Lookup(agentID string) (*protocol.AgentInfo, error) {
	id, err := protocol.ValidateAgentID(agentID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return record.Clone(), nil
}

// LookupByName returns the record registered under a user name.
func (r *Registry) LookupByName(userName string) (*protocol.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[userName]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrAgentNotFound, userName)
	}
	return r.agents[id].Clone(), nil
}

// Discover returns the agents matching every supplied filter, sorted by id.
// The candidate set is "online now" unless IncludeOffline is set.
func (r *Registry) Discover(f Filter) []*protocol.AgentInfo {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*protocol.AgentInfo
	for _, record := range r.agents {
		if !f.IncludeOffline && !r.onlineLocked(record, now) {
			continue
		}
		if f.Role != "" && record.Role != f.Role {
			continue
		}
		if f.Department != "" && record.Department != f.Department {
			continue
		}
		if f.Capability != "" && !record.HasCapability(f.Capability) {
			continue
		}
		if f.Intent != "" && !record.SupportsIntent(f.Intent) {
			continue
		}
		out = append(out, record.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// List returns a copy of every registered record, sorted by id.
func (r *Registry) List() []*protocol.AgentInfo {
	return r.Discover(Filter{IncludeOffline: true})
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// onlineLocked reports whether a record counts as online right now.
// Must be called with mu held.
func (r *Registry) onlineLocked(record *protocol.AgentInfo, now time.Time) bool {
	return record.Status == protocol.StatusOnline && now.Sub(record.LastSeen) < r.cfg.AgentTimeout
}

// addIndexesLocked inserts a record into all three indices. Must be called
// with mu held.
func (r *Registry) addIndexesLocked(record *protocol.AgentInfo) {
	if record.UserName != "" {
		r.byName[record.UserName] = record.AgentID
	}
	if record.Role != "" {
		if r.byRole[record.Role] == nil {
			r.byRole[record.Role] = make(map[string]struct{})
		}
		r.byRole[record.Role][record.AgentID] = struct{}{}
	}
	if record.Department != "" {
		if r.byDept[record.Department] == nil {
			r.byDept[record.Department] = make(map[string]struct{})
		}
		r.byDept[record.Department][record.AgentID] = struct{}{}
	}
}

// dropIndexesLocked removes a record from all three indices. Must be called
// with mu held.
func (r *Registry) dropIndexesLocked(record *protocol.AgentInfo) {
	if id, ok := r.byName[record.UserName]; ok && id == record.AgentID {
		delete(r.byName, record.UserName)
	}
	if ids, ok := r.byRole[record.Role]; ok {
		delete(ids, record.AgentID)
		if len(ids) == 0 {
			delete(r.byRole, record.Role)
		}
	}
	if ids, ok := r.byDept[record.Department]; ok {
		delete(ids, record.AgentID)
		if len(ids) == 0 {
			delete(r.byDept, record.Department)
		}
	}
}

// persist dual-writes one record to the key/value store and refreshes the
// snapshot. Failures are logged; the in-memory registration stands.
func (r *Registry) persist(ctx context.Context, record *protocol.AgentInfo) {
	data, err := json.Marshal(record)
	if err != nil {
		r.logger.Warn("encoding agent record failed", "agent_id", record.AgentID, "error", err)
		return
	}
	if err := r.tr.SetKey(ctx, keyPrefix+record.AgentID, data); err != nil {
		r.logger.Warn("persisting agent record failed", "agent_id", record.AgentID, "error", err)
	}
	r.saveSnapshot()
}

func (r *Registry) updateOnlineGauge() {
	now := time.Now().UTC()
	r.mu.RLock()
	var online int
	for _, record := range r.agents {
		if r.onlineLocked(record, now) {
			online++
		}
	}
	r.mu.RUnlock()
	metrics.AgentsOnline.Set(float64(online))
}

// runSweep is the liveness sweep loop.
func (r *Registry) runSweep(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx, time.Now().UTC())
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep marks every silent, non-offline agent offline and persists the
// change. It never deletes a record.
func (r *Registry) sweep(ctx context.Context, now time.Time) {
	var swept []*protocol.AgentInfo

	r.mu.Lock()
	for _, record := range r.agents {
		if record.Status == protocol.StatusOffline {
			continue
		}
		if now.Sub(record.LastSeen) >= r.cfg.AgentTimeout {
			record.Status = protocol.StatusOffline
			swept = append(swept, record.Clone())
		}
	}
	r.mu.Unlock()

	for _, record := range swept {
		r.logger.Info("agent marked offline by liveness sweep",
			"agent_id", record.AgentID,
			"last_seen", record.LastSeen,
		)
		r.persist(ctx, record)
	}
	if len(swept) > 0 {
		r.updateOnlineGauge()
	}
}
