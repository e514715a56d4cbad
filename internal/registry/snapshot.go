// ABOUTME: Atomic local snapshot of registry records and startup loading.
// ABOUTME: Snapshot is written to a temp file then renamed; KV store loads first.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/transport"
)

// Load restores registry state at startup. The key/value store is tried
// first; the local snapshot file is only read when the store is unreachable.
// An empty store is a legitimate empty registry, not a reason to fall back.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.loadFromStore(ctx)
	if err != nil {
		r.logger.Warn("key/value store unavailable, falling back to snapshot", "error", err)
		records, err = r.loadSnapshot()
		if err != nil {
			return fmt.Errorf("loading registry state: %w", err)
		}
	}

	r.mu.Lock()
	for _, record := range records {
		if err := record.Validate(); err != nil {
			r.logger.Warn("skipping invalid persisted record", "agent_id", record.AgentID, "error", err)
			continue
		}
		r.agents[record.AgentID] = record
		r.addIndexesLocked(record)
	}
	count := len(r.agents)
	r.mu.Unlock()

	r.updateOnlineGauge()
	r.logger.Info("registry state loaded", "agents", count)
	return nil
}

// loadFromStore reads every persisted record from the key/value store.
func (r *Registry) loadFromStore(ctx context.Context) ([]*protocol.AgentInfo, error) {
	keys, err := r.tr.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}

	records := make([]*protocol.AgentInfo, 0, len(keys))
	for _, key := range keys {
		data, err := r.tr.GetKey(ctx, key)
		if errors.Is(err, transport.ErrKeyNotFound) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, err
		}
		var record protocol.AgentInfo
		if err := json.Unmarshal(data, &record); err != nil {
			r.logger.Warn("skipping corrupt agent record", "key", key, "error", err)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// saveSnapshot writes the full registry state to the snapshot file, using a
// temp file plus rename so readers never observe a partial write. Failures
// are logged; the snapshot is a fallback, not the primary store.
func (r *Registry) saveSnapshot() {
	if r.cfg.SnapshotPath == "" {
		return
	}

	r.mu.RLock()
	records := make([]*protocol.AgentInfo, 0, len(r.agents))
	for _, record := range r.agents {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	data, err := json.MarshalIndent(records, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		r.logger.Warn("encoding snapshot failed", "error", err)
		return
	}

	dir := filepath.Dir(r.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Warn("creating snapshot directory failed", "path", dir, "error", err)
		return
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		r.logger.Warn("creating snapshot temp file failed", "error", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		r.logger.Warn("writing snapshot failed", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		r.logger.Warn("closing snapshot failed", "error", err)
		return
	}
	if err := os.Rename(tmpName, r.cfg.SnapshotPath); err != nil {
		os.Remove(tmpName)
		r.logger.Warn("renaming snapshot failed", "error", err)
	}
}

// loadSnapshot reads the snapshot file. A missing file is an empty registry.
func (r *Registry) loadSnapshot() ([]*protocol.AgentInfo, error) {
	if r.cfg.SnapshotPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(r.cfg.SnapshotPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var records []*protocol.AgentInfo
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return records, nil
}
