// ABOUTME: The serve subcommand: runs one configured agent end to end
// ABOUTME: Wires transport, registry, broker, sender, dispatcher, and heartbeat

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/history"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/sender"
	"github.com/2389/coven-relay/internal/transport"
)

// relayAgent adapts the configured identity to the dispatcher's Agent surface.
type relayAgent struct {
	cfg config.AgentConfig
}

func (a relayAgent) ID() string             { return a.cfg.ID }
func (a relayAgent) Capabilities() []string { return a.cfg.Capabilities }

func (a relayAgent) SupportedIntents() []protocol.MessageIntent {
	intents := make([]protocol.MessageIntent, 0, len(a.cfg.Intents))
	for _, raw := range a.cfg.Intents {
		intent, err := protocol.ParseIntent(raw)
		if err != nil {
			continue
		}
		intents = append(intents, intent)
	}
	return intents
}

func (a relayAgent) info() *protocol.AgentInfo {
	return &protocol.AgentInfo{
		AgentID:         a.cfg.ID,
		UserName:        a.cfg.UserName,
		Role:            a.cfg.Role,
		Department:      a.cfg.Department,
		Capabilities:    a.cfg.Capabilities,
		SupportsIntents: a.SupportedIntents(),
		Status:          protocol.StatusOnline,
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Agent.ID == "" {
		return fmt.Errorf("agent.id is required to serve (set it in the config file or COVEN_RELAY_AGENT_ID)")
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", getConfigPath())
	green.Print("    ▶ ")
	fmt.Printf("Redis:   %s\n", cfg.Transport.URL)
	green.Print("    ▶ ")
	fmt.Printf("Agent:   %s\n", cfg.Agent.ID)
	fmt.Println()

	logger.Info("starting coven-relay",
		"agent_id", cfg.Agent.ID,
		"transport_url", cfg.Transport.URL,
	)

	tr, err := transport.NewRedis(ctx, cfg.Transport.URL, cfg.Transport.MaxConnections)
	if err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}
	defer tr.Close()

	// The sweep runs on the shared health-check period, so one knob governs
	// both liveness passes.
	reg := registry.New(tr, registry.Config{
		AgentTimeout:  cfg.Registry.AgentTimeout,
		SweepInterval: cfg.Broker.HealthCheckInterval,
		SnapshotPath:  cfg.Registry.SnapshotPath,
	}, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Warn("loading registry state failed, starting empty", "error", err)
	}
	reg.Start(ctx)
	defer reg.Stop()

	b := broker.New(tr, broker.Config{
		RetryAttempts:     cfg.Broker.RetryAttempts,
		RetryDelay:        cfg.Broker.RetryDelay,
		MessageTTL:        cfg.Broker.MessageTTL,
		EnablePersistence: cfg.Broker.EnablePersistence,
	}, logger)
	b.Start(ctx)
	defer b.Stop()

	var hist *history.Log
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path, logger)
		if err != nil {
			return fmt.Errorf("opening history log: %w", err)
		}
		defer hist.Close()
	}

	agent := relayAgent{cfg: cfg.Agent}
	if err := reg.Register(ctx, agent.info()); err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}

	d := dispatch.New(agent, b, dispatch.Config{
		QueueSize: cfg.Agent.QueueSize,
		Observer:  recordReceived(ctx, hist, logger),
	}, logger)
	d.Run(ctx)
	defer d.Stop()

	// The sender owns the agent's one channel subscription: replies resolve
	// pending waits, everything else falls through to the dispatcher.
	s, err := sender.New(b, reg, sender.Config{
		SenderID:       cfg.Agent.ID,
		DefaultTimeout: cfg.Sender.Timeout,
		MaxRetries:     cfg.Sender.MaxRetries,
		RetryDelay:     cfg.Sender.RetryDelay,
		Fallback:       d.Enqueue,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating sender: %w", err)
	}
	s.Start()
	defer s.Stop()

	// Replay anything queued while this agent was away.
	backlog, err := b.DrainOffline(ctx, cfg.Agent.ID)
	if err != nil {
		logger.Warn("draining offline backlog failed", "error", err)
	}
	for _, msg := range backlog {
		d.Enqueue(msg)
	}
	if len(backlog) > 0 {
		logger.Info("offline backlog replayed", "messages", len(backlog))
	}

	go heartbeatLoop(ctx, reg, cfg.Agent.ID, cfg.Agent.HeartbeatInterval, logger)
	go healthLoop(ctx, b, cfg.Broker.HealthCheckInterval, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	// Mark this identity offline before the deferred teardown runs so other
	// agents stop routing to it immediately.
	info := agent.info()
	info.Status = protocol.StatusOffline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Register(shutdownCtx, info); err != nil {
		logger.Warn("marking agent offline failed", "error", err)
	}
	return nil
}

// recordReceived builds the dispatcher observer that appends inbound
// messages to the audit log. A nil history log disables it.
func recordReceived(ctx context.Context, hist *history.Log, logger *slog.Logger) func(*protocol.AgentMessage) {
	if hist == nil {
		return nil
	}
	return func(msg *protocol.AgentMessage) {
		raw, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		err = hist.Record(ctx, &history.Entry{
			MessageID:      msg.MessageID,
			Direction:      history.DirectionReceived,
			Intent:         string(msg.Intent),
			SenderID:       msg.SenderID,
			RecipientID:    msg.RecipientID,
			ConversationID: msg.ConversationID,
			Raw:            raw,
		})
		if err != nil {
			logger.Warn("recording message failed", "message_id", msg.MessageID, "error", err)
		}
	}
}

func heartbeatLoop(ctx context.Context, reg *registry.Registry, agentID string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !reg.Heartbeat(ctx, agentID) {
				logger.Warn("heartbeat for unknown agent", "agent_id", agentID)
			}
		case <-ctx.Done():
			return
		}
	}
}

func healthLoop(ctx context.Context, b *broker.Broker, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h := b.HealthCheck(ctx)
			if !h.Healthy {
				logger.Error("transport unhealthy", "error", h.Error)
				continue
			}
			logger.Debug("transport healthy",
				"latency", h.Latency,
				"subscriptions", h.Subscriptions,
			)
		case <-ctx.Done():
			return
		}
	}
}
