// ABOUTME: One-shot CLI subcommands: send, agents, health
// ABOUTME: Each connects, does its thing against the live transport, and exits

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/sender"
	"github.com/2389/coven-relay/internal/transport"
)

// connect loads config and opens the transport for a one-shot command.
func connect(ctx context.Context) (*config.Config, *transport.Redis, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	tr, err := transport.NewRedis(ctx, cfg.Transport.URL, cfg.Transport.MaxConnections)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting transport: %w", err)
	}
	return cfg, tr, nil
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	data := fs.String("data", "{}", "message payload data as JSON")
	from := fs.String("from", "", "sender identity (default: configured agent id, else system.cli)")
	wait := fs.Bool("wait", false, "wait for a correlated response and print it")
	timeout := fs.Duration("timeout", 30*time.Second, "response wait timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: coven-relay send [flags] <recipient> <intent>")
	}
	recipient := fs.Arg(0)
	intent, err := protocol.ParseIntent(fs.Arg(1))
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(*data), &payload); err != nil {
		return fmt.Errorf("parsing --data: %w", err)
	}

	cfg, tr, err := connect(ctx)
	if err != nil {
		return err
	}
	defer tr.Close()
	logger := setupLogger(cfg.Logging)

	senderID := *from
	if senderID == "" {
		senderID = cfg.Agent.ID
	}
	if senderID == "" {
		senderID = "system.cli"
	}

	b := broker.New(tr, broker.Config{
		RetryAttempts:     cfg.Broker.RetryAttempts,
		RetryDelay:        cfg.Broker.RetryDelay,
		MessageTTL:        cfg.Broker.MessageTTL,
		EnablePersistence: cfg.Broker.EnablePersistence,
	}, logger)
	b.Start(ctx)
	defer b.Stop()

	// The CLI trusts the recipient id as given; registry validation is the
	// serve path's concern.
	s, err := sender.New(b, nil, sender.Config{
		SenderID:       senderID,
		DefaultTimeout: cfg.Sender.Timeout,
		MaxRetries:     cfg.Sender.MaxRetries,
		RetryDelay:     cfg.Sender.RetryDelay,
	}, logger)
	if err != nil {
		return err
	}
	s.Start()
	defer s.Stop()

	reply, err := s.Send(ctx, recipient, intent, payload, sender.Options{
		RequiresResponse: *wait,
		Timeout:          *timeout,
	})
	if err != nil {
		return fmt.Errorf("sending: %w", err)
	}

	if !*wait {
		fmt.Println("sent")
		return nil
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, tr, err := connect(ctx)
	if err != nil {
		return err
	}
	defer tr.Close()

	reg := registry.New(tr, registry.Config{
		AgentTimeout: cfg.Registry.AgentTimeout,
	}, setupLogger(cfg.Logging))
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	agents := reg.List()
	if len(agents) == 0 {
		fmt.Println("no registered agents")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("%-30s %-20s %-15s %-10s %s\n", "AGENT", "NAME", "ROLE", "STATUS", "LAST SEEN")
	for _, a := range agents {
		status := a.Status
		statusColor := color.New(color.FgHiBlack)
		if status == protocol.StatusOnline {
			statusColor = color.New(color.FgGreen)
		}
		fmt.Printf("%-30s %-20s %-15s %s %s\n",
			a.AgentID, a.UserName, a.Role,
			statusColor.Sprintf("%-10s", string(status)),
			a.LastSeen.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	_, tr, err := connect(ctx)
	if err != nil {
		return err
	}
	defer tr.Close()

	latency, err := tr.Ping(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("healthy (ping %s)\n", latency)
	return nil
}
