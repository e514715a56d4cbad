// ABOUTME: Entry point for the coven-relay agent messaging node
// ABOUTME: Subcommands: serve, send, agents, health

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// loadConfig falls back to defaults when the config file does not exist,
// so the relay runs against a local Redis with zero setup.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.FromEnv()
	}
	return config.Load(path)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Run the configured agent")
		fmt.Println("  send <recipient> <intent>    Send a message (data as JSON on stdin or --data)")
		fmt.Println("  agents                       List registered agents")
		fmt.Println("  health                       Check transport health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{mu: &sync.Mutex{}, level: level})
}

// colorHandler renders one colorized line per record for terminal output.
// Group names qualify attribute keys (group.key), matching what the JSON
// handler would nest. Writes are serialized so concurrent loops do not
// interleave lines.
type colorHandler struct {
	mu     *sync.Mutex // shared across derived handlers
	level  slog.Level
	attrs  []slog.Attr // keys pre-qualified by the groups open at WithAttrs time
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder
	line.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	line.WriteByte(' ')
	line.WriteString(levelBadge(r.Level))
	line.WriteByte(' ')
	line.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&line, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&line, prefix, a)
		return true
	})
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(os.Stdout, line.String())
	return err
}

func levelBadge(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	case l >= slog.LevelWarn:
		return color.YellowString("WRN")
	case l >= slog.LevelInfo:
		return color.CyanString("INF")
	default:
		return color.MagentaString("DBG")
	}
}

func writeAttr(line *strings.Builder, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, nested := range a.Value.Group() {
			writeAttr(line, key, nested)
		}
		return
	}
	line.WriteString(color.HiBlackString(" " + key + "="))
	line.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &colorHandler{mu: h.mu, level: h.level, attrs: merged, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, len(h.groups), len(h.groups)+1)
	copy(groups, h.groups)
	groups = append(groups, name)
	return &colorHandler{mu: h.mu, level: h.level, attrs: h.attrs, groups: groups}
}
