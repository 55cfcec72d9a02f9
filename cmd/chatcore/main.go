// ABOUTME: Entry point for the chatcore server
// ABOUTME: Serves the marketplace chat and presence core over HTTP/WebSocket

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradepost/chatcore/internal/config"
	"github.com/tradepost/chatcore/internal/directory"
	"github.com/tradepost/chatcore/internal/message"
	"github.com/tradepost/chatcore/internal/presence"
	"github.com/tradepost/chatcore/internal/server"
	"github.com/tradepost/chatcore/internal/session"
	"github.com/tradepost/chatcore/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chatcore <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the chat server")
		fmt.Println("  health    Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "chatcore.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// .env is optional; the process environment always applies
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	dir := directory.New(st, logger)
	defer dir.Close()

	msgs := message.New(st, dir, logger)
	defer msgs.Close()

	tracker := presence.NewTracker(st, cfg.Presence.HeartbeatInterval, cfg.Presence.HeartbeatTimeout, logger)
	if err := tracker.Start(ctx); err != nil {
		return fmt.Errorf("starting presence tracker: %w", err)
	}
	defer tracker.Close()

	sessions := session.New(dir, msgs, tracker, logger)

	srv := server.New(cfg.Server.HTTPAddr, dir, msgs, tracker, sessions, logger)

	logger.Info("chatcore starting",
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
		"heartbeat_interval", cfg.Presence.HeartbeatInterval,
		"heartbeat_timeout", cfg.Presence.HeartbeatTimeout)

	return srv.Start(ctx)
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "server address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+*addr+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	fmt.Println("ok")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
