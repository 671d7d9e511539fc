// Command openclaw-relay runs the relay daemon: it accepts messages from the
// application backend over HTTP, runs them against a local OpenClaw Gateway,
// and reports each outcome back to the backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/openclaw/relay/config"
	"github.com/openclaw/relay/service"
	"github.com/openclaw/relay/utils/ws"
)

func main() {
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println("openclaw-relay", service.Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	bindWebsocketLogs(log)

	svc, err := service.New(cfg, log)
	if err != nil {
		log.Error("cannot build relay", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Error("relay exited with error", "err", err)
		os.Exit(1)
	}
}

// bindWebsocketLogs routes the ws package's log.Println-style hooks into
// slog.
func bindWebsocketLogs(log *slog.Logger) {
	wsLog := log.With("component", "ws")

	ws.WSError = func(err error) {
		wsLog.Error("websocket error", "err", err)
	}
	ws.WSDebug = func(v ...interface{}) {
		wsLog.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
	}
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
