// Package main is the entry point for the BeamCode broker daemon. One binary
// hosts the control API, the consumer and CLI WebSocket gateways, and the
// backend adapters.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/acp"
	"github.com/beamcode/beamcode/internal/adapter/claude"
	"github.com/beamcode/beamcode/internal/adapter/codex"
	"github.com/beamcode/beamcode/internal/adapter/gemini"
	"github.com/beamcode/beamcode/internal/adapter/inprocess"
	"github.com/beamcode/beamcode/internal/adapter/opencode"
	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/daemon"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/unified"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting beamcode broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	fileStorage, err := storage.NewFileStorage(cfg.Storage.DataDir, log)
	if err != nil {
		log.Fatal("failed to initialize session storage", zap.Error(err))
	}
	limits := session.Limits{
		MaxHistory:     cfg.Sessions.MaxMessageHistoryLength,
		PendingMax:     cfg.Sessions.PendingMessageQueueMax,
		CorrelationTTL: cfg.Sessions.TeamCorrelationTTL(),
	}
	repo := storage.NewRepository(fileStorage, limits, cfg.Sessions.MaxSessions,
		cfg.Sessions.PersistenceDebounce(), log)

	launcher := process.NewLauncher(process.NewExecManager(log), eventBus,
		cfg.Sessions.KillGracePeriod(), log)

	resolver := adapter.NewResolver(
		claude.New(cfg.Sessions.CLIDeliveryTimeout(), log),
		codex.New(launcher, "codex", log),
		gemini.New(launcher, "gemini", log),
		acp.New(launcher, "acp-agent", nil, log),
		opencode.New(opencodeURL(), log),
		inprocess.New(loopbackScript),
	)

	coordinator := broker.NewCoordinator(cfg, repo, resolver, launcher, eventBus, log)
	if err := coordinator.Start(ctx); err != nil {
		log.Fatal("failed to start broker", zap.Error(err))
	}

	server := daemon.NewServer(cfg, coordinator, log)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		received := <-sig
		log.Info("shutting down", zap.String("signal", received.String()))
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}

	coordinator.Stop()
	log.Info("beamcode broker stopped")
}

// loopbackScript backs the in-process adapter in the daemon: it echoes user
// messages, giving consumers a backend to exercise without any CLI installed.
func loopbackScript(sessionID string, inbound <-chan *unified.Message, emit func(*unified.Message)) {
	init := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta(unified.MetaSessionID, sessionID)
	init.SetMeta(unified.MetaModel, "loopback")
	emit(init)
	for msg := range inbound {
		if msg.Type != unified.TypeUserMessage {
			continue
		}
		emit(unified.TextMessage(unified.TypeAssistant, unified.RoleAssistant, msg.Text()))
		emit(unified.NewMessage(unified.TypeResult, unified.RoleSystem))
	}
}

// opencodeURL returns the base URL of the local opencode server.
func opencodeURL() string {
	if url := os.Getenv("BEAMCODE_OPENCODE_URL"); url != "" {
		return url
	}
	return "http://127.0.0.1:4096"
}
