package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	apiPkg "github.com/rcfr-io/ticketd/internal/api"
	"github.com/rcfr-io/ticketd/internal/audit"
	"github.com/rcfr-io/ticketd/internal/config"
	"github.com/rcfr-io/ticketd/internal/connector/discord"
	"github.com/rcfr-io/ticketd/internal/lifecycle"
	"github.com/rcfr-io/ticketd/internal/logbuf"
	"github.com/rcfr-io/ticketd/internal/sweeper"
	"github.com/rcfr-io/ticketd/internal/ticket"
	"github.com/rcfr-io/ticketd/internal/transcript"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (2 modes: file, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("ticketd starting", "category", cfg.Tickets.CategoryName, "types", len(cfg.Tickets.Types))

	// 1. Audit store
	os.MkdirAll(cfg.Data.Dir, 0o755)
	dbPath := filepath.Join(cfg.Data.Dir, "events.db")
	store, err := audit.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open audit store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	// store lives for the whole process

	// 2. Discord connector
	conn, err := discord.New(cfg, logger.With("connector", "discord"))
	if err != nil {
		logger.Error("failed to init discord connector", "error", err)
		os.Exit(1)
	}

	// 3. Registry, transcripts, audit logger, ticket service
	reg := ticket.NewRegistry(conn.ChannelExists, logger.With("component", "registry"))
	writer := transcript.NewWriter(cfg.Data.TranscriptDir)
	auditLog := audit.NewLogger(logger.With("component", "audit"), store, conn, cfg.Tickets.LogChannel)
	svc := lifecycle.New(cfg, reg, conn, writer, auditLog, conn, logger.With("component", "lifecycle"))

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go safeGo(logger, "discord", func() {
		if err := conn.Run(ctx, svc); err != nil {
			logger.Error("discord connector stopped", "error", err)
		}
	})
	logger.Info("discord connector started")

	// 4. Registry sweeper
	if cfg.Tickets.SweepSchedule != "" {
		sw, err := sweeper.New(reg, conn.ChannelExists, cfg.Tickets.SweepSchedule, logger.With("component", "sweeper"))
		if err != nil {
			logger.Error("failed to init sweeper", "error", err)
			os.Exit(1)
		}
		go safeGo(logger, "sweeper", func() { sw.Start(ctx) })
		logger.Info("sweeper started", "schedule", cfg.Tickets.SweepSchedule)
	}

	// 5. Admin API server
	apiSvc := &botServiceAdapter{reg: reg, store: store}
	apiSrv := apiPkg.NewServer(apiSvc, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 6. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	conn.Stop()
	logger.Info("ticketd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// botServiceAdapter implements api.Service over the registry and audit store.
type botServiceAdapter struct {
	reg   *ticket.Registry
	store audit.Store
}

func (b *botServiceAdapter) OpenTickets() []apiPkg.OpenTicket {
	entries := b.reg.Entries()
	tickets := make([]apiPkg.OpenTicket, 0, len(entries))
	for owner, channel := range entries {
		tickets = append(tickets, apiPkg.OpenTicket{OwnerID: owner, ChannelID: channel})
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].OwnerID < tickets[j].OwnerID })
	return tickets
}

func (b *botServiceAdapter) ListEvents(filter audit.Filter) ([]audit.Event, error) {
	return b.store.List(filter)
}

func (b *botServiceAdapter) CountEvents(filter audit.Filter) (int, error) {
	return b.store.Count(filter)
}
