// Package main is the fleet node daemon. One process runs the home manager,
// the work-loop scheduler, the migration engine and the tool gateway over a
// shared storage backend and event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/a2a"
	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/channel"
	"github.com/flocklabs/flock/internal/common/config"
	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/common/tracing"
	"github.com/flocklabs/flock/internal/directory"
	"github.com/flocklabs/flock/internal/events/bus"
	"github.com/flocklabs/flock/internal/fleet/store/provider"
	"github.com/flocklabs/flock/internal/gateway"
	"github.com/flocklabs/flock/internal/home"
	"github.com/flocklabs/flock/internal/migration"
	"github.com/flocklabs/flock/internal/scheduler"
	"github.com/flocklabs/flock/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting fleet node",
		zap.String("nodeId", cfg.Node.NodeID),
		zap.String("storage", cfg.Storage.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend
	st, err := provider.New(cfg)
	if err != nil {
		log.Fatal("failed to open storage backend", zap.Error(err))
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate storage schema", zap.Error(err))
	}

	// Event bus: NATS when configured, in-process otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS.URL, cfg.NATS.ClientID, cfg.NATS.MaxReconnects, log)
		if err != nil {
			log.Fatal("failed to connect to NATS event bus", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		memBus := bus.NewMemoryBus()
		defer memBus.Close()
		eventBus = memBus
		log.Info("using in-process event bus")
	}

	// A2A client over the same transport choice
	var client a2a.Client
	if cfg.NATS.URL != "" {
		natsClient, err := a2a.NewNATSClient(cfg.NATS.URL, cfg.NATS.ClientID,
			cfg.NATS.MaxReconnects, cfg.NATS.RequestTimeout(), log)
		if err != nil {
			log.Fatal("failed to connect A2A client", zap.Error(err))
		}
		defer natsClient.Close()
		client = natsClient
	} else {
		client = a2a.NewLoopback()
	}

	// Core services
	auditSvc := audit.NewService(st.Audit(), log)
	homes := home.NewManager(st, auditSvc, eventBus, log, home.LeaseBounds{
		Min:     time.Duration(cfg.Lease.MinMs) * time.Millisecond,
		Max:     time.Duration(cfg.Lease.MaxMs) * time.Millisecond,
		Default: time.Duration(cfg.Lease.DefaultMs) * time.Millisecond,
	})
	provisioner := home.NewProvisioner(homes, auditSvc, cfg.Node.WorkspaceDir)
	tasks := task.NewService(st.Tasks(), auditSvc, client, eventBus, log)
	channels := channel.NewService(st, auditSvc, eventBus, log)

	sched := scheduler.New(st, homes, client, auditSvc, log, scheduler.Options{
		TickInterval:       cfg.Scheduler.TickInterval(),
		InterDispatchDelay: time.Duration(cfg.Scheduler.InterDispatchDelayMs) * time.Millisecond,
		StaleLockMaxAge:    time.Duration(cfg.Scheduler.StaleLockMaxAgeSec) * time.Second,
		WorkspaceDir:       cfg.Node.WorkspaceDir,
	})
	tasks.SetWaker(sched)
	channels.SetLoopControl(sched)

	registry := directory.NewRegistry()
	engine := migration.New(st, homes, auditSvc, eventBus, log, cfg.Node.NodeID, cfg.Node.Endpoint)
	engine.SetRelocator(registry)

	// Gateway
	dispatcher := gateway.NewDispatcher(homes, provisioner, tasks, channels,
		auditSvc, sched, engine, registry, log, cfg.Node.NodeID)
	hub := gateway.NewHub(eventBus, log)
	server := gateway.NewServer(cfg, dispatcher, hub, log)

	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()
	go hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	restart := make(chan struct{}, 1)
	dispatcher.SetRestartHook(func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	case <-restart:
		// A supervisor (systemd, k8s) restarts the process on clean exit.
		log.Info("restart requested via gateway, exiting for supervisor restart")
	case err := <-errCh:
		if err != nil {
			log.Error("gateway server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown incomplete", zap.Error(err))
	}
	cancel()

	log.Info("fleet node stopped")
}
