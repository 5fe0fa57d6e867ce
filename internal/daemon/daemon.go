// Package daemon wires the node together and runs its lifecycle:
// store, session registry, gateways, http server, control-plane
// callbacks, graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perchhq/perch/internal/acp"
	"github.com/perchhq/perch/internal/config"
	"github.com/perchhq/perch/internal/controlplane"
	"github.com/perchhq/perch/internal/gateway"
	"github.com/perchhq/perch/internal/server"
	"github.com/perchhq/perch/internal/session"
	"github.com/perchhq/perch/internal/store"
)

const shutdownTimeout = 15 * time.Second

type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *session.Registry
	cp       *controlplane.Client
	srv      *server.Server
}

func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := session.NewRegistry(st, logger, session.Options{
		OrphanGrace: cfg.OrphanGrace(),
		MaxSessions: cfg.MaxSessions(),
		Shell:       cfg.Shell(),
	})
	// Tabs persisted before a restart come back as exited placeholders;
	// the browser keeps its layout and spawns fresh processes.
	if err := registry.Restore(cfg.WorkspaceID); err != nil {
		st.Close()
		return nil, err
	}

	cp := controlplane.NewClient(cfg.ControlPlane.URL, cfg.NodeID, cfg.WorkspaceID,
		cfg.ControlPlane.Secret, logger)
	gw := gateway.New(registry, logger, cfg.Sessions.RequireTakeover, cfg.Shell())
	agents := acp.New(registry, cp, logger)
	srv := server.New(cfg.Addr, cfg.WorkspaceID, registry, gw, agents, logger)

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: registry,
		cp:       cp,
		srv:      srv,
	}, nil
}

// Run serves until SIGINT/SIGTERM, then shuts down cleanly: sessions
// terminated, cleanup callback delivered, store closed.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.srv.Start()
	}()

	readyCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := d.cp.NotifyReady(readyCtx); err != nil {
		// The node keeps serving: the control plane discovers it via
		// heartbeats even when the ready callback burned its budget.
		d.logger.Warn("node-ready callback failed", "err", err)
	}
	cancel()

	go d.cp.RunHeartbeats(ctx, d.cfg.HeartbeatInterval(), func() int {
		return len(d.registry.List(d.cfg.WorkspaceID))
	})

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	}
	stop()

	return d.shutdown()
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.srv.Shutdown(ctx); err != nil {
		d.logger.Warn("http shutdown", "err", err)
	}
	d.registry.CloseAll()

	if err := d.cp.Cleanup(ctx); err != nil {
		d.logger.Warn("cleanup callback failed", "err", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close", "err", err)
	}
	d.logger.Info("shutdown complete")
	return nil
}
