// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the engine together: backend supervisor, dispatcher,
// session store, resume orchestrator, and the API server.
package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wingedpig/strand/internal/api"
	"github.com/wingedpig/strand/internal/backend"
	"github.com/wingedpig/strand/internal/config"
	"github.com/wingedpig/strand/internal/dispatch"
	"github.com/wingedpig/strand/internal/resume"
	"github.com/wingedpig/strand/internal/session"
	"github.com/wingedpig/strand/internal/snapshot"
)

// Options configures app creation.
type Options struct {
	ConfigPath string // empty: use built-in defaults
	Host       string // overrides config when set
	Port       int    // overrides config when set
	Version    string
}

// App owns all long-lived components.
type App struct {
	mu       sync.Mutex
	config   *config.Config
	options  Options
	client   *backend.Supervisor
	store    *session.Store
	orch     *resume.Orchestrator
	dir      *session.Directory
	mw       *dispatch.Middleware
	server   *api.Server
	done     chan struct{}
	stopOnce sync.Once
}

// New creates the app from its configuration.
func New(opts Options) (*App, error) {
	var cfg *config.Config
	if opts.ConfigPath != "" {
		loaded, err := config.NewLoader().LoadWithDefaults(context.Background(), opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}

	client := backend.NewSupervisor(backend.ProcessConfig{
		Command:    cfg.Backend.Command,
		Args:       cfg.Backend.Args,
		UsePTY:     cfg.Backend.UsePTY,
		JournalDir: cfg.Backend.JournalDir,
	})

	mw := dispatch.New(client, dispatch.Config{
		RetryAttempts: cfg.Dispatch.RetryAttempts,
		RetryDelay:    config.Duration(cfg.Dispatch.RetryDelay, 250*time.Millisecond),
		PollInterval:  config.Duration(cfg.Dispatch.PollInterval, time.Second),
	})

	dir := session.NewDirectory(cfg.Storage.RunsFile)
	cache := snapshot.NewStore(cfg.Storage.SnapshotDir)
	store := session.NewStore(client, cache, dir, mw)
	store.SetPlatformID(cfg.Session.Platform)
	store.SetRemoteHost(cfg.Session.RemoteHost)
	if cfg.Session.Model != "" {
		// Applied to the next spawn; no live run exists yet.
		store.SetModel(context.Background(), cfg.Session.Model)
	}
	if cfg.Session.PermissionMode != "" {
		store.SetPermissionMode(context.Background(), cfg.Session.PermissionMode)
	}

	orch := resume.New(client, store, dir)

	server := api.NewServer(api.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, api.Dependencies{
		Store:          store,
		Orchestrator:   orch,
		Directory:      dir,
		CoalesceWindow: config.Duration(cfg.Dispatch.CoalesceWindow, 100*time.Millisecond),
	})

	return &App{
		config:  cfg,
		options: opts,
		client:  client,
		store:   store,
		orch:    orch,
		dir:     dir,
		mw:      mw,
		server:  server,
		done:    make(chan struct{}),
	}, nil
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	go func() {
		log.Printf("Starting API server on %s:%d", app.config.Server.Host, app.config.Server.Port)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
			app.Stop()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	case <-app.done:
		log.Printf("Shutdown requested...")
	}

	return app.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop API server first to stop accepting new requests
	if app.server != nil {
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down API server: %v", err)
		}
	}

	// Drop event subscriptions before killing processes
	if app.mw != nil {
		app.mw.Detach()
	}

	// Stop supervised agent processes
	if app.client != nil {
		app.client.Shutdown()
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
