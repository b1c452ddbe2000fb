// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/forgemirror/lib/archivevault"
	"github.com/bureau-foundation/forgemirror/lib/audit"
	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/config"
	"github.com/bureau-foundation/forgemirror/lib/forge"
	"github.com/bureau-foundation/forgemirror/lib/git"
	"github.com/bureau-foundation/forgemirror/lib/heartbeat"
	"github.com/bureau-foundation/forgemirror/lib/mirror"
	"github.com/bureau-foundation/forgemirror/lib/process"
	"github.com/bureau-foundation/forgemirror/lib/repostate"
	"github.com/bureau-foundation/forgemirror/lib/secret"
	"github.com/bureau-foundation/forgemirror/lib/service"
	"github.com/bureau-foundation/forgemirror/lib/version"
)

// longRequestTimeout is the write timeout for the node's listener.
// A full resync or restore answers only when the whole tree is done.
const longRequestTimeout = 2 * time.Hour

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		showVersion bool
	)
	flags := pflag.NewFlagSet("mirror-node", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML, JSON, or TOML config file (default $"+config.PathEnv+")")
	flags.StringVar(&listen, "listen", "", "listen address, overriding the config file and PORT")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("mirror-node")
		return nil
	}

	cfg, err := config.LoadNode(config.ResolvePath(configPath, os.LookupEnv), os.LookupEnv)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With("service_id", cfg.ServiceID, "node_name", cfg.NodeName)
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext()
	defer stop()

	forgeToken, err := secret.Resolve(cfg.ForgeToken, cfg.ForgeTokenFile)
	if err != nil {
		return fmt.Errorf("forge token: %w", err)
	}
	if forgeToken != nil {
		defer forgeToken.Close()
	}
	relayToken, err := secret.Resolve(cfg.RelayToken, cfg.RelayTokenFile)
	if err != nil {
		return fmt.Errorf("relay token: %w", err)
	}
	if relayToken != nil {
		defer relayToken.Close()
	}

	realClock := clock.Real()
	node, cleanup, err := newNode(ctx, nodeConfig{
		Config:     cfg,
		ForgeToken: forgeToken,
		Clock:      realClock,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sweepArchives(ctx, cfg, node.auditLog, realClock, logger); err != nil {
		// A failed sweep leaves archives for the next start.
		logger.Error("archive retention sweep", "error", err)
	}

	registrar := heartbeat.New(heartbeat.Config{
		RelayURL:  cfg.RelayURL,
		Endpoint:  cfg.SelfEndpoint,
		ServiceID: cfg.ServiceID,
		NodeName:  cfg.NodeName,
		Token:     relayToken,
		Interval:  cfg.RegisterInterval(),
		Clock:     realClock,
		Logger:    logger,
	})
	node.registering = registrar.Enabled()
	if !registrar.Enabled() {
		logger.Info("relay registration disabled", "relay_url", cfg.RelayURL, "self_endpoint", cfg.SelfEndpoint)
	}
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		registrar.Run(ctx)
	}()

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address:      cfg.Listen,
		Handler:      node.Handler(),
		WriteTimeout: longRequestTimeout,
		Logger:       logger,
	})

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.Serve(ctx)
	}()

	select {
	case <-httpServer.Ready():
		active, deleted := node.store.Counts()
		logger.Info("mirror node running",
			"address", httpServer.Addr().String(),
			"data_dir", cfg.DataDir,
			"state_backend", cfg.StateBackend,
			"forge_url", cfg.ForgeURL,
			"repos_active", active,
			"repos_deleted", deleted,
			"version", version.Info(),
		)
	case err := <-httpDone:
		stop()
		<-heartbeatDone
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	err = <-httpDone
	<-heartbeatDone
	return err
}

// nodeConfig carries what newNode needs beyond the loaded
// configuration.
type nodeConfig struct {
	Config *config.NodeConfig

	// ForgeToken is nil when no token is configured. It must outlive
	// the node.
	ForgeToken *secret.Buffer

	// Backend replaces the git backend in tests.
	Backend mirror.Backend

	Clock  clock.Clock
	Logger *slog.Logger
}

// newNode opens the state store and audit log under the data directory
// and assembles the engine and its HTTP handlers. cleanup closes the
// store.
func newNode(ctx context.Context, c nodeConfig) (*NodeServer, func(), error) {
	cfg := c.Config
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditLogPath(), c.Clock)
	if err != nil {
		return nil, nil, err
	}

	backend, err := openStateBackend(cfg, auditLog, c.Clock, c.Logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := repostate.Open(repostate.Config{
		Backend:   backend,
		ServiceID: cfg.ServiceID,
		NodeName:  cfg.NodeName,
		Auditor:   auditLog,
		Clock:     c.Clock,
		Logger:    c.Logger,
	})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			c.Logger.Error("closing state store", "error", err)
		}
	}

	forgeClient := forge.NewClient(forge.Config{
		BaseURL: cfg.ForgeURL,
		Token:   c.ForgeToken,
		Logger:  c.Logger,
	})

	gitBackend := c.Backend
	if gitBackend == nil {
		gitBackend = mirror.GitBackend{
			Options: git.Options{
				Timeout:     cfg.SyncTimeout(),
				Credentials: git.Credentials{Token: c.ForgeToken},
			},
			Logger: c.Logger,
		}
	}

	engine, err := mirror.NewEngine(mirror.Config{
		Layout: mirror.Layout{
			Repositories: cfg.RepositoriesDir(),
			Archive:      cfg.ArchiveDir(),
		},
		Store:   store,
		Auditor: auditLog,
		Backend: gitBackend,
		Forge:   forgeClient,
		Clock:   c.Clock,
		Logger:  c.Logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &NodeServer{
		engine:     engine,
		store:      store,
		auditLog:   auditLog,
		deliveries: newDeliveryLog(c.Clock),
		serviceID:  cfg.ServiceID,
		nodeName:   cfg.NodeName,
		clock:      c.Clock,
		logger:     c.Logger,
	}, cleanup, nil
}

func openStateBackend(cfg *config.NodeConfig, auditLog *audit.Log, clk clock.Clock, logger *slog.Logger) (repostate.Backend, error) {
	switch cfg.StateBackend {
	case config.StateBackendSQLite:
		backend, err := repostate.OpenSQLiteBackend(repostate.SQLiteConfig{
			Path:    cfg.StatePath(),
			Auditor: auditLog,
			Clock:   clk,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening state database: %w", err)
		}
		return backend, nil
	default:
		return repostate.NewFileBackend(cfg.StatePath()), nil
	}
}

// sweepArchives runs the retention sweep once, exporting expired
// archives to the vault when one is configured.
func sweepArchives(ctx context.Context, cfg *config.NodeConfig, auditLog *audit.Log, clk clock.Clock, logger *slog.Logger) error {
	sweeper := &mirror.Sweeper{
		Root:      cfg.ArchiveDir(),
		Retention: cfg.ArchiveRetention(),
		Clock:     clk,
		Auditor:   auditLog,
		Logger:    logger,
	}
	if cfg.Vault.Enabled() {
		exporter, err := archivevault.NewExporter(ctx, cfg.Vault)
		if err != nil {
			return fmt.Errorf("opening archive vault: %w", err)
		}
		exporter.Logger = logger
		sweeper.Exporter = exporter
	}

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	logger.Info("archive retention sweep complete",
		"removed", result.Removed,
		"kept", result.Kept,
		"skipped", result.Skipped,
		"retention", cfg.ArchiveRetention(),
	)
	return nil
}
