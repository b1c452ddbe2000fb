// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/config"
	"github.com/bureau-foundation/forgemirror/lib/fanout"
	"github.com/bureau-foundation/forgemirror/lib/membership"
	"github.com/bureau-foundation/forgemirror/lib/process"
	"github.com/bureau-foundation/forgemirror/lib/secret"
	"github.com/bureau-foundation/forgemirror/lib/service"
	"github.com/bureau-foundation/forgemirror/lib/signature"
	"github.com/bureau-foundation/forgemirror/lib/version"
)

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
	flags := pflag.NewFlagSet("forge-relay", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML, JSON, or TOML config file (default $"+config.PathEnv+")")
	flags.StringVar(&listen, "listen", "", "listen address, overriding the config file and PORT")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("forge-relay")
		return nil
	}

	cfg, err := config.LoadRelay(config.ResolvePath(configPath, os.LookupEnv), os.LookupEnv)
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
	}))
	slog.SetDefault(logger)

	webhookSecret, err := secret.Resolve(cfg.WebhookSecret, cfg.WebhookSecretFile)
	if err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}
	if webhookSecret != nil {
		defer webhookSecret.Close()
	}
	registrationToken, err := secret.Resolve(cfg.RegistrationToken, cfg.RegistrationTokenFile)
	if err != nil {
		return fmt.Errorf("registration token: %w", err)
	}
	if registrationToken != nil {
		defer registrationToken.Close()
	}

	ctx, stop := process.SignalContext()
	defer stop()

	server := newRelayServer(relayServerConfig{
		Config:            cfg,
		WebhookSecret:     secretBytes(webhookSecret),
		RegistrationToken: secretBytes(registrationToken),
		Clock:             clock.Real(),
		Logger:            logger,
	})

	if !server.verifier.Required() {
		logger.Warn("no webhook secret configured, accepting unsigned webhooks")
	}
	if !server.registry.TokenRequired() {
		logger.Warn("no registration token configured, registration is open")
	}

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen,
		Handler: server.Handler(),
		Logger:  logger,
	})

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.Serve(ctx)
	}()

	select {
	case <-httpServer.Ready():
		logger.Info("forge relay running",
			"address", httpServer.Addr().String(),
			"static_endpoints", server.registry.StaticCount(),
			"endpoint_ttl", cfg.EndpointTTL(),
			"fanout_timeout", cfg.FanoutTimeout(),
			"max_payload_bytes", cfg.MaxPayloadBytes,
			"version", version.Info(),
		)
	case err := <-httpDone:
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return <-httpDone
}

// relayServerConfig carries what newRelayServer needs beyond the
// loaded configuration.
type relayServerConfig struct {
	Config            *config.RelayConfig
	WebhookSecret     []byte
	RegistrationToken []byte
	Clock             clock.Clock
	Logger            *slog.Logger
}

func newRelayServer(c relayServerConfig) *RelayServer {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	registry := membership.New(membership.Config{
		Static: c.Config.StaticEndpoints,
		TTL:    c.Config.EndpointTTL(),
		Token:  c.RegistrationToken,
		Clock:  c.Clock,
		Logger: c.Logger,
	})
	return &RelayServer{
		registry: registry,
		verifier: signature.NewVerifier(c.WebhookSecret),
		fanout: fanout.New(fanout.Config{
			Members: registry,
			Timeout: c.Config.FanoutTimeout(),
			Logger:  c.Logger,
		}),
		maxPayload: c.Config.MaxPayloadBytes,
		clock:      c.Clock,
		startedAt:  c.Clock.Now(),
		logger:     c.Logger,
	}
}

func secretBytes(buffer *secret.Buffer) []byte {
	if buffer == nil {
		return nil
	}
	return buffer.Bytes()
}
