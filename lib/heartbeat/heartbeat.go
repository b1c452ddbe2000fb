// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat keeps a mirror node registered with its relay.
//
// A [Registrar] posts the node's identity to {relay}/register once at
// start and then on every interval tick until its context ends. The
// relay expires registrations that stop arriving, so the heartbeat
// interval must stay well under the relay's TTL. Failures are logged
// and retried on the next tick; they never stop the loop.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/membership"
	"github.com/bureau-foundation/forgemirror/lib/netutil"
	"github.com/bureau-foundation/forgemirror/lib/secret"
)

// Registration is the body of a register call.
type Registration struct {
	Endpoint  string `json:"endpoint"`
	ServiceID string `json:"service_id"`
	NodeName  string `json:"node_name"`
}

// Config configures a Registrar.
type Config struct {
	// RelayURL is the relay's base URL. The registrar is disabled
	// when empty.
	RelayURL string

	// Endpoint is the base URL the relay should deliver to. The
	// registrar is disabled when empty.
	Endpoint string

	ServiceID string
	NodeName  string

	// Token is sent as the relay registration token when set. The
	// buffer stays owned by the caller and must outlive Run.
	Token *secret.Buffer

	// Interval between registrations. Defaults to 30 seconds.
	Interval time.Duration

	// Timeout bounds each registration call. Defaults to 5 seconds.
	Timeout time.Duration

	Client *http.Client
	Clock  clock.Clock
	Logger *slog.Logger
}

// Registrar is the heartbeat loop.
type Registrar struct {
	relayURL     string
	registration Registration
	token        *secret.Buffer
	interval     time.Duration
	timeout      time.Duration
	client       *http.Client
	clock        clock.Clock
	logger       *slog.Logger
}

// New returns a Registrar with defaults applied.
func New(config Config) *Registrar {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registrar{
		relayURL: strings.TrimRight(config.RelayURL, "/"),
		registration: Registration{
			Endpoint:  strings.TrimRight(strings.TrimSpace(config.Endpoint), "/"),
			ServiceID: config.ServiceID,
			NodeName:  config.NodeName,
		},
		token:    config.Token,
		interval: config.Interval,
		timeout:  config.Timeout,
		client:   config.Client,
		clock:    config.Clock,
		logger:   config.Logger,
	}
}

// Enabled reports whether both the relay URL and the self endpoint are
// configured.
func (r *Registrar) Enabled() bool {
	return r.relayURL != "" && r.registration.Endpoint != ""
}

// Run registers immediately and then every interval until ctx is
// cancelled. It returns at once when the registrar is disabled.
func (r *Registrar) Run(ctx context.Context) {
	if !r.Enabled() {
		r.logger.Info("relay registration disabled")
		return
	}

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ticker.C:
			r.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registrar) beat(ctx context.Context) {
	if err := r.RegisterOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("relay registration failed", "relay", r.relayURL, "error", err)
		return
	}
	r.logger.Debug("registered with relay", "relay", r.relayURL, "endpoint", r.registration.Endpoint)
}

// RegisterOnce performs a single registration call.
func (r *Registrar) RegisterOnce(ctx context.Context) error {
	if !r.Enabled() {
		return errors.New("heartbeat: relay URL and endpoint are required")
	}
	body, err := json.Marshal(r.registration)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.relayURL+"/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating register request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if r.token != nil {
		request.Header.Set(membership.TokenHeader, r.token.String())
	}

	response, err := r.client.Do(request)
	if err != nil {
		return fmt.Errorf("posting registration: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("relay returned %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))
	}
	netutil.Drain(response.Body)
	return nil
}
