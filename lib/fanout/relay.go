// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanout broadcasts an authenticated webhook payload to every
// current member of a relay's membership.
//
// Delivery is best effort. Each member gets one POST to
// {endpoint}/sync bounded by a timeout; a non-2xx answer or a
// transport error becomes a [Failure] and the remaining members are
// still attempted. Nothing is retried: a node that missed an event
// catches up on the next one for the same repository, or through a
// full resync.
package fanout

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/forgemirror/lib/netutil"
)

// DeliveryHeader carries the delivery ID to mirror nodes so they can
// drop duplicates.
const DeliveryHeader = "X-Forge-Delivery"

// StatusError is the Failure status for transport errors.
const StatusError = "error"

// Members supplies the membership snapshot for one fan-out.
type Members interface {
	List() []string
}

// Result is the aggregate outcome of one fan-out.
type Result struct {
	Targets int       `json:"targets"`
	Success int       `json:"success"`
	Failed  []Failure `json:"failed"`
}

// Failure records one member that did not accept the delivery.
// Status is the HTTP status code, or StatusError when no response
// arrived.
type Failure struct {
	Endpoint string `json:"endpoint"`
	Status   any    `json:"status"`
}

// Config configures a Relay.
type Config struct {
	Members Members

	// Timeout bounds each delivery. Defaults to 5 seconds.
	Timeout time.Duration

	// Client defaults to a client with no overall timeout; Timeout is
	// applied per request through the context.
	Client *http.Client

	Logger *slog.Logger
}

// Relay delivers payloads to members.
type Relay struct {
	members Members
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// New returns a Relay. Members is required.
func New(config Config) *Relay {
	if config.Members == nil {
		panic("fanout.New: Members is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{
		members: config.Members,
		timeout: config.Timeout,
		client:  config.Client,
		logger:  config.Logger,
	}
}

// Deliver posts payload to every member in membership order. An empty
// deliveryID is replaced by a fresh UUID so that every fan-out is
// traceable on the nodes.
func (r *Relay) Deliver(ctx context.Context, payload []byte, deliveryID string) Result {
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	endpoints := r.members.List()
	result := Result{
		Targets: len(endpoints),
		Failed:  []Failure{},
	}

	for _, endpoint := range endpoints {
		status, err := r.deliverOne(ctx, endpoint, payload, deliveryID)
		switch {
		case err != nil:
			r.logger.Warn("delivery failed",
				"endpoint", endpoint,
				"delivery_id", deliveryID,
				"error", err,
			)
			result.Failed = append(result.Failed, Failure{Endpoint: endpoint, Status: StatusError})
		case status < 200 || status > 299:
			r.logger.Warn("delivery rejected",
				"endpoint", endpoint,
				"delivery_id", deliveryID,
				"status", status,
			)
			result.Failed = append(result.Failed, Failure{Endpoint: endpoint, Status: status})
		default:
			result.Success++
		}
	}

	r.logger.Info("fan-out complete",
		"delivery_id", deliveryID,
		"targets", result.Targets,
		"success", result.Success,
		"failed", len(result.Failed),
	)
	return result
}

func (r *Relay) deliverOne(ctx context.Context, endpoint string, payload []byte, deliveryID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/sync", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(DeliveryHeader, deliveryID)

	response, err := r.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		r.logger.Debug("member response",
			"endpoint", endpoint,
			"status", response.StatusCode,
			"body", netutil.ErrorBody(response.Body),
		)
	} else {
		netutil.Drain(response.Body)
	}
	return response.StatusCode, nil
}
