// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/fanout"
	"github.com/bureau-foundation/forgemirror/lib/membership"
	"github.com/bureau-foundation/forgemirror/lib/netutil"
	"github.com/bureau-foundation/forgemirror/lib/service"
	"github.com/bureau-foundation/forgemirror/lib/signature"
)

// forgeDeliveryHeaders carry the forge's own delivery ID, which is
// passed through to the nodes when present.
var forgeDeliveryHeaders = []string{"X-Gitea-Delivery", "X-GitHub-Delivery", "X-Gogs-Delivery"}

// RelayServer holds the relay's HTTP handlers.
type RelayServer struct {
	registry   *membership.Registry
	verifier   *signature.Verifier
	fanout     *fanout.Relay
	maxPayload int64
	clock      clock.Clock
	startedAt  time.Time
	logger     *slog.Logger
}

type registrationRequest struct {
	Endpoint string `json:"endpoint"`
}

type registerResponse struct {
	Registered   string `json:"registered"`
	DynamicTotal int    `json:"dynamic_total"`
}

type unregisterResponse struct {
	Unregistered string `json:"unregistered"`
	DynamicTotal int    `json:"dynamic_total"`
}

type endpointsResponse struct {
	Endpoints []string `json:"endpoints"`
	Count     int      `json:"count"`
}

type healthResponse struct {
	Status                    string    `json:"status"`
	Endpoints                 int       `json:"endpoints"`
	Dynamic                   int       `json:"dynamic"`
	Static                    int       `json:"static"`
	SignatureRequired         bool      `json:"signature_required"`
	RegistrationTokenRequired bool      `json:"registration_token_required"`
	StartedAt                 time.Time `json:"started_at"`
	UptimeSeconds             int64     `json:"uptime_seconds"`
}

// Handler returns the relay's routes.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /unregister", s.handleUnregister)
	mux.HandleFunc("GET /endpoints", s.handleEndpoints)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// readRegistration authorizes the caller and extracts the endpoint.
// It writes the error reply itself and returns ok=false on failure.
func (s *RelayServer) readRegistration(writer http.ResponseWriter, request *http.Request) (string, bool) {
	if !s.registry.Authorize(strings.TrimSpace(request.Header.Get(membership.TokenHeader))) {
		s.logger.Warn("registration rejected", "remote_addr", request.RemoteAddr, "path", request.URL.Path)
		service.WriteError(writer, http.StatusUnauthorized, "unauthorized")
		return "", false
	}

	var payload registrationRequest
	body, err := netutil.ReadLimited(request.Body, s.maxPayload)
	if err == nil {
		service.DecodeObject(body, &payload)
	}
	endpoint := membership.Normalize(payload.Endpoint)
	if endpoint == "" {
		service.WriteError(writer, http.StatusBadRequest, "missing endpoint")
		return "", false
	}
	return endpoint, true
}

func (s *RelayServer) handleRegister(writer http.ResponseWriter, request *http.Request) {
	endpoint, ok := s.readRegistration(writer, request)
	if !ok {
		return
	}
	total := s.registry.Register(endpoint)
	s.logger.Debug("endpoint registered", "endpoint", endpoint, "dynamic_total", total)
	service.WriteJSON(writer, http.StatusOK, registerResponse{Registered: endpoint, DynamicTotal: total})
}

func (s *RelayServer) handleUnregister(writer http.ResponseWriter, request *http.Request) {
	endpoint, ok := s.readRegistration(writer, request)
	if !ok {
		return
	}
	total := s.registry.Unregister(endpoint)
	s.logger.Info("endpoint unregistered", "endpoint", endpoint, "dynamic_total", total)
	service.WriteJSON(writer, http.StatusOK, unregisterResponse{Unregistered: endpoint, DynamicTotal: total})
}

func (s *RelayServer) handleEndpoints(writer http.ResponseWriter, request *http.Request) {
	endpoints := s.registry.List()
	service.WriteJSON(writer, http.StatusOK, endpointsResponse{Endpoints: endpoints, Count: len(endpoints)})
}

func (s *RelayServer) handleWebhook(writer http.ResponseWriter, request *http.Request) {
	// Size is checked before the signature so an oversized body is
	// never hashed.
	if request.ContentLength > s.maxPayload {
		service.WriteError(writer, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	body, err := netutil.ReadLimited(request.Body, s.maxPayload)
	if errors.Is(err, netutil.ErrBodyTooLarge) {
		service.WriteError(writer, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err != nil {
		s.logger.Warn("reading webhook body", "error", err)
		service.WriteError(writer, http.StatusBadRequest, "missing json payload")
		return
	}

	if err := s.verifier.Verify(body, request.Header); err != nil {
		s.logger.Warn("webhook signature rejected",
			"error", err,
			"remote_addr", request.RemoteAddr,
		)
		service.WriteError(writer, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	if !validPayload(body) {
		service.WriteError(writer, http.StatusBadRequest, "missing json payload")
		return
	}

	deliveryID := ""
	for _, header := range forgeDeliveryHeaders {
		if value := strings.TrimSpace(request.Header.Get(header)); value != "" {
			deliveryID = value
			break
		}
	}

	// Every member is attempted even if the forge hangs up; the
	// per-target timeout bounds the whole delivery.
	result := s.fanout.Deliver(context.WithoutCancel(request.Context()), body, deliveryID)
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusBadGateway
	}
	service.WriteJSON(writer, status, result)
}

func (s *RelayServer) handleHealth(writer http.ResponseWriter, request *http.Request) {
	endpoints := s.registry.List()
	now := s.clock.Now()
	service.WriteJSON(writer, http.StatusOK, healthResponse{
		Status:                    "ok",
		Endpoints:                 len(endpoints),
		Dynamic:                   s.registry.DynamicCount(),
		Static:                    s.registry.StaticCount(),
		SignatureRequired:         s.verifier.Required(),
		RegistrationTokenRequired: s.registry.TokenRequired(),
		StartedAt:                 s.startedAt.UTC(),
		UptimeSeconds:             int64(now.Sub(s.startedAt).Seconds()),
	})
}
