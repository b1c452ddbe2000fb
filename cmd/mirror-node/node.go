// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/audit"
	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/fanout"
	"github.com/bureau-foundation/forgemirror/lib/mirror"
	"github.com/bureau-foundation/forgemirror/lib/netutil"
	"github.com/bureau-foundation/forgemirror/lib/repostate"
	"github.com/bureau-foundation/forgemirror/lib/service"
)

// maxEventBytes bounds a /sync body. Forges cap webhook payloads at
// 25 MiB.
const maxEventBytes = 25 << 20

// NodeServer holds the mirror node's HTTP handlers.
type NodeServer struct {
	engine      *mirror.Engine
	store       *repostate.Store
	auditLog    *audit.Log
	deliveries  *deliveryLog
	serviceID   string
	nodeName    string
	registering bool
	clock       clock.Clock
	logger      *slog.Logger
}

type syncResponse struct {
	Result string `json:"result"`
}

type restoreRequest struct {
	Source string `json:"source"`
}

type restoreResponse struct {
	Restored int `json:"restored"`
}

type repoCounts struct {
	Active  int `json:"active"`
	Deleted int `json:"deleted"`
}

type healthResponse struct {
	ServiceID                string     `json:"service_id"`
	NodeName                 string     `json:"node_name"`
	StartedAt                time.Time  `json:"started_at"`
	UptimeSeconds            int64      `json:"uptime_seconds"`
	RelayRegistrationEnabled bool       `json:"relay_registration_enabled"`
	Repos                    repoCounts `json:"repos"`
}

type logsResponse struct {
	Logs []audit.Record `json:"logs"`
}

// Handler returns the node's routes.
func (s *NodeServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /resync", s.handleResync)
	mux.HandleFunc("POST /restore", s.handleRestore)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /repos", s.handleRepos)
	mux.HandleFunc("GET /logs", s.handleLogs)
	return mux
}

func (s *NodeServer) handleSync(writer http.ResponseWriter, request *http.Request) {
	body, err := netutil.ReadLimited(request.Body, maxEventBytes)
	if errors.Is(err, netutil.ErrBodyTooLarge) {
		service.WriteError(writer, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err != nil {
		service.WriteError(writer, http.StatusBadRequest, "reading request body")
		return
	}

	var event mirror.Event
	if !service.DecodeObject(body, &event) {
		service.WriteError(writer, http.StatusBadRequest, "missing json payload")
		return
	}

	deliveryID := strings.TrimSpace(request.Header.Get(fanout.DeliveryHeader))
	if deliveryID != "" {
		switch s.deliveries.begin(deliveryID) {
		case deliveryApplied:
			s.logger.Debug("duplicate delivery, ignoring",
				"delivery_id", deliveryID,
				"repo", event.Repository.FullName,
			)
			service.WriteJSON(writer, http.StatusOK, syncResponse{Result: "duplicate"})
			return
		case deliveryInFlight:
			// The first attempt may still fail, so the sender has to
			// try again rather than be told this one was applied.
			service.WriteError(writer, http.StatusConflict, "delivery in progress")
			return
		}
	}

	// A sender that gives up must not kill git halfway through a
	// clone. SyncTimeout bounds the work instead.
	outcome, err := s.engine.HandleEvent(context.WithoutCancel(request.Context()), event)
	if deliveryID != "" {
		s.deliveries.finish(deliveryID, err == nil)
	}
	if err != nil {
		s.writeEventError(writer, event, err)
		return
	}

	s.logger.Info("event applied",
		"repo", event.Repository.FullName,
		"action", event.Action,
		"ref", event.Ref,
		"result", outcome,
		"delivery_id", deliveryID,
	)
	service.WriteJSON(writer, http.StatusOK, syncResponse{Result: string(outcome)})
}

func (s *NodeServer) writeEventError(writer http.ResponseWriter, event mirror.Event, err error) {
	switch {
	case errors.Is(err, mirror.ErrMissingRepository):
		service.WriteError(writer, http.StatusBadRequest, "missing repository.full_name")
	case errors.Is(err, mirror.ErrInvalidRepository):
		service.WriteError(writer, http.StatusBadRequest, "invalid repository name")
	case errors.Is(err, mirror.ErrSyncFailed):
		service.WriteError(writer, http.StatusBadRequest, "git sync failed")
	default:
		s.logger.Error("applying event",
			"repo", event.Repository.FullName,
			"action", event.Action,
			"error", err,
		)
		service.WriteError(writer, http.StatusInternalServerError, "internal error")
	}
}

func (s *NodeServer) handleResync(writer http.ResponseWriter, request *http.Request) {
	result, err := s.engine.FullResync(context.WithoutCancel(request.Context()))
	switch {
	case errors.Is(err, mirror.ErrMissingCredentials):
		service.WriteError(writer, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, mirror.ErrResyncRunning):
		service.WriteError(writer, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("full resync", "error", err)
		service.WriteError(writer, http.StatusBadGateway, "listing forge repositories failed")
	default:
		service.WriteJSON(writer, http.StatusOK, result)
	}
}

func (s *NodeServer) handleRestore(writer http.ResponseWriter, request *http.Request) {
	var payload restoreRequest
	body, err := netutil.ReadLimited(request.Body, 64<<10)
	if err == nil {
		service.DecodeObject(body, &payload)
	}
	source := strings.TrimSpace(payload.Source)
	if source == "" {
		service.WriteError(writer, http.StatusBadRequest, "missing source")
		return
	}

	restored, err := s.engine.Restore(context.WithoutCancel(request.Context()), source)
	switch {
	case errors.Is(err, mirror.ErrRestoreSource):
		service.WriteError(writer, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("restore", "source", source, "error", err)
		service.WriteError(writer, http.StatusInternalServerError, "restore failed")
	default:
		service.WriteJSON(writer, http.StatusOK, restoreResponse{Restored: restored})
	}
}

func (s *NodeServer) handleHealth(writer http.ResponseWriter, request *http.Request) {
	active, deleted := s.store.Counts()
	startedAt := s.store.StartedAt()
	service.WriteJSON(writer, http.StatusOK, healthResponse{
		ServiceID:                s.serviceID,
		NodeName:                 s.nodeName,
		StartedAt:                startedAt,
		UptimeSeconds:            int64(s.clock.Now().Sub(startedAt).Seconds()),
		RelayRegistrationEnabled: s.registering,
		Repos:                    repoCounts{Active: active, Deleted: deleted},
	})
}

func (s *NodeServer) handleRepos(writer http.ResponseWriter, request *http.Request) {
	service.WriteJSON(writer, http.StatusOK, s.store.Snapshot())
}

func (s *NodeServer) handleLogs(writer http.ResponseWriter, request *http.Request) {
	lines := audit.DefaultTail
	if raw := request.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			lines = parsed
		}
	}
	records, err := s.auditLog.Tail(audit.ClampLines(lines))
	if err != nil {
		s.logger.Error("reading audit log", "error", err)
		service.WriteError(writer, http.StatusInternalServerError, "reading audit log failed")
		return
	}
	service.WriteJSON(writer, http.StatusOK, logsResponse{Logs: records})
}
