// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/config"
	"github.com/bureau-foundation/forgemirror/lib/fanout"
	"github.com/bureau-foundation/forgemirror/lib/signature"
	"github.com/bureau-foundation/forgemirror/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type relayOptions struct {
	secret string
	token  string
	static []string
	ttl    int
}

func newTestRelay(t *testing.T, options relayOptions) (*RelayServer, *clock.FakeClock) {
	t.Helper()
	cfg := config.DefaultRelay()
	cfg.StaticEndpoints = options.static
	if options.ttl > 0 {
		cfg.EndpointTTLSeconds = options.ttl
	}
	cfg.MaxPayloadBytes = 1024
	fakeClock := clock.Fake(epoch)
	server := newRelayServer(relayServerConfig{
		Config:            cfg,
		WebhookSecret:     []byte(options.secret),
		RegistrationToken: []byte(options.token),
		Clock:             fakeClock,
	})
	return server, fakeClock
}

// syncRecorder is a stand-in mirror node that records /sync calls.
type syncRecorder struct {
	mu         sync.Mutex
	bodies     []string
	deliveries []string
	status     int
}

func (s *syncRecorder) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	body, _ := io.ReadAll(request.Body)
	s.mu.Lock()
	if request.URL.Path == "/sync" {
		s.bodies = append(s.bodies, string(body))
		s.deliveries = append(s.deliveries, request.Header.Get(fanout.DeliveryHeader))
	}
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	writer.WriteHeader(status)
}

func (s *syncRecorder) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func TestRegisterRequiresToken(t *testing.T) {
	server, _ := newTestRelay(t, relayOptions{token: "s3cret"})
	handler := server.Handler()

	tests := []struct {
		name   string
		token  string
		body   string
		status int
		want   string
	}{
		{name: "missing_token", body: `{"endpoint":"http://a:8080"}`, status: http.StatusUnauthorized, want: "unauthorized"},
		{name: "wrong_token", token: "nope", body: `{"endpoint":"http://a:8080"}`, status: http.StatusUnauthorized, want: "unauthorized"},
		{name: "missing_endpoint", token: "s3cret", body: `{}`, status: http.StatusBadRequest, want: "missing endpoint"},
		{name: "blank_endpoint", token: "s3cret", body: `{"endpoint":"  "}`, status: http.StatusBadRequest, want: "missing endpoint"},
		{name: "invalid_json", token: "s3cret", body: `{`, status: http.StatusBadRequest, want: "missing endpoint"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var headers []string
			if test.token != "" {
				headers = []string{"X-Relay-Token", test.token}
			}
			recorder := testutil.Serve(handler, "POST", "/register", test.body, headers...)
			if recorder.Code != test.status {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, test.status, recorder.Body)
			}
			response := testutil.DecodeJSON[map[string]string](t, recorder)
			if response["error"] != test.want {
				t.Errorf("error = %q, want %q", response["error"], test.want)
			}
		})
	}
	if got := server.registry.DynamicCount(); got != 0 {
		t.Errorf("DynamicCount() = %d, want 0", got)
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	server, _ := newTestRelay(t, relayOptions{token: "s3cret", static: []string{"http://static:8080"}})
	handler := server.Handler()

	recorder := testutil.Serve(handler, "POST", "/register", `{"endpoint":"http://a:8080/"}`, "X-Relay-Token", "s3cret")
	if recorder.Code != http.StatusOK {
		t.Fatalf("register status = %d, want 200 (body %s)", recorder.Code, recorder.Body)
	}
	registered := testutil.DecodeJSON[registerResponse](t, recorder)
	if registered.Registered != "http://a:8080" || registered.DynamicTotal != 1 {
		t.Errorf("register = %+v, want http://a:8080 with dynamic_total 1", registered)
	}

	// Re-registering refreshes rather than duplicates.
	testutil.Serve(handler, "POST", "/register", `{"endpoint":"http://a:8080"}`, "X-Relay-Token", "s3cret")

	endpoints := testutil.DecodeJSON[endpointsResponse](t, testutil.Serve(handler, "GET", "/endpoints", ""))
	if endpoints.Count != 2 || strings.Join(endpoints.Endpoints, ",") != "http://a:8080,http://static:8080" {
		t.Errorf("endpoints = %+v, want the static and dynamic endpoint", endpoints)
	}

	recorder = testutil.Serve(handler, "POST", "/unregister", `{"endpoint":"http://a:8080"}`, "X-Relay-Token", "s3cret")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unregister status = %d, want 200", recorder.Code)
	}
	unregistered := testutil.DecodeJSON[unregisterResponse](t, recorder)
	if unregistered.Unregistered != "http://a:8080" || unregistered.DynamicTotal != 0 {
		t.Errorf("unregister = %+v, want http://a:8080 with dynamic_total 0", unregistered)
	}

	// Unregistering something unknown still succeeds.
	recorder = testutil.Serve(handler, "POST", "/unregister", `{"endpoint":"http://never:8080"}`, "X-Relay-Token", "s3cret")
	if recorder.Code != http.StatusOK {
		t.Errorf("unregister unknown status = %d, want 200", recorder.Code)
	}
}

func TestEndpointsExpire(t *testing.T) {
	server, fakeClock := newTestRelay(t, relayOptions{ttl: 120})
	handler := server.Handler()

	testutil.Serve(handler, "POST", "/register", `{"endpoint":"http://a:8080"}`)
	fakeClock.Advance(119 * time.Second)
	if got := testutil.DecodeJSON[endpointsResponse](t, testutil.Serve(handler, "GET", "/endpoints", "")).Count; got != 1 {
		t.Fatalf("count before expiry = %d, want 1", got)
	}
	fakeClock.Advance(2 * time.Second)
	if got := testutil.DecodeJSON[endpointsResponse](t, testutil.Serve(handler, "GET", "/endpoints", "")).Count; got != 0 {
		t.Errorf("count after expiry = %d, want 0", got)
	}
}

func TestWebhookSignature(t *testing.T) {
	node := &syncRecorder{}
	nodeServer := httptest.NewServer(node)
	defer nodeServer.Close()

	server, _ := newTestRelay(t, relayOptions{secret: "hook", static: []string{nodeServer.URL}})
	handler := server.Handler()
	body := `{"repository":{"full_name":"org/repo"},"ref":"refs/heads/main"}`
	valid := signature.Sign([]byte("hook"), []byte(body))

	tests := []struct {
		name    string
		headers []string
		status  int
	}{
		{name: "gitea_header", headers: []string{"X-Gitea-Signature", valid}, status: http.StatusOK},
		{name: "github_prefixed", headers: []string{"X-Hub-Signature-256", "sha256=" + valid}, status: http.StatusOK},
		{name: "gogs_header", headers: []string{"X-Gogs-Signature", valid}, status: http.StatusOK},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong", headers: []string{"X-Gitea-Signature", signature.Sign([]byte("other"), []byte(body))}, status: http.StatusUnauthorized},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			recorder := testutil.Serve(handler, "POST", "/webhook", body, test.headers...)
			if recorder.Code != test.status {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, test.status, recorder.Body)
			}
			if test.status == http.StatusUnauthorized {
				response := testutil.DecodeJSON[map[string]string](t, recorder)
				if response["error"] != "invalid webhook signature" {
					t.Errorf("error = %q, want invalid webhook signature", response["error"])
				}
			}
		})
	}
	if got := node.calls(); got != 3 {
		t.Errorf("node received %d deliveries, want 3", got)
	}
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	node := &syncRecorder{}
	nodeServer := httptest.NewServer(node)
	defer nodeServer.Close()

	server, _ := newTestRelay(t, relayOptions{secret: "hook", static: []string{nodeServer.URL}})
	handler := server.Handler()

	tests := []struct {
		name   string
		body   string
		sign   bool
		status int
		want   string
	}{
		// Size is enforced before the signature is looked at.
		{name: "too_large_unsigned", body: `{"x":"` + strings.Repeat("a", 2048) + `"}`, status: http.StatusRequestEntityTooLarge, want: "payload too large"},
		{name: "not_json", body: `hello`, sign: true, status: http.StatusBadRequest, want: "missing json payload"},
		{name: "null", body: `null`, sign: true, status: http.StatusBadRequest, want: "missing json payload"},
		{name: "empty", body: ``, sign: true, status: http.StatusBadRequest, want: "missing json payload"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var headers []string
			if test.sign {
				headers = []string{"X-Gitea-Signature", signature.Sign([]byte("hook"), []byte(test.body))}
			}
			recorder := testutil.Serve(handler, "POST", "/webhook", test.body, headers...)
			if recorder.Code != test.status {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, test.status, recorder.Body)
			}
			response := testutil.DecodeJSON[map[string]string](t, recorder)
			if response["error"] != test.want {
				t.Errorf("error = %q, want %q", response["error"], test.want)
			}
		})
	}
	if got := node.calls(); got != 0 {
		t.Errorf("node received %d deliveries, want 0", got)
	}
}

func TestWebhookFanout(t *testing.T) {
	healthy := &syncRecorder{}
	healthyServer := httptest.NewServer(healthy)
	defer healthyServer.Close()
	failing := &syncRecorder{status: http.StatusInternalServerError}
	failingServer := httptest.NewServer(failing)
	defer failingServer.Close()

	server, _ := newTestRelay(t, relayOptions{})
	handler := server.Handler()
	body := `{"repository":{"full_name":"org/repo"},"ref":"refs/heads/main"}`

	t.Run("no_members", func(t *testing.T) {
		recorder := testutil.Serve(handler, "POST", "/webhook", body)
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		result := testutil.DecodeJSON[fanout.Result](t, recorder)
		if result.Targets != 0 || result.Success != 0 || len(result.Failed) != 0 {
			t.Errorf("result = %+v, want all zero", result)
		}
	})

	testutil.Serve(handler, "POST", "/register", `{"endpoint":"`+healthyServer.URL+`"}`)

	t.Run("all_succeed", func(t *testing.T) {
		recorder := testutil.Serve(handler, "POST", "/webhook", body, "X-Gitea-Delivery", "delivery-1")
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body)
		}
		result := testutil.DecodeJSON[fanout.Result](t, recorder)
		if result.Targets != 1 || result.Success != 1 {
			t.Errorf("result = %+v, want 1 target and 1 success", result)
		}
		healthy.mu.Lock()
		defer healthy.mu.Unlock()
		if healthy.bodies[0] != body {
			t.Errorf("forwarded body = %q, want %q", healthy.bodies[0], body)
		}
		if healthy.deliveries[0] != "delivery-1" {
			t.Errorf("delivery header = %q, want delivery-1", healthy.deliveries[0])
		}
	})

	testutil.Serve(handler, "POST", "/register", `{"endpoint":"`+failingServer.URL+`"}`)
	testutil.Serve(handler, "POST", "/register", `{"endpoint":"http://127.0.0.1:1"}`)

	t.Run("partial_failure", func(t *testing.T) {
		recorder := testutil.Serve(handler, "POST", "/webhook", body)
		if recorder.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502 (body %s)", recorder.Code, recorder.Body)
		}
		result := testutil.DecodeJSON[fanout.Result](t, recorder)
		if result.Targets != 3 || result.Success != 1 || len(result.Failed) != 2 {
			t.Fatalf("result = %+v, want 3 targets, 1 success, 2 failed", result)
		}
		statuses := map[string]any{}
		for _, failure := range result.Failed {
			statuses[failure.Endpoint] = failure.Status
		}
		// JSON numbers decode as float64.
		if statuses[failingServer.URL] != float64(http.StatusInternalServerError) {
			t.Errorf("status for failing member = %v, want 500", statuses[failingServer.URL])
		}
		if statuses["http://127.0.0.1:1"] != fanout.StatusError {
			t.Errorf("status for unreachable member = %v, want %q", statuses["http://127.0.0.1:1"], fanout.StatusError)
		}
		healthy.mu.Lock()
		defer healthy.mu.Unlock()
		if generated := healthy.deliveries[len(healthy.deliveries)-1]; generated == "" {
			t.Error("delivery header empty, want a generated delivery ID")
		}
	})
}

func TestWebhookFanoutOutlivesCaller(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var reached []string
	node := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		reached = append(reached, request.URL.Path)
		mu.Unlock()
		if request.URL.Path == "/a/sync" {
			close(entered)
			<-release
		}
		writer.WriteHeader(http.StatusOK)
	}))
	defer node.Close()

	// One listener serves both members so "/a" always sorts first.
	server, _ := newTestRelay(t, relayOptions{static: []string{node.URL + "/a", node.URL + "/b"}})
	handler := server.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := `{"repository":{"full_name":"org/repo"},"ref":"refs/heads/main"}`
	request := httptest.NewRequest("POST", "/webhook", strings.NewReader(body)).WithContext(ctx)
	recorder := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(recorder, request)
	}()

	testutil.RequireClosed(t, entered, 5*time.Second, "waiting for the first member")
	cancel()
	close(release)
	testutil.RequireClosed(t, done, 10*time.Second, "waiting for the webhook handler")

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body)
	}
	result := testutil.DecodeJSON[fanout.Result](t, recorder)
	if result.Targets != 2 || result.Success != 2 {
		t.Errorf("result = %+v, want 2 targets and 2 successes", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reached) != 2 || reached[1] != "/b/sync" {
		t.Errorf("members reached = %v, want [/a/sync /b/sync]", reached)
	}
}

func TestHealth(t *testing.T) {
	server, fakeClock := newTestRelay(t, relayOptions{secret: "hook", static: []string{"http://static:8080"}})
	handler := server.Handler()
	testutil.Serve(handler, "POST", "/register", `{"endpoint":"http://a:8080"}`)
	fakeClock.Advance(90 * time.Second)

	recorder := testutil.Serve(handler, "GET", "/health", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	health := testutil.DecodeJSON[healthResponse](t, recorder)
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.Endpoints != 2 || health.Dynamic != 1 || health.Static != 1 {
		t.Errorf("counts = %d/%d/%d, want 2/1/1", health.Endpoints, health.Dynamic, health.Static)
	}
	if !health.SignatureRequired || health.RegistrationTokenRequired {
		t.Errorf("signature_required = %v, registration_token_required = %v, want true, false",
			health.SignatureRequired, health.RegistrationTokenRequired)
	}
	if !health.StartedAt.Equal(epoch) {
		t.Errorf("started_at = %v, want %v", health.StartedAt, epoch)
	}
	if health.UptimeSeconds != 90 {
		t.Errorf("uptime_seconds = %d, want 90", health.UptimeSeconds)
	}
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	server, _ := newTestRelay(t, relayOptions{})
	recorder := testutil.Serve(server.Handler(), "GET", "/webhook", "")
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /webhook status = %d, want 405", recorder.Code)
	}
}
