// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/config"
	"github.com/bureau-foundation/forgemirror/lib/fanout"
	"github.com/bureau-foundation/forgemirror/lib/membership"
	"github.com/bureau-foundation/forgemirror/lib/repostate"
	"github.com/bureau-foundation/forgemirror/lib/subprocess"
	"github.com/bureau-foundation/forgemirror/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend stands in for git: clones create the directory, and
// names in fail exit non-zero. When release is set, Clone closes
// started and then blocks until release closes, dying like a killed
// process if ctx ends first.
type fakeBackend struct {
	mu   sync.Mutex
	fail map[string]bool

	started chan struct{}
	release chan struct{}
}

func (b *fakeBackend) failing(dir string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fail[filepath.Base(dir)]
}

func (b *fakeBackend) setFailing(name string, failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail == nil {
		b.fail = map[string]bool{}
	}
	b.fail[name] = failing
}

func (b *fakeBackend) Clone(ctx context.Context, url, dir string) subprocess.Result {
	if b.failing(dir) {
		return subprocess.Result{ExitCode: 128, Stderr: "fatal: repository not found"}
	}
	if b.release != nil {
		close(b.started)
		select {
		case <-b.release:
		case <-ctx.Done():
			return subprocess.Result{ExitCode: subprocess.ExitNotStarted, Stderr: "signal: killed"}
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return subprocess.Result{ExitCode: 1, Stderr: err.Error()}
	}
	return subprocess.Result{}
}

func (b *fakeBackend) Fetch(ctx context.Context, dir, url string) subprocess.Result {
	if b.failing(dir) {
		return subprocess.Result{ExitCode: 128, Stderr: "fatal: could not read from remote"}
	}
	return subprocess.Result{}
}

type testNode struct {
	server  *NodeServer
	handler http.Handler
	backend *fakeBackend
	clock   *clock.FakeClock
	config  *config.NodeConfig
}

func newTestNode(t *testing.T, configure func(*config.NodeConfig)) *testNode {
	t.Helper()
	cfg := config.DefaultNode()
	cfg.DataDir = t.TempDir()
	cfg.ServiceID = "git-sync-test"
	cfg.NodeName = "node-a"
	if configure != nil {
		configure(cfg)
	}
	fakeClock := clock.Fake(epoch)
	backend := &fakeBackend{}
	server, cleanup, err := newNode(context.Background(), nodeConfig{
		Config:  cfg,
		Backend: backend,
		Clock:   fakeClock,
	})
	if err != nil {
		t.Fatalf("newNode() error: %v", err)
	}
	t.Cleanup(cleanup)
	return &testNode{server: server, handler: server.Handler(), backend: backend, clock: fakeClock, config: cfg}
}

func (n *testNode) post(t *testing.T, body string, headers ...string) (int, map[string]string) {
	t.Helper()
	recorder := testutil.Serve(n.handler, "POST", "/sync", body, headers...)
	return recorder.Code, testutil.DecodeJSON[map[string]string](t, recorder)
}

const pushEvent = `{"ref":"refs/heads/main","repository":{"full_name":"org/repo"}}`

func TestSyncEvents(t *testing.T) {
	node := newTestNode(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		key    string
		want   string
	}{
		{name: "push", body: pushEvent, status: http.StatusOK, key: "result", want: "synced"},
		{name: "created", body: `{"action":"created","repository":{"full_name":"org/other"}}`, status: http.StatusOK, key: "result", want: "synced"},
		{name: "ignored", body: `{"action":"edited","repository":{"full_name":"org/repo"}}`, status: http.StatusOK, key: "result", want: "ignored"},
		{name: "missing_name", body: `{"ref":"refs/heads/main","repository":{}}`, status: http.StatusBadRequest, key: "error", want: "missing repository.full_name"},
		{name: "traversal", body: `{"ref":"refs/heads/main","repository":{"full_name":"../etc"}}`, status: http.StatusBadRequest, key: "error", want: "invalid repository name"},
		{name: "not_json", body: `push`, status: http.StatusBadRequest, key: "error", want: "missing json payload"},
		{name: "array", body: `[]`, status: http.StatusBadRequest, key: "error", want: "missing json payload"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			status, response := node.post(t, test.body)
			if status != test.status {
				t.Fatalf("status = %d, want %d (%v)", status, test.status, response)
			}
			if response[test.key] != test.want {
				t.Errorf("%s = %q, want %q", test.key, response[test.key], test.want)
			}
		})
	}

	record, ok := node.server.store.Get("org/repo")
	if !ok || record.Status != repostate.StatusActive || record.SyncCount != 1 {
		t.Errorf("org/repo record = %+v (present %v), want active with sync_count 1", record, ok)
	}
	if _, err := os.Stat(filepath.Join(node.config.RepositoriesDir(), "org", "repo.git")); err != nil {
		t.Errorf("working copy missing: %v", err)
	}
}

func TestFailedSyncLeavesRecord(t *testing.T) {
	node := newTestNode(t, nil)
	node.post(t, pushEvent)
	node.backend.setFailing("repo.git", true)

	status, response := node.post(t, pushEvent)
	if status != http.StatusBadRequest || response["error"] != "git sync failed" {
		t.Fatalf("failed sync = %d %v, want 400 git sync failed", status, response)
	}
	record, _ := node.server.store.Get("org/repo")
	if record.SyncCount != 1 || !record.LastSynced.Equal(epoch) {
		t.Errorf("record after failure = %+v, want sync_count 1 synced at %v", record, epoch)
	}
}

func TestSyncOutlivesCaller(t *testing.T) {
	node := newTestNode(t, nil)
	node.backend.started = make(chan struct{})
	node.backend.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request := httptest.NewRequest("POST", "/sync", strings.NewReader(pushEvent)).WithContext(ctx)
	recorder := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		node.handler.ServeHTTP(recorder, request)
	}()

	testutil.RequireClosed(t, node.backend.started, 5*time.Second, "waiting for the clone to start")
	cancel()
	close(node.backend.release)
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for the sync handler")

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body)
	}
	record, ok := node.server.store.Get("org/repo")
	if !ok || record.Status != repostate.StatusActive || record.SyncCount != 1 {
		t.Errorf("record = %+v (present %v), want active with sync_count 1", record, ok)
	}
	if _, err := os.Stat(filepath.Join(node.config.RepositoriesDir(), "org", "repo.git")); err != nil {
		t.Errorf("working copy missing after caller hung up: %v", err)
	}
}

func TestDeleteArchivesWorkingCopy(t *testing.T) {
	node := newTestNode(t, nil)
	node.post(t, pushEvent)
	node.clock.Advance(time.Hour)

	status, response := node.post(t, `{"action":"deleted","repository":{"full_name":"org/repo"}}`)
	if status != http.StatusOK || response["result"] != "archived" {
		t.Fatalf("delete = %d %v, want 200 archived", status, response)
	}

	workingCopy := filepath.Join(node.config.RepositoriesDir(), "org", "repo.git")
	if _, err := os.Stat(workingCopy); !os.IsNotExist(err) {
		t.Errorf("working copy still present after delete (stat error %v)", err)
	}
	archived := filepath.Join(node.config.ArchiveDir(), "org", "repo.git.2026-03-01-13-00-00")
	if _, err := os.Stat(archived); err != nil {
		t.Errorf("archive missing: %v", err)
	}

	state := testutil.DecodeJSON[repostate.State](t, testutil.Serve(node.handler, "GET", "/repos", ""))
	record := state.Repos["org/repo"]
	if record.Status != repostate.StatusDeleted || record.ArchivedTo != archived || record.SyncCount != 1 {
		t.Errorf("record = %+v, want deleted, archived to %s, sync_count 1", record, archived)
	}
	if state.ServiceID != "git-sync-test" || state.NodeName != "node-a" {
		t.Errorf("identity = %q/%q, want git-sync-test/node-a", state.ServiceID, state.NodeName)
	}
}

func TestDuplicateDeliveries(t *testing.T) {
	node := newTestNode(t, nil)

	status, response := node.post(t, pushEvent, fanout.DeliveryHeader, "delivery-1")
	if status != http.StatusOK || response["result"] != "synced" {
		t.Fatalf("first delivery = %d %v, want 200 synced", status, response)
	}
	status, response = node.post(t, pushEvent, fanout.DeliveryHeader, "delivery-1")
	if status != http.StatusOK || response["result"] != "duplicate" {
		t.Fatalf("second delivery = %d %v, want 200 duplicate", status, response)
	}
	if record, _ := node.server.store.Get("org/repo"); record.SyncCount != 1 {
		t.Errorf("sync_count = %d, want 1", record.SyncCount)
	}

	node.clock.Advance(deduplicationWindow + time.Second)
	if _, response := node.post(t, pushEvent, fanout.DeliveryHeader, "delivery-1"); response["result"] != "synced" {
		t.Errorf("delivery after window = %v, want synced", response)
	}

	// A failed delivery may be retried under the same ID.
	node.backend.setFailing("repo.git", true)
	node.post(t, pushEvent, fanout.DeliveryHeader, "delivery-2")
	node.backend.setFailing("repo.git", false)
	if _, response := node.post(t, pushEvent, fanout.DeliveryHeader, "delivery-2"); response["result"] != "synced" {
		t.Errorf("retry of failed delivery = %v, want synced", response)
	}
}

func TestRedeliveryWhileInFlight(t *testing.T) {
	node := newTestNode(t, nil)
	node.backend.started = make(chan struct{})
	node.backend.release = make(chan struct{})

	first := make(chan int, 1)
	go func() {
		recorder := testutil.Serve(node.handler, "POST", "/sync", pushEvent, fanout.DeliveryHeader, "delivery-1")
		first <- recorder.Code
	}()
	testutil.RequireClosed(t, node.backend.started, 5*time.Second, "waiting for the first attempt")

	status, response := node.post(t, pushEvent, fanout.DeliveryHeader, "delivery-1")
	if status != http.StatusConflict || response["error"] != "delivery in progress" {
		t.Errorf("redelivery during first attempt = %d %v, want 409 delivery in progress", status, response)
	}

	close(node.backend.release)
	if code := testutil.RequireReceive(t, first, 5*time.Second, "waiting for the first attempt"); code != http.StatusOK {
		t.Fatalf("first attempt status = %d, want 200", code)
	}
	status, response = node.post(t, pushEvent, fanout.DeliveryHeader, "delivery-1")
	if status != http.StatusOK || response["result"] != "duplicate" {
		t.Errorf("redelivery after success = %d %v, want 200 duplicate", status, response)
	}
}

func TestDeliveryLogStates(t *testing.T) {
	log := newDeliveryLog(clock.Fake(epoch))

	if got := log.begin("a"); got != deliveryNew {
		t.Fatalf("begin(a) = %v, want deliveryNew", got)
	}
	if got := log.begin("a"); got != deliveryInFlight {
		t.Errorf("begin(a) while running = %v, want deliveryInFlight", got)
	}
	log.finish("a", false)
	if got := log.begin("a"); got != deliveryNew {
		t.Errorf("begin(a) after failure = %v, want deliveryNew", got)
	}
	log.finish("a", true)
	if got := log.begin("a"); got != deliveryApplied {
		t.Errorf("begin(a) after success = %v, want deliveryApplied", got)
	}
}

func TestHealth(t *testing.T) {
	node := newTestNode(t, nil)
	node.server.registering = true
	node.post(t, pushEvent)
	node.post(t, `{"action":"created","repository":{"full_name":"org/gone"}}`)
	node.post(t, `{"action":"deleted","repository":{"full_name":"org/gone"}}`)
	node.clock.Advance(42 * time.Second)

	health := testutil.DecodeJSON[healthResponse](t, testutil.Serve(node.handler, "GET", "/health", ""))
	if health.ServiceID != "git-sync-test" || health.NodeName != "node-a" {
		t.Errorf("identity = %q/%q, want git-sync-test/node-a", health.ServiceID, health.NodeName)
	}
	if health.UptimeSeconds != 42 {
		t.Errorf("uptime_seconds = %d, want 42", health.UptimeSeconds)
	}
	if !health.RelayRegistrationEnabled {
		t.Error("relay_registration_enabled = false, want true")
	}
	if health.Repos.Active != 1 || health.Repos.Deleted != 1 {
		t.Errorf("repos = %+v, want 1 active 1 deleted", health.Repos)
	}
}

func TestLogs(t *testing.T) {
	node := newTestNode(t, nil)
	node.post(t, pushEvent)
	node.post(t, pushEvent)
	node.post(t, `{"action":"deleted","repository":{"full_name":"org/repo"}}`)

	tests := []struct {
		name  string
		query string
		count int
		last  string
	}{
		{name: "default", query: "", count: 3, last: "archive"},
		{name: "one", query: "?lines=1", count: 1, last: "archive"},
		{name: "zero_clamps_to_one", query: "?lines=0", count: 1, last: "archive"},
		{name: "garbage_uses_default", query: "?lines=abc", count: 3, last: "archive"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			logs := testutil.DecodeJSON[logsResponse](t, testutil.Serve(node.handler, "GET", "/logs"+test.query, ""))
			if len(logs.Logs) != test.count {
				t.Fatalf("len(logs) = %d, want %d (%v)", len(logs.Logs), test.count, logs.Logs)
			}
			if got := logs.Logs[len(logs.Logs)-1]["action"]; got != test.last {
				t.Errorf("last action = %v, want %s", got, test.last)
			}
		})
	}
}

func TestResyncRequiresToken(t *testing.T) {
	node := newTestNode(t, nil)
	recorder := testutil.Serve(node.handler, "POST", "/resync", "")
	if recorder.Code != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412 (body %s)", recorder.Code, recorder.Body)
	}
}

func TestResyncFromForge(t *testing.T) {
	forgeServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("page") != "1" {
			writer.Write([]byte(`{"ok":true,"data":[]}`))
			return
		}
		writer.Write([]byte(`{"ok":true,"data":[{"full_name":"org/repo"},{"full_name":"org/new"}]}`))
	}))
	defer forgeServer.Close()

	cfg := config.DefaultNode()
	cfg.DataDir = t.TempDir()
	cfg.ForgeURL = forgeServer.URL
	backend := &fakeBackend{}
	server, cleanup, err := newNode(context.Background(), nodeConfig{
		Config:     cfg,
		ForgeToken: testutil.Secret(t, "token"),
		Backend:    backend,
		Clock:      clock.Fake(epoch),
	})
	if err != nil {
		t.Fatalf("newNode() error: %v", err)
	}
	defer cleanup()
	handler := server.Handler()
	testutil.Serve(handler, "POST", "/sync", pushEvent)

	recorder := testutil.Serve(handler, "POST", "/resync", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body)
	}
	result := testutil.DecodeJSON[map[string]int](t, recorder)
	if result["cloned"] != 1 || result["updated"] != 1 || result["failed"] != 0 {
		t.Errorf("resync = %v, want cloned 1 updated 1 failed 0", result)
	}
}

func TestRestoreValidation(t *testing.T) {
	node := newTestNode(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{name: "empty_body", body: ""},
		{name: "no_source", body: `{}`},
		{name: "blank_source", body: `{"source":" "}`},
		{name: "not_a_directory", body: `{"source":"` + filepath.Join(t.TempDir(), "absent") + `"}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			recorder := testutil.Serve(node.handler, "POST", "/restore", test.body)
			if recorder.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", recorder.Code, recorder.Body)
			}
		})
	}
}

func TestSQLiteStateBackend(t *testing.T) {
	node := newTestNode(t, func(cfg *config.NodeConfig) {
		cfg.StateBackend = config.StateBackendSQLite
	})
	node.post(t, pushEvent)
	if _, err := os.Stat(filepath.Join(node.config.DataDir, "state.db")); err != nil {
		t.Errorf("state.db missing: %v", err)
	}
	if record, _ := node.server.store.Get("org/repo"); record.SyncCount != 1 {
		t.Errorf("sync_count = %d, want 1", record.SyncCount)
	}
}

func TestCorruptSQLiteStateDoesNotBlockStartup(t *testing.T) {
	node := newTestNode(t, func(cfg *config.NodeConfig) {
		cfg.StateBackend = config.StateBackendSQLite
		garbage := []byte("definitely not a sqlite database, only a run of plain text bytes")
		if err := os.WriteFile(filepath.Join(cfg.DataDir, "state.db"), garbage, 0o644); err != nil {
			t.Fatal(err)
		}
	})

	if status, response := node.post(t, pushEvent); status != http.StatusOK || response["result"] != "synced" {
		t.Fatalf("sync after recovery = %d %v, want 200 synced", status, response)
	}
	if record, _ := node.server.store.Get("org/repo"); record.SyncCount != 1 {
		t.Errorf("sync_count = %d, want 1", record.SyncCount)
	}
	if _, err := os.Stat(filepath.Join(node.config.DataDir, "state.db.corrupt-2026-03-01-12-00-00")); err != nil {
		t.Errorf("corrupt database not set aside: %v", err)
	}

	logs := testutil.DecodeJSON[logsResponse](t, testutil.Serve(node.handler, "GET", "/logs", ""))
	if len(logs.Logs) == 0 || logs.Logs[0]["action"] != "state" || logs.Logs[0]["result"] != "failed" {
		t.Errorf("first audit record = %v, want a failed state event", logs.Logs)
	}
}

// TestRelayDeliversToNode registers a node with a membership registry
// and fans a webhook out to it over real HTTP.
func TestRelayDeliversToNode(t *testing.T) {
	node := newTestNode(t, nil)
	nodeServer := httptest.NewServer(node.handler)
	defer nodeServer.Close()

	registry := membership.New(membership.Config{TTL: 2 * time.Minute})
	registry.Register(nodeServer.URL + "/")
	relay := fanout.New(fanout.Config{Members: registry})

	result := relay.Deliver(context.Background(), []byte(pushEvent), "")
	if result.Targets != 1 || result.Success != 1 || len(result.Failed) != 0 {
		t.Fatalf("Deliver() = %+v, want 1 target delivered", result)
	}
	if record, ok := node.server.store.Get("org/repo"); !ok || record.Status != repostate.StatusActive {
		t.Errorf("record = %+v (present %v), want active", record, ok)
	}

	result = relay.Deliver(context.Background(), []byte(`{"action":"deleted","repository":{"full_name":"org/repo"}}`), "")
	if result.Success != 1 {
		t.Fatalf("Deliver(deleted) = %+v, want success", result)
	}
	if record, _ := node.server.store.Get("org/repo"); record.Status != repostate.StatusDeleted {
		t.Errorf("status = %q, want deleted", record.Status)
	}
}
