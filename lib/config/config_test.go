// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func env(values map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		value, ok := values[name]
		return value, ok
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestRelayDefaults(t *testing.T) {
	cfg, err := LoadRelay("", env(nil))
	if err != nil {
		t.Fatalf("LoadRelay() = %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if cfg.EndpointTTL() != 120*time.Second || cfg.FanoutTimeout() != 5*time.Second {
		t.Errorf("TTL, timeout = %v, %v, want 2m, 5s", cfg.EndpointTTL(), cfg.FanoutTimeout())
	}
	if cfg.MaxPayloadBytes != 1<<20 {
		t.Errorf("MaxPayloadBytes = %d, want 1 MiB", cfg.MaxPayloadBytes)
	}
}

func TestRelayEnvironment(t *testing.T) {
	cfg, err := LoadRelay("", env(map[string]string{
		"PORT":                         "9001",
		"WEBHOOK_SECRET":               "hush",
		"REGISTRATION_TOKEN":           "tok",
		"STATIC_ENDPOINTS":             " http://a:1/ , ,http://b:2",
		"RELAY_ENDPOINT_TTL_SECONDS":   "0",
		"RELAY_FANOUT_TIMEOUT_SECONDS": "soon",
		"MAX_PAYLOAD_BYTES":            "2048",
	}))
	if err != nil {
		t.Fatalf("LoadRelay() = %v", err)
	}
	if cfg.Listen != ":9001" || cfg.WebhookSecret != "hush" || cfg.RegistrationToken != "tok" {
		t.Errorf("cfg = %+v", cfg)
	}
	if want := []string{"http://a:1", "http://b:2"}; !slices.Equal(cfg.StaticEndpoints, want) {
		t.Errorf("StaticEndpoints = %v, want %v", cfg.StaticEndpoints, want)
	}
	if cfg.EndpointTTLSeconds != 1 {
		t.Errorf("EndpointTTLSeconds = %d, want 1 (clamped to minimum)", cfg.EndpointTTLSeconds)
	}
	if cfg.FanoutTimeoutSeconds != 5 {
		t.Errorf("FanoutTimeoutSeconds = %d, want default 5 for unparseable value", cfg.FanoutTimeoutSeconds)
	}
	if cfg.MaxPayloadBytes != 2048 {
		t.Errorf("MaxPayloadBytes = %d, want 2048", cfg.MaxPayloadBytes)
	}
}

func TestNodeDefaults(t *testing.T) {
	cfg, err := LoadNode("", env(nil))
	if err != nil {
		t.Fatalf("LoadNode() = %v", err)
	}
	if cfg.ServiceID != "git-sync" || cfg.NodeName != "unknown" {
		t.Errorf("identity = %q/%q", cfg.ServiceID, cfg.NodeName)
	}
	if cfg.RegisterInterval() != 30*time.Second || cfg.SyncTimeout() != 120*time.Second {
		t.Errorf("interval, timeout = %v, %v", cfg.RegisterInterval(), cfg.SyncTimeout())
	}
	if cfg.ArchiveRetention() != 90*24*time.Hour {
		t.Errorf("ArchiveRetention() = %v, want 90 days", cfg.ArchiveRetention())
	}
	if cfg.StatePath() != "/var/lib/git-sync/state.json" {
		t.Errorf("StatePath() = %q", cfg.StatePath())
	}
	if cfg.AuditLogPath() != "/var/lib/git-sync/sync.log" {
		t.Errorf("AuditLogPath() = %q", cfg.AuditLogPath())
	}
}

func TestNodeFileFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "node.yaml", `
node_name: node-a
forge_url: https://forge.example/
state_backend: sqlite
data_dir: /srv/mirror
vault:
  type: filesystem
  root: /srv/vault
`},
		{"jsonc", "node.jsonc", `{
  // comments are allowed
  "node_name": "node-a",
  "forge_url": "https://forge.example/",
  "state_backend": "sqlite",
  "data_dir": "/srv/mirror",
  "vault": {"type": "filesystem", "root": "/srv/vault",},
}`},
		{"toml", "node.toml", `
node_name = "node-a"
forge_url = "https://forge.example/"
state_backend = "sqlite"
data_dir = "/srv/mirror"

[vault]
type = "filesystem"
root = "/srv/vault"
`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := LoadNode(writeConfig(t, test.file, test.content), env(nil))
			if err != nil {
				t.Fatalf("LoadNode() = %v", err)
			}
			if cfg.NodeName != "node-a" || cfg.ForgeURL != "https://forge.example" {
				t.Errorf("NodeName, ForgeURL = %q, %q", cfg.NodeName, cfg.ForgeURL)
			}
			if cfg.StatePath() != "/srv/mirror/state.db" {
				t.Errorf("StatePath() = %q, want /srv/mirror/state.db", cfg.StatePath())
			}
			if cfg.Vault.Type != "filesystem" || cfg.Vault.Root != "/srv/vault" {
				t.Errorf("Vault = %+v", cfg.Vault)
			}
			// Unset fields keep their defaults.
			if cfg.ServiceID != "git-sync" {
				t.Errorf("ServiceID = %q, want default git-sync", cfg.ServiceID)
			}
		})
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "node.yaml", "node_name: from-file\nsync_timeout_seconds: 60\n")
	cfg, err := LoadNode(path, env(map[string]string{"NODE_NAME": "from-env"}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NodeName != "from-env" || cfg.SyncTimeoutSeconds != 60 {
		t.Errorf("NodeName, SyncTimeoutSeconds = %q, %d, want from-env, 60", cfg.NodeName, cfg.SyncTimeoutSeconds)
	}
}

func TestExpandsDataDirVariables(t *testing.T) {
	t.Setenv("FORGEMIRROR_TEST_ROOT", "/srv/test")
	path := writeConfig(t, "node.yaml", "data_dir: ${FORGEMIRROR_TEST_ROOT}/node\nvault:\n  type: filesystem\n  root: ${DATA_DIR}/vault\n")
	cfg, err := LoadNode(path, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/srv/test/node" {
		t.Errorf("DataDir = %q, want /srv/test/node", cfg.DataDir)
	}
	if cfg.Vault.Root != "/srv/test/node/vault" {
		t.Errorf("Vault.Root = %q, want /srv/test/node/vault", cfg.Vault.Root)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad_backend", "state_backend: postgres\n", "state_backend"},
		{"bad_forge_url", "forge_url: forge.example\n", "forge_url"},
		{"bad_level", "log_level: loud\n", "log_level"},
		{"vault_without_root", "vault:\n  type: filesystem\n", "vault.root"},
		{"s3_without_bucket", "vault:\n  type: s3\n", "vault.s3.bucket"},
		{"unknown_vault", "vault:\n  type: tape\n", "vault.type"},
		{"zero_register_interval", "register_interval_seconds: 0\n", "register_interval_seconds"},
		{"zero_sync_timeout", "sync_timeout_seconds: 0\n", "sync_timeout_seconds"},
		{"negative_sync_timeout", "sync_timeout_seconds: -5\n", "sync_timeout_seconds"},
		{"zero_retention", "archive_retention_days: 0\n", "archive_retention_days"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadNode(writeConfig(t, "node.yaml", test.content), env(nil))
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("LoadNode() = %v, want error mentioning %q", err, test.want)
			}
		})
	}
}

func TestUnsupportedExtension(t *testing.T) {
	if _, err := LoadRelay(writeConfig(t, "relay.ini", "x=1"), env(nil)); err == nil {
		t.Error("LoadRelay(.ini) = nil error")
	}
}

func TestResolvePath(t *testing.T) {
	lookup := env(map[string]string{PathEnv: "/etc/forgemirror/node.yaml"})
	if got := ResolvePath("/flag.yaml", lookup); got != "/flag.yaml" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}
	if got := ResolvePath("", lookup); got != "/etc/forgemirror/node.yaml" {
		t.Errorf("ResolvePath(env) = %q", got)
	}
	if got := ResolvePath("", env(nil)); got != "" {
		t.Errorf("ResolvePath(none) = %q, want empty", got)
	}
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v, want %v", input, got, err, want)
		}
	}
}
