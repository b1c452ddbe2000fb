// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/forgemirror/lib/archivevault"
)

// PathEnv names the config file when no --config flag is given.
const PathEnv = "FORGEMIRROR_CONFIG"

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(name string) (string, bool)

// State backends for the mirror node.
const (
	StateBackendJSON   = "json"
	StateBackendSQLite = "sqlite"
)

// RelayConfig configures forge-relay.
type RelayConfig struct {
	Listen   string `yaml:"listen" json:"listen" toml:"listen"`
	LogLevel string `yaml:"log_level" json:"log_level" toml:"log_level"`

	// WebhookSecret enables signature verification. WebhookSecretFile
	// is read instead when set.
	WebhookSecret     string `yaml:"webhook_secret" json:"webhook_secret" toml:"webhook_secret"`
	WebhookSecretFile string `yaml:"webhook_secret_file" json:"webhook_secret_file" toml:"webhook_secret_file"`

	// RegistrationToken guards /register and /unregister.
	RegistrationToken     string `yaml:"registration_token" json:"registration_token" toml:"registration_token"`
	RegistrationTokenFile string `yaml:"registration_token_file" json:"registration_token_file" toml:"registration_token_file"`

	StaticEndpoints []string `yaml:"static_endpoints" json:"static_endpoints" toml:"static_endpoints"`

	EndpointTTLSeconds   int   `yaml:"endpoint_ttl_seconds" json:"endpoint_ttl_seconds" toml:"endpoint_ttl_seconds"`
	FanoutTimeoutSeconds int   `yaml:"fanout_timeout_seconds" json:"fanout_timeout_seconds" toml:"fanout_timeout_seconds"`
	MaxPayloadBytes      int64 `yaml:"max_payload_bytes" json:"max_payload_bytes" toml:"max_payload_bytes"`
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() *RelayConfig {
	return &RelayConfig{
		Listen:               ":8080",
		LogLevel:             "info",
		EndpointTTLSeconds:   120,
		FanoutTimeoutSeconds: 5,
		MaxPayloadBytes:      1 << 20,
	}
}

// EndpointTTL returns the registration lifetime.
func (c *RelayConfig) EndpointTTL() time.Duration {
	return time.Duration(c.EndpointTTLSeconds) * time.Second
}

// FanoutTimeout returns the per-member delivery timeout.
func (c *RelayConfig) FanoutTimeout() time.Duration {
	return time.Duration(c.FanoutTimeoutSeconds) * time.Second
}

// ApplyEnv overlays the relay's environment variables.
func (c *RelayConfig) ApplyEnv(lookup LookupFunc) {
	if port, ok := lookupInt(lookup, "PORT", 1); ok {
		c.Listen = ":" + strconv.Itoa(port)
	}
	lookupString(lookup, "WEBHOOK_SECRET", &c.WebhookSecret)
	lookupString(lookup, "REGISTRATION_TOKEN", &c.RegistrationToken)
	if value, ok := lookup("STATIC_ENDPOINTS"); ok {
		c.StaticEndpoints = SplitCSV(value)
	}
	if value, ok := lookupInt(lookup, "RELAY_ENDPOINT_TTL_SECONDS", 1); ok {
		c.EndpointTTLSeconds = value
	}
	if value, ok := lookupInt(lookup, "RELAY_FANOUT_TIMEOUT_SECONDS", 1); ok {
		c.FanoutTimeoutSeconds = value
	}
	if value, ok := lookupInt(lookup, "MAX_PAYLOAD_BYTES", 1); ok {
		c.MaxPayloadBytes = int64(value)
	}
	lookupString(lookup, "LOG_LEVEL", &c.LogLevel)
}

func (c *RelayConfig) expand() {
	c.WebhookSecretFile = expandVars(c.WebhookSecretFile, nil)
	c.RegistrationTokenFile = expandVars(c.RegistrationTokenFile, nil)
}

// Validate checks the relay configuration.
func (c *RelayConfig) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for _, endpoint := range c.StaticEndpoints {
		if err := validateURL("static_endpoints", endpoint); err != nil {
			errs = append(errs, err)
		}
	}
	if c.FanoutTimeoutSeconds < 1 {
		errs = append(errs, errors.New("fanout_timeout_seconds must be at least 1"))
	}
	if c.MaxPayloadBytes < 1 {
		errs = append(errs, errors.New("max_payload_bytes must be at least 1"))
	}
	return errors.Join(errs...)
}

// NodeConfig configures mirror-node.
type NodeConfig struct {
	Listen   string `yaml:"listen" json:"listen" toml:"listen"`
	LogLevel string `yaml:"log_level" json:"log_level" toml:"log_level"`

	ServiceID string `yaml:"service_id" json:"service_id" toml:"service_id"`
	NodeName  string `yaml:"node_name" json:"node_name" toml:"node_name"`

	// ForgeURL is the forge's base URL; clone URLs are built from it.
	ForgeURL       string `yaml:"forge_url" json:"forge_url" toml:"forge_url"`
	ForgeToken     string `yaml:"forge_token" json:"forge_token" toml:"forge_token"`
	ForgeTokenFile string `yaml:"forge_token_file" json:"forge_token_file" toml:"forge_token_file"`

	// RelayURL and SelfEndpoint together enable the heartbeat.
	RelayURL       string `yaml:"relay_url" json:"relay_url" toml:"relay_url"`
	SelfEndpoint   string `yaml:"self_endpoint" json:"self_endpoint" toml:"self_endpoint"`
	RelayToken     string `yaml:"relay_token" json:"relay_token" toml:"relay_token"`
	RelayTokenFile string `yaml:"relay_token_file" json:"relay_token_file" toml:"relay_token_file"`

	RegisterIntervalSeconds int `yaml:"register_interval_seconds" json:"register_interval_seconds" toml:"register_interval_seconds"`
	SyncTimeoutSeconds      int `yaml:"sync_timeout_seconds" json:"sync_timeout_seconds" toml:"sync_timeout_seconds"`
	ArchiveRetentionDays    int `yaml:"archive_retention_days" json:"archive_retention_days" toml:"archive_retention_days"`

	DataDir string `yaml:"data_dir" json:"data_dir" toml:"data_dir"`

	// StateBackend is "json" (state.json) or "sqlite" (state.db).
	StateBackend string `yaml:"state_backend" json:"state_backend" toml:"state_backend"`

	// Vault receives expired archives before they are deleted.
	Vault archivevault.Config `yaml:"vault" json:"vault" toml:"vault"`
}

// DefaultNode returns the mirror node defaults.
func DefaultNode() *NodeConfig {
	return &NodeConfig{
		Listen:                  ":8080",
		LogLevel:                "info",
		ServiceID:               "git-sync",
		NodeName:                "unknown",
		ForgeURL:                "http://localhost:3000",
		RegisterIntervalSeconds: 30,
		SyncTimeoutSeconds:      120,
		ArchiveRetentionDays:    90,
		DataDir:                 "/var/lib/git-sync",
		StateBackend:            StateBackendJSON,
	}
}

func (c *NodeConfig) RegisterInterval() time.Duration {
	return time.Duration(c.RegisterIntervalSeconds) * time.Second
}

func (c *NodeConfig) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

func (c *NodeConfig) ArchiveRetention() time.Duration {
	return time.Duration(c.ArchiveRetentionDays) * 24 * time.Hour
}

// RepositoriesDir holds live mirrors.
func (c *NodeConfig) RepositoriesDir() string { return filepath.Join(c.DataDir, "repositories") }

// ArchiveDir holds archived mirrors.
func (c *NodeConfig) ArchiveDir() string { return filepath.Join(c.DataDir, "archived") }

// AuditLogPath is the NDJSON audit log.
func (c *NodeConfig) AuditLogPath() string { return filepath.Join(c.DataDir, "sync.log") }

// StatePath is the state file for the configured backend.
func (c *NodeConfig) StatePath() string {
	if c.StateBackend == StateBackendSQLite {
		return filepath.Join(c.DataDir, "state.db")
	}
	return filepath.Join(c.DataDir, "state.json")
}

// ApplyEnv overlays the node's environment variables.
func (c *NodeConfig) ApplyEnv(lookup LookupFunc) {
	if port, ok := lookupInt(lookup, "PORT", 1); ok {
		c.Listen = ":" + strconv.Itoa(port)
	}
	lookupString(lookup, "SERVICE_ID", &c.ServiceID)
	lookupString(lookup, "NODE_NAME", &c.NodeName)
	lookupString(lookup, "GITEA_URL", &c.ForgeURL)
	lookupString(lookup, "GITEA_TOKEN", &c.ForgeToken)
	lookupString(lookup, "RELAY_URL", &c.RelayURL)
	lookupString(lookup, "SELF_ENDPOINT", &c.SelfEndpoint)
	lookupString(lookup, "RELAY_REGISTRATION_TOKEN", &c.RelayToken)
	if value, ok := lookupInt(lookup, "REGISTER_INTERVAL_SECONDS", 1); ok {
		c.RegisterIntervalSeconds = value
	}
	if value, ok := lookupInt(lookup, "SYNC_TIMEOUT_SECONDS", 1); ok {
		c.SyncTimeoutSeconds = value
	}
	if value, ok := lookupInt(lookup, "ARCHIVE_RETENTION_DAYS", 1); ok {
		c.ArchiveRetentionDays = value
	}
	lookupString(lookup, "GIT_SYNC_DATA_DIR", &c.DataDir)
	lookupString(lookup, "STATE_BACKEND", &c.StateBackend)
	lookupString(lookup, "LOG_LEVEL", &c.LogLevel)

	c.ForgeURL = strings.TrimRight(c.ForgeURL, "/")
	c.RelayURL = strings.TrimRight(c.RelayURL, "/")
	c.SelfEndpoint = strings.TrimRight(c.SelfEndpoint, "/")
}

func (c *NodeConfig) expand() {
	c.DataDir = expandVars(c.DataDir, nil)
	c.ForgeTokenFile = expandVars(c.ForgeTokenFile, nil)
	c.RelayTokenFile = expandVars(c.RelayTokenFile, nil)
	c.Vault.Root = expandVars(c.Vault.Root, map[string]string{"DATA_DIR": c.DataDir})
}

// Validate checks the node configuration.
func (c *NodeConfig) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if err := validateURL("forge_url", c.ForgeURL); err != nil {
		errs = append(errs, err)
	}
	if c.RelayURL != "" {
		if err := validateURL("relay_url", c.RelayURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.SelfEndpoint != "" {
		if err := validateURL("self_endpoint", c.SelfEndpoint); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RegisterIntervalSeconds < 1 {
		errs = append(errs, errors.New("register_interval_seconds must be at least 1"))
	}
	if c.SyncTimeoutSeconds < 1 {
		errs = append(errs, errors.New("sync_timeout_seconds must be at least 1"))
	}
	if c.ArchiveRetentionDays < 1 {
		errs = append(errs, errors.New("archive_retention_days must be at least 1"))
	}
	if c.StateBackend != StateBackendJSON && c.StateBackend != StateBackendSQLite {
		errs = append(errs, fmt.Errorf("state_backend must be %q or %q, got %q", StateBackendJSON, StateBackendSQLite, c.StateBackend))
	}
	switch c.Vault.Type {
	case "", "memory", "s3":
	case "filesystem":
		if c.Vault.Root == "" {
			errs = append(errs, errors.New("vault.root is required for the filesystem vault"))
		}
	default:
		errs = append(errs, fmt.Errorf("vault.type %q is not one of filesystem, s3, memory", c.Vault.Type))
	}
	if c.Vault.Type == "s3" && c.Vault.S3.Bucket == "" {
		errs = append(errs, errors.New("vault.s3.bucket is required for the s3 vault"))
	}
	if c.Vault.Type != "" {
		if _, err := archivevault.ParseCompression(c.Vault.Compression); err != nil {
			errs = append(errs, fmt.Errorf("vault.compression: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ResolvePath returns flagValue, or the PathEnv variable when the flag
// is empty. An empty result means no config file.
func ResolvePath(flagValue string, lookup LookupFunc) string {
	if flagValue != "" {
		return flagValue
	}
	value, _ := lookup(PathEnv)
	return value
}

// LoadRelay builds a RelayConfig from defaults, the optional file at
// path, and the environment, then validates it.
func LoadRelay(path string, lookup LookupFunc) (*RelayConfig, error) {
	cfg := DefaultRelay()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(lookup)
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay configuration: %w", err)
	}
	return cfg, nil
}

// LoadNode builds a NodeConfig from defaults, the optional file at
// path, and the environment, then validates it.
func LoadNode(path string, lookup LookupFunc) (*NodeConfig, error) {
	cfg := DefaultNode()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(lookup)
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes the file at path into target, choosing the format
// by extension. Fields absent from the file keep their values.
func LoadFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, target)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), target)
	case ".toml":
		err = toml.Unmarshal(data, target)
	default:
		return fmt.Errorf("config %s: unsupported extension %q (want .yaml, .yml, .json, .jsonc, or .toml)", path, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ParseLevel maps debug, info, warn, or error to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("log_level %q: want debug, info, warn, or error", level)
	}
	return parsed, nil
}

// SplitCSV splits a comma-separated endpoint list, trimming spaces and
// trailing slashes and dropping empty items.
func SplitCSV(value string) []string {
	var items []string
	for chunk := range strings.SplitSeq(value, ",") {
		item := strings.TrimRight(strings.TrimSpace(chunk), "/")
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

func lookupString(lookup LookupFunc, name string, target *string) {
	if value, ok := lookup(name); ok {
		*target = value
	}
}

// lookupInt returns the variable raised to minimum. ok is false when
// the variable is unset or not an integer.
func lookupInt(lookup LookupFunc, name string, minimum int) (int, bool) {
	value, ok := lookup(name)
	if !ok {
		return 0, false
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return max(parsed, minimum), true
}

func validateURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%s: %q is not an http(s) URL", field, raw)
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, consulting vars
// before the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}
