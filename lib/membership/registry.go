// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package membership tracks the mirror nodes a relay delivers to.
//
// The visible endpoint set is the union of a static list, fixed at
// construction, and dynamic registrations that nodes refresh with a
// heartbeat. A dynamic entry whose last registration is at least TTL
// old is evicted the next time the set is listed. Static entries
// never expire.
package membership

import (
	"crypto/subtle"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/clock"
)

// TokenHeader carries the registration token on register and
// unregister calls.
const TokenHeader = "X-Relay-Token"

// Config configures a Registry.
type Config struct {
	// Static endpoints are always listed.
	Static []string

	// TTL is how long a dynamic registration stays live without a
	// refresh. Zero or negative disables expiry.
	TTL time.Duration

	// Token, when non-empty, must be presented by register and
	// unregister callers.
	Token []byte

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Registry is safe for concurrent use. Its lock is held only for map
// operations.
type Registry struct {
	static []string
	ttl    time.Duration
	token  []byte
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	dynamic map[string]time.Time
}

// New returns a Registry with the given static endpoints, normalized
// and de-duplicated.
func New(config Config) *Registry {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	seen := make(map[string]struct{}, len(config.Static))
	var static []string
	for _, endpoint := range config.Static {
		endpoint = Normalize(endpoint)
		if endpoint == "" {
			continue
		}
		if _, duplicate := seen[endpoint]; duplicate {
			continue
		}
		seen[endpoint] = struct{}{}
		static = append(static, endpoint)
	}
	sort.Strings(static)

	return &Registry{
		static:  static,
		ttl:     config.TTL,
		token:   config.Token,
		clock:   config.Clock,
		logger:  config.Logger,
		dynamic: make(map[string]time.Time),
	}
}

// Normalize trims whitespace and trailing slashes from an endpoint.
func Normalize(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

// Authorize reports whether token may register or unregister
// endpoints. With no configured token every caller is allowed.
func (r *Registry) Authorize(token string) bool {
	if len(r.token) == 0 {
		return true
	}
	return subtle.ConstantTimeCompare(r.token, []byte(token)) == 1
}

// TokenRequired reports whether Authorize checks a token.
func (r *Registry) TokenRequired() bool {
	return len(r.token) > 0
}

// Register adds endpoint or refreshes its timestamp, and returns the
// number of dynamic entries. An endpoint that normalizes to empty is
// ignored.
func (r *Registry) Register(endpoint string) int {
	endpoint = Normalize(endpoint)
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if endpoint == "" {
		return len(r.dynamic)
	}
	if _, known := r.dynamic[endpoint]; !known {
		r.logger.Info("endpoint registered", "endpoint", endpoint)
	}
	r.dynamic[endpoint] = now
	return len(r.dynamic)
}

// Unregister removes endpoint if present and returns the number of
// remaining dynamic entries.
func (r *Registry) Unregister(endpoint string) int {
	endpoint = Normalize(endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.dynamic[endpoint]; known {
		delete(r.dynamic, endpoint)
		r.logger.Info("endpoint unregistered", "endpoint", endpoint)
	}
	return len(r.dynamic)
}

// List evicts expired dynamic entries and returns the sorted,
// de-duplicated union of static and live dynamic endpoints.
func (r *Registry) List() []string {
	now := r.clock.Now()

	r.mu.Lock()
	r.sweepLocked(now)
	union := make(map[string]struct{}, len(r.static)+len(r.dynamic))
	for _, endpoint := range r.static {
		union[endpoint] = struct{}{}
	}
	for endpoint := range r.dynamic {
		union[endpoint] = struct{}{}
	}
	r.mu.Unlock()

	endpoints := make([]string, 0, len(union))
	for endpoint := range union {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)
	return endpoints
}

// DynamicCount returns the number of dynamic entries, including any
// that have expired but not yet been swept.
func (r *Registry) DynamicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dynamic)
}

// StaticCount returns the number of static endpoints.
func (r *Registry) StaticCount() int {
	return len(r.static)
}

// sweepLocked must be called with r.mu held.
func (r *Registry) sweepLocked(now time.Time) {
	if r.ttl <= 0 {
		return
	}
	cutoff := now.Add(-r.ttl)
	for endpoint, lastSeen := range r.dynamic {
		if !lastSeen.After(cutoff) {
			delete(r.dynamic, endpoint)
			r.logger.Info("endpoint expired",
				"endpoint", endpoint,
				"last_seen", lastSeen,
			)
		}
	}
}
