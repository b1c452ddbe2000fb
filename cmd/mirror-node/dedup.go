// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/clock"
)

// deduplicationWindow is how long an applied delivery ID is
// remembered.
const deduplicationWindow = 10 * time.Minute

// deliveryState is what the log knows about a delivery ID.
type deliveryState int

const (
	deliveryNew deliveryState = iota
	deliveryInFlight
	deliveryApplied
)

// deliveryLog remembers recent delivery IDs so that a webhook
// redelivered by the forge or the relay is applied once. An ID counts
// as applied only after its handling succeeded; while the first
// attempt runs it is in flight.
type deliveryLog struct {
	clock clock.Clock

	mu       sync.Mutex
	applied  map[string]time.Time
	inFlight map[string]struct{}
}

func newDeliveryLog(clk clock.Clock) *deliveryLog {
	return &deliveryLog{
		clock:    clk,
		applied:  make(map[string]time.Time),
		inFlight: make(map[string]struct{}),
	}
}

// begin reports the state of deliveryID and, when it is new, marks it
// in flight. Every deliveryNew result must be paired with finish.
// Expired entries are pruned on every call.
func (d *deliveryLog) begin(deliveryID string) deliveryState {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for id, appliedAt := range d.applied {
		if now.Sub(appliedAt) > deduplicationWindow {
			delete(d.applied, id)
		}
	}

	if _, exists := d.applied[deliveryID]; exists {
		return deliveryApplied
	}
	if _, exists := d.inFlight[deliveryID]; exists {
		return deliveryInFlight
	}
	d.inFlight[deliveryID] = struct{}{}
	return deliveryNew
}

// finish ends the in-flight attempt. A failed attempt leaves no trace,
// so a retry under the same ID is applied.
func (d *deliveryLog) finish(deliveryID string, applied bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, deliveryID)
	if applied {
		d.applied[deliveryID] = d.clock.Now()
	}
}
