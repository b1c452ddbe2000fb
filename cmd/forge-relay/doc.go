// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// forge-relay receives forge webhooks and fans each one out to every
// registered mirror node.
//
// Mirror nodes join by posting their base URL to /register and must
// keep re-registering before the endpoint TTL runs out. Static
// endpoints from configuration never expire. A webhook is size
// checked, then signature checked against the shared secret, then
// delivered as-is to {endpoint}/sync on every member. The reply
// reports how many members accepted it, and is 502 when any did not.
//
// Configuration comes from an optional --config file and the
// environment: PORT, WEBHOOK_SECRET, REGISTRATION_TOKEN,
// STATIC_ENDPOINTS, RELAY_ENDPOINT_TTL_SECONDS,
// RELAY_FANOUT_TIMEOUT_SECONDS, MAX_PAYLOAD_BYTES.
package main
