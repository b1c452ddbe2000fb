// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/netutil"
)

// maxResponseBytes bounds a response body read by mirrorctl.
const maxResponseBytes = 64 << 20

// apiClient calls one forge-relay or mirror-node base URL.
type apiClient struct {
	base    string
	client  *http.Client
	timeout time.Duration
	header  http.Header
}

func newAPIClient(client *http.Client, base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:    strings.TrimRight(base, "/"),
		client:  client,
		timeout: timeout,
		header:  http.Header{},
	}
}

// response is a completed call.
type response struct {
	status int
	body   []byte
}

// ok reports a 2xx status.
func (r response) ok() bool {
	return r.status >= 200 && r.status <= 299
}

// decode unmarshals the body into v.
func (r response) decode(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", r.status, err)
	}
	return nil
}

// err describes a non-2xx response, using the server's error message
// when it sent one.
func (r response) err() error {
	var message struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(r.body, &message) == nil && message.Error != "" {
		return fmt.Errorf("HTTP %d: %s", r.status, message.Error)
	}
	return fmt.Errorf("HTTP %d: %s", r.status, strings.TrimSpace(string(r.body)))
}

// do sends one request. body may be nil, []byte, or a value to encode
// as JSON. Non-2xx statuses are not errors; check response.ok.
func (c *apiClient) do(ctx context.Context, method, path string, body any, header http.Header) (response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	switch typed := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return response{}, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return response{}, fmt.Errorf("building request: %w", err)
	}
	if reader != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, values := range c.header {
		request.Header[name] = values
	}
	for name, values := range header {
		request.Header[name] = values
	}

	reply, err := c.client.Do(request)
	if err != nil {
		return response{}, fmt.Errorf("%s %s: %w", method, c.base+path, err)
	}
	defer reply.Body.Close()

	data, err := netutil.ReadLimited(reply.Body, maxResponseBytes)
	if err != nil {
		return response{}, fmt.Errorf("%s %s: reading response: %w", method, c.base+path, err)
	}
	return response{status: reply.StatusCode, body: data}, nil
}

// call sends a request and decodes a 2xx response into out.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	reply, err := c.do(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	if !reply.ok() {
		return reply.err()
	}
	if out == nil {
		return nil
	}
	return reply.decode(out)
}
