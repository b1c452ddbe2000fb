// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
)

// Serve runs one request through handler and returns the recorded
// response. headers alternate name, value.
//
//	recorder := testutil.Serve(handler, "POST", "/register", `{"endpoint":"http://a"}`, "X-Relay-Token", "t")
func Serve(handler http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		request.Header.Set(headers[i], headers[i+1])
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

// DecodeJSON decodes the recorded body into a T, or fails the test.
func DecodeJSON[T any](t TB, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decoding response body %q: %v", recorder.Body.String(), err)
	}
	return value
}
