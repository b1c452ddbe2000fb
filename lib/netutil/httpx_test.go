// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadResponse(t *testing.T) {
	t.Run("normal_body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader([]byte(`{"status":"ok"}`)))
		if err != nil {
			t.Fatalf("ReadResponse() = %v, want nil", err)
		}
		if string(data) != `{"status":"ok"}` {
			t.Fatalf("ReadResponse() = %q, want %q", data, `{"status":"ok"}`)
		}
	})

	t.Run("read_error_propagates", func(t *testing.T) {
		if _, err := ReadResponse(&failReader{}); err == nil {
			t.Fatal("ReadResponse() = nil error, want error")
		}
	})
}

func TestDecodeResponse(t *testing.T) {
	var result struct {
		Endpoints []string `json:"endpoints"`
		Count     int      `json:"count"`
	}
	body := strings.NewReader(`{"endpoints":["http://a"],"count":1}`)
	if err := DecodeResponse(body, &result); err != nil {
		t.Fatalf("DecodeResponse() = %v, want nil", err)
	}
	if result.Count != 1 || len(result.Endpoints) != 1 {
		t.Errorf("decoded %+v, want one endpoint", result)
	}

	if err := DecodeResponse(strings.NewReader("{not json"), &result); err == nil {
		t.Error("DecodeResponse(invalid) = nil error, want error")
	}
}

func TestReadLimited(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
	}{
		{"under_limit", "abc", 4, nil},
		{"at_limit", "abcd", 4, nil},
		{"over_limit", "abcde", 4, ErrBodyTooLarge},
		{"empty", "", 4, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := ReadLimited(strings.NewReader(test.body), test.limit)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("ReadLimited() error = %v, want %v", err, test.wantErr)
			}
			if err == nil && string(data) != test.body {
				t.Errorf("ReadLimited() = %q, want %q", data, test.body)
			}
		})
	}
}

func TestErrorBodyTruncates(t *testing.T) {
	long := strings.Repeat("x", int(maxErrorBody)+100)
	if got := ErrorBody(strings.NewReader(long)); int64(len(got)) != maxErrorBody {
		t.Errorf("len(ErrorBody()) = %d, want %d", len(got), maxErrorBody)
	}
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}
