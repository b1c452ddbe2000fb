// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/bureau-foundation/forgemirror/lib/testutil"
)

// fakeForge serves total repositories through the search API.
func fakeForge(t *testing.T, total int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/api/v1/repos/search" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "token secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var data []Repository
		for index := (page - 1) * limit; index < page*limit && index < total; index++ {
			data = append(data, Repository{FullName: fmt.Sprintf("org/repo-%03d", index)})
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestListRepositoriesPaginates(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		wantPages int32
	}{
		{"empty", 0, 1},
		{"short_first_page", 7, 1},
		{"exact_page_multiple", 2 * PageSize, 3},
		{"partial_last_page", 2*PageSize + 1, 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var requests atomic.Int32
			server := fakeForge(t, test.total, &requests)
			client := NewClient(Config{BaseURL: server.URL + "/", Token: testutil.Secret(t, "secret-token")})

			repositories, err := client.ListRepositories(context.Background())
			if err != nil {
				t.Fatalf("ListRepositories() = %v, want nil", err)
			}
			if len(repositories) != test.total {
				t.Errorf("len = %d, want %d", len(repositories), test.total)
			}
			if got := requests.Load(); got != test.wantPages {
				t.Errorf("pages requested = %d, want %d", got, test.wantPages)
			}
		})
	}
}

func TestListRepositoriesRequiresToken(t *testing.T) {
	var requests atomic.Int32
	server := fakeForge(t, 3, &requests)
	client := NewClient(Config{BaseURL: server.URL})

	if _, err := client.ListRepositories(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("ListRepositories() = %v, want ErrMissingCredentials", err)
	}
	if requests.Load() != 0 {
		t.Errorf("requests = %d, want 0", requests.Load())
	}
}

func TestListRepositoriesHTTPError(t *testing.T) {
	var requests atomic.Int32
	server := fakeForge(t, 3, &requests)
	client := NewClient(Config{BaseURL: server.URL, Token: testutil.Secret(t, "wrong")})

	if _, err := client.ListRepositories(context.Background()); err == nil {
		t.Fatal("ListRepositories() with bad token = nil error, want error")
	}
}

func TestCloneURL(t *testing.T) {
	client := NewClient(Config{BaseURL: "https://git.example.com/"})
	if got := client.CloneURL("org/repo"); got != "https://git.example.com/org/repo.git" {
		t.Errorf("CloneURL() = %q", got)
	}
}
