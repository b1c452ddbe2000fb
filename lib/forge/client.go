// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package forge talks to the Gitea-compatible forge that mirror nodes
// copy from: it names canonical clone URLs and enumerates every
// repository the configured token can see.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/netutil"
	"github.com/bureau-foundation/forgemirror/lib/secret"
)

// PageSize is the number of repositories requested per listing page.
const PageSize = 50

// ErrMissingCredentials is returned by ListRepositories when no token
// is configured. Nothing is sent to the forge in that case.
var ErrMissingCredentials = errors.New("forge: API token is not configured")

// Repository is the subset of the forge's repository object the
// mirror needs.
type Repository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
	Empty    bool   `json:"empty"`
	Archived bool   `json:"archived"`
}

// Config configures a Client.
type Config struct {
	// BaseURL is the forge root, e.g. https://git.example.com.
	BaseURL string

	// Token authenticates API calls. Required for listing. The buffer
	// stays owned by the caller and must outlive the Client.
	Token *secret.Buffer

	// Timeout bounds each page request. Defaults to 30 seconds.
	Timeout time.Duration

	Client *http.Client
	Logger *slog.Logger
}

// Client is a forge API client.
type Client struct {
	baseURL string
	token   *secret.Buffer
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewClient returns a Client. The base URL loses any trailing slash.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		timeout: config.Timeout,
		client:  config.Client,
		logger:  config.Logger,
	}
}

// HasCredentials reports whether a token is configured.
func (c *Client) HasCredentials() bool {
	return c.token != nil
}

// CloneURL returns the canonical clone URL for a repository full name.
func (c *Client) CloneURL(fullName string) string {
	return c.baseURL + "/" + fullName + ".git"
}

type searchPage struct {
	OK   bool         `json:"ok"`
	Data []Repository `json:"data"`
}

// ListRepositories pages through /api/v1/repos/search until a page
// comes back shorter than PageSize.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingCredentials
	}

	var all []Repository
	for page := 1; ; page++ {
		repositories, err := c.listPage(ctx, page)
		if err != nil {
			return all, err
		}
		all = append(all, repositories...)
		c.logger.Debug("forge listing page", "page", page, "count", len(repositories))
		if len(repositories) < PageSize {
			return all, nil
		}
	}
}

func (c *Client) listPage(ctx context.Context, page int) ([]Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(PageSize))
	endpoint := c.baseURL + "/api/v1/repos/search?" + query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building listing request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "token "+c.token.String())

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("listing repositories page %d: %w", page, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing repositories page %d: HTTP %d: %s",
			page, response.StatusCode, strings.TrimSpace(netutil.ErrorBody(response.Body)))
	}

	var decoded searchPage
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding repositories page %d: %w", page, err)
	}
	return decoded.Data, nil
}
