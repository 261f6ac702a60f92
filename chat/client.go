// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Crustocean/sdk/transport"
)

// DefaultAgency is the well-known public agency every Crustocean
// deployment provides.
const DefaultAgency = "lobby"

// maxResponseSize bounds REST response body reads. Platform responses
// are small; the limit only guards against a misbehaving server.
const maxResponseSize int64 = 32 << 20

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// APIURL is the base URL of the platform (e.g., "https://crustocean.xyz").
	// A trailing slash is stripped.
	APIURL string
	// HTTPClient is used for all REST requests and for HTTP-based
	// channel transports. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Client is an unauthenticated Crustocean REST client. It holds the
// platform URL and HTTP transport, shared across the agent sessions
// derived from it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new unauthenticated platform client. No network
// effect.
func NewClient(config ClientConfig) (*Client, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("chat: APIURL is required")
	}

	// Validate the URL structure. The string form (trailing slash
	// stripped) is stored and request URLs are built by concatenation,
	// which avoids double-encoding of escaped path segments.
	if _, err := url.Parse(config.APIURL); err != nil {
		return nil, fmt.Errorf("chat: invalid APIURL %q: %w", config.APIURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.APIURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// APIURL returns the normalized platform base URL.
func (c *Client) APIURL() string {
	return c.baseURL
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call after a network disruption to force
// fresh TCP connections instead of reusing a poisoned pooled one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// AgentSession creates a Session bound to a long-lived agent API key.
// No network effect — call Session.Connect (or ConnectAndJoin) to
// authenticate.
func (c *Client) AgentSession(apiKey string) *Session {
	return &Session{
		client:   c,
		apiKey:   apiKey,
		registry: newListenerRegistry(),
		waiters:  make(map[string]chan joinReply),
		dial:     transport.Dial,
	}
}

// doRequest performs an HTTP request against the platform API and
// returns the response body. On 2xx, returns the body. On any other
// status, returns a *APIError whose Message is taken from the JSON
// error body when one is present — a missing or unparseable body
// degrades to an empty message, never to a second error.
// token may be empty for unauthenticated endpoints; query may be nil.
func (c *Client) doRequest(ctx context.Context, method, path, token string, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("chat: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("chat: creating request: %w", err)
	}

	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("chat: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("chat: reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// Error bodies are {"error": "..."} when the platform produced
	// them; anything else is treated as an empty message.
	var errorBody struct {
		Error string `json:"error"`
	}
	json.Unmarshal(responseBody, &errorBody)

	return nil, &APIError{StatusCode: response.StatusCode, Message: errorBody.Error}
}
