// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// maxPollResponseSize bounds long-poll response body reads. Event
// batches are small; the limit only guards against a misbehaving
// gateway.
const maxPollResponseSize int64 = 8 << 20

// closeTimeout bounds the best-effort session teardown request issued
// by Close.
const closeTimeout = 5 * time.Second

// DialLongPoll opens the fallback transport: an HTTP long-polling
// session against the gateway. One POST establishes the session, then a
// GET loop drains event batches until Close or a request failure.
func DialLongPoll(ctx context.Context, config Config) (Channel, error) {
	config = config.withDefaults()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, config.APIURL+"/socket/session", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: creating long-poll session request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+config.Token)

	response, err := config.HTTPClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("transport: long-poll session request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxPollResponseSize))
	if err != nil {
		return nil, fmt.Errorf("transport: reading long-poll session response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: long-poll session rejected: %d", response.StatusCode)
	}

	var session struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("transport: parsing long-poll session response: %w", err)
	}
	if session.SessionID == "" {
		return nil, fmt.Errorf("transport: long-poll session response missing sessionId")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	channel := &longPollChannel{
		baseURL:    config.APIURL,
		token:      config.Token,
		sessionID:  session.SessionID,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		events:     make(chan Event, eventBuffer),
		cancel:     cancel,
	}
	go channel.pollLoop(pollCtx)
	return channel, nil
}

type longPollChannel struct {
	baseURL    string
	token      string
	sessionID  string
	httpClient *http.Client
	logger     *slog.Logger
	events     chan Event
	cancel     context.CancelFunc

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *longPollChannel) Emit(ctx context.Context, name string, payload any) error {
	data, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/socket/send"), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("transport: creating long-poll send request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("transport: long-poll send %q failed: %w", name, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, maxPollResponseSize))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("transport: long-poll send %q rejected: %d", name, response.StatusCode)
	}
	return nil
}

func (c *longPollChannel) Events() <-chan Event {
	return c.events
}

func (c *longPollChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *longPollChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		// Best-effort session teardown; the gateway expires orphaned
		// sessions on its own.
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/socket/session"), nil)
		if err != nil {
			return
		}
		request.Header.Set("Authorization", "Bearer "+c.token)
		response, err := c.httpClient.Do(request)
		if err != nil {
			c.logger.Debug("long-poll session teardown failed", "error", err)
			return
		}
		io.Copy(io.Discard, io.LimitReader(response.Body, maxPollResponseSize))
		response.Body.Close()
	})
	return nil
}

func (c *longPollChannel) endpoint(path string) string {
	return c.baseURL + path + "?session=" + url.QueryEscape(c.sessionID)
}

func (c *longPollChannel) pollLoop(ctx context.Context) {
	defer close(c.events)
	for {
		batch, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setErr(err)
			return
		}
		for _, f := range batch {
			if f.Event == "" {
				continue
			}
			select {
			case c.events <- Event{Name: f.Event, Payload: f.Data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// poll issues one long-poll request. The gateway holds the request
// until events arrive or its own hold timeout elapses; an empty batch
// is a normal outcome.
func (c *longPollChannel) poll(ctx context.Context) ([]frame, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/socket/events"), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: creating long-poll request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("transport: long-poll request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxPollResponseSize))
	if err != nil {
		return nil, fmt.Errorf("transport: reading long-poll response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: long-poll rejected: %d", response.StatusCode)
	}

	var batch struct {
		Events []frame `json:"events"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("transport: parsing long-poll response: %w", err)
	}
	return batch.Events, nil
}

func (c *longPollChannel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
