// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// eventBuffer is the capacity of a channel's event stream. The session's
// dispatch loop drains continuously; the buffer only absorbs short bursts
// between reads.
const eventBuffer = 64

// DialWebSocket opens the primary transport: a websocket connection to
// the gateway's /socket endpoint, authenticated by the session token.
func DialWebSocket(ctx context.Context, config Config) (Channel, error) {
	config = config.withDefaults()

	socketURL, err := websocketURL(config.APIURL, config.Token)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, socketURL, &websocket.DialOptions{
		HTTPClient: config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial failed: %w", err)
	}

	channel := &webSocketChannel{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		logger: config.Logger,
	}
	go channel.readLoop()
	return channel, nil
}

// websocketURL derives the gateway websocket URL from the platform's
// HTTP base URL: the scheme flips to ws/wss and the token travels as a
// query parameter, per the gateway's handshake contract.
func websocketURL(apiURL, token string) (string, error) {
	parsed, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("transport: invalid API URL %q: %w", apiURL, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported API URL scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/socket"
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type webSocketChannel struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{} // closed by Close; unblocks a stalled event send
	logger *slog.Logger

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *webSocketChannel) Emit(ctx context.Context, name string, payload any) error {
	data, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: websocket write %q failed: %w", name, err)
	}
	return nil
}

func (c *webSocketChannel) Events() <-chan Event {
	return c.events
}

func (c *webSocketChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *webSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return nil
}

func (c *webSocketChannel) readLoop() {
	defer close(c.events)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			// Normal closure (either side) is a clean shutdown, not
			// a transport failure.
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			c.setErr(fmt.Errorf("transport: websocket read failed: %w", err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("discarding malformed frame", "error", err)
			continue
		}
		if f.Event == "" {
			continue
		}
		// Stream consumers can stall; Close must still be able to
		// reclaim this goroutine.
		select {
		case c.events <- Event{Name: f.Event, Payload: f.Data}:
		case <-c.done:
			return
		}
	}
}

func (c *webSocketChannel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
