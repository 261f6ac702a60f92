// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Event is a single named event received from (or sent over) the
// platform's realtime channel. Payload holds the event's JSON body;
// callers unmarshal it into the type for the event name.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Channel is a live bidirectional connection to the platform's realtime
// gateway. Exactly one Channel backs an agent session at a time.
//
// Events returns the stream of server-to-client events in delivery
// order. The channel is closed when the connection terminates — by
// Close, by a server disconnect, or by a transport failure. After
// Events is closed, Err reports the terminal failure (nil for a clean
// shutdown).
//
// A Channel never reconnects. Callers that want a new connection dial
// a new Channel.
type Channel interface {
	// Emit sends a client-to-server event. Fire-and-forget: no
	// delivery acknowledgment is awaited.
	Emit(ctx context.Context, name string, payload any) error

	// Events returns the server-to-client event stream.
	Events() <-chan Event

	// Err returns the terminal connection error, or nil if the
	// channel closed cleanly. Valid after Events is closed.
	Err() error

	// Close tears down the connection. Idempotent.
	Close() error
}

// Config holds the parameters for dialing a channel.
type Config struct {
	// APIURL is the platform's base HTTP URL (e.g., "https://crustocean.xyz").
	// Transport-specific endpoints are derived from it.
	APIURL string

	// Token is the short-lived session credential used to
	// authenticate the channel handshake.
	Token string

	// HTTPClient is used for the handshake and for HTTP-based
	// transports. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// DialError reports that no transport route to the gateway could be
// established. Each attempted route contributes its failure.
type DialError struct {
	Attempts []Attempt
}

// Attempt records one failed transport route.
type Attempt struct {
	Transport string
	Err       error
}

func (e *DialError) Error() string {
	if len(e.Attempts) == 0 {
		return "transport: no routes attempted"
	}
	parts := make([]string, len(e.Attempts))
	for i, attempt := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", attempt.Transport, attempt.Err)
	}
	return "transport: all routes failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the underlying route failures to errors.Is/errors.As.
func (e *DialError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, attempt := range e.Attempts {
		errs[i] = attempt.Err
	}
	return errs
}

// Dial connects to the platform's realtime gateway, trying transports
// in fixed preference order: websocket first, HTTP long-polling as the
// fallback. The first route that connects wins. If every route fails,
// Dial returns a *DialError aggregating the per-route failures.
func Dial(ctx context.Context, config Config) (Channel, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("transport: APIURL is required")
	}
	config = config.withDefaults()

	routes := []struct {
		name string
		dial func(context.Context, Config) (Channel, error)
	}{
		{"websocket", DialWebSocket},
		{"longpoll", DialLongPoll},
	}

	dialErr := &DialError{}
	for _, route := range routes {
		channel, err := route.dial(ctx, config)
		if err == nil {
			config.Logger.Debug("channel connected", "transport", route.name)
			return channel, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transport: dial cancelled: %w", ctx.Err())
		}
		config.Logger.Debug("transport route failed", "transport", route.name, "error", err)
		dialErr.Attempts = append(dialErr.Attempts, Attempt{Transport: route.name, Err: err})
	}
	return nil, dialErr
}

// frame is the JSON wire shape for events in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(name string, payload any) ([]byte, error) {
	f := frame{Event: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("transport: encoding %q payload: %w", name, err)
		}
		f.Data = data
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding %q frame: %w", name, err)
	}
	return data, nil
}
