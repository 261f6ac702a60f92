// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// longPollGateway is a scripted long-polling server: the first events
// request returns the given batch, later ones hold briefly and return
// empty batches. Client sends and the teardown DELETE are recorded.
type longPollGateway struct {
	t     *testing.T
	batch []frame

	mu       sync.Mutex
	served   bool
	sent     []frame
	tornDown bool
}

func (g *longPollGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /socket/session", func(writer http.ResponseWriter, request *http.Request) {
		if auth := request.Header.Get("Authorization"); auth != "Bearer socket-token" {
			g.t.Errorf("session auth = %q, want Bearer socket-token", auth)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]string{"sessionId": "poll-session-1"})
	})
	mux.HandleFunc("GET /socket/events", func(writer http.ResponseWriter, request *http.Request) {
		g.assertSession(request)
		g.mu.Lock()
		first := !g.served
		g.served = true
		g.mu.Unlock()

		batch := []frame(nil)
		if first {
			batch = g.batch
		} else {
			// Hold like a real long-poll; the client cancels on Close.
			select {
			case <-request.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string][]frame{"events": batch})
	})
	mux.HandleFunc("POST /socket/send", func(writer http.ResponseWriter, request *http.Request) {
		g.assertSession(request)
		var f frame
		if err := json.NewDecoder(request.Body).Decode(&f); err != nil {
			g.t.Errorf("malformed send body: %v", err)
		}
		g.mu.Lock()
		g.sent = append(g.sent, f)
		g.mu.Unlock()
		writer.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("DELETE /socket/session", func(writer http.ResponseWriter, request *http.Request) {
		g.assertSession(request)
		g.mu.Lock()
		g.tornDown = true
		g.mu.Unlock()
		writer.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (g *longPollGateway) assertSession(request *http.Request) {
	if session := request.URL.Query().Get("session"); session != "poll-session-1" {
		g.t.Errorf("session query = %q, want poll-session-1", session)
	}
}

func newLongPollChannel(t *testing.T, gateway *longPollGateway) Channel {
	t.Helper()
	server := httptest.NewServer(gateway.handler())
	t.Cleanup(server.Close)

	channel, err := DialLongPoll(context.Background(), Config{
		APIURL: server.URL,
		Token:  "socket-token",
	})
	if err != nil {
		t.Fatalf("DialLongPoll failed: %v", err)
	}
	t.Cleanup(func() { channel.Close() })
	return channel
}

func TestDialLongPoll(t *testing.T) {
	t.Run("delivers batched events in order", func(t *testing.T) {
		gateway := &longPollGateway{t: t, batch: []frame{
			{Event: "message", Data: json.RawMessage(`{"content":"one"}`)},
			{Event: "presence", Data: json.RawMessage(`{"online":true}`)},
		}}
		channel := newLongPollChannel(t, gateway)

		first := receiveEvent(t, channel)
		if first.Name != "message" {
			t.Errorf("first event = %q, want message", first.Name)
		}
		second := receiveEvent(t, channel)
		if second.Name != "presence" {
			t.Errorf("second event = %q, want presence", second.Name)
		}
	})

	t.Run("emit posts a frame to the send endpoint", func(t *testing.T) {
		gateway := &longPollGateway{t: t}
		channel := newLongPollChannel(t, gateway)

		err := channel.Emit(context.Background(), "message:send", map[string]string{"content": "hi"})
		if err != nil {
			t.Fatalf("Emit failed: %v", err)
		}

		gateway.mu.Lock()
		defer gateway.mu.Unlock()
		if len(gateway.sent) != 1 {
			t.Fatalf("gateway received %d sends, want 1", len(gateway.sent))
		}
		if gateway.sent[0].Event != "message:send" {
			t.Errorf("sent event = %q, want message:send", gateway.sent[0].Event)
		}
	})

	t.Run("close stops polling and tears the session down", func(t *testing.T) {
		gateway := &longPollGateway{t: t}
		channel := newLongPollChannel(t, gateway)

		if err := channel.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		assertStreamClosed(t, channel)
		if err := channel.Err(); err != nil {
			t.Errorf("Err = %v after clean close, want nil", err)
		}

		gateway.mu.Lock()
		defer gateway.mu.Unlock()
		if !gateway.tornDown {
			t.Error("session DELETE never issued")
		}
	})

	t.Run("session rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusUnauthorized)
		}))
		t.Cleanup(server.Close)

		_, err := DialLongPoll(context.Background(), Config{APIURL: server.URL, Token: "bad"})
		if err == nil {
			t.Fatal("expected error for rejected session")
		}
	})

	t.Run("missing session ID", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Write([]byte(`{}`))
		}))
		t.Cleanup(server.Close)

		_, err := DialLongPoll(context.Background(), Config{APIURL: server.URL, Token: "tok"})
		if err == nil {
			t.Fatal("expected error for missing sessionId")
		}
	})

	t.Run("poll failure surfaces through Err", func(t *testing.T) {
		var mu sync.Mutex
		healthy := true
		mux := http.NewServeMux()
		mux.HandleFunc("POST /socket/session", func(writer http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(writer).Encode(map[string]string{"sessionId": "poll-session-1"})
		})
		mux.HandleFunc("GET /socket/events", func(writer http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			ok := healthy
			healthy = false
			mu.Unlock()
			if !ok {
				writer.WriteHeader(http.StatusGone)
				return
			}
			json.NewEncoder(writer).Encode(map[string][]frame{"events": nil})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		channel, err := DialLongPoll(context.Background(), Config{APIURL: server.URL, Token: "tok"})
		if err != nil {
			t.Fatalf("DialLongPoll failed: %v", err)
		}
		t.Cleanup(func() { channel.Close() })

		assertStreamClosed(t, channel)
		if channel.Err() == nil {
			t.Error("Err = nil after poll failure, want error")
		}
	})
}
