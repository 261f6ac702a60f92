// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeSigner returns a canned payload and records the requirements it
// was asked to sign.
type fakeSigner struct {
	payload json.RawMessage
	err     error

	mu     sync.Mutex
	signed []Requirement
}

func (s *fakeSigner) SignTransfer(_ context.Context, requirement Requirement) (json.RawMessage, error) {
	s.mu.Lock()
	s.signed = append(s.signed, requirement)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

func (s *fakeSigner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signed)
}

func testChallenge(network string) challenge {
	return challenge{
		X402Version: 1,
		Error:       "payment required",
		Accepts: []Requirement{
			{
				Scheme:            exactScheme,
				Network:           network,
				Asset:             "0xUSDC",
				PayTo:             "0xMERCHANT",
				MaxAmountRequired: "10000",
			},
		},
	}
}

func write402(writer http.ResponseWriter, ch challenge) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(writer).Encode(ch)
}

// paywalledServer answers 402 until a payment header arrives, then
// serves content. Request bodies and payment headers are recorded.
func paywalledServer(t *testing.T, network string) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		log.record(request.Header.Get(paymentHeader), string(body))
		if request.Header.Get(paymentHeader) == "" {
			write402(writer, testChallenge(network))
			return
		}
		writer.Write([]byte("premium content"))
	}))
	t.Cleanup(server.Close)
	return server, log
}

type requestLog struct {
	mu      sync.Mutex
	headers []string
	bodies  []string
}

func (l *requestLog) record(header, body string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headers = append(l.headers, header)
	l.bodies = append(l.bodies, body)
}

// snapshot returns copies of the recorded payment headers and bodies,
// one entry per request the server saw.
func (l *requestLog) snapshot() (headers, bodies []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.headers...), append([]string(nil), l.bodies...)
}

func TestTransportPassthrough(t *testing.T) {
	signer := &fakeSigner{payload: json.RawMessage(`{}`)}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Write([]byte("free content"))
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(signer, "base")
	response, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer response.Body.Close()

	body, _ := io.ReadAll(response.Body)
	if string(body) != "free content" {
		t.Errorf("body = %q, want free content", body)
	}
	if signer.calls() != 0 {
		t.Errorf("signer called %d times for a non-402 response", signer.calls())
	}
}

func TestTransportSettles402(t *testing.T) {
	signer := &fakeSigner{payload: json.RawMessage(`{"authorization":"signed"}`)}
	server, log := paywalledServer(t, "base")

	client := NewHTTPClient(signer, "base")
	response, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}
	body, _ := io.ReadAll(response.Body)
	if string(body) != "premium content" {
		t.Errorf("body = %q, want premium content", body)
	}

	if signer.calls() != 1 {
		t.Fatalf("signer called %d times, want 1", signer.calls())
	}
	signed := signer.signed[0]
	if signed.PayTo != "0xMERCHANT" || signed.MaxAmountRequired != "10000" {
		t.Errorf("signed requirement = %+v", signed)
	}

	headers, _ := log.snapshot()
	if len(headers) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(headers))
	}
	if headers[0] != "" {
		t.Error("first request carried a payment header")
	}

	decoded, err := base64.StdEncoding.DecodeString(headers[1])
	if err != nil {
		t.Fatalf("payment header is not base64: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		t.Fatalf("payment header is not an envelope: %v", err)
	}
	if env.X402Version != 1 || env.Scheme != exactScheme || env.Network != "base" {
		t.Errorf("envelope = %+v", env)
	}
	if string(env.Payload) != `{"authorization":"signed"}` {
		t.Errorf("envelope payload = %s", env.Payload)
	}
}

func TestTransportReplaysRequestBody(t *testing.T) {
	signer := &fakeSigner{payload: json.RawMessage(`{}`)}
	server, log := paywalledServer(t, "base")

	client := NewHTTPClient(signer, "base")
	response, err := client.Post(server.URL, "application/json", strings.NewReader(`{"query":"q"}`))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	response.Body.Close()

	_, bodies := log.snapshot()
	if len(bodies) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(bodies))
	}
	for i, body := range bodies {
		if body != `{"query":"q"}` {
			t.Errorf("request %d body = %q, want the original body", i, body)
		}
	}
}

func TestTransportRetriesOnlyOnce(t *testing.T) {
	signer := &fakeSigner{payload: json.RawMessage(`{}`)}
	var mu sync.Mutex
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		write402(writer, testChallenge("base"))
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(signer, "base")
	response, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer response.Body.Close()

	// The second 402 is the caller's problem.
	if response.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", response.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if requests != 2 {
		t.Errorf("server saw %d requests, want exactly 2", requests)
	}
}

func TestTransportRequirementSelection(t *testing.T) {
	t.Run("skips foreign networks and schemes", func(t *testing.T) {
		accepts := []Requirement{
			{Scheme: "subscription", Network: "base"},
			{Scheme: exactScheme, Network: "ethereum"},
			{Scheme: exactScheme, Network: "base", PayTo: "0xRIGHT"},
			{Scheme: exactScheme, Network: "base", PayTo: "0xLATER"},
		}
		requirement, ok := selectRequirement(accepts, "base")
		if !ok {
			t.Fatal("no requirement selected")
		}
		if requirement.PayTo != "0xRIGHT" {
			t.Errorf("selected PayTo = %q, want the first base exact entry", requirement.PayTo)
		}
	})

	t.Run("no match fails the request", func(t *testing.T) {
		signer := &fakeSigner{payload: json.RawMessage(`{}`)}
		server, _ := paywalledServer(t, "ethereum")

		client := NewHTTPClient(signer, "base")
		_, err := client.Get(server.URL)
		if err == nil {
			t.Fatal("expected error when no requirement matches")
		}
		if signer.calls() != 0 {
			t.Errorf("signer called %d times without a matching requirement", signer.calls())
		}
	})
}

func TestTransportSignerError(t *testing.T) {
	signerErr := errors.New("wallet locked")
	signer := &fakeSigner{err: signerErr}
	server, _ := paywalledServer(t, "base")

	client := NewHTTPClient(signer, "base")
	_, err := client.Get(server.URL)
	if err == nil {
		t.Fatal("expected signer error to propagate")
	}
	if !errors.Is(err, signerErr) {
		t.Errorf("error %v does not wrap the signer error", err)
	}
}

func TestTransportDoesNotMutateCallerRequest(t *testing.T) {
	signer := &fakeSigner{payload: json.RawMessage(`{}`)}
	server, _ := paywalledServer(t, "base")

	request, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	client := NewHTTPClient(signer, "base")
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	response.Body.Close()

	if request.Header.Get(paymentHeader) != "" {
		t.Error("payment header leaked onto the caller's request")
	}
}

func TestTransportRequiresSigner(t *testing.T) {
	transport := &Transport{Network: "base"}
	request, _ := http.NewRequest(http.MethodGet, "http://localhost/x", nil)
	if _, err := transport.RoundTrip(request); err == nil {
		t.Fatal("expected error without a signer")
	}
}

func TestMalformedChallenge(t *testing.T) {
	signer := &fakeSigner{payload: json.RawMessage(`{}`)}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(writer, "payment required")
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(signer, "base")
	if _, err := client.Get(server.URL); err == nil {
		t.Fatal("expected error for unparseable challenge")
	}
}
