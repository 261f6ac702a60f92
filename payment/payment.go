// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxChallengeSize bounds 402 challenge body reads. Challenges are a
// few hundred bytes; the limit only guards against a misbehaving
// server.
const maxChallengeSize int64 = 1 << 20

// paymentHeader carries the signed payment envelope on the retried
// request.
const paymentHeader = "X-Payment"

// exactScheme is the one payment scheme this client speaks: a
// stablecoin transfer for the exact amount the server quoted.
const exactScheme = "exact"

// Requirement is one acceptable payment option from a 402 challenge.
type Requirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// challenge is the body of an HTTP 402 response.
type challenge struct {
	X402Version int           `json:"x402Version"`
	Accepts     []Requirement `json:"accepts"`
	Error       string        `json:"error,omitempty"`
}

// envelope is the JSON carried (base64-encoded) in the payment header
// of the retried request.
type envelope struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// Signer produces a signed stablecoin-transfer authorization for one
// payment requirement. Implementations hold the signing credential;
// this package never sees it.
type Signer interface {
	SignTransfer(ctx context.Context, requirement Requirement) (json.RawMessage, error)
}

// Transport is an http.RoundTripper that settles HTTP 402 challenges
// transparently: a 402 response is parsed, the first exact-scheme
// requirement on the configured network is signed, and the original
// request is retried exactly once with the payment header attached.
// Every other response — including a 402 on the retry — passes through
// untouched. The caller never observes the payment exchange.
type Transport struct {
	// Base performs the underlying requests. If nil,
	// http.DefaultTransport is used.
	Base http.RoundTripper
	// Signer signs transfer authorizations. Required.
	Signer Signer
	// Network is the chain identifier payments are made on (e.g.,
	// "base"). Requirements on other networks are ignored.
	Network string
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// NewHTTPClient returns an http.Client whose requests settle 402
// challenges with the given signer on the given network. Drop-in: use
// it anywhere an *http.Client is expected.
func NewHTTPClient(signer Signer, network string) *http.Client {
	return &http.Client{Transport: &Transport{Signer: signer, Network: network}}
}

func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	if t.Signer == nil {
		return nil, fmt.Errorf("payment: Signer is required")
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// RoundTrippers must not mutate the caller's request, and the
	// retry needs a replayable body. Clone, and buffer the body when
	// the request can't already replay it.
	first := request.Clone(request.Context())
	if request.Body != nil && request.GetBody == nil {
		data, err := io.ReadAll(request.Body)
		request.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("payment: buffering request body: %w", err)
		}
		first.Body = io.NopCloser(bytes.NewReader(data))
		first.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	response, err := base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusPaymentRequired {
		return response, nil
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxChallengeSize))
	response.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("payment: reading 402 challenge: %w", err)
	}

	var ch challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("payment: parsing 402 challenge: %w", err)
	}

	requirement, ok := selectRequirement(ch.Accepts, t.Network)
	if !ok {
		return nil, fmt.Errorf("payment: no %s-scheme requirement for network %q in 402 challenge", exactScheme, t.Network)
	}

	payload, err := t.Signer.SignTransfer(request.Context(), requirement)
	if err != nil {
		return nil, fmt.Errorf("payment: signing transfer: %w", err)
	}

	headerValue, err := encodePaymentHeader(ch.X402Version, requirement, payload)
	if err != nil {
		return nil, err
	}

	logger.Debug("settling 402 challenge",
		"network", requirement.Network,
		"asset", requirement.Asset,
		"pay_to", requirement.PayTo,
		"amount", requirement.MaxAmountRequired,
	)

	retry := request.Clone(request.Context())
	if first.GetBody != nil {
		retry.Body, err = first.GetBody()
		if err != nil {
			return nil, fmt.Errorf("payment: replaying request body: %w", err)
		}
		retry.GetBody = first.GetBody
	}
	retry.Header.Set(paymentHeader, headerValue)

	// One retry only. If the server still answers 402, that response
	// is the caller's to handle.
	return base.RoundTrip(retry)
}

// selectRequirement picks the first exact-scheme requirement on the
// given network.
func selectRequirement(accepts []Requirement, network string) (Requirement, bool) {
	for _, requirement := range accepts {
		if requirement.Scheme == exactScheme && requirement.Network == network {
			return requirement, true
		}
	}
	return Requirement{}, false
}

func encodePaymentHeader(version int, requirement Requirement, payload json.RawMessage) (string, error) {
	if version == 0 {
		version = 1
	}
	encoded, err := json.Marshal(envelope{
		X402Version: version,
		Scheme:      requirement.Scheme,
		Network:     requirement.Network,
		Payload:     payload,
	})
	if err != nil {
		return "", fmt.Errorf("payment: encoding payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}
