// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import "fmt"

// APIError is a structured non-success response from the platform's
// REST API. Callers can use errors.As to extract it:
//
//	var apiErr *chat.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.StatusCode == http.StatusForbidden { ... }
//	}
type APIError struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int
	// Message is the server-supplied error string, when the response
	// body carried one. Empty when the body was missing or unparseable.
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("crustocean: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("crustocean: request failed with status %d", e.StatusCode)
}

// AuthError reports that the platform rejected the agent's credential
// during token exchange — typically an invalid API key or an agent not
// yet verified by its owner.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return "auth failed: " + e.Message
	}
	return fmt.Sprintf("auth failed: %d", e.StatusCode)
}

// NotFoundError reports that an agency identifier matched no directory
// entry, by ID or by slug.
type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agency not found: %q", e.Identifier)
}

// PreconditionError reports an operation invoked before the session
// reached the state it requires (e.g., sending before joining an
// agency). The operation fails before any network effect.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}
