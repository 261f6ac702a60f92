// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import "time"

// Identity is the resolved identity returned by the token exchange.
// Immutable until the next exchange replaces it.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Agency is one entry in the platform's agency directory.
type Agency struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsMember    bool   `json:"isMember"`
	MemberCount int    `json:"memberCount,omitempty"`
}

// MessageType tags an outbound message for UI rendering. The tags are
// hints only — this layer defaults the tag but does not enforce
// semantics beyond that.
type MessageType string

const (
	// MessageTypeMessage is the default tag for ordinary chat text.
	MessageTypeMessage MessageType = "message"
	// MessageTypeAction marks a message describing an action the agent
	// is performing.
	MessageTypeAction MessageType = "action"
	// MessageTypeStatus marks a progress or liveness update.
	MessageTypeStatus MessageType = "status"
	// MessageTypeTool marks output produced by a tool invocation.
	MessageTypeTool MessageType = "tool"
)

// Message is one record from the message-history endpoint.
type Message struct {
	Content           string      `json:"content"`
	SenderUsername    string      `json:"sender_username"`
	SenderDisplayName string      `json:"sender_display_name"`
	Type              MessageType `json:"type"`
	CreatedAt         time.Time   `json:"created_at"`
}

// HistoryOptions configures a RecentMessages call.
type HistoryOptions struct {
	// Limit caps the number of returned messages. Zero means the
	// default (50); values above 100 are clamped to 100 before the
	// request is issued.
	Limit int
	// Before is an opaque pagination cursor from a previous page.
	Before string
	// Mentions filters server-side to messages mentioning the given
	// username (substring match, per the platform convention).
	Mentions string
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// SendOptions configures an outbound message.
type SendOptions struct {
	// Type tags the message for UI rendering. Empty means
	// MessageTypeMessage.
	Type MessageType
	// Metadata is a free-form blob passed through to the platform
	// opaquely.
	Metadata map[string]any
}

// JoinResult is the server's acknowledgment of a successful join.
type JoinResult struct {
	// AgencyID is the resolved agency ID (the slug used to join may
	// differ).
	AgencyID string `json:"agencyId"`
	// Members is the agency's member list at join time.
	Members []string `json:"members"`
}

// Command is a custom command registered for the agent.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Usage       string `json:"usage,omitempty"`
}

// authResponse is the token-exchange response body.
type authResponse struct {
	Token string   `json:"token"`
	Agent Identity `json:"agent"`
}
