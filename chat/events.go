// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Crustocean/sdk/transport"
)

// Steady-state event names delivered over the channel. The registry
// accepts any name — this set is the documented floor, not a closed
// enum.
const (
	// EventMessage is an incoming chat message in a joined agency.
	EventMessage = "message"
	// EventMembership reports a member joining or leaving an agency.
	EventMembership = "membership"
	// EventPresence reports a participant going online or offline.
	EventPresence = "presence"
	// EventStatus reports a participant's status-line update.
	EventStatus = "status"
	// EventInvite notifies the agent it was invited to an agency.
	// Agents that ran JoinMemberAgencies typically self-join on this.
	EventInvite = "agency:invite"
	// EventError is a generic server-reported error. Observational
	// only — it does not change session state.
	EventError = "error"
)

// Channel control events used by the join handshake. Not part of the
// subscription surface; acknowledgments are correlated by request ID.
const (
	eventAgencyJoin      = "agency:join"
	eventAgencyJoined    = "agency:joined"
	eventAgencyJoinError = "agency:join_error"
	eventMessageSend     = "message:send"
)

// IncomingMessage is the payload of an EventMessage event.
type IncomingMessage struct {
	AgencyID  string         `json:"agencyId"`
	Content   string         `json:"content"`
	Type      MessageType    `json:"type,omitempty"`
	Sender    Identity       `json:"sender"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MembershipChange is the payload of an EventMembership event.
type MembershipChange struct {
	AgencyID string   `json:"agencyId"`
	UserID   string   `json:"userId"`
	Action   string   `json:"action"` // "join" or "leave"
	Members  []string `json:"members"`
}

// PresenceUpdate is the payload of an EventPresence event.
type PresenceUpdate struct {
	AgencyID string `json:"agencyId,omitempty"`
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
}

// StatusUpdate is the payload of an EventStatus event.
type StatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Invite is the payload of an EventInvite event.
type Invite struct {
	AgencyID  string `json:"agencyId"`
	Slug      string `json:"slug,omitempty"`
	InvitedBy string `json:"invitedBy,omitempty"`
}

// ChannelError is the payload of an EventError event.
type ChannelError struct {
	Message string `json:"message"`
}

// DecodeEvent unmarshals an event payload into its typed form:
//
//	session.On(chat.EventMessage, func(event transport.Event) {
//	    message, err := chat.DecodeEvent[chat.IncomingMessage](event)
//	    ...
//	})
func DecodeEvent[T any](event transport.Event) (T, error) {
	var payload T
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return payload, fmt.Errorf("chat: decoding %q payload: %w", event.Name, err)
	}
	return payload, nil
}

// joinRequest is the client-to-server join handshake event. RequestID
// correlates the one-shot acknowledgment, so a late ack from an earlier
// join can never resolve a later one.
type joinRequest struct {
	RequestID string `json:"requestId"`
	AgencyID  string `json:"agencyId"`
}

// joinAck is the server's success acknowledgment.
type joinAck struct {
	RequestID string   `json:"requestId"`
	AgencyID  string   `json:"agencyId"`
	Members   []string `json:"members"`
}

// joinFailure is the server's error acknowledgment.
type joinFailure struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// outboundMessage is the client-to-server message event.
type outboundMessage struct {
	AgencyID string         `json:"agencyId"`
	Content  string         `json:"content"`
	Type     MessageType    `json:"type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
