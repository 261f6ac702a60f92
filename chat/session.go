// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Crustocean/sdk/transport"
)

// Session is one agent's connection to the platform: one long-lived
// API key, at most one live channel, at most one joined agency.
//
// Sessions are created with Client.AgentSession and carry no state
// until Connect. Registered event listeners persist across
// disconnects — each successful channel open re-binds the full
// registry to the new channel.
//
// All methods are safe for concurrent use. Join calls are serialized:
// a second Join blocks until the first settles, so two joins can never
// race for the current agency or observe each other's acknowledgment.
type Session struct {
	client *Client
	apiKey string

	registry *listenerRegistry

	// dial is the channel constructor, a seam for tests. Defaults to
	// transport.Dial.
	dial func(context.Context, transport.Config) (transport.Channel, error)

	// joinMu serializes Join (and the join step of ConnectAndJoin).
	joinMu sync.Mutex

	mu            sync.Mutex // guards the fields below
	token         string
	identity      *Identity
	channel       transport.Channel
	currentAgency string
	waiters       map[string]chan joinReply
}

// joinReply is the routed acknowledgment for one join request.
type joinReply struct {
	result    *JoinResult
	failed    bool
	serverMsg string
}

// Connect exchanges the agent's API key for a short-lived session
// token and the agent's identity. Calling it again re-authenticates,
// replacing the stored token and identity. Rejection returns a
// *AuthError carrying the server's message (or the status code when
// the body had none).
func (s *Session) Connect(ctx context.Context) error {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/api/agent/auth", "",
		map[string]string{"apiKey": s.apiKey})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &AuthError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return fmt.Errorf("chat: token exchange failed: %w", err)
	}

	var response authResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("chat: parsing auth response: %w", err)
	}

	s.mu.Lock()
	s.token = response.Token
	identity := response.Agent
	s.identity = &identity
	s.mu.Unlock()

	s.client.logger.Info("authenticated agent",
		"agent_id", response.Agent.ID,
		"username", response.Agent.Username,
	)
	return nil
}

// ConnectSocket opens the realtime channel, authenticating the
// handshake with the session token (running Connect first if the
// session has none). On success the listener registry is bound to the
// new channel: every handler registered so far — including before the
// first connect — receives subsequent events.
//
// A previously open channel is closed and replaced; the session holds
// at most one channel at a time.
func (s *Session) ConnectSocket(ctx context.Context) error {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return err
	}

	channel, err := s.dial(ctx, transport.Config{
		APIURL:     s.client.baseURL,
		Token:      token,
		HTTPClient: s.client.httpClient,
		Logger:     s.client.logger,
	})
	if err != nil {
		return fmt.Errorf("chat: channel connect failed: %w", err)
	}

	s.attach(channel)
	return nil
}

// attach binds the registry to a freshly opened channel and starts its
// dispatch loop. Called exactly once per successful channel open.
func (s *Session) attach(channel transport.Channel) {
	s.mu.Lock()
	previous := s.channel
	s.channel = channel
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	go s.pump(channel)
}

// pump delivers the channel's events to the join waiters and the
// listener registry, in delivery order, until the channel closes.
// Events buffered at detach time (Disconnect or channel replacement)
// are drained but not delivered.
func (s *Session) pump(channel transport.Channel) {
	for event := range channel.Events() {
		s.mu.Lock()
		attached := s.channel == channel
		s.mu.Unlock()
		if !attached {
			continue
		}
		s.route(event)
		s.registry.dispatch(event)
	}
	if err := channel.Err(); err != nil {
		s.client.logger.Warn("channel closed", "error", err)
	}
}

// route resolves join acknowledgments against their pending request.
// Acks for unknown request IDs (e.g., from an earlier join that
// already timed out) are dropped here and still fan out to the
// registry like any other event.
func (s *Session) route(event transport.Event) {
	switch event.Name {
	case eventAgencyJoined:
		var ack joinAck
		if err := json.Unmarshal(event.Payload, &ack); err != nil {
			s.client.logger.Debug("discarding malformed join ack", "error", err)
			return
		}
		s.resolveJoin(ack.RequestID, joinReply{
			result: &JoinResult{AgencyID: ack.AgencyID, Members: ack.Members},
		})
	case eventAgencyJoinError:
		var failure joinFailure
		if err := json.Unmarshal(event.Payload, &failure); err != nil {
			s.client.logger.Debug("discarding malformed join error", "error", err)
			return
		}
		s.resolveJoin(failure.RequestID, joinReply{failed: true, serverMsg: failure.Error})
	}
}

func (s *Session) resolveJoin(requestID string, reply joinReply) {
	s.mu.Lock()
	waiter, ok := s.waiters[requestID]
	if ok {
		delete(s.waiters, requestID)
	}
	s.mu.Unlock()
	if ok {
		waiter <- reply
	}
}

// Join resolves idOrSlug against the agency directory (exact match on
// ID or slug, first match wins), then performs the join handshake over
// the channel, connecting it first if needed. On success the agency
// becomes the session's current agency. A miss in the directory
// returns a *NotFoundError before any channel event is sent.
//
// The handshake is one-shot: the join request carries a unique request
// ID and only the acknowledgment bearing that ID settles this call, so
// interleaved joins and errors from other attempts cannot leak in.
func (s *Session) Join(ctx context.Context, idOrSlug string) (*JoinResult, error) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	return s.join(ctx, idOrSlug)
}

// join is Join without the serialization lock, for callers that
// already hold it.
func (s *Session) join(ctx context.Context, idOrSlug string) (*JoinResult, error) {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()

	if channel == nil {
		if err := s.ConnectSocket(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		channel = s.channel
		s.mu.Unlock()
		// A concurrent Disconnect can clear the channel between the
		// attach step and this read.
		if channel == nil {
			return nil, &PreconditionError{Op: "join", Reason: "channel not connected"}
		}
	}

	agencies, err := s.Agencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: resolving agency %q: %w", idOrSlug, err)
	}
	var agencyID string
	for _, agency := range agencies {
		if agency.ID == idOrSlug || agency.Slug == idOrSlug {
			agencyID = agency.ID
			break
		}
	}
	if agencyID == "" {
		return nil, &NotFoundError{Identifier: idOrSlug}
	}

	requestID := uuid.NewString()
	waiter := make(chan joinReply, 1)
	s.mu.Lock()
	s.waiters[requestID] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, requestID)
		s.mu.Unlock()
	}()

	if err := channel.Emit(ctx, eventAgencyJoin, joinRequest{RequestID: requestID, AgencyID: agencyID}); err != nil {
		return nil, fmt.Errorf("chat: sending join request for %q: %w", idOrSlug, err)
	}

	select {
	case reply := <-waiter:
		if reply.failed {
			if reply.serverMsg != "" {
				return nil, fmt.Errorf("chat: join %q failed: %s", idOrSlug, reply.serverMsg)
			}
			return nil, fmt.Errorf("chat: join %q failed", idOrSlug)
		}
		s.mu.Lock()
		s.currentAgency = reply.result.AgencyID
		s.mu.Unlock()
		s.client.logger.Info("joined agency",
			"agency_id", reply.result.AgencyID,
			"members", len(reply.result.Members),
		)
		return reply.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("chat: waiting for join ack for %q: %w", idOrSlug, ctx.Err())
	}
}

// JoinMemberAgencies fetches the directory and joins every agency the
// agent is already a member of, strictly in directory order — agency
// N+1 is not attempted until agency N settles. Per-agency failures are
// logged as warnings and skipped; the returned slice holds the
// identifiers that joined successfully. Designed for agents that then
// subscribe to EventInvite and self-join new agencies in real time.
func (s *Session) JoinMemberAgencies(ctx context.Context) ([]string, error) {
	agencies, err := s.Agencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: listing member agencies: %w", err)
	}

	var joined []string
	for _, agency := range agencies {
		if !agency.IsMember {
			continue
		}
		identifier := agency.Slug
		if identifier == "" {
			identifier = agency.ID
		}
		if _, err := s.Join(ctx, identifier); err != nil {
			s.client.logger.Warn("joining member agency failed",
				"agency", identifier,
				"error", err,
			)
			continue
		}
		joined = append(joined, identifier)
	}
	return joined, nil
}

// Send emits one message to the current agency. Requires an open
// channel and a joined agency; otherwise it fails with a
// *PreconditionError before any network effect. Content is
// whitespace-trimmed; an empty options.Type defaults to
// MessageTypeMessage. Fire-and-forget — no delivery acknowledgment.
func (s *Session) Send(ctx context.Context, content string, options SendOptions) error {
	s.mu.Lock()
	channel := s.channel
	agencyID := s.currentAgency
	s.mu.Unlock()

	if channel == nil {
		return &PreconditionError{Op: "send", Reason: "channel not connected"}
	}
	if agencyID == "" {
		return &PreconditionError{Op: "send", Reason: "no agency joined"}
	}

	messageType := options.Type
	if messageType == "" {
		messageType = MessageTypeMessage
	}

	err := channel.Emit(ctx, eventMessageSend, outboundMessage{
		AgencyID: agencyID,
		Content:  strings.TrimSpace(content),
		Type:     messageType,
		Metadata: options.Metadata,
	})
	if err != nil {
		return fmt.Errorf("chat: sending message: %w", err)
	}
	return nil
}

// On registers a handler for an event name. The name set is open — any
// string the platform emits can be subscribed. The handler is recorded
// in the registry (so it survives reconnects) and fires for matching
// events on the currently attached channel, in registration order.
func (s *Session) On(event string, handler EventHandler) {
	s.registry.add(event, handler)
}

// Off removes the first matching registration of handler for the event
// name, if any. Other registrations of the same handler stay active.
func (s *Session) Off(event string, handler EventHandler) {
	s.registry.remove(event, handler)
}

// Agencies lists the agency directory, authenticating first if the
// session has no token yet.
func (s *Session) Agencies(ctx context.Context) ([]Agency, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/api/agencies", token, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: listing agencies: %w", err)
	}

	var agencies []Agency
	if err := json.Unmarshal(body, &agencies); err != nil {
		return nil, fmt.Errorf("chat: parsing agencies response: %w", err)
	}
	return agencies, nil
}

// RecentMessages fetches message history for the current agency,
// newest page first. Requires a joined agency. The limit defaults to
// 50 and is clamped to 100 before the request is issued.
func (s *Session) RecentMessages(ctx context.Context, options HistoryOptions) ([]Message, error) {
	s.mu.Lock()
	token := s.token
	agencyID := s.currentAgency
	s.mu.Unlock()

	if agencyID == "" {
		return nil, &PreconditionError{Op: "history", Reason: "no agency joined"}
	}

	limit := options.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if options.Before != "" {
		query.Set("before", options.Before)
	}
	if options.Mentions != "" {
		query.Set("mentions", options.Mentions)
	}

	path := "/api/agencies/" + url.PathEscape(agencyID) + "/messages"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, token, nil, query)
	if err != nil {
		return nil, fmt.Errorf("chat: fetching messages for %q: %w", agencyID, err)
	}

	var messages []Message
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("chat: parsing messages response: %w", err)
	}
	return messages, nil
}

// Disconnect closes the channel if one is open and clears the current
// agency. Event delivery to handlers stops immediately: events still
// buffered in the channel's stream are dropped, and any in-flight Join
// waiting for its acknowledgment is failed. The listener registry and
// the session token are kept, so a later ConnectSocket reattaches
// every handler and skips the token exchange.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	channel := s.channel
	s.channel = nil
	s.currentAgency = ""
	for requestID, waiter := range s.waiters {
		delete(s.waiters, requestID)
		waiter <- joinReply{failed: true, serverMsg: "channel disconnected"}
	}
	s.mu.Unlock()

	if channel != nil {
		return channel.Close()
	}
	return nil
}

// ConnectAndJoin is the composed startup path: Connect, ConnectSocket
// (which binds all previously registered listeners to the new
// channel), then Join. An empty idOrSlug joins DefaultAgency.
func (s *Session) ConnectAndJoin(ctx context.Context, idOrSlug string) (*JoinResult, error) {
	if idOrSlug == "" {
		idOrSlug = DefaultAgency
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.ConnectSocket(ctx); err != nil {
		return nil, err
	}
	return s.Join(ctx, idOrSlug)
}

// ensureToken returns the session token, running the token exchange
// first when the session has none.
func (s *Session) ensureToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := s.Connect(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

// Identity returns the identity from the last successful Connect, or
// nil before the first.
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	identity := *s.identity
	return &identity
}

// Token returns the current session token, empty before the first
// Connect.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// CurrentAgency returns the joined agency's ID, empty when none is
// joined.
func (s *Session) CurrentAgency() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAgency
}

// Connected reports whether a channel is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}
