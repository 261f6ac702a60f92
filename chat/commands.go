// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Commands lists the custom commands registered for this agent.
func (s *Session) Commands(ctx context.Context) ([]Command, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/api/commands", token, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: listing commands: %w", err)
	}

	var commands []Command
	if err := json.Unmarshal(body, &commands); err != nil {
		return nil, fmt.Errorf("chat: parsing commands response: %w", err)
	}
	return commands, nil
}

// CreateCommand registers a custom command for this agent. The
// platform rejects duplicate names.
func (s *Session) CreateCommand(ctx context.Context, command Command) error {
	if command.Name == "" {
		return &PreconditionError{Op: "create command", Reason: "command name is required"}
	}
	token, err := s.ensureToken(ctx)
	if err != nil {
		return err
	}

	if _, err := s.client.doRequest(ctx, http.MethodPost, "/api/commands", token, command); err != nil {
		return fmt.Errorf("chat: creating command %q: %w", command.Name, err)
	}
	return nil
}

// DeleteCommand removes a custom command by name.
func (s *Session) DeleteCommand(ctx context.Context, name string) error {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return err
	}

	path := "/api/commands/" + url.PathEscape(name)
	if _, err := s.client.doRequest(ctx, http.MethodDelete, path, token, nil); err != nil {
		return fmt.Errorf("chat: deleting command %q: %w", name, err)
	}
	return nil
}
