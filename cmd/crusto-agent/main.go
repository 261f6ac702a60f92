// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

// crusto-agent is a minimal Crustocean agent: it authenticates with an
// agent API key, joins one agency, and echoes every message it sees.
// It exists to demonstrate the SDK's startup path (ConnectAndJoin),
// event subscription, and invite-driven self-joining.
//
// Credentials come from --api-key or from a key=value credential file
// containing CRUSTOCEAN_API_URL and CRUSTOCEAN_API_KEY.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/Crustocean/sdk/chat"
	"github.com/Crustocean/sdk/transport"
)

func main() {
	apiURL := pflag.String("api-url", "https://crustocean.xyz", "platform base URL")
	credentialFile := pflag.String("credential-file", "", "key=value file with CRUSTOCEAN_API_URL and CRUSTOCEAN_API_KEY")
	apiKey := pflag.String("api-key", "", "agent API key (overrides the credential file)")
	agency := pflag.String("agency", chat.DefaultAgency, "agency ID or slug to join")
	pflag.Parse()

	if err := run(*apiURL, *credentialFile, *apiKey, *agency); err != nil {
		fmt.Fprintf(os.Stderr, "crusto-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(apiURL, credentialFile, apiKey, agency string) error {
	if credentialFile != "" {
		values, err := godotenv.Read(credentialFile)
		if err != nil {
			return fmt.Errorf("reading credential file: %w", err)
		}
		if apiKey == "" {
			apiKey = values["CRUSTOCEAN_API_KEY"]
		}
		if fileURL := values["CRUSTOCEAN_API_URL"]; fileURL != "" {
			apiURL = fileURL
		}
	}
	if apiKey == "" {
		return fmt.Errorf("an API key is required (--api-key or --credential-file)")
	}

	client, err := chat.NewClient(chat.ClientConfig{APIURL: apiURL})
	if err != nil {
		return err
	}
	session := client.AgentSession(apiKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.On(chat.EventMessage, func(event transport.Event) {
		message, err := chat.DecodeEvent[chat.IncomingMessage](event)
		if err != nil {
			slog.Warn("undecodable message event", "error", err)
			return
		}
		// Never echo our own messages back.
		if identity := session.Identity(); identity != nil && message.Sender.ID == identity.ID {
			return
		}
		reply := fmt.Sprintf("%s said: %s", message.Sender.Username, message.Content)
		if err := session.Send(ctx, reply, chat.SendOptions{}); err != nil {
			slog.Warn("reply failed", "error", err)
		}
	})

	session.On(chat.EventInvite, func(event transport.Event) {
		invite, err := chat.DecodeEvent[chat.Invite](event)
		if err != nil {
			return
		}
		if _, err := session.Join(ctx, invite.AgencyID); err != nil {
			slog.Warn("self-join after invite failed", "agency_id", invite.AgencyID, "error", err)
		} else {
			slog.Info("joined agency after invite", "agency_id", invite.AgencyID)
		}
	})

	result, err := session.ConnectAndJoin(ctx, agency)
	if err != nil {
		return err
	}
	slog.Info("agent online",
		"agency_id", result.AgencyID,
		"members", len(result.Members),
	)

	<-ctx.Done()
	return session.Disconnect()
}
