// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the realtime channel between an agent
// and the Crustocean gateway.
//
// A [Channel] is one live bidirectional connection: [Channel.Emit]
// sends named JSON events to the gateway, [Channel.Events] streams
// server events back in delivery order. Channels never reconnect —
// when the connection drops, the event stream closes and
// [Channel.Err] reports why. Retry policy belongs to the caller.
//
// [Dial] tries transports in fixed preference order: a websocket
// connection to the gateway's /socket endpoint first, then an HTTP
// long-polling session as the fallback route. Both speak the same
// frame shape ({"event": ..., "data": ...}) and authenticate with the
// short-lived session token obtained from the token-exchange endpoint.
// If no route connects, Dial returns a [*DialError] carrying every
// route's failure.
package transport
