// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

// Package payment wraps HTTP access to 402-gated APIs.
//
// Paid endpoints answer unauthenticated requests with HTTP 402 and a
// challenge listing acceptable payments. [Transport] settles the
// challenge out of band — it asks the injected [Signer] for a signed
// stablecoin-transfer authorization matching the first exact-scheme
// requirement on its configured network, attaches the base64 JSON
// envelope as the X-Payment header, and retries the original request
// exactly once. Callers see only the final response; the payment
// exchange is invisible.
//
// The package never signs anything itself: the Signer is an external
// capability holding the on-chain credential. There is no retry loop —
// a second 402 is returned to the caller as-is.
package payment
