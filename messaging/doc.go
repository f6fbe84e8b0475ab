// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API for the bridge's
// communication needs. The protocol itself is never implemented here —
// only consumed over HTTP against a homeserver.
//
// The package provides three core types. [Client] is an unauthenticated
// Matrix client that handles registration (token-authenticated via the
// MSC3231 UIAA flow) and login, returning authenticated [DirectSession]
// values. Client holds the homeserver URL and HTTP transport, shared
// across all sessions derived from it.
//
// [DirectSession] wraps a Client with an access token for authenticated
// operations: room management (create, join, leave, invite), messaging
// with idempotent transaction IDs, incremental sync with long-polling,
// and identity verification (WhoAmI). Sessions are lightweight (a pointer
// to the parent Client plus an access token in mmap-backed secret.Buffer
// memory) and safe to create in large numbers — the daemon holds one per
// active bridge session. The access token is locked against swap and
// excluded from core dumps; callers must call Close to release the
// protected memory.
//
// [Registrar] is the identity lifecycle surface: it mints and destroys
// the per-session Matrix accounts and creates each account's DM room
// with the operator. Every Registrar call carries a bounded timeout.
//
// Errors split along an axis that matters for recovery. Operations the
// homeserver rejected come back as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_USER_IN_USE, ...) and HTTP status —
// retrying these is pointless. Transport-level failures (connection
// refused, timeout, DNS) come back wrapped in [*UnreachableError] and
// are worth retrying; test with [Unreachable]. Request URLs are built by
// string concatenation rather than url.URL to avoid double-encoding of
// path segments that contain URL-encoded characters.
package messaging
