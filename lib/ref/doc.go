// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// values: user IDs, room IDs, room aliases, event IDs, and server
// names. Identifiers arrive from configuration, CLI flags, and Matrix
// API responses; they are validated once at the boundary and passed
// through the rest of the system as typed values.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable. The zero value of
// every ref type is invalid; use IsZero to check.
//
// The canonical serialization form is the full Matrix identifier
// (@localpart:server for users, !opaque:server for rooms,
// #localpart:server for aliases, $opaque for events). JSON marshaling
// uses this canonical form via encoding.TextMarshaler.
package ref
