// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxLocalpartLength is the maximum allowed length for a localpart.
// Bounded so derived artifacts (tmux session names, FIFO paths under
// the state directory) stay comfortably below filesystem limits.
const maxLocalpartLength = 84

// allowedChars is the set of characters permitted in Matrix localparts
// (per the Matrix spec: a-z, 0-9, and the symbols . _ = - /).
var allowedChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedChars[c] = true
	}
	allowedChars['.'] = true
	allowedChars['_'] = true
	allowedChars['='] = true
	allowedChars['-'] = true
	allowedChars['/'] = true
}

// ValidateLocalpart checks that a string is usable as a Matrix localpart:
// non-empty, within the length limit, characters restricted to a-z, 0-9,
// ., _, =, -, /; no leading or trailing /; no empty segments; no ".."
// segments; no segments starting with ".".
func ValidateLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("localpart is empty")
	}
	if len(localpart) > maxLocalpartLength {
		return fmt.Errorf("localpart %q is %d characters, maximum is %d", localpart, len(localpart), maxLocalpartLength)
	}

	for i := 0; i < len(localpart); i++ {
		if !allowedChars[localpart[i]] {
			return fmt.Errorf("localpart: invalid character %q at position %d (allowed: a-z, 0-9, ., _, =, -, /)", localpart[i], i)
		}
	}

	if localpart[0] == '/' {
		return fmt.Errorf("localpart must not start with /")
	}
	if localpart[len(localpart)-1] == '/' {
		return fmt.Errorf("localpart must not end with /")
	}

	segments := strings.Split(localpart, "/")
	for _, segment := range segments {
		if segment == "" {
			return fmt.Errorf("localpart contains empty segment (double slash)")
		}
		if segment == ".." {
			return fmt.Errorf("localpart contains '..' segment (path traversal)")
		}
		if segment[0] == '.' {
			return fmt.Errorf("localpart segment %q starts with '.' (hidden file/directory)", segment)
		}
	}

	return nil
}

// validateServer checks that a Matrix server name is minimally valid:
// non-empty, no control characters, no Matrix sigils.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// MatrixUserID constructs a Matrix user ID (@localpart:server) from its
// parts. The localpart must already be validated; this is the standard
// way to derive a session identity or the control identity from
// configuration.
func MatrixUserID(localpart string, server ServerName) UserID {
	return UserID{id: "@" + localpart + ":" + server.name}
}

// MatrixRoomAlias constructs a Matrix room alias (#localpart:server)
// from its parts. The localpart must already be validated.
func MatrixRoomAlias(localpart string, server ServerName) RoomAlias {
	return newRoomAlias(localpart, server.name)
}

// ServerFromUserID extracts the Matrix server name from a user ID
// (@localpart:server). This is the standard way for CLI commands to
// determine the server name from a connected session.
func ServerFromUserID(userID string) (ServerName, error) {
	_, server, err := parseMatrixID(userID)
	if err != nil {
		return ServerName{}, err
	}
	return newServerName(server), nil
}

// parseMatrixID extracts localpart and server from @localpart:server.
func parseMatrixID(matrixID string) (localpart, server string, err error) {
	return parsePrefixedID(matrixID, '@', "Matrix user ID")
}

// parseRoomAlias extracts localpart and server from #localpart:server.
func parseRoomAlias(alias string) (localpart, server string, err error) {
	return parsePrefixedID(alias, '#', "room alias")
}

// parsePrefixedID extracts localpart and server from a Matrix identifier
// with the given sigil prefix (@ for user IDs, # for room aliases).
func parsePrefixedID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with %c", kind, identifier, sigil)
	}
	colonIndex := strings.Index(identifier[1:], ":")
	if colonIndex < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing :server", kind, identifier)
	}
	colonIndex++ // adjust for [1:] offset
	if colonIndex < 2 {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	localpart = identifier[1:colonIndex]
	server = identifier[colonIndex+1:]
	if server == "" {
		return "", "", fmt.Errorf("invalid %s %q: empty server", kind, identifier)
	}
	return localpart, server, nil
}
