// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bureau-foundation/switchboard/lib/ref"
)

// credentialFile is the on-disk JSON shape for a stored Matrix
// session, written by switchboard-setup and read on daemon startup.
type credentialFile struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// WriteCredentialsFile persists credentials as JSON with mode 0600.
// The file holds a live access token; it must stay operator-readable
// only.
func WriteCredentialsFile(path string, credentials Credentials) error {
	data, err := json.MarshalIndent(credentialFile{
		UserID:      credentials.UserID.String(),
		AccessToken: credentials.AccessToken,
		DeviceID:    credentials.DeviceID,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials file: encode: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("credentials file: %w", err)
	}
	return nil
}

// ReadCredentialsFile loads credentials written by
// WriteCredentialsFile.
func ReadCredentialsFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials file: %w", err)
	}
	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Credentials{}, fmt.Errorf("credentials file %s: parse: %w", path, err)
	}
	if file.AccessToken == "" {
		return Credentials{}, fmt.Errorf("credentials file %s: empty access token", path)
	}
	userID, err := ref.ParseUserID(file.UserID)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials file %s: %w", path, err)
	}
	return Credentials{
		UserID:      userID,
		AccessToken: file.AccessToken,
		DeviceID:    file.DeviceID,
	}, nil
}
