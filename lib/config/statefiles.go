// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import "path/filepath"

// Well-known files inside the state directory. switchboard-setup
// writes them; the daemon and recovery tool read them.

// ControlCredentialsPath is where the control identity's Matrix
// session is stored.
func (c *Config) ControlCredentialsPath() string {
	return filepath.Join(c.Paths.State, "control.json")
}

// AdminCredentialsPath is where the homeserver admin session is
// stored. The admin account deactivates session identities.
func (c *Config) AdminCredentialsPath() string {
	return filepath.Join(c.Paths.State, "admin.json")
}

// RegistrationTokenPath is where the homeserver registration token is
// stored. The daemon uses it to register new session identities.
func (c *Config) RegistrationTokenPath() string {
	return filepath.Join(c.Paths.State, "registration-token")
}

// SealingKeyPath is the age private key that unseals stored session
// credentials.
func (c *Config) SealingKeyPath() string {
	return filepath.Join(c.Paths.State, "sealing.key")
}

// SealingPublicKeyPath is the age recipient that seals session
// credentials.
func (c *Config) SealingPublicKeyPath() string {
	return filepath.Join(c.Paths.State, "sealing.pub")
}

// ControlRoomPath records the room ID of the operator's control DM
// room, so daemon restarts reuse the same conversation.
func (c *Config) ControlRoomPath() string {
	return filepath.Join(c.Paths.State, "control-room")
}
