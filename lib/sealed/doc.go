// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption and decryption for Switchboard
// credentials. It wraps filippo.io/age for the specific operations the
// bridge needs: generate x25519 keypairs, encrypt to recipients, and
// decrypt with a private key.
//
// Ciphertext is base64-encoded for storage in session store columns.
// Callers pass plaintext []byte to [Encrypt] and receive a base64
// string; [Decrypt] accepts a base64 string and returns plaintext.
// Private keys and decrypted plaintext are returned as [secret.Buffer]
// values backed by mmap memory outside the Go heap (locked against
// swap, excluded from core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair in a secret.Buffer
//   - [Encrypt] / [EncryptJSON] -- encrypt to age public key recipients
//   - [Decrypt] / [DecryptJSON] -- decrypt with a secret.Buffer key
//   - [ParsePublicKey] / [ParsePrivateKey] -- key validation
//
// Used by switchboard-setup (generate the bridge keypair) and the
// lifecycle manager (seal session identity credentials before they are
// persisted, unseal them on re-bind).
//
// Depends on lib/secret for secure memory allocation.
package sealed
