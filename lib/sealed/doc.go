// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts exported session documents with age. A
// document is sealed either to a passphrase, normally the session
// secret, or to one or more age x25519 recipients. Output is ASCII
// armored so sealed exports can be pasted into mail or chat.
//
// Passphrases, identities and decrypted plaintext are passed as
// [secret.Buffer] values backed by mmap memory outside the Go heap.
//
//   - [EncryptPassphrase] / [DecryptPassphrase] -- scrypt passphrase
//   - [EncryptRecipients] / [DecryptIdentity] -- x25519 recipients
//   - [IsArmored] -- detect an armored age file
package sealed
