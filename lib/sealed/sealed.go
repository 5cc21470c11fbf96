// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/collabify/lib/secret"
)

// DefaultWorkFactor is the scrypt work factor age uses by default.
// Each step doubles the cost of both sealing and opening.
const DefaultWorkFactor = 18

// EncryptPassphrase seals plaintext to passphrase. A workFactor of
// zero selects DefaultWorkFactor. The passphrase is borrowed and not
// closed.
func EncryptPassphrase(plaintext []byte, passphrase *secret.Buffer, workFactor int) ([]byte, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, errors.New("passphrase is required")
	}
	recipient, err := age.NewScryptRecipient(string(passphrase.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("creating passphrase recipient: %w", err)
	}
	if workFactor == 0 {
		workFactor = DefaultWorkFactor
	}
	recipient.SetWorkFactor(workFactor)
	return seal(plaintext, recipient)
}

// EncryptRecipients seals plaintext to every recipient, each an age
// public key in age1... form.
func EncryptRecipients(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return seal(plaintext, recipients...)
}

func seal(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	var out bytes.Buffer
	armored := armor.NewWriter(&out)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return out.Bytes(), nil
}

// DecryptPassphrase opens ciphertext sealed with EncryptPassphrase.
// The caller must Close the returned buffer, which is nil when the
// sealed document was empty.
func DecryptPassphrase(ciphertext []byte, passphrase *secret.Buffer) (*secret.Buffer, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, errors.New("passphrase is required")
	}
	identity, err := age.NewScryptIdentity(string(passphrase.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("creating passphrase identity: %w", err)
	}
	return open(ciphertext, identity)
}

// DecryptIdentity opens ciphertext sealed to the public half of
// identity, an AGE-SECRET-KEY-1... string. The caller must Close the
// returned buffer.
func DecryptIdentity(ciphertext []byte, identity *secret.Buffer) (*secret.Buffer, error) {
	parsed, err := age.ParseX25519Identity(string(identity.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return open(ciphertext, parsed)
}

// IsArmored reports whether data starts like an armored age file.
func IsArmored(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte(armor.Header))
}

func open(ciphertext []byte, identity age.Identity) (*secret.Buffer, error) {
	var source io.Reader = bytes.NewReader(ciphertext)
	if IsArmored(ciphertext) {
		source = armor.NewReader(source)
	}
	reader, err := age.Decrypt(source, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, nil
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		clear(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}
