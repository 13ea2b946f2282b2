// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for key material exchanged
// between nodes. When a connection request travels through an
// introduction, the sender seals the temporary key and half-key to the
// recipient's published node key so the payload survives transit and
// storage on the recipient's side without exposing plaintext.
//
// Ciphertext is base64-encoded for storage in request record fields.
// The base64 encoding is handled internally: callers pass plaintext
// []byte in and get base64 strings out, and vice versa for decryption.
//
// Private keys and decrypted plaintext are returned as *secret.Buffer
// values, backed by mmap memory outside the Go heap (locked against
// swap, excluded from core dumps, zeroed on close).
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/kinship-foundation/kinship/lib/secret"
)

// Keypair holds an age x25519 keypair. The private key lives in a
// secret.Buffer; the public key is a plain string, safe to publish in
// the node's discovery document.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the secret key in AGE-SECRET-KEY-1... format,
	// stored in mmap memory outside the Go heap. Must never be
	// logged or written to disk in plaintext.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding public key in age1... format.
	PublicKey string
}

// Close releases the private key memory (zeros, unlocks, unmaps).
// Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair with the private
// key in a secret.Buffer. The caller must call Close on the returned
// Keypair when done.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// Move the private key string into mmap-backed memory immediately.
	privateKeyBytes := []byte(identity.String())
	privateKey, err := secret.FromBytes(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	// privateKeyBytes is zeroed by FromBytes. The string returned by
	// identity.String() is on the heap and will be GC'd; the mmap
	// buffer is the durable copy.

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// LoadKeypair derives the public key from an existing private key,
// such as one read from the node's key file. The buffer is borrowed:
// the returned Keypair shares it, and closing either closes both.
func LoadKeypair(privateKey *secret.Buffer) (*Keypair, error) {
	identity, err := age.ParseX25519Identity(string(privateKey.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Encrypt encrypts plaintext to one or more recipients specified by
// their age public key strings (age1... format). Returns the
// ciphertext as a standard base64-encoded string.
func Encrypt(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertextBuffer bytes.Buffer
	writer, err := age.Encrypt(&ciphertextBuffer, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertextBuffer.Bytes()), nil
}

// Decrypt decrypts a base64-encoded ciphertext string using the given
// private key. Returns the plaintext in a secret.Buffer. The private
// key is borrowed and NOT closed by this function.
//
// The caller must call Close on the returned buffer when the plaintext
// is no longer needed.
func Decrypt(ciphertext string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	// age.ParseX25519Identity requires a string. The heap copy is
	// brief and request-scoped.
	identity, err := age.ParseX25519Identity(string(privateKey.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("decrypted payload is empty")
	}

	// FromBytes zeros the heap copy.
	buffer, err := secret.FromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// ParsePublicKey validates an age public key string. Useful for
// checking keys received from a remote node's discovery document
// before sealing to them.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// ParsePrivateKey validates an age private key stored in a
// secret.Buffer.
func ParsePrivateKey(privateKey *secret.Buffer) error {
	if _, err := age.ParseX25519Identity(string(privateKey.Bytes())); err != nil {
		return fmt.Errorf("invalid age private key: %w", err)
	}
	return nil
}
