// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package keywrap implements the symmetric wrapping used throughout
// the grant hierarchy: the per-connection keystore key is wrapped
// under the node master key, each drive key inside a grant is wrapped
// under the keystore key, and the remote party's client access token
// is wrapped under the connection key.
//
// Only the wrapped form ever persists. Plaintext keys exist solely as
// secret.Buffer values scoped to the smallest enclosing call;
// WithUnwrapped is the standard access path and guarantees the
// plaintext is wiped on every exit, including error and panic paths.
package keywrap

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kinship-foundation/kinship/lib/secret"
)

// KeySize is the size in bytes of every key-encryption key in the
// system: the master key, keystore keys, and drive keys.
const KeySize = 32

// wrapVersion is prepended to every wrapped blob and bound into the
// AEAD as additional authenticated data, so tampering with it fails
// authentication.
const wrapVersion byte = 0x01

// WrappedKey is AEAD ciphertext plus its random nonce. The zero value
// means "no key present" (IsZero). Stored as a CBOR blob inside grant
// records.
type WrappedKey struct {
	Version    byte   `cbor:"v"`
	Nonce      []byte `cbor:"n"`
	Ciphertext []byte `cbor:"c"`
}

// IsZero reports whether w holds no wrapped material.
func (w WrappedKey) IsZero() bool {
	return len(w.Ciphertext) == 0
}

// NewKey generates a fresh random 32-byte key in a protected buffer.
// The caller must Close it.
func NewKey() (*secret.Buffer, error) {
	buffer, err := secret.New(KeySize)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, buffer.Bytes()); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("keywrap: generating key: %w", err)
	}
	return buffer, nil
}

// Wrap encrypts plaintext under kek using XChaCha20-Poly1305 with a
// random nonce. The plaintext buffer is borrowed, not closed. The kek
// must be exactly KeySize bytes.
func Wrap(plaintext *secret.Buffer, kek *secret.Buffer) (WrappedKey, error) {
	aead, err := chacha20poly1305.NewX(kek.Bytes())
	if err != nil {
		return WrappedKey{}, fmt.Errorf("keywrap: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return WrappedKey{}, fmt.Errorf("keywrap: generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext.Bytes(), []byte{wrapVersion})
	return WrappedKey{
		Version:    wrapVersion,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Unwrap decrypts a wrapped key into a fresh protected buffer. The
// caller must Close it — prefer WithUnwrapped, which does so on every
// path. Fails on a wrong kek, tampered ciphertext, or unknown version.
func Unwrap(wrapped WrappedKey, kek *secret.Buffer) (*secret.Buffer, error) {
	if wrapped.IsZero() {
		return nil, fmt.Errorf("keywrap: no wrapped key present")
	}
	if wrapped.Version != wrapVersion {
		return nil, fmt.Errorf("keywrap: unsupported wrap version %d", wrapped.Version)
	}

	aead, err := chacha20poly1305.NewX(kek.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keywrap: creating cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, wrapped.Nonce, wrapped.Ciphertext, []byte{wrapped.Version})
	if err != nil {
		return nil, fmt.Errorf("keywrap: unwrap failed: %w", err)
	}

	// FromBytes zeros the heap copy.
	buffer, err := secret.FromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, err
	}
	return buffer, nil
}

// WithUnwrapped unwraps a key, runs fn with the plaintext buffer, and
// wipes the plaintext before returning — on success, on error, and on
// panic. The buffer must not escape fn.
func WithUnwrapped(wrapped WrappedKey, kek *secret.Buffer, fn func(key *secret.Buffer) error) error {
	key, err := Unwrap(wrapped, kek)
	if err != nil {
		return err
	}
	defer key.Close()
	return fn(key)
}
