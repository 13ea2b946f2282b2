// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/kinship-foundation/kinship/lib/secret"
)

// TokenHalfKeySize is the size of the client's half key in bytes.
const TokenHalfKeySize = 32

// ClientAuthToken is what a remote party presents on every call: the
// registration id it claims plus its half key. The half key never
// persists on this node; only its hash does, inside the
// AccessRegistration.
type ClientAuthToken struct {
	RegistrationID uuid.UUID
	HalfKey        *secret.Buffer
}

// Close releases the half key. Idempotent via the underlying buffer.
func (t *ClientAuthToken) Close() error {
	if t.HalfKey != nil {
		return t.HalfKey.Close()
	}
	return nil
}

// AccessRegistration binds a remote party's access token to an access
// grant. It stores only the blake3 hash of the client's half key, so
// a stolen database cannot mint valid tokens.
type AccessRegistration struct {
	ID          uuid.UUID `cbor:"id"`
	CreatedAt   time.Time `cbor:"created_at"`
	HalfKeyHash []byte    `cbor:"half_key_hash"`
}

// NewAccessRegistration generates a fresh registration and the client
// half key that validates against it. The half key is handed to the
// remote party (wrapped, via the encrypted client access token) and
// then forgotten; the caller must Close the returned token.
func NewAccessRegistration(now time.Time) (AccessRegistration, ClientAuthToken, error) {
	halfKey, err := secret.New(TokenHalfKeySize)
	if err != nil {
		return AccessRegistration{}, ClientAuthToken{}, err
	}
	if _, err := io.ReadFull(rand.Reader, halfKey.Bytes()); err != nil {
		halfKey.Close()
		return AccessRegistration{}, ClientAuthToken{}, fmt.Errorf("grant: generating half key: %w", err)
	}

	hash := blake3.Sum256(halfKey.Bytes())
	registration := AccessRegistration{
		ID:          uuid.New(),
		CreatedAt:   now.UTC(),
		HalfKeyHash: hash[:],
	}
	token := ClientAuthToken{
		RegistrationID: registration.ID,
		HalfKey:        halfKey,
	}
	return registration, token, nil
}

// Verify checks a presented token against the registration: the id
// must match and the half key must hash to the stored value. The
// comparison is constant time. A nil or closed half key fails.
func (r AccessRegistration) Verify(token ClientAuthToken) error {
	if token.RegistrationID != r.ID {
		return fmt.Errorf("grant: token registration mismatch")
	}
	if token.HalfKey == nil {
		return fmt.Errorf("grant: token has no half key")
	}
	hash := blake3.Sum256(token.HalfKey.Bytes())
	if subtle.ConstantTimeCompare(hash[:], r.HalfKeyHash) != 1 {
		return fmt.Errorf("grant: token half key verification failed")
	}
	return nil
}
