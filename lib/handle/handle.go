// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package handle defines the canonical identifier for a remote identity.
//
// A handle is a domain-name-like string ("frodo.example.org") that names
// an independently hosted identity. Handles are the primary key for
// connection records, circle memberships, and introductions, so every
// handle entering the system passes through Parse, which produces the
// canonical form: lowercase, no trailing dot, DNS label syntax.
//
// Two handles are the same identity iff their canonical forms are
// byte-equal. Handle is a value type usable as a map key.
package handle

import (
	"fmt"
	"strings"
)

// MaxLength is the maximum length of a canonical handle, matching the
// DNS limit on a full domain name.
const MaxLength = 253

// maxLabelLength is the DNS limit on a single dot-separated label.
const maxLabelLength = 63

// Handle is a canonicalized identity identifier. The zero value is the
// absent handle; obtain non-zero values through Parse.
type Handle struct {
	canonical string
}

// Parse canonicalizes and validates a raw identity string. The input
// is lowercased and a single trailing dot is removed before
// validation. Validation follows DNS preferred name syntax: non-empty
// dot-separated labels of letters, digits, and interior hyphens, at
// least two labels, 253 characters total.
func Parse(raw string) (Handle, error) {
	canonical := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "."))
	if canonical == "" {
		return Handle{}, fmt.Errorf("handle is empty")
	}
	if len(canonical) > MaxLength {
		return Handle{}, fmt.Errorf("handle is %d characters, maximum is %d", len(canonical), MaxLength)
	}

	labels := strings.Split(canonical, ".")
	if len(labels) < 2 {
		return Handle{}, fmt.Errorf("handle %q has no domain suffix", canonical)
	}
	for _, label := range labels {
		if err := validateLabel(label); err != nil {
			return Handle{}, fmt.Errorf("handle %q: %w", canonical, err)
		}
	}

	return Handle{canonical: canonical}, nil
}

// MustParse is Parse for known-good literals in tests and system
// constants. Panics on invalid input.
func MustParse(raw string) Handle {
	parsed, err := Parse(raw)
	if err != nil {
		panic("handle: " + err.Error())
	}
	return parsed
}

// validateLabel checks one dot-separated label against DNS preferred
// name syntax.
func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("empty label (consecutive or leading dots)")
	}
	if len(label) > maxLabelLength {
		return fmt.Errorf("label %q is %d characters, maximum is %d", label, len(label), maxLabelLength)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("label %q starts or ends with a hyphen", label)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return fmt.Errorf("invalid character %q in label %q", c, label)
		}
	}
	return nil
}

// String returns the canonical form, or "" for the zero handle.
func (h Handle) String() string {
	return h.canonical
}

// IsZero reports whether h is the absent handle.
func (h Handle) IsZero() bool {
	return h.canonical == ""
}

// MarshalText implements encoding.TextMarshaler so handles serialize
// as plain strings in CBOR and JSON.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.canonical), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Stored handles
// are already canonical, but re-parsing guards against hand-edited or
// corrupted input.
func (h *Handle) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Handle{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
