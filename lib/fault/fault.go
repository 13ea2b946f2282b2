// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the error taxonomy shared by every component:
// unauthorized outcomes, precondition rejections, optimistic-concurrency
// conflicts, and integrity warnings. Callers classify errors with
// errors.As and the Kind helpers:
//
//	if fault.IsKind(err, fault.KindConflict) {
//	    // re-read and decide whether to retry
//	}
//
// Anything that is not a *Fault is treated as a transient
// infrastructure failure; every mutation in this system is idempotent
// at the per-identity grain, so retrying the whole operation is safe.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault for caller dispatch.
type Kind int

const (
	// KindUnauthorized covers missing or invalid tokens, insufficient
	// permission keys, and blocked parties. Surfaced to the remote
	// caller as a generic forbidden outcome — the message never names
	// which grant was missing. Never retried.
	KindUnauthorized Kind = iota

	// KindPrecondition covers rejected operations with a specific,
	// actionable reason code (duplicate grant, circle still has
	// members, confirm before connected). Never retried automatically.
	KindPrecondition

	// KindConflict covers optimistic-concurrency races: a mutation was
	// conditional on a last-observed status that changed underneath
	// it. Distinct from KindPrecondition so callers can choose to
	// re-read and retry.
	KindConflict

	// KindIntegrity covers data-integrity signals found during
	// reconciliation (a circle member with no live connection). Logged
	// and flagged; never aborts the enclosing pass.
	KindIntegrity
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Reason codes for KindPrecondition faults.
const (
	CodeAlreadyMember     = "already-member"
	CodeCircleHasMembers  = "circle-has-members"
	CodeNotConnected      = "not-connected"
	CodeNoPendingRequest  = "no-pending-request"
	CodeNotAutoConnection = "not-auto-connection"
	CodeSystemCircle      = "system-circle"
	CodeUnknownCircle     = "unknown-circle"
	CodeInvalidDriveGrant = "invalid-drive-grant"
	CodeInvalidStatus     = "invalid-status"
)

// Fault is a classified error. Code is set for precondition faults and
// empty otherwise.
type Fault struct {
	Kind    Kind
	Code    string
	Message string
}

func (f *Fault) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unauthorized returns a generic forbidden fault. The format arguments
// are for the local log line only; remote responses must use the
// constant message to avoid leaking which check failed.
func Unauthorized(format string, args ...any) *Fault {
	return &Fault{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Precondition returns a rejected-operation fault with a specific
// reason code.
func Precondition(code string, format string, args ...any) *Fault {
	return &Fault{Kind: KindPrecondition, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns an optimistic-concurrency fault.
func Conflict(format string, args ...any) *Fault {
	return &Fault{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Integrity returns a data-integrity fault.
func Integrity(format string, args ...any) *Fault {
	return &Fault{Kind: KindIntegrity, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) a *Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// HasCode reports whether err is (or wraps) a *Fault with the given
// precondition reason code.
func HasCode(err error, code string) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}
