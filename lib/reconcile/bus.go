// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/grant"
)

// Command is a reconciliation trigger. Exactly two command types
// exist; anything else that changes grants goes through the engine's
// direct single-member calls.
type Command interface {
	isCommand()
}

// CircleDefinitionChanged announces that a circle definition was
// rewritten. The engine re-reads the definition and regenerates every
// member's circle grant.
type CircleDefinitionChanged struct {
	CircleID uuid.UUID
}

func (CircleDefinitionChanged) isCommand() {}

// AppAuthorizedCirclesChanged announces that an app's authorized
// circle set changed. The engine removes grants for circles the app
// dropped and composes grants for circles it gained.
type AppAuthorizedCirclesChanged struct {
	Old grant.AppRegistration
	New grant.AppRegistration
}

func (AppAuthorizedCirclesChanged) isCommand() {}

// Bus carries reconciliation commands to the engine. Publishers block
// only when the buffer is full; the engine drains it from Run.
type Bus struct {
	commands chan Command
}

// NewBus returns a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{commands: make(chan Command, buffer)}
}

// Publish enqueues a command, honoring context cancellation.
func (b *Bus) Publish(ctx context.Context, command Command) error {
	select {
	case b.commands <- command:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
