// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"sync"
)

// FakeAppRegistry is an in-memory AppRegistry for tests.
type FakeAppRegistry struct {
	mu   sync.Mutex
	apps []AppRegistration
}

// NewFakeAppRegistry returns an empty fake.
func NewFakeAppRegistry() *FakeAppRegistry {
	return &FakeAppRegistry{}
}

// SetApps replaces the registered apps.
func (f *FakeAppRegistry) SetApps(apps ...AppRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps = append([]AppRegistration(nil), apps...)
}

func (f *FakeAppRegistry) ListRegisteredApps(ctx context.Context) ([]AppRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AppRegistration(nil), f.apps...), nil
}
