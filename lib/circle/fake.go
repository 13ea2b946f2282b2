// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package circle

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/secret"
)

// FakeDriveService is an in-memory DriveService for tests. Add drives
// with AddDrive; anonymous-readability is toggled per drive. Each
// drive gets a stable random key served through KeySource.
type FakeDriveService struct {
	mu     sync.Mutex
	drives map[uuid.UUID]bool   // drive id → anonymous readable
	keys   map[uuid.UUID][]byte // drive id → raw key
}

// NewFakeDriveService returns an empty fake.
func NewFakeDriveService() *FakeDriveService {
	return &FakeDriveService{
		drives: make(map[uuid.UUID]bool),
		keys:   make(map[uuid.UUID][]byte),
	}
}

// AddDrive registers a drive and returns its id.
func (f *FakeDriveService) AddDrive(anonymousRead bool) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	key := make([]byte, keywrap.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(err)
	}
	f.drives[id] = anonymousRead
	f.keys[id] = key
	return id
}

// SetAnonymousRead changes a drive's anonymous-readability.
func (f *FakeDriveService) SetAnonymousRead(driveID uuid.UUID, anonymousRead bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drives[driveID] = anonymousRead
}

// RemoveDrive deletes a drive.
func (f *FakeDriveService) RemoveDrive(driveID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.drives, driveID)
	delete(f.keys, driveID)
}

func (f *FakeDriveService) DriveExists(ctx context.Context, driveID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.drives[driveID]
	return ok, nil
}

func (f *FakeDriveService) DriveAllowsAnonymousRead(ctx context.Context, driveID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drives[driveID], nil
}

func (f *FakeDriveService) ListAnonymousDrives(ctx context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, anonymous := range f.drives {
		if anonymous {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// KeySource returns a grant.DriveKeySource serving each drive's
// stable key in a fresh secret buffer.
func (f *FakeDriveService) KeySource() grant.DriveKeySource {
	return func(driveID uuid.UUID) (*secret.Buffer, error) {
		f.mu.Lock()
		key, ok := f.keys[driveID]
		f.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("fake drive service: drive %s does not exist", driveID)
		}
		return secret.FromBytes(bytes.Clone(key))
	}
}
