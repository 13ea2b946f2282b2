// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/secret"
)

// catalogFile is the YAML shape of the node catalog: the drives this
// node hosts and the apps registered on it. The drive and app
// subsystems live outside this daemon; the catalog is the static
// stand-in they publish for it.
type catalogFile struct {
	Drives []catalogDrive `yaml:"drives"`
	Apps   []catalogApp   `yaml:"apps"`
}

type catalogDrive struct {
	ID            string `yaml:"id"`
	AnonymousRead bool   `yaml:"anonymous_read"`

	// KeyFile is the path to the drive's raw encryption key.
	KeyFile string `yaml:"key_file"`
}

type catalogApp struct {
	ID                string             `yaml:"id"`
	Name              string             `yaml:"name"`
	AuthorizedCircles []string           `yaml:"authorized_circles"`
	DriveGrants       []catalogAppGrant  `yaml:"drive_grants"`
	Permissions       []string           `yaml:"permissions"`
}

type catalogAppGrant struct {
	DriveID string `yaml:"drive_id"`
	Access  string `yaml:"access"`
}

type driveEntry struct {
	anonymousRead bool
	keyFile       string
}

// catalog implements circle.DriveService and grant.AppRegistry over
// the loaded file. Drive keys are read from disk on demand and never
// cached.
type catalog struct {
	drives map[uuid.UUID]driveEntry
	apps   []grant.AppRegistration
}

func loadCatalog(path string) (*catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: parsing %s: %w", path, err)
	}

	loaded := &catalog{drives: make(map[uuid.UUID]driveEntry, len(file.Drives))}
	for _, entry := range file.Drives {
		driveID, err := uuid.Parse(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("catalog: drive id %q: %w", entry.ID, err)
		}
		if entry.KeyFile == "" {
			return nil, fmt.Errorf("catalog: drive %s: key_file is required", driveID)
		}
		loaded.drives[driveID] = driveEntry{
			anonymousRead: entry.AnonymousRead,
			keyFile:       entry.KeyFile,
		}
	}
	for _, entry := range file.Apps {
		registration, err := loaded.parseApp(entry)
		if err != nil {
			return nil, err
		}
		loaded.apps = append(loaded.apps, registration)
	}
	return loaded, nil
}

func (c *catalog) parseApp(entry catalogApp) (grant.AppRegistration, error) {
	appID, err := uuid.Parse(entry.ID)
	if err != nil {
		return grant.AppRegistration{}, fmt.Errorf("catalog: app id %q: %w", entry.ID, err)
	}
	registration := grant.AppRegistration{
		ID:   appID,
		Name: entry.Name,
		CircleMemberGrant: grant.MemberGrantTemplate{
			Permissions: grant.NewPermissionSet(entry.Permissions...),
		},
	}
	for _, raw := range entry.AuthorizedCircles {
		circleID, err := uuid.Parse(raw)
		if err != nil {
			return grant.AppRegistration{}, fmt.Errorf("catalog: app %s circle %q: %w", entry.Name, raw, err)
		}
		registration.AuthorizedCircles = append(registration.AuthorizedCircles, circleID)
	}
	for _, appGrant := range entry.DriveGrants {
		driveID, err := uuid.Parse(appGrant.DriveID)
		if err != nil {
			return grant.AppRegistration{}, fmt.Errorf("catalog: app %s drive %q: %w", entry.Name, appGrant.DriveID, err)
		}
		if _, ok := c.drives[driveID]; !ok {
			return grant.AppRegistration{}, fmt.Errorf("catalog: app %s references unknown drive %s", entry.Name, driveID)
		}
		access, err := parseAccess(appGrant.Access)
		if err != nil {
			return grant.AppRegistration{}, fmt.Errorf("catalog: app %s drive %s: %w", entry.Name, driveID, err)
		}
		registration.CircleMemberGrant.DriveGrants = append(registration.CircleMemberGrant.DriveGrants,
			grant.DriveGrantRequest{DriveID: driveID, Access: access})
	}
	return registration, nil
}

func parseAccess(raw string) (grant.AccessMask, error) {
	switch raw {
	case "read":
		return grant.AccessRead, nil
	case "write":
		return grant.AccessWrite, nil
	case "readwrite", "read-write":
		return grant.AccessRead | grant.AccessWrite, nil
	default:
		return 0, fmt.Errorf("unknown access %q", raw)
	}
}

func (c *catalog) DriveExists(_ context.Context, driveID uuid.UUID) (bool, error) {
	_, ok := c.drives[driveID]
	return ok, nil
}

func (c *catalog) DriveAllowsAnonymousRead(_ context.Context, driveID uuid.UUID) (bool, error) {
	entry, ok := c.drives[driveID]
	if !ok {
		return false, fmt.Errorf("catalog: unknown drive %s", driveID)
	}
	return entry.anonymousRead, nil
}

func (c *catalog) ListAnonymousDrives(_ context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for driveID, entry := range c.drives {
		if entry.anonymousRead {
			out = append(out, driveID)
		}
	}
	return out, nil
}

func (c *catalog) ListRegisteredApps(_ context.Context) ([]grant.AppRegistration, error) {
	return c.apps, nil
}

// KeySource reads each drive's raw key from its key file.
func (c *catalog) KeySource() grant.DriveKeySource {
	return func(driveID uuid.UUID) (*secret.Buffer, error) {
		entry, ok := c.drives[driveID]
		if !ok {
			return nil, fmt.Errorf("catalog: unknown drive %s", driveID)
		}
		return secret.ReadFromPath(entry.keyFile)
	}
}
