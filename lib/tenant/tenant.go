// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package tenant provides node-level policy settings. Settings are
// loaded from a single YAML file specified by:
//   - KINSHIP_TENANT_CONFIG environment variable, or
//   - --tenant-config flag passed to the command
//
// There are no fallbacks or automatic discovery. A missing file yields
// the defaults, so a fresh node behaves sensibly without any
// configuration.
package tenant

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath is the environment variable naming the settings file.
const EnvConfigPath = "KINSHIP_TENANT_CONFIG"

// Settings holds the owner-controlled policy flags for a node. The
// visibility flags translate into extra permission keys on every
// composed permission context; the introduction flags govern how
// incoming introductions are handled.
type Settings struct {
	// ConnectedCanViewConnections grants every connected identity
	// permission to read this node's connection list.
	ConnectedCanViewConnections bool `yaml:"connected_can_view_connections"`

	// ConnectedCanViewWhoIFollow grants every connected identity
	// permission to read this node's follow list.
	ConnectedCanViewWhoIFollow bool `yaml:"connected_can_view_who_i_follow"`

	// AutoAcceptIntroductions sends an automatic connection request
	// back to identities introduced by a trusted confirmed
	// connection, instead of leaving the introduction for the owner
	// to act on.
	AutoAcceptIntroductions bool `yaml:"auto_accept_introductions"`

	// IntroductionExpiry is how long a received introduction stays
	// actionable before cleanup removes it, in hours. Zero means the
	// default of 72 hours.
	IntroductionExpiryHours int `yaml:"introduction_expiry_hours"`
}

// Defaults returns the settings a fresh node runs with: introductions
// auto-accepted, visibility flags off.
func Defaults() Settings {
	return Settings{
		AutoAcceptIntroductions: true,
		IntroductionExpiryHours: 72,
	}
}

// Load reads settings from the given path. A missing file returns
// Defaults with no error; any other read or parse failure is an error.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("tenant: reading settings: %w", err)
	}

	settings := Defaults()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("tenant: parsing settings %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("tenant: %s: %w", path, err)
	}
	return settings, nil
}

// LoadFromEnv loads settings from the file named by EnvConfigPath,
// falling back to fallbackPath when the variable is unset, and to
// Defaults when neither names an existing file.
func LoadFromEnv(fallbackPath string) (Settings, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = fallbackPath
	}
	if path == "" {
		return Defaults(), nil
	}
	return Load(path)
}

// Validate checks the settings for out-of-range values.
func (s Settings) Validate() error {
	if s.IntroductionExpiryHours < 0 {
		return fmt.Errorf("introduction_expiry_hours must not be negative, got %d", s.IntroductionExpiryHours)
	}
	return nil
}
