// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings != Defaults() {
		t.Fatalf("settings = %+v, want defaults %+v", settings, Defaults())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.yaml")
	content := "connected_can_view_connections: true\nauto_accept_introductions: false\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !settings.ConnectedCanViewConnections {
		t.Error("ConnectedCanViewConnections not set")
	}
	if settings.AutoAcceptIntroductions {
		t.Error("AutoAcceptIntroductions should be overridden to false")
	}
	if settings.ConnectedCanViewWhoIFollow {
		t.Error("ConnectedCanViewWhoIFollow should keep its default of false")
	}
	if settings.IntroductionExpiryHours != 72 {
		t.Errorf("IntroductionExpiryHours = %d, want default 72", settings.IntroductionExpiryHours)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o600); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load of invalid YAML succeeded")
	}
}

func TestLoadRejectsNegativeExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.yaml")
	if err := os.WriteFile(path, []byte("introduction_expiry_hours: -1\n"), 0o600); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load with negative expiry succeeded")
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.yaml")
	if err := os.WriteFile(path, []byte("connected_can_view_who_i_follow: true\n"), 0o600); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	settings, err := LoadFromEnv("")
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if !settings.ConnectedCanViewWhoIFollow {
		t.Error("ConnectedCanViewWhoIFollow not set from env-named file")
	}
}
