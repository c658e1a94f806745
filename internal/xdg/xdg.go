// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg resolves XDG Base Directory paths for gatekeeper.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "gatekeeper"

// ConfigFileName is the file looked up in ConfigDir when no --config is given.
const ConfigFileName = "gatekeeper.yaml"

// ConfigDir returns the XDG config directory for gatekeeper.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", oops.Code("XDG_NO_HOME").Errorf("neither XDG_CONFIG_HOME nor HOME is set")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName), nil
}

// DefaultConfigFile returns ConfigDir/ConfigFileName if that file exists,
// and "" otherwise.
func DefaultConfigFile() string {
	dir, err := ConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, ConfigFileName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
