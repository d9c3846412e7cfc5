// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads healer settings from YAML.
//
// Values support ${VAR} environment expansion and are range-checked
// after parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the healer's settings tree.
type Config struct {
	// RepoPath is the repository root healing operates in.
	RepoPath string `yaml:"repo_path"`

	// MaxAttempts bounds repair attempts per run.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=20"`

	// MaxPatchLines caps changed lines per patch (0 disables the cap).
	MaxPatchLines int `yaml:"max_patch_lines" validate:"min=0"`

	// StrictHunkMatching requires removed-line text to match the file.
	StrictHunkMatching bool `yaml:"strict_hunk_matching"`

	// AutoMergeConfidence is the evaluator confidence needed for a fix
	// to be considered auto-mergeable.
	AutoMergeConfidence float64 `yaml:"auto_merge_confidence" validate:"min=0,max=1"`

	// LowRiskApprovalTimeoutSeconds is the auto-approval grace period
	// for low-risk tickets.
	LowRiskApprovalTimeoutSeconds int `yaml:"low_risk_approval_timeout_seconds" validate:"min=0"`

	// AutoPush pushes after each approved commit.
	AutoPush bool `yaml:"auto_push"`

	// BackupDir holds live backup files. Empty means
	// <repo_path>/.mend/backups.
	BackupDir string `yaml:"backup_dir"`

	// DataDir holds run history. Empty means <repo_path>/.mend/runs.
	DataDir string `yaml:"data_dir"`

	// Watch configures the file watcher.
	Watch WatchConfig `yaml:"watch"`

	// API configures the HTTP surface.
	API APIConfig `yaml:"api"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	// Paths are the directories to watch. Empty disables watching.
	Paths []string `yaml:"paths"`

	// DebounceMillis is the quiet period before a changed file is
	// handed to the healer.
	DebounceMillis int `yaml:"debounce_millis" validate:"min=0"`

	// EventsPerSecond rate-limits healing runs started by the watcher.
	EventsPerSecond float64 `yaml:"events_per_second" validate:"min=0"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	// Listen is the bind address, e.g. "127.0.0.1:8844".
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:                   5,
		MaxPatchLines:                 25,
		StrictHunkMatching:            true,
		AutoMergeConfidence:           0.9,
		LowRiskApprovalTimeoutSeconds: 30,
		Watch: WatchConfig{
			DebounceMillis:  500,
			EventsPerSecond: 0.5,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8844",
		},
	}
}

// LowRiskTimeout returns the approval grace period as a duration.
func (c *Config) LowRiskTimeout() time.Duration {
	return time.Duration(c.LowRiskApprovalTimeoutSeconds) * time.Second
}

// ResolvedBackupDir returns BackupDir or its repo-relative default.
func (c *Config) ResolvedBackupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(c.RepoPath, ".mend", "backups")
}

// ResolvedDataDir returns DataDir or its repo-relative default.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(c.RepoPath, ".mend", "runs")
}

// Load reads and validates a config file.
//
// # Description
//
// The file is ${VAR}-expanded before parsing, so paths and addresses
// can reference the environment. A missing file returns defaults.
//
// # Inputs
//
//   - path: the YAML file to read.
//
// # Outputs
//
//   - Config: the parsed settings, defaults filled in.
//   - error: read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate range-checks a config.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}
