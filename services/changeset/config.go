// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package changeset

import (
	"errors"
	"log/slog"
	"time"
)

// EngineConfig configures the lifecycle engine.
type EngineConfig struct {
	// BackendTimeout bounds every document backend call (capture,
	// apply, restore, backup). A timeout is treated as a backend
	// failure, never a hang. Default: 30s.
	BackendTimeout time.Duration `yaml:"backend_timeout" validate:"required"`

	// PreviewRequired requires preview before approve. Always true;
	// the state machine has no draft → approved edge, so this knob
	// exists only to reject configurations that try to turn the
	// safeguard off.
	PreviewRequired bool `yaml:"preview_required"`

	// TableChangeThreshold is the changed-cell count above which apply
	// demands an explicit confirmation from the caller. 0 disables the
	// check. Default: 50.
	TableChangeThreshold int `yaml:"table_change_threshold" validate:"gte=0"`

	// BackupBeforeApply asks the backend for a whole-document backup
	// before every apply, in addition to the per-scope snapshot.
	// Default: false.
	BackupBeforeApply bool `yaml:"backup_before_apply"`

	// TerminalTTL is the retention window for terminal records in the
	// session store. Default: 24h.
	TerminalTTL time.Duration `yaml:"terminal_ttl" validate:"gt=0"`

	// Logger for engine operations. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BackendTimeout:       30 * time.Second,
		PreviewRequired:      true,
		TableChangeThreshold: 50,
		BackupBeforeApply:    false,
		TerminalTTL:          24 * time.Hour,
	}
}

// Validate checks cross-field rules the struct tags cannot express.
func (c *EngineConfig) Validate() error {
	if c.BackendTimeout <= 0 {
		return errors.New("backend_timeout must be positive")
	}
	if !c.PreviewRequired {
		return errors.New("preview_required cannot be disabled")
	}
	if c.TableChangeThreshold < 0 {
		return errors.New("table_change_threshold must be non-negative")
	}
	if c.TerminalTTL <= 0 {
		return errors.New("terminal_ttl must be positive")
	}
	return nil
}
