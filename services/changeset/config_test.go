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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineConfig_Defaults(t *testing.T) {
	config := DefaultEngineConfig()
	assert.NoError(t, config.Validate())
	assert.True(t, config.PreviewRequired)
	assert.Equal(t, 50, config.TableChangeThreshold)
}

func TestEngineConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EngineConfig)
		wantErr string
	}{
		{
			name:    "zero backend timeout",
			mutate:  func(c *EngineConfig) { c.BackendTimeout = 0 },
			wantErr: "backend_timeout",
		},
		{
			name:    "preview cannot be skipped",
			mutate:  func(c *EngineConfig) { c.PreviewRequired = false },
			wantErr: "preview_required",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *EngineConfig) { c.TableChangeThreshold = -1 },
			wantErr: "table_change_threshold",
		},
		{
			name:    "zero ttl",
			mutate:  func(c *EngineConfig) { c.TerminalTTL = 0 },
			wantErr: "terminal_ttl",
		},
		{
			name:   "threshold disabled is fine",
			mutate: func(c *EngineConfig) { c.TableChangeThreshold = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultEngineConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
