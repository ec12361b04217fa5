// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codehive_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codehive/pkg/codehive"
)

func TestQualifyName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "github__create_issue", codehive.QualifyName("github", "create_issue"))
	assert.Equal(t, "fs__read__file", codehive.QualifyName("fs", "read__file"))
}

func TestSplitName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		qualified   string
		wantBackend string
		wantRaw     string
		expectError bool
	}{
		{
			name:        "simple qualified name",
			qualified:   "github__create_issue",
			wantBackend: "github",
			wantRaw:     "create_issue",
		},
		{
			name:        "raw name containing separator splits on first only",
			qualified:   "x__a__b",
			wantBackend: "x",
			wantRaw:     "a__b",
		},
		{
			name:        "raw name with repeated separators",
			qualified:   "slack__chat__post__message",
			wantBackend: "slack",
			wantRaw:     "chat__post__message",
		},
		{
			name:        "single underscore is not a separator",
			qualified:   "github_create_issue",
			expectError: true,
		},
		{
			name:        "missing backend part",
			qualified:   "__create_issue",
			expectError: true,
		},
		{
			name:        "missing tool part",
			qualified:   "github__",
			expectError: true,
		},
		{
			name:        "separator only",
			qualified:   "__",
			expectError: true,
		},
		{
			name:        "empty string",
			qualified:   "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend, raw, err := codehive.SplitName(tt.qualified)
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, codehive.ErrToolNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBackend, backend)
			assert.Equal(t, tt.wantRaw, raw)
		})
	}
}

// Splitting must invert joining for any valid backend name, including raw
// tool names that contain the separator themselves.
func TestSplitNameRoundTrip(t *testing.T) {
	t.Parallel()

	pairs := []struct{ backend, raw string }{
		{"github", "create_issue"},
		{"x", "a__b"},
		{"files", "read"},
		{"a-b.c", "t__u__v"},
	}

	for _, p := range pairs {
		backend, raw, err := codehive.SplitName(codehive.QualifyName(p.backend, p.raw))
		require.NoError(t, err)
		assert.Equal(t, p.backend, backend)
		assert.Equal(t, p.raw, raw)
	}
}

func TestValidateBackendName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		backend     string
		expectError bool
	}{
		{name: "plain name", backend: "github"},
		{name: "name with single underscores", backend: "my_server"},
		{name: "name with dashes and dots", backend: "corp-jira.v2"},
		{name: "empty name", backend: "", expectError: true},
		{name: "name containing separator", backend: "bad__name", expectError: true},
		{name: "separator at end", backend: "bad__", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := codehive.ValidateBackendName(tt.backend)
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, codehive.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}
