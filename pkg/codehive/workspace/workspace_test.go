// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureLayoutCreatesDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, EnsureLayout(root))

	info, err := os.Stat(filepath.Join(root, "workspace"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	info, err = os.Stat(filepath.Join(root, "workspace", "skills"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureLayoutPreservesExistingFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, EnsureLayout(root))

	kept := filepath.Join(Dir(root), "notes.json")
	require.NoError(t, os.WriteFile(kept, []byte(`{"a":1}`), 0o644))

	require.NoError(t, EnsureLayout(root))

	data, err := os.ReadFile(kept)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestListSkills(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, EnsureLayout(root))

	require.NoError(t, os.WriteFile(filepath.Join(SkillsDir(root), "summarize.ts"), []byte("export {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(SkillsDir(root), "fetch-issues.ts"), []byte("export {}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(SkillsDir(root), "web-scrape"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(SkillsDir(root), ".DS_Store"), nil, 0o644))

	names, err := ListSkills(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch-issues.ts", "summarize.ts", "web-scrape"}, names)
}

func TestListSkillsMissingDirectory(t *testing.T) {
	t.Parallel()

	names, err := ListSkills(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, names)
}
