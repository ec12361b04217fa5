// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package workspace lays out the on-disk directories scripts see inside the
// sandbox: workspace/ for free-form state and workspace/skills/ for reusable
// script modules. Skills are opaque to the host; they are listed by name for
// startup logging and never parsed.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir returns the workspace directory under root.
func Dir(root string) string {
	return filepath.Join(root, "workspace")
}

// SkillsDir returns the skills directory under root.
func SkillsDir(root string) string {
	return filepath.Join(root, "workspace", "skills")
}

// EnsureLayout creates the workspace directories under root. Existing
// directories and their contents are left untouched.
func EnsureLayout(root string) error {
	if err := os.MkdirAll(Dir(root), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory %s: %w", Dir(root), err)
	}
	if err := os.MkdirAll(SkillsDir(root), 0o755); err != nil {
		return fmt.Errorf("failed to create skills directory %s: %w", SkillsDir(root), err)
	}
	return nil
}

// ListSkills returns the names of the entries under the skills directory,
// in lexical order. Hidden entries are skipped. A missing directory is an
// empty list, not an error.
func ListSkills(root string) ([]string, error) {
	entries, err := os.ReadDir(SkillsDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read skills directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}

	return names, nil
}
