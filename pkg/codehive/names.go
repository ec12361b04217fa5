// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codehive

import (
	"fmt"
	"strings"
)

// Separator joins a backend name and a raw tool name into a qualified name.
const Separator = "__"

// QualifyName returns the qualified catalog name for a backend's tool.
func QualifyName(backend, rawName string) string {
	return backend + Separator + rawName
}

// SplitName splits a qualified name into its backend and raw tool name.
// Only the first occurrence of the separator splits: raw tool names may
// themselves contain "__", so "github__repo__create" resolves to backend
// "github" and tool "repo__create".
func SplitName(qualified string) (backend, rawName string, err error) {
	idx := strings.Index(qualified, Separator)
	if idx <= 0 || idx+len(Separator) >= len(qualified) {
		return "", "", fmt.Errorf("%w: malformed qualified tool name %q", ErrToolNotFound, qualified)
	}
	return qualified[:idx], qualified[idx+len(Separator):], nil
}

// ValidateBackendName checks that a configured backend name can participate
// in qualified names unambiguously.
func ValidateBackendName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: backend name must not be empty", ErrInvalidConfig)
	}
	if strings.Contains(name, Separator) {
		return fmt.Errorf("%w: backend name %q must not contain %q", ErrInvalidConfig, name, Separator)
	}
	return nil
}
