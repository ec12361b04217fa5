// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // mutates process env
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)

			if got := unstructuredLogs(); got != tt.expected {
				t.Errorf("unstructuredLogs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// setSingletonForTest temporarily replaces the singleton logger and restores
// the original when the test completes.
func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

// TestLogLevels tests that each log function writes to the underlying handler.
func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
		level    string
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg", "DEBUG"},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted", "DEBUG"},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv", "DEBUG"},
		{"Info", func() { Info("info msg") }, "info msg", "INFO"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted", "INFO"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv", "INFO"},
		{"Warn", func() { Warn("warn msg") }, "warn msg", "WARN"},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted", "WARN"},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv", "WARN"},
		{"Error", func() { Error("error msg") }, "error msg", "ERROR"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted", "ERROR"},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv", "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
			setSingletonForTest(t, slog.New(handler))

			tt.logFn()

			out := buf.String()
			assert.Contains(t, out, tt.contains)
			assert.Contains(t, out, "level="+tt.level)
		})
	}
}

// TestStructuredKeyValues verifies that the ...w variants pass key-value pairs through.
func TestStructuredKeyValues(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	setSingletonForTest(t, slog.New(handler))

	Infow("structured message", "backend", "github", "tools", 12)

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"backend":"github"`)
	assert.Contains(t, out, `"tools":12`)
}

// TestGetSet verifies the injection points used by tests and callers.
func TestGetSet(t *testing.T) { //nolint:paralleltest // mutates singleton
	prev := Get()
	t.Cleanup(func() { Set(prev) })

	var buf bytes.Buffer
	replacement := slog.New(slog.NewTextHandler(&buf, nil))
	Set(replacement)

	require.Same(t, replacement, Get())

	Info("via replacement")
	assert.True(t, strings.Contains(buf.String(), "via replacement"))
}
