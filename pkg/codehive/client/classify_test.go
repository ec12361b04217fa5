// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codehive/pkg/codehive"
)

// timeoutNetError simulates a net.Error whose Timeout method reports true.
type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o wait elapsed" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{
			name:     "context deadline exceeded",
			err:      fmt.Errorf("request failed: %w", context.DeadlineExceeded),
			sentinel: codehive.ErrTimeout,
		},
		{
			name:     "net error with timeout",
			err:      fmt.Errorf("dial: %w", timeoutNetError{}),
			sentinel: codehive.ErrTimeout,
		},
		{
			name:     "http 401 status text",
			err:      errors.New("request failed with status 401: Unauthorized"),
			sentinel: codehive.ErrUnauthorized,
		},
		{
			name:     "authentication failed text",
			err:      errors.New("authentication failed for session"),
			sentinel: codehive.ErrUnauthorized,
		},
		{
			name:     "timeout text",
			err:      errors.New("request timed out after 30s"),
			sentinel: codehive.ErrTimeout,
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp 127.0.0.1:9999: connect: connection refused"),
			sentinel: codehive.ErrBackendUnreachable,
		},
		{
			name:     "dns failure",
			err:      errors.New("dial tcp: lookup nowhere.invalid: no such host"),
			sentinel: codehive.ErrBackendUnreachable,
		},
		{
			name:     "stdio subprocess gone",
			err:      errors.New("write |1: broken pipe"),
			sentinel: codehive.ErrBackendUnreachable,
		},
		{
			name:     "unknown error defaults to unavailable",
			err:      errors.New("unexpected EOF"),
			sentinel: codehive.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classify(tt.err, "jira", "call tool")
			require.Error(t, got)
			assert.ErrorIs(t, got, tt.sentinel)
			assert.Contains(t, got.Error(), "jira")
			assert.Contains(t, got.Error(), "call tool")
			assert.Contains(t, got.Error(), tt.err.Error())
		})
	}
}

func TestClassifyNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, classify(nil, "jira", "call tool"))
}

func TestClassifyContextCanceled(t *testing.T) {
	t.Parallel()

	got := classify(fmt.Errorf("request aborted: %w", context.Canceled), "jira", "list tools")
	require.Error(t, got)
	assert.ErrorIs(t, got, context.Canceled)
	assert.NotErrorIs(t, got, codehive.ErrTimeout)
	assert.NotErrorIs(t, got, codehive.ErrBackendUnavailable)
}

func TestIsUnauthorizedError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("wrapped: %w", codehive.ErrUnauthorized), true},
		{"status code", errors.New("request failed with status 401"), true},
		{"mixed case text", errors.New("backend said: Unauthorized"), true},
		{"auth failure text", errors.New("Authentication Failed: bad token"), true},
		{"forbidden is not unauthorized", errors.New("request failed with status 403"), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isUnauthorizedError(tt.err))
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("connect: connection refused"), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"unreachable", errors.New("connect: network is unreachable"), true},
		{"closed pipe", errors.New("io: read/write on closed pipe, file already closed"), true},
		{"subprocess exit", errors.New("process exited with status 1"), true},
		{"timeout is not a connection error", errors.New("request timed out"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}
