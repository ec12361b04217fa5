// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/stacklok/codehive/pkg/codehive"
)

// classify wraps a transport error with the matching sentinel so callers can
// branch with errors.Is instead of string matching.
//
// Detection order: structured error types first (context errors, net.Error),
// then string patterns for errors the MCP SDK and HTTP stack surface only as
// text. The sentinel is attached with %w and the original formatted with %v;
// errors.As into the original type is intentionally given up.
func classify(err error, backend, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", codehive.ErrTimeout, operation, backend, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to %s on backend %s: %w", operation, backend, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", codehive.ErrTimeout, operation, backend, err)
	}

	if isUnauthorizedError(err) {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", codehive.ErrUnauthorized, operation, backend, err)
	}
	if isTimeoutError(err) {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", codehive.ErrTimeout, operation, backend, err)
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", codehive.ErrBackendUnreachable, operation, backend, err)
	}

	return fmt.Errorf("%w: failed to %s on backend %s: %v", codehive.ErrBackendUnavailable, operation, backend, err)
}

// isUnauthorizedError reports whether an error looks like an HTTP 401/403
// rejection. The MCP SDK embeds status codes in error strings, so pattern
// matching is the only portable detection.
func isUnauthorizedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, codehive.ErrUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication failed")
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "process exited")
}
