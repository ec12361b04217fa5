// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Middleware wraps an MCP endpoint handler and records request metrics.
// Requests are labeled by the JSON-RPC method sniffed from the body, falling
// back to the HTTP method for anything that is not an MCP message.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, tool := sniffRequest(r)

		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rw, r)

		m.requestsTotal.WithLabelValues(method, strconv.Itoa(rw.statusCode)).Inc()
		m.requestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
		if tool != "" {
			m.toolCallsTotal.WithLabelValues(tool).Inc()
		}
	})
}

// sniffRequest extracts the JSON-RPC method (and tool name for tools/call)
// from an MCP POST body, restoring the body for the downstream handler.
func sniffRequest(r *http.Request) (string, string) {
	if r.Method != http.MethodPost {
		return r.Method, ""
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return r.Method, ""
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return r.Method, ""
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var msg struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(bodyBytes, &msg); err != nil || msg.Method == "" {
		return r.Method, ""
	}

	if msg.Method == "tools/call" {
		return msg.Method, msg.Params.Name
	}
	return msg.Method, ""
}

// responseWriter captures the response status code. The headerWritten guard
// protects against duplicate WriteHeader calls.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	// Write() implicitly sends 200 when headers have not been written yet.
	if !rw.headerWritten {
		rw.headerWritten = true
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(data)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports
// it, which streamable HTTP responses rely on.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
