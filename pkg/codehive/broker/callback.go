// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"time"

	"github.com/stacklok/codehive/pkg/logger"
)

// callbackResult is what the redirect delivered: an authorization code or an
// error response from the authorization server.
type callbackResult struct {
	state string
	code  string
	err   error
}

// callbackServer is the loopback HTTP listener that receives the OAuth
// redirect. It binds synchronously so port conflicts surface immediately,
// and it is torn down after a single successful callback.
type callbackServer struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// newCallbackServer binds the loopback redirect listener. Every request to
// /callback is forwarded to deliver; the broker validates state and reports
// back so the response page reflects the real outcome.
func newCallbackServer(port int, deliver func(callbackResult) error) (*callbackServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener on port %d: %w", port, err)
	}

	s := &callbackServer{listener: ln, port: port}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback(deliver))
	mux.HandleFunc("/", s.handleRoot())
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting OAuth callback server on port %d", port)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("OAuth callback server stopped: %v", err)
		}
	}()

	return s, nil
}

// shutdown stops the listener. Safe to call more than once.
func (s *callbackServer) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Failed to shutdown OAuth callback server: %v", err)
	}
}

func (s *callbackServer) handleCallback(deliver func(callbackResult) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		state := query.Get("state")

		if errParam := query.Get("error"); errParam != "" {
			err := fmt.Errorf("authorization server returned %s: %s", errParam, query.Get("error_description"))
			s.writeErrorPage(w, err)
			_ = deliver(callbackResult{state: state, err: err})
			return
		}

		code := query.Get("code")
		if code == "" {
			err := errors.New("missing authorization code")
			s.writeErrorPage(w, err)
			_ = deliver(callbackResult{state: state, err: err})
			return
		}

		if err := deliver(callbackResult{state: state, code: code}); err != nil {
			s.writeErrorPage(w, err)
			return
		}
		s.writeSuccessPage(w)
	}
}

func (*callbackServer) setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy",
		"default-src 'self'; style-src 'unsafe-inline'; script-src 'none'; object-src 'none';")
}

func (s *callbackServer) handleRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s.setSecurityHeaders(w)
		page := `
<!DOCTYPE html>
<html>
<head>
    <title>CodeHive OAuth</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .info { background-color: #e7f3ff; border: 1px solid #b3d9ff; color: #0066cc; }
    </style>
</head>
<body>
    <div class="container">
        <h1>CodeHive OAuth Authentication</h1>
        <div class="message info">
            <p>OAuth callback server is running. Please complete the authentication flow in your browser.</p>
        </div>
    </div>
</body>
</html>`
		if _, err := w.Write([]byte(page)); err != nil {
			logger.Warnf("Failed to write HTML content: %v", err)
		}
	}
}

func (s *callbackServer) writeSuccessPage(w http.ResponseWriter) {
	s.setSecurityHeaders(w)
	page := `
<!DOCTYPE html>
<html>
<head>
    <title>Authentication Successful</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .success { background-color: #e7f6e7; border: 1px solid #b3e6b3; color: #006600; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Authentication Successful!</h1>
        <div class="message success">
            <p>You have successfully authenticated with CodeHive. You can now close this window and return to the terminal.</p>
        </div>
    </div>
</body>
</html>`
	if _, err := w.Write([]byte(page)); err != nil {
		logger.Warnf("Failed to write HTML content: %v", err)
	}
}

func (s *callbackServer) writeErrorPage(w http.ResponseWriter, err error) {
	s.setSecurityHeaders(w)
	w.WriteHeader(http.StatusBadRequest)

	page := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <title>Authentication Failed</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .error { background-color: #ffe7e7; border: 1px solid #ffb3b3; color: #cc0000; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Authentication Failed</h1>
        <div class="message error">
            <p>%s</p>
            <p>Please try again or contact support if the problem persists.</p>
        </div>
    </div>
</body>
</html>`, html.EscapeString(err.Error()))
	if _, err := w.Write([]byte(page)); err != nil {
		logger.Warnf("Failed to write HTML content: %v", err)
	}
}
