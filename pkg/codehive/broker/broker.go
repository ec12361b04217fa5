// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the OAuth authorization broker.
//
// The broker acquires credentials for backends that demand OAuth: it detects
// the challenge, discovers the authorization server, registers a client
// dynamically (RFC 7591), drives an authorization-code + PKCE flow through a
// loopback redirect, and persists everything under <root>/.oauth/<backend>/
// for reuse by both the host process and the in-container proxy.
package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/logger"
)

// openBrowser opens the authorization URL. Replaceable in tests.
var openBrowser = browser.OpenURL

// Broker drives OAuth authorization for backends and hands out
// token-carrying HTTP clients once credentials exist.
type Broker struct {
	store        *Store
	redirectPort int
	awaitTimeout time.Duration

	mu         sync.Mutex
	backendLks map[string]*sync.Mutex

	// flowMu guards the loopback listener and the single outstanding
	// awaitable. The listener is started lazily and torn down after one
	// successful callback.
	flowMu   sync.Mutex
	listener *callbackServer
	pending  *pendingFlow
}

// pendingFlow is the one outstanding awaitable: the callback handler
// resolves it with an authorization code or an error response.
type pendingFlow struct {
	backend string
	state   string
	result  chan callbackResult
}

// New creates a broker persisting to store, listening for redirects on
// redirectPort, and blocking at most awaitTimeout for each code.
func New(store *Store, redirectPort int, awaitTimeout time.Duration) *Broker {
	return &Broker{
		store:        store,
		redirectPort: redirectPort,
		awaitTimeout: awaitTimeout,
		backendLks:   make(map[string]*sync.Mutex),
	}
}

func (b *Broker) backendLock(backend string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lk, ok := b.backendLks[backend]
	if !ok {
		lk = &sync.Mutex{}
		b.backendLks[backend] = lk
	}
	return lk
}

// Authorize runs the full authorization flow for a backend: ensure a
// registered client, stage PKCE, open the authorization URL, await the
// redirect, exchange the code, and persist the tokens. Flows for the same
// backend are serialized; a flow that outlives the await window returns
// ErrAuthorizationPending and can be retried.
func (b *Broker) Authorize(ctx context.Context, backend, serverURL string) error {
	lk := b.backendLock(backend)
	lk.Lock()
	defer lk.Unlock()

	info, err := b.ensureClientInfo(ctx, backend, serverURL)
	if err != nil {
		return fmt.Errorf("%w: %v", codehive.ErrAuthorizationFailed, err)
	}

	pending, authURL, err := b.begin(ctx, backend, info)
	if err != nil {
		return fmt.Errorf("%w: %v", codehive.ErrAuthorizationFailed, err)
	}

	logger.Infof("Authorize backend %q by opening this URL in your browser: %s", backend, authURL)
	if err := openBrowser(authURL); err != nil {
		logger.Debugf("Could not open browser automatically: %v", err)
	}

	code, err := b.await(ctx, pending)
	if err != nil {
		return err
	}

	tok, err := b.exchange(ctx, backend, info, code)
	if err != nil {
		return fmt.Errorf("%w: token exchange: %v", codehive.ErrAuthorizationFailed, err)
	}
	if err := b.store.SaveTokens(ctx, backend, tok); err != nil {
		return fmt.Errorf("%w: persisting tokens: %v", codehive.ErrAuthorizationFailed, err)
	}

	logTokenClaims(backend, tok)
	logger.Infof("Authorization for backend %q completed", backend)
	return nil
}

// ensureClientInfo returns the stored registration record or performs
// discovery plus dynamic registration to create one.
func (b *Broker) ensureClientInfo(ctx context.Context, backend, serverURL string) (*ClientInfo, error) {
	info, err := b.store.LoadClientInfo(ctx, backend)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrNotStored) {
		return nil, err
	}

	issuer := b.resolveIssuer(ctx, backend, serverURL)
	if issuer == "" {
		return nil, fmt.Errorf("cannot determine authorization server for %q", serverURL)
	}

	meta, err := DiscoverEndpoints(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if meta.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("issuer %s does not advertise a registration endpoint", issuer)
	}

	req := NewRegistrationRequest(nil, b.redirectPort)
	resp, err := RegisterClient(ctx, meta.RegistrationEndpoint, req)
	if err != nil {
		return nil, err
	}

	info = &ClientInfo{
		ClientID:              resp.ClientID,
		ClientSecret:          resp.ClientSecret,
		RedirectURI:           req.RedirectURIs[0],
		Issuer:                issuer,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
		RegistrationEndpoint:  meta.RegistrationEndpoint,
		Scopes:                resp.Scopes,
	}
	if err := b.store.SaveClientInfo(ctx, backend, info); err != nil {
		return nil, err
	}
	return info, nil
}

// resolveIssuer finds the authorization server for a backend, preferring the
// RFC 9728 resource metadata surfaced by the 401 challenge, then a URL-shaped
// realm, then the backend's own origin.
func (b *Broker) resolveIssuer(ctx context.Context, backend, serverURL string) string {
	authInfo, err := DetectAuthRequirement(ctx, serverURL)
	if err != nil {
		logger.Debugf("Auth detection probe for %q failed: %v", backend, err)
	}

	if authInfo != nil && authInfo.ResourceMetadata != "" {
		meta, err := FetchResourceMetadata(ctx, authInfo.ResourceMetadata)
		if err != nil {
			logger.Debugf("Resource metadata fetch failed: %v", err)
		} else if len(meta.AuthorizationServers) > 0 {
			return meta.AuthorizationServers[0]
		}
	}

	if authInfo != nil && authInfo.Realm != "" {
		if u, err := url.Parse(authInfo.Realm); err == nil && (u.Scheme == "https" || u.Scheme == "http") {
			return authInfo.Realm
		}
	}

	return DeriveIssuer(serverURL)
}

// begin stages PKCE state and ensures the loopback listener is running.
// Any previously outstanding flow is superseded so its awaiter unblocks.
func (b *Broker) begin(ctx context.Context, backend string, info *ClientInfo) (*pendingFlow, string, error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, "", err
	}
	state, err := generateState()
	if err != nil {
		return nil, "", err
	}
	if err := b.store.StageVerifier(ctx, backend, verifier); err != nil {
		return nil, "", fmt.Errorf("staging verifier: %w", err)
	}

	b.flowMu.Lock()
	defer b.flowMu.Unlock()

	if b.pending != nil {
		select {
		case b.pending.result <- callbackResult{err: errors.New("superseded by a newer authorization flow")}:
		default:
		}
		b.pending = nil
	}

	if b.listener == nil {
		ln, err := newCallbackServer(b.redirectPort, b.deliver)
		if err != nil {
			return nil, "", err
		}
		b.listener = ln
	}

	p := &pendingFlow{
		backend: backend,
		state:   state,
		result:  make(chan callbackResult, 1),
	}
	b.pending = p

	authURL := oauthConfig(info).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return p, authURL, nil
}

// deliver routes a callback result to the outstanding flow.
func (b *Broker) deliver(res callbackResult) error {
	b.flowMu.Lock()
	p := b.pending
	b.flowMu.Unlock()

	if p == nil {
		logger.Warnf("Received OAuth callback with no authorization in flight")
		return errors.New("no authorization in flight")
	}
	if res.err == nil && res.state != p.state {
		res = callbackResult{err: errors.New("invalid state parameter")}
	}

	select {
	case p.result <- res:
	default:
	}
	return res.err
}

// await blocks for the authorization code. Timeouts and error responses
// clear the awaitable so the next attempt starts fresh; only a successful
// callback tears the listener down.
func (b *Broker) await(ctx context.Context, p *pendingFlow) (string, error) {
	timer := time.NewTimer(b.awaitTimeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		if res.err != nil {
			b.clearFlow(p, false)
			return "", fmt.Errorf("%w: %v", codehive.ErrAuthorizationFailed, res.err)
		}
		b.clearFlow(p, true)
		return res.code, nil
	case <-timer.C:
		b.clearFlow(p, false)
		return "", fmt.Errorf("%w: no authorization code for %q within %s",
			codehive.ErrAuthorizationPending, p.backend, b.awaitTimeout)
	case <-ctx.Done():
		b.clearFlow(p, false)
		return "", fmt.Errorf("%w: authorization cancelled: %v", codehive.ErrAuthorizationFailed, ctx.Err())
	}
}

func (b *Broker) clearFlow(p *pendingFlow, success bool) {
	b.flowMu.Lock()
	defer b.flowMu.Unlock()
	if b.pending == p {
		b.pending = nil
	}
	if success && b.listener != nil {
		b.listener.shutdown()
		b.listener = nil
	}
}

// exchange redeems the authorization code, consuming the staged verifier.
func (b *Broker) exchange(ctx context.Context, backend string, info *ClientInfo, code string) (*oauth2.Token, error) {
	verifier, err := b.store.ConsumeVerifier(ctx, backend)
	if err != nil {
		return nil, err
	}
	return oauthConfig(info).Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
}

// TokenSource returns a refreshing, persisting token source for a backend.
// ErrNotStored is returned when no tokens have been acquired yet.
func (b *Broker) TokenSource(ctx context.Context, backend string) (oauth2.TokenSource, error) {
	info, err := b.store.LoadClientInfo(ctx, backend)
	if err != nil {
		return nil, err
	}
	tok, err := b.store.LoadTokens(ctx, backend)
	if err != nil {
		return nil, err
	}

	// Background context: the source outlives the call that created it.
	base := oauthConfig(info).TokenSource(context.Background(), tok)
	return &persistingTokenSource{
		backend: backend,
		store:   b.store,
		src:     oauth2.ReuseTokenSource(tok, base),
		last:    tok,
	}, nil
}

// HTTPClient returns an http.Client carrying the backend's tokens, with
// automatic refresh. A nil client (and nil error) means no credentials are
// stored and the caller should connect unauthenticated.
func (b *Broker) HTTPClient(ctx context.Context, backend string) (*http.Client, error) {
	ts, err := b.TokenSource(ctx, backend)
	if err != nil {
		if errors.Is(err, ErrNotStored) {
			return nil, nil
		}
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// Invalidate removes stored credentials for a backend.
func (b *Broker) Invalidate(ctx context.Context, backend string, scope InvalidateScope) error {
	lk := b.backendLock(backend)
	lk.Lock()
	defer lk.Unlock()
	return b.store.Invalidate(ctx, backend, scope)
}

// Close tears down the redirect listener, if running.
func (b *Broker) Close() {
	b.flowMu.Lock()
	defer b.flowMu.Unlock()
	b.pending = nil
	if b.listener != nil {
		b.listener.shutdown()
		b.listener = nil
	}
}

func oauthConfig(info *ClientInfo) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     info.ClientID,
		ClientSecret: info.ClientSecret,
		RedirectURL:  info.RedirectURI,
		Scopes:       info.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  info.AuthorizationEndpoint,
			TokenURL: info.TokenEndpoint,
		},
	}
}

// generatePKCE produces an RFC 7636 verifier and its S256 challenge.
func generatePKCE() (verifier, challenge string, err error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge, nil
}

func generateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}

// logTokenClaims parses the acquired token without verification and logs a
// few claims for diagnostics. Opaque tokens are fine; this never fails.
func logTokenClaims(backend string, tok *oauth2.Token) {
	raw := tok.AccessToken
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		raw = idToken
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		logger.Debugf("Token for %q is not a parseable JWT (may be opaque): %v", backend, err)
		return
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return
	}
	subject, _ := claims.GetSubject()
	expiry, _ := claims.GetExpirationTime()
	logger.Debugw("Acquired token", "backend", backend, "subject", subject, "expires", expiry)
}
