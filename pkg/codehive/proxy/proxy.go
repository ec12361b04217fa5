// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy federates tools from multiple MCP backends behind a single
// server.
//
// Discovery connects each configured backend, lists its tools, and publishes
// them in the catalog under qualified names. Dispatch resolves a qualified
// name back to its backend session and forwards the call unchanged: results
// and backend-reported tool failures pass through as-is, and the proxy never
// retries on its own. When a backend's session fails, its tools are evicted
// from the catalog and stay gone until the proxy is restarted.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/catalog"
	"github.com/stacklok/codehive/pkg/logger"
)

// maxConcurrentDiscoveries caps how many backends are queried in parallel.
const maxConcurrentDiscoveries = 10

// Proxy owns the backend sessions and the federated tool catalog.
type Proxy struct {
	catalog *catalog.Catalog

	mu       sync.RWMutex
	sessions map[string]codehive.Session
}

// New creates a proxy over the given backend sessions, keyed by backend
// name. The catalog starts empty; call Discover to populate it.
func New(sessions []codehive.Session) *Proxy {
	byName := make(map[string]codehive.Session, len(sessions))
	for _, sess := range sessions {
		byName[sess.Name()] = sess
	}
	return &Proxy{
		catalog:  catalog.New(),
		sessions: byName,
	}
}

// Catalog returns the federated tool catalog.
func (p *Proxy) Catalog() *catalog.Catalog {
	return p.catalog
}

// Session returns the session for the named backend.
func (p *Proxy) Session(backend string) (codehive.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sess, ok := p.sessions[backend]
	return sess, ok
}

// Discover connects all backends in parallel and publishes their tools in
// the catalog. Backends that fail to connect or list tools are logged and
// skipped so that one bad backend cannot take down the rest. It returns an
// error only when backends are configured and every single one failed.
func (p *Proxy) Discover(ctx context.Context) error {
	p.mu.RLock()
	sessions := make([]codehive.Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.mu.RUnlock()

	if len(sessions) == 0 {
		logger.Info("No backends configured, serving an empty catalog")
		return nil
	}

	var (
		mu     sync.Mutex
		synced int
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDiscoveries)

	for _, sess := range sessions {
		g.Go(func() error {
			count, err := p.syncBackend(groupCtx, sess)
			if err != nil {
				logger.Warnf("Skipping backend %s: %v", sess.Name(), err)
				return nil
			}

			mu.Lock()
			synced++
			mu.Unlock()

			logger.Infof("Discovered %d tools from backend %s", count, sess.Name())
			return nil
		})
	}

	// Sync errors are logged and swallowed above, so Wait only fails when
	// the parent context is cancelled.
	if err := g.Wait(); err != nil {
		return fmt.Errorf("backend discovery failed: %w", err)
	}

	if synced == 0 {
		return fmt.Errorf("no backends returned tools")
	}

	logger.Infof("Tool catalog ready: %d tools from %d of %d backends",
		p.catalog.Len(), synced, len(sessions))
	return nil
}

// syncBackend opens the session if it is not ready yet, lists its tools, and
// republishes them in the catalog.
func (p *Proxy) syncBackend(ctx context.Context, sess codehive.Session) (int, error) {
	if sess.State() != codehive.SessionReady {
		if err := sess.Open(ctx); err != nil {
			return 0, err
		}
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return 0, err
	}

	return p.catalog.ReplaceBackend(sess.Name(), tools), nil
}

// Dispatch routes a qualified tool call to its backend and relays the result
// unchanged. Tool failures reported by the backend travel in-band on the
// result's IsError flag; a non-nil error means the call never reached the
// tool, with the sentinel distinguishing unknown names, offline backends,
// and transport faults.
//
// A transport fault that leaves the session failed evicts the backend's
// tools from the catalog. Failed backends are not revived in-process.
func (p *Proxy) Dispatch(ctx context.Context, qualified string, args map[string]any) (*codehive.ToolCallResult, error) {
	tool, ok := p.catalog.Get(qualified)
	if !ok {
		return nil, p.unknownToolError(qualified)
	}

	sess, ok := p.Session(tool.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", codehive.ErrBackendNotFound, tool.Backend)
	}

	result, err := sess.CallTool(ctx, tool.RawName, args)
	if err != nil {
		if sess.State() == codehive.SessionFailed {
			evicted := p.catalog.EvictBackend(tool.Backend)
			logger.Warnf("Backend %s failed, evicted %d tools from the catalog", tool.Backend, evicted)
		}
		return nil, err
	}
	return result, nil
}

// unknownToolError distinguishes a name that was never cataloged from one
// whose backend has been evicted after failing.
func (p *Proxy) unknownToolError(qualified string) error {
	backend, _, err := codehive.SplitName(qualified)
	if err != nil {
		return err
	}
	if sess, ok := p.Session(backend); ok && sess.State() == codehive.SessionFailed {
		return fmt.Errorf("%w: backend %s is offline", codehive.ErrBackendUnavailable, backend)
	}
	return fmt.Errorf("%w: %s", codehive.ErrToolNotFound, qualified)
}

// Close shuts down every backend session.
func (p *Proxy) Close() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var errs []error
	for name, sess := range p.sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
