// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/stacklok/codehive/pkg/logger"
)

// persistingTokenSource writes refreshed tokens back to the store so that a
// refresh performed by one process (host or sandboxed proxy) is visible to
// the next one that loads credentials.
type persistingTokenSource struct {
	backend string
	store   *Store

	mu   sync.Mutex
	src  oauth2.TokenSource
	last *oauth2.Token
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if p.last == nil || tok.AccessToken != p.last.AccessToken {
		if saveErr := p.store.SaveTokens(context.Background(), p.backend, tok); saveErr != nil {
			// Keep serving the refreshed token; persistence is best effort.
			logger.Warnf("Failed to persist refreshed tokens for %q: %v", p.backend, saveErr)
		}
		p.last = tok
	}
	return tok, nil
}
