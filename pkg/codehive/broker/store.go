// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/oauth2"
)

// lockTimeout is the maximum time to wait for a file lock.
const lockTimeout = 1 * time.Second

// Per-backend credential files under <root>/.oauth/<backend>/.
const (
	clientInfoFile = "client_info.json"
	tokensFile     = "tokens.json"
	verifierFile   = "code_verifier.txt"
)

// InvalidateScope selects which credential blobs Invalidate removes.
type InvalidateScope string

const (
	// ScopeAll removes the backend's entire credential directory.
	ScopeAll InvalidateScope = "all"

	// ScopeClient removes the dynamic client registration record.
	ScopeClient InvalidateScope = "client"

	// ScopeTokens removes stored tokens.
	ScopeTokens InvalidateScope = "tokens"

	// ScopeVerifier removes a staged PKCE verifier.
	ScopeVerifier InvalidateScope = "verifier"
)

// ErrNotStored indicates the requested credential blob does not exist.
var ErrNotStored = errors.New("credential not stored")

// ClientInfo is the persisted outcome of endpoint discovery plus dynamic
// client registration for one backend.
type ClientInfo struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	RedirectURI           string   `json:"redirect_uri"`
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`
}

// Store persists per-backend OAuth state under <root>/.oauth/<backend>/.
//
// Writes are atomic (temp file + rename) and serialized across processes by a
// per-backend lock file: the host broker and the in-container broker share
// this directory through the sandbox bind mount.
type Store struct {
	root string
}

// NewStore creates a store rooted at <root>/.oauth.
func NewStore(root string) *Store {
	return &Store{root: filepath.Join(root, ".oauth")}
}

func (s *Store) backendDir(backend string) string {
	return filepath.Join(s.root, backend)
}

// withLock runs fn while holding the backend's cross-process lock.
func (s *Store) withLock(ctx context.Context, backend string, fn func() error) error {
	dir := s.backendDir(backend)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	fileLock := flock.New(filepath.Join(dir, ".lock"))
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	return fn()
}

// writeAtomic writes data to path via a temp file in the same directory.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// SaveClientInfo persists the registration record for a backend.
func (s *Store) SaveClientInfo(ctx context.Context, backend string, info *ClientInfo) error {
	return s.withLock(ctx, backend, func() error {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal client info: %w", err)
		}
		return writeAtomic(filepath.Join(s.backendDir(backend), clientInfoFile), data, 0o600)
	})
}

// LoadClientInfo returns the stored registration record, or ErrNotStored.
func (s *Store) LoadClientInfo(ctx context.Context, backend string) (*ClientInfo, error) {
	var info ClientInfo
	err := s.withLock(ctx, backend, func() error {
		data, err := os.ReadFile(filepath.Join(s.backendDir(backend), clientInfoFile))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: client info for %s", ErrNotStored, backend)
			}
			return err
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveTokens persists the token set for a backend.
func (s *Store) SaveTokens(ctx context.Context, backend string, tok *oauth2.Token) error {
	return s.withLock(ctx, backend, func() error {
		data, err := json.MarshalIndent(tok, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal tokens: %w", err)
		}
		return writeAtomic(filepath.Join(s.backendDir(backend), tokensFile), data, 0o600)
	})
}

// LoadTokens returns the stored token set, or ErrNotStored.
func (s *Store) LoadTokens(ctx context.Context, backend string) (*oauth2.Token, error) {
	var tok oauth2.Token
	err := s.withLock(ctx, backend, func() error {
		data, err := os.ReadFile(filepath.Join(s.backendDir(backend), tokensFile))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: tokens for %s", ErrNotStored, backend)
			}
			return err
		}
		return json.Unmarshal(data, &tok)
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// StageVerifier writes the PKCE code verifier ahead of the redirect.
func (s *Store) StageVerifier(ctx context.Context, backend, verifier string) error {
	return s.withLock(ctx, backend, func() error {
		return writeAtomic(filepath.Join(s.backendDir(backend), verifierFile), []byte(verifier), 0o600)
	})
}

// ConsumeVerifier reads and deletes the staged PKCE verifier. Each staged
// verifier can be consumed exactly once; a second call returns ErrNotStored.
func (s *Store) ConsumeVerifier(ctx context.Context, backend string) (string, error) {
	var verifier string
	err := s.withLock(ctx, backend, func() error {
		path := filepath.Join(s.backendDir(backend), verifierFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: verifier for %s", ErrNotStored, backend)
			}
			return err
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to consume verifier: %w", err)
		}
		verifier = strings.TrimSpace(string(data))
		return nil
	})
	if err != nil {
		return "", err
	}
	return verifier, nil
}

// Invalidate removes the credential blobs selected by scope.
// Removing blobs that do not exist is not an error.
func (s *Store) Invalidate(ctx context.Context, backend string, scope InvalidateScope) error {
	return s.withLock(ctx, backend, func() error {
		dir := s.backendDir(backend)
		remove := func(names ...string) error {
			for _, name := range names {
				if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			return nil
		}

		switch scope {
		case ScopeAll:
			return remove(clientInfoFile, tokensFile, verifierFile)
		case ScopeClient:
			return remove(clientInfoFile)
		case ScopeTokens:
			return remove(tokensFile)
		case ScopeVerifier:
			return remove(verifierFile)
		default:
			return fmt.Errorf("unknown invalidate scope %q", scope)
		}
	})
}
