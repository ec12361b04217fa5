// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/codehive/pkg/logger"
)

// clientName identifies CodeHive to authorization servers.
const clientName = "CodeHive"

// Grant and response types used by the registration request (RFC 7591).
const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	responseTypeCode       = "code"
	authMethodNone         = "none"
)

// RegistrationRequest is the dynamic client registration request (RFC 7591).
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scopes                  []string `json:"scope,omitempty"`
}

// NewRegistrationRequest builds the request the broker registers with: a
// public client (PKCE, no client secret) redirecting to the loopback
// callback.
func NewRegistrationRequest(scopes []string, callbackPort int) *RegistrationRequest {
	return &RegistrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{fmt.Sprintf("http://localhost:%d/callback", callbackPort)},
		TokenEndpointAuthMethod: authMethodNone,
		GrantTypes:              []string{grantAuthorizationCode, grantRefreshToken},
		ResponseTypes:           []string{responseTypeCode},
		Scopes:                  scopes,
	}
}

// ScopeList tolerates servers that echo scope back as either a
// space-delimited string or a JSON array.
type ScopeList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *ScopeList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		str = strings.TrimSpace(str)
		if str == "" {
			*s = nil
			return nil
		}
		*s = strings.Fields(str)
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = make([]string, 0, len(arr))
		for _, v := range arr {
			if v = strings.TrimSpace(v); v != "" {
				*s = append(*s, v)
			}
		}
		return nil
	}

	return fmt.Errorf("invalid scope format: %s", string(data))
}

// RegistrationResponse is the dynamic client registration response (RFC 7591).
type RegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`

	ClientIDIssuedAt        int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64  `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`

	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
	Scopes                  ScopeList `json:"scope,omitempty"`
}

// RegisterClient performs dynamic client registration against the given
// endpoint.
func RegisterClient(
	ctx context.Context,
	registrationEndpoint string,
	request *RegistrationRequest,
) (*RegistrationResponse, error) {
	return registerClientWithClient(ctx, registrationEndpoint, request, nil)
}

func validateRegistrationEndpoint(registrationEndpoint string) error {
	registrationURL, err := url.Parse(registrationEndpoint)
	if err != nil {
		return fmt.Errorf("invalid registration endpoint URL: %w", err)
	}
	if registrationURL.Scheme != "https" && !isLocalhost(registrationURL.Hostname()) {
		return fmt.Errorf("registration endpoint must use HTTPS: %s", registrationEndpoint)
	}
	return nil
}

func registerClientWithClient(
	ctx context.Context,
	registrationEndpoint string,
	request *RegistrationRequest,
	client *http.Client,
) (*RegistrationResponse, error) {
	if err := validateRegistrationEndpoint(registrationEndpoint); err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fmt.Errorf("registration request cannot be nil")
	}
	if len(request.RedirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required")
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, registrationEndpoint, strings.NewReader(string(requestBody)))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if client == nil {
		client = discoveryHTTPClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform dynamic client registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
		return nil, fmt.Errorf("dynamic client registration failed with status %d: %s",
			resp.StatusCode, string(errorBody))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return nil, fmt.Errorf("unexpected content type: %s", ct)
	}

	var response RegistrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	if response.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	logger.Infof("Successfully registered OAuth client dynamically - client_id: %s", response.ClientID)
	return &response, nil
}
