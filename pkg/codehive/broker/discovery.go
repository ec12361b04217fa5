// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/codehive/pkg/logger"
)

const (
	// defaultHTTPTimeout bounds discovery and registration requests.
	defaultHTTPTimeout = 30 * time.Second

	// authDetectTimeout bounds the unauthenticated probe.
	authDetectTimeout = 10 * time.Second

	// maxMetadataSize limits well-known and resource metadata responses.
	maxMetadataSize = 1024 * 1024

	userAgent = "CodeHive/1.0"
)

// AuthInfo is the authentication challenge extracted from a WWW-Authenticate
// header returned by a backend.
type AuthInfo struct {
	Realm            string
	Type             string
	ResourceMetadata string
	Error            string
	ErrorDescription string
}

// Metadata is the subset of RFC 8414 / OIDC discovery metadata the broker
// needs to drive an authorization code flow.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// ResourceMetadata is the RFC 9728 protected resource metadata document.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
}

func discoveryHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultHTTPTimeout,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}
}

// DetectAuthRequirement probes the backend URL for an OAuth challenge.
// It tries a plain GET first; some servers only challenge protocol traffic,
// so a JSON-RPC initialize POST follows. A nil AuthInfo with nil error means
// the server answered without demanding authentication.
func DetectAuthRequirement(ctx context.Context, targetURI string) (*AuthInfo, error) {
	detectCtx, cancel := context.WithTimeout(ctx, authDetectTimeout)
	defer cancel()

	client := &http.Client{
		Timeout: authDetectTimeout,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
		},
	}

	authInfo, err := detectWithRequest(detectCtx, client, targetURI, http.MethodGet, "")
	if err != nil {
		return nil, err
	}
	if authInfo != nil {
		return authInfo, nil
	}

	const initializeProbe = `{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": {}}`
	return detectWithRequest(detectCtx, client, targetURI, http.MethodPost, initializeProbe)
}

func detectWithRequest(
	ctx context.Context, client *http.Client, targetURI, method, body string,
) (*AuthInfo, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURI, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make %s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if wwwAuth := resp.Header.Get("WWW-Authenticate"); wwwAuth != "" {
			return ParseWWWAuthenticate(wwwAuth)
		}
	}
	return nil, nil
}

// ParseWWWAuthenticate extracts challenge parameters from a WWW-Authenticate
// header. Bearer and OAuth schemes are supported; parameters can contain
// commas inside quoted values, so the header is not split naively.
func ParseWWWAuthenticate(header string) (*AuthInfo, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	for _, scheme := range []string{"Bearer", "OAuth"} {
		if !strings.HasPrefix(header, scheme) {
			continue
		}
		authInfo := &AuthInfo{Type: scheme}
		params := strings.TrimSpace(strings.TrimPrefix(header, scheme))
		if params != "" {
			authInfo.Realm = extractParameter(params, "realm")
			authInfo.ResourceMetadata = extractParameter(params, "resource_metadata")
			authInfo.Error = extractParameter(params, "error")
			authInfo.ErrorDescription = extractParameter(params, "error_description")
		}
		return authInfo, nil
	}

	if strings.HasPrefix(header, "Basic") || strings.HasPrefix(header, "Digest") {
		return nil, fmt.Errorf("unsupported authentication scheme: %s", strings.Split(header, " ")[0])
	}
	return nil, fmt.Errorf("no supported authentication type found in header: %s", header)
}

// extractParameter pulls one parameter value out of a challenge parameter
// list, handling both quoted and unquoted forms.
func extractParameter(params, paramName string) string {
	searchStr := paramName + "="
	idx := strings.Index(params, searchStr)
	if idx == -1 {
		return ""
	}

	valueStart := idx + len(searchStr)
	if valueStart >= len(params) {
		return ""
	}
	remainder := params[valueStart:]

	if strings.HasPrefix(remainder, `"`) {
		endIdx := 1
		for endIdx < len(remainder) {
			if remainder[endIdx] == '"' && remainder[endIdx-1] != '\\' {
				value := remainder[1:endIdx]
				return strings.ReplaceAll(value, `\"`, `"`)
			}
			endIdx++
		}
		return ""
	}

	endIdx := 0
	for endIdx < len(remainder) {
		if remainder[endIdx] == ',' || remainder[endIdx] == ' ' {
			break
		}
		endIdx++
	}
	return strings.TrimSpace(remainder[:endIdx])
}

// DeriveIssuer derives the authorization server issuer from a backend URL:
// the backend's origin over HTTPS, except for localhost where the original
// scheme is preserved for development setups.
func DeriveIssuer(remoteURL string) string {
	parsedURL, err := url.Parse(remoteURL)
	if err != nil {
		logger.Debugf("Failed to parse remote URL: %v", err)
		return ""
	}

	host := parsedURL.Hostname()
	if host == "" {
		return ""
	}
	if port := parsedURL.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}

	scheme := "https"
	if isLocalhost(parsedURL.Hostname()) && parsedURL.Scheme != "" {
		scheme = parsedURL.Scheme
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

func isLocalhost(host string) bool {
	if host == "localhost" || host == "::1" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// DiscoverEndpoints resolves the issuer's authorization and token endpoints.
// The RFC 8414 authorization server document is tried first, then the OIDC
// configuration document.
func DiscoverEndpoints(ctx context.Context, issuer string) (*Metadata, error) {
	base, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL %q: %w", issuer, err)
	}
	if base.Scheme != "https" && !isLocalhost(base.Hostname()) {
		return nil, fmt.Errorf("issuer must use HTTPS: %s", issuer)
	}

	oauthURL := base.JoinPath("/.well-known/oauth-authorization-server").String()
	oidcURL := base.JoinPath("/.well-known/openid-configuration").String()

	client := discoveryHTTPClient()
	doc, oauthErr := fetchMetadata(ctx, client, oauthURL)
	if oauthErr == nil {
		return doc, nil
	}
	doc, oidcErr := fetchMetadata(ctx, client, oidcURL)
	if oidcErr == nil {
		return doc, nil
	}
	return nil, fmt.Errorf("unable to discover endpoints at %q or %q: %v; %v",
		oauthURL, oidcURL, oauthErr, oidcErr)
}

func fetchMetadata(ctx context.Context, client *http.Client, urlStr string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", urlStr, resp.StatusCode)
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); !strings.Contains(ct, "application/json") {
		return nil, fmt.Errorf("%s: unexpected content-type %q", urlStr, ct)
	}

	var doc Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: unexpected response: %w", urlStr, err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("%s: metadata missing authorization or token endpoint", urlStr)
	}
	return &doc, nil
}

// FetchResourceMetadata retrieves RFC 9728 protected resource metadata from
// the URL a 401 challenge advertised.
func FetchResourceMetadata(ctx context.Context, metadataURL string) (*ResourceMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := discoveryHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", metadataURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", metadataURL, resp.StatusCode)
	}

	var meta ResourceMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%s: unexpected response: %w", metadataURL, err)
	}
	return &meta, nil
}
