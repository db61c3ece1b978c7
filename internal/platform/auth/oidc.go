package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

const discoveryTimeout = 10 * time.Second

// OIDCProvider is the part of an OpenID Connect discovery document the
// bearer token middleware uses.
type OIDCProvider struct {
	Issuer     string   `json:"issuer"`
	JWKSURI    string   `json:"jwks_uri"`
	SigningAlg []string `json:"id_token_signing_alg_values_supported"`
}

// DiscoverOIDC fetches issuer/.well-known/openid-configuration. The document
// must name the same issuer and a JWKS endpoint. A nil client uses a client
// with a 10s timeout.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuer string) (*OIDCProvider, error) {
	if client == nil {
		client = &http.Client{Timeout: discoveryTimeout}
	}
	issuer = strings.TrimRight(issuer, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("build OIDC discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode OIDC discovery document: %w", err)
	}
	if strings.TrimRight(p.Issuer, "/") != issuer {
		return nil, fmt.Errorf("OIDC discovery document names issuer %q, want %q", p.Issuer, issuer)
	}
	if p.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	return &p, nil
}

// AcceptedAlgs narrows the algorithms the middleware accepts to those the
// provider advertises. With nothing advertised, or nothing in common, it
// returns accepted unchanged.
func (p *OIDCProvider) AcceptedAlgs(accepted []string) []string {
	var out []string
	for _, alg := range accepted {
		if slices.Contains(p.SigningAlg, alg) {
			out = append(out, alg)
		}
	}
	if len(out) == 0 {
		return accepted
	}
	return out
}
