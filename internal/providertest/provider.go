// Package providertest runs a fake OIDC provider for tests: a token
// endpoint minting ID tokens and a revocation endpoint, both recording what
// they were asked.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const signingSecret = "providertest-signing-secret"

// Provider is a fake identity provider backed by httptest.
type Provider struct {
	Server *httptest.Server

	mu sync.Mutex

	// Subject is the sub claim of minted ID tokens.
	Subject string

	// ExpiresIn is the advertised access-token lifetime in seconds.
	ExpiresIn int

	// RotateRefreshToken controls whether refresh responses carry a new
	// refresh token.
	RotateRefreshToken bool

	// TokenStatus, when non-zero, makes the token endpoint fail with that
	// HTTP status.
	TokenStatus int

	// RevokeStatus, when non-zero, makes the revocation endpoint fail.
	RevokeStatus int

	lastTokenForm url.Values
	revokeCalls   []url.Values
	tokenCounter  int
}

// New starts a fake provider. It is shut down with the test.
func New(t *testing.T) *Provider {
	t.Helper()

	p := &Provider{
		Subject:            "user-123",
		ExpiresIn:          3600,
		RotateRefreshToken: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/revoke", p.handleRevoke)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// IssuerURL is the fake issuer identifier.
func (p *Provider) IssuerURL() string {
	return p.Server.URL
}

// Endpoint returns the oauth2 endpoints of the fake provider.
func (p *Provider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  p.Server.URL + "/auth",
		TokenURL: p.Server.URL + "/token",
	}
}

// RevocationURL returns the fake revocation endpoint.
func (p *Provider) RevocationURL() string {
	return p.Server.URL + "/revoke"
}

// Verifier returns an ID-token verifier for the fake issuer. Signatures are
// not checked; claims (issuer, expiry) still are.
func (p *Provider) Verifier() *oidc.IDTokenVerifier {
	return oidc.NewVerifier(p.IssuerURL(), nil, &oidc.Config{
		SkipClientIDCheck:          true,
		InsecureSkipSignatureCheck: true,
	})
}

// LastTokenForm returns the form of the most recent token request.
func (p *Provider) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

// RevokeCalls returns the forms of all revocation requests so far.
func (p *Provider) RevokeCalls() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.revokeCalls...)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastTokenForm = r.PostForm

	if p.TokenStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.TokenStatus)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		return
	}

	p.tokenCounter++
	resp := map[string]any{
		"access_token": fmt.Sprintf("access-token-%d", p.tokenCounter),
		"token_type":   "Bearer",
		"expires_in":   p.ExpiresIn,
	}
	if p.RotateRefreshToken || r.PostForm.Get("grant_type") == "authorization_code" {
		resp["refresh_token"] = fmt.Sprintf("refresh-token-%d", p.tokenCounter)
	}
	if r.PostForm.Get("grant_type") == "authorization_code" {
		resp["id_token"] = p.mintIDToken()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.revokeCalls = append(p.revokeCalls, r.PostForm)

	if p.RevokeStatus != 0 {
		w.WriteHeader(p.RevokeStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) mintIDToken() string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.IssuerURL(),
		"sub": p.Subject,
		"aud": "test-client",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		panic(err)
	}
	return signed
}
