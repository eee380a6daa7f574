package authbff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"go.pilab.hu/authbff/config"
)

// RefreshSkew is how long before the access-token deadline a refresh is
// triggered. The margin guards against tokens expiring mid-request.
const RefreshSkew = 5 * time.Minute

const providerTimeout = 15 * time.Second

// TokenSet is the outcome of a token-endpoint exchange: the provider-issued
// tokens plus the verified subject when an ID token was present.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Subject      string
	ExpiresAt    time.Time
}

// AuthService orchestrates the OIDC protocol against the identity provider
// and delegates session persistence to the injected SessionStore. The
// provider itself is a black box reached over HTTP.
type AuthService struct {
	clientID      string
	clientSecret  string
	oauth         oauth2.Config
	revocationURL string
	verifier      *oidc.IDTokenVerifier
	httpClient    *http.Client
	sessions      SessionStore

	now func() time.Time
}

// NewAuthService discovers the provider's endpoints from its OIDC
// configuration and builds a service on top of them.
func NewAuthService(ctx context.Context, cfg *config.Config, sessions SessionStore) (*AuthService, error) {
	httpClient := &http.Client{Timeout: providerTimeout}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.IssuerURL, err)
	}

	// revocation_endpoint is optional in discovery documents; fall back to
	// the conventional path under the issuer.
	var wellKnown struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&wellKnown); err != nil {
		log.Warn().Err(err).Msg("could not read provider discovery claims")
	}
	revocationURL := wellKnown.RevocationEndpoint
	if revocationURL == "" {
		revocationURL = strings.TrimSuffix(cfg.IssuerURL, "/") + "/revoke"
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	svc := NewAuthServiceWithEndpoints(cfg, sessions, provider.Endpoint(), revocationURL, verifier)
	svc.httpClient = httpClient
	return svc, nil
}

// NewAuthServiceWithEndpoints builds a service with explicit endpoints,
// bypassing discovery.
func NewAuthServiceWithEndpoints(
	cfg *config.Config,
	sessions SessionStore,
	endpoint oauth2.Endpoint,
	revocationURL string,
	verifier *oidc.IDTokenVerifier,
) *AuthService {
	return &AuthService{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		revocationURL: revocationURL,
		verifier:      verifier,
		httpClient:    &http.Client{Timeout: providerTimeout},
		sessions:      sessions,
		now:           time.Now,
	}
}

// AuthURL builds the provider authorization URL for a login attempt. Pure
// function of configuration and inputs.
func (s *AuthService) AuthURL(state, codeChallenge string) string {
	return s.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode trades an authorization code for tokens, presenting the PKCE
// verifier so the provider can validate the challenge. When the provider
// returns an ID token it is verified and its subject extracted.
func (s *AuthService) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	tok, err := s.oauth.Exchange(s.clientContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, mapExchangeErr("code exchange", err)
	}
	return s.tokenSet(ctx, tok, true)
}

// Refresh performs a refresh_token grant. The returned set carries the
// rotated refresh token when the provider issued one, otherwise the
// original.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := s.oauth.TokenSource(s.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mapExchangeErr("token refresh", err)
	}

	ts, err := s.tokenSet(ctx, tok, false)
	if err != nil {
		return nil, err
	}
	if ts.RefreshToken == "" {
		// Provider did not rotate; the old token stays valid.
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// Revoke asks the provider to revoke a token. Best-effort: the error is
// returned for logging but must never block logout.
func (s *AuthService) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	form := url.Values{"token": {token}}
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.revocationURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(s.clientID), url.QueryEscape(s.clientSecret))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke token: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// ShouldRefresh reports whether the session's access token is inside the
// pre-expiry refresh window.
func (s *AuthService) ShouldRefresh(sess *Session) bool {
	return sess.ExpiresAt.Sub(s.now()) < RefreshSkew
}

// CreateSession persists a new session for the exchanged token set. The
// session ID is generated here, independent of any token contents.
func (s *AuthService) CreateSession(ctx context.Context, ts *TokenSet) (*Session, error) {
	sess := &Session{
		ID:           NewSessionID(),
		UserID:       ts.Subject,
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		IDToken:      ts.IDToken,
		ExpiresAt:    ts.ExpiresAt,
		CreatedAt:    s.now(),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession delegates to the injected store.
func (s *AuthService) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.sessions.GetSession(ctx, id)
}

// UpdateSession delegates to the injected store.
func (s *AuthService) UpdateSession(ctx context.Context, id string, update SessionUpdate) (bool, error) {
	return s.sessions.UpdateSession(ctx, id, update)
}

// DeleteSession delegates to the injected store.
func (s *AuthService) DeleteSession(ctx context.Context, id string) (bool, error) {
	return s.sessions.DeleteSession(ctx, id)
}

// clientContext routes oauth2 HTTP traffic through the service's client so
// provider calls share one timeout policy.
func (s *AuthService) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func (s *AuthService) tokenSet(ctx context.Context, tok *oauth2.Token, requireSubject bool) (*TokenSet, error) {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken != "" {
		if s.verifier == nil {
			return nil, errors.New("id token present but no verifier configured")
		}
		idToken, err := s.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verify id token: %w", err)
		}
		ts.IDToken = rawIDToken
		ts.Subject = idToken.Subject
	} else if requireSubject {
		return nil, errors.New("token response contained no id token")
	}

	return ts, nil
}

// mapExchangeErr collapses provider error responses into ExchangeError so
// callers can log status and body without ever exposing them to the browser.
// Transport failures (including timeouts) pass through wrapped: they fail
// the exchange closed.
func mapExchangeErr(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &ExchangeError{StatusCode: re.Response.StatusCode, Body: string(re.Body)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
