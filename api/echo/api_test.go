package echo

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/authbff"
	"go.pilab.hu/authbff/config"
	"go.pilab.hu/authbff/internal/providertest"
	"go.pilab.hu/authbff/middleware"
	"go.pilab.hu/authbff/store"
)

type apiEnv struct {
	provider *providertest.Provider
	store    *store.MemoryStore
	service  *authbff.AuthService
	codec    *authbff.TransactionCodec
	echo     *echo.Echo
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	env := &apiEnv{
		provider: providertest.New(t),
		store:    store.NewMemoryStore(),
	}

	cfg := &config.Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:8080/callback",
		Scopes:       []string{"openid", "profile"},
	}
	env.service = authbff.NewAuthServiceWithEndpoints(
		cfg, env.store, env.provider.Endpoint(), env.provider.RevocationURL(), env.provider.Verifier())

	var err error
	env.codec, err = authbff.NewTransactionCodec(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	env.echo = echo.New()
	env.echo.Use(middleware.Session(env.service))
	NewBFFAPI(env.service, env.codec, false).RegisterRoutes(env.echo)

	return env
}

func (env *apiEnv) sealTransaction(t *testing.T, state, verifier string, createdAt time.Time) *http.Cookie {
	t.Helper()
	sealed, err := env.codec.Seal(&authbff.LoginTransaction{
		State:        state,
		CodeVerifier: verifier,
		CreatedAt:    createdAt,
	})
	require.NoError(t, err)
	return &http.Cookie{Name: TransactionCookieName, Value: sealed}
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginRedirectsToProvider(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "test-client", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	cookie := cookieByName(rec, TransactionCookieName)
	require.NotNil(t, cookie, "transaction cookie is set")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 600, cookie.MaxAge)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	// The cookie binds the redirect: same state, and the challenge in the
	// URL is derived from the sealed verifier.
	tx, err := env.codec.Open(cookie.Value, time.Now())
	require.NoError(t, err)
	assert.Equal(t, q.Get("state"), tx.State)
	assert.True(t, authbff.VerifyPKCEChallenge(q.Get("code_challenge"), tx.CodeVerifier))
}

func callbackRequest(code, state string, cookie *http.Cookie) *http.Request {
	target := "/callback"
	q := url.Values{}
	if code != "" {
		q.Set("code", code)
	}
	if state != "" {
		q.Set("state", state)
	}
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestCallbackSuccess(t *testing.T) {
	env := newAPIEnv(t)
	tx := env.sealTransaction(t, "state-1", "verifier-1", time.Now())

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, callbackRequest("code-1", "state-1", tx))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	sessionCookie := cookieByName(rec, middleware.SessionCookieName)
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, sessionCookie.SameSite)
	assert.Equal(t, 24*60*60, sessionCookie.MaxAge)

	// Single-use: the transaction cookie is dropped.
	txCookie := cookieByName(rec, TransactionCookieName)
	require.NotNil(t, txCookie)
	assert.Less(t, txCookie.MaxAge, 0)

	sess, err := env.store.GetSession(context.Background(), sessionCookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-123", sess.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 10*time.Second)

	form := env.provider.LastTokenForm()
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, "verifier-1", form.Get("code_verifier"))
}

func TestCallbackMismatchedState(t *testing.T) {
	env := newAPIEnv(t)
	tx := env.sealTransaction(t, "state-1", "verifier-1", time.Now())

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, callbackRequest("code-1", "attacker-state", tx))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/?error=invalid_state", rec.Header().Get("Location"))
	assert.Equal(t, 0, env.store.Len(), "no session is created")
}

func TestCallbackStaleTransaction(t *testing.T) {
	env := newAPIEnv(t)
	tx := env.sealTransaction(t, "state-1", "verifier-1", time.Now().Add(-11*time.Minute))

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, callbackRequest("code-1", "state-1", tx))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/?error=invalid_state", rec.Header().Get("Location"))
	assert.Equal(t, 0, env.store.Len())
}

func TestCallbackMissingInputs(t *testing.T) {
	env := newAPIEnv(t)
	tx := env.sealTransaction(t, "state-1", "verifier-1", time.Now())

	cases := []struct {
		name   string
		req    *http.Request
	}{
		{"missing code", callbackRequest("", "state-1", tx)},
		{"missing state", callbackRequest("code-1", "", tx)},
		{"missing cookie", callbackRequest("code-1", "state-1", nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.echo.ServeHTTP(rec, tc.req)
			require.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, "/?error=invalid_request", rec.Header().Get("Location"))
		})
	}
	assert.Equal(t, 0, env.store.Len())
}

func TestCallbackTamperedCookie(t *testing.T) {
	env := newAPIEnv(t)
	cookie := &http.Cookie{Name: TransactionCookieName, Value: "garbage-value"}

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, callbackRequest("code-1", "state-1", cookie))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/?error=invalid_request", rec.Header().Get("Location"))
}

func TestCallbackExchangeFailure(t *testing.T) {
	env := newAPIEnv(t)
	env.provider.TokenStatus = 500
	tx := env.sealTransaction(t, "state-1", "verifier-1", time.Now())

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, callbackRequest("code-1", "state-1", tx))

	require.Equal(t, http.StatusFound, rec.Code)
	// Provider failure detail is collapsed to a generic kind.
	assert.Equal(t, "/?error=auth_failed", rec.Header().Get("Location"))
	assert.Equal(t, 0, env.store.Len())
}

func logoutRequest(sessionID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: sessionID})
	}
	return req
}

func TestLogout(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.store.CreateSession(context.Background(), &authbff.Session{
		ID:           "sess-1",
		UserID:       "user-123",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, logoutRequest("sess-1"))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	calls := env.provider.RevokeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "rt", calls[0].Get("token"))
	assert.Equal(t, "refresh_token", calls[0].Get("token_type_hint"))

	_, err := env.store.GetSession(context.Background(), "sess-1")
	assert.ErrorIs(t, err, authbff.ErrSessionNotFound)

	cookie := cookieByName(rec, middleware.SessionCookieName)
	require.NotNil(t, cookie)
	assert.Less(t, cookie.MaxAge, 0)
}

func TestLogoutSurvivesRevokeFailure(t *testing.T) {
	env := newAPIEnv(t)
	env.provider.RevokeStatus = 503
	require.NoError(t, env.store.CreateSession(context.Background(), &authbff.Session{
		ID:           "sess-1",
		UserID:       "user-123",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, logoutRequest("sess-1"))

	// Logout always completes: session deleted, cookie cleared.
	require.Equal(t, http.StatusFound, rec.Code)
	_, err := env.store.GetSession(context.Background(), "sess-1")
	assert.ErrorIs(t, err, authbff.ErrSessionNotFound)
	cookie := cookieByName(rec, middleware.SessionCookieName)
	require.NotNil(t, cookie)
	assert.Less(t, cookie.MaxAge, 0)
}

func TestLogoutWithoutSession(t *testing.T) {
	env := newAPIEnv(t)

	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, logoutRequest(""))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Empty(t, env.provider.RevokeCalls())
}

func TestUserInfo(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.store.CreateSession(context.Background(), &authbff.Session{
		ID:        "sess-1",
		UserID:    "user-123",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sess-1"})
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":"user-123"`)
	assert.NotContains(t, rec.Body.String(), "access_token")

	// Anonymous requests are the downstream handler's decision: 401 here.
	rec = httptest.NewRecorder()
	env.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/userinfo", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
