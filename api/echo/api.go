// Package echo exposes the BFF authentication endpoints over labstack/echo.
package echo

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authbff"
	"go.pilab.hu/authbff/middleware"
)

// TransactionCookieName carries the sealed login transaction between /login
// and /callback.
const TransactionCookieName = "oauth_state"

const (
	transactionCookieMaxAge = 600
	sessionCookieMaxAge     = 24 * 60 * 60
)

// BFFAPI holds the authentication route handlers and their dependencies.
type BFFAPI struct {
	service       *authbff.AuthService
	codec         *authbff.TransactionCodec
	secureCookies bool

	now func() time.Time
}

// NewBFFAPI initializes the BFF authentication API.
func NewBFFAPI(service *authbff.AuthService, codec *authbff.TransactionCodec, secureCookies bool) *BFFAPI {
	return &BFFAPI{
		service:       service,
		codec:         codec,
		secureCookies: secureCookies,
		now:           time.Now,
	}
}

// RegisterRoutes registers the BFF routes.
func (a *BFFAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/login", a.LoginHandler)
	e.GET("/callback", a.CallbackHandler)
	e.POST("/logout", a.LogoutHandler)
	e.GET("/userinfo", a.UserInfoHandler)
	e.GET("/healthz", a.HealthHandler)
}

// LoginHandler starts a login attempt: it generates the anti-forgery state
// and the PKCE pair, seals them into the short-lived transaction cookie,
// and redirects the browser to the provider.
func (a *BFFAPI) LoginHandler(c echo.Context) error {
	state, err := authbff.GenerateState()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate oauth state")
		return c.Redirect(http.StatusFound, "/?error="+authbff.FlowErrAuthFailed)
	}

	verifier, challenge, err := authbff.GeneratePKCE()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate pkce pair")
		return c.Redirect(http.StatusFound, "/?error="+authbff.FlowErrAuthFailed)
	}

	sealed, err := a.codec.Seal(&authbff.LoginTransaction{
		State:        state,
		CodeVerifier: verifier,
		CreatedAt:    a.now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to seal login transaction")
		return c.Redirect(http.StatusFound, "/?error="+authbff.FlowErrAuthFailed)
	}

	c.SetCookie(&http.Cookie{
		Name:     TransactionCookieName,
		Value:    sealed,
		Path:     "/",
		MaxAge:   transactionCookieMaxAge,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	return c.Redirect(http.StatusFound, a.service.AuthURL(state, challenge))
}

// CallbackHandler consumes the provider redirect: it validates the login
// transaction, exchanges the code, creates the session and hands the
// browser its opaque identifier. Provider failure detail is logged only;
// the browser sees a generic error kind at most.
func (a *BFFAPI) CallbackHandler(c echo.Context) error {
	txCookie, cookieErr := c.Cookie(TransactionCookieName)

	// The transaction is single-use: drop the cookie before judging the
	// outcome.
	a.clearTransactionCookie(c)

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" || cookieErr != nil || txCookie.Value == "" {
		return c.Redirect(http.StatusFound, "/?error="+authbff.FlowErrInvalidRequest)
	}

	tx, err := a.codec.Open(txCookie.Value, a.now())
	if err != nil {
		log.Warn().Err(err).Msg("rejected login transaction")
		kind := authbff.FlowErrInvalidRequest
		if errors.Is(err, authbff.ErrLoginExpired) {
			kind = authbff.FlowErrInvalidState
		}
		return c.Redirect(http.StatusFound, "/?error="+kind)
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(tx.State)) != 1 {
		log.Warn().Msg("oauth state mismatch at callback")
		return c.Redirect(http.StatusFound, "/?error="+authbff.FlowErrInvalidState)
	}

	ctx := c.Request().Context()
	tokens, err := a.service.ExchangeCode(ctx, code, tx.CodeVerifier)
	if err != nil {
		log.Error().Err(err).Msg("code exchange failed")
		return c.Redirect(http.StatusFound, "/?error="+authbff.FlowErrAuthFailed)
	}

	sess, err := a.service.CreateSession(ctx, tokens)
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		return c.Redirect(http.StatusFound, "/?error="+authbff.FlowErrAuthFailed)
	}

	c.SetCookie(&http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   sessionCookieMaxAge,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})

	return c.Redirect(http.StatusFound, "/")
}

// LogoutHandler revokes the session's tokens best-effort, deletes the
// session and clears the cookie. It always completes from the user's
// perspective.
func (a *BFFAPI) LogoutHandler(c echo.Context) error {
	ctx := c.Request().Context()

	if cookie, err := c.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		sess, err := a.service.GetSession(ctx, cookie.Value)
		if err == nil {
			token, hint := sess.RefreshToken, "refresh_token"
			if token == "" {
				token, hint = sess.AccessToken, "access_token"
			}
			if token != "" {
				if err := a.service.Revoke(ctx, token, hint); err != nil {
					log.Warn().Err(err).Msg("token revocation failed during logout")
				}
			}
		}

		if _, err := a.service.DeleteSession(ctx, cookie.Value); err != nil {
			log.Error().Err(err).Msg("failed to delete session during logout")
		}
	}

	middleware.ClearSessionCookie(c)
	return c.Redirect(http.StatusFound, "/")
}

// UserInfoHandler reports the resolved identity of the request. Anonymous
// requests get 401; downstream consumers use this to decide between the
// authenticated and anonymous experience.
func (a *BFFAPI) UserInfoHandler(c echo.Context) error {
	identity, ok := middleware.IdentityFromContext(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
	}
	return c.JSON(http.StatusOK, identity)
}

// HealthHandler is a liveness probe.
func (a *BFFAPI) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *BFFAPI) clearTransactionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     TransactionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
