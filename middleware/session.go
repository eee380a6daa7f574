// Package middleware provides the per-request session resolution gate and
// the rate limiter guarding the authentication endpoints.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authbff"
)

// SessionCookieName is the opaque session identifier cookie.
const SessionCookieName = "session_id"

// Identity is the authenticated principal injected into the request context.
type Identity struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type contextKey int

const (
	identityKey contextKey = iota
	accessTokenKey
)

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// AccessTokenFromContext returns the current provider access token for the
// request's session, if any. It is available to outbound proxy calls only;
// it is never written to a response.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(accessTokenKey).(string)
	return tok, ok
}

// Session resolves the inbound session cookie against the store, refreshing
// the provider tokens when the access token is inside its pre-expiry window.
//
// Every outcome except a resolved session continues the pipeline
// anonymously; the middleware never terminates a request itself. Invalid
// identifiers are cleared from the browser so the client stops presenting
// them.
func Session(svc *authbff.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			sessionID := cookie.Value

			sess, err := svc.GetSession(ctx, sessionID)
			if err != nil {
				if errors.Is(err, authbff.ErrSessionNotFound) {
					ClearSessionCookie(c)
				} else {
					// Store trouble degrades to anonymous without
					// discarding the identifier; identity resolution
					// favors availability and the session may still be
					// there once the store recovers.
					log.Error().Err(err).Msg("session lookup failed")
				}
				return next(c)
			}

			if svc.ShouldRefresh(sess) {
				sess = refreshSession(ctx, c, svc, sess)
				if sess == nil {
					return next(c)
				}
			}

			inject(c, sess)
			return next(c)
		}
	}
}

// refreshSession runs the refresh leg of the state machine. It returns the
// re-read session on success and nil when the request should proceed
// anonymously. Concurrent requests for one session may race here; the merge
// update is last-writer-wins and a losing request simply rides on a
// stale-but-valid token.
func refreshSession(ctx context.Context, c echo.Context, svc *authbff.AuthService, sess *authbff.Session) *authbff.Session {
	if sess.RefreshToken == "" {
		ClearSessionCookie(c)
		return nil
	}

	ts, err := svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("token refresh failed")
		ClearSessionCookie(c)
		return nil
	}

	refreshToken := ts.RefreshToken
	if refreshToken == "" {
		// Provider did not rotate; keep presenting the old one.
		refreshToken = sess.RefreshToken
	}

	ok, err := svc.UpdateSession(ctx, sess.ID, authbff.SessionUpdate{
		AccessToken:  &ts.AccessToken,
		RefreshToken: &refreshToken,
		ExpiresAt:    &ts.ExpiresAt,
	})
	if err != nil || !ok {
		// The record vanished under us (logout or sweep). Nothing to ride on.
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("session update after refresh failed")
		}
		ClearSessionCookie(c)
		return nil
	}

	updated, err := svc.GetSession(ctx, sess.ID)
	if err != nil {
		ClearSessionCookie(c)
		return nil
	}
	return updated
}

func inject(c echo.Context, sess *authbff.Session) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, identityKey, Identity{UserID: sess.UserID, SessionID: sess.ID})
	ctx = context.WithValue(ctx, accessTokenKey, sess.AccessToken)
	c.SetRequest(c.Request().WithContext(ctx))
}

// ClearSessionCookie tells the browser to drop its session identifier.
func ClearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
