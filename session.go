package authbff

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is the server-held record correlating an opaque identifier with a
// user's provider-issued tokens. The browser only ever sees the ID; tokens
// never leave the server.
type Session struct {
	ID           string    `bson:"_id" json:"id"`
	UserID       string    `bson:"user_id" json:"user_id"`
	AccessToken  string    `bson:"access_token" json:"-"`
	RefreshToken string    `bson:"refresh_token" json:"-"`
	IDToken      string    `bson:"id_token" json:"-"`
	ExpiresAt    time.Time `bson:"expires_at" json:"expires_at"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// Expired reports whether the session is logically dead at the given instant.
// A session may still be physically stored after this returns true; stores
// treat such records as absent.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// NewSessionID generates an opaque session identifier. It is independent of
// any token contents.
func NewSessionID() string {
	return uuid.NewString()
}

// SessionUpdate carries a partial set of fields to merge into a stored
// session. Nil fields are left untouched. IDToken is intentionally absent:
// it is immutable after creation.
type SessionUpdate struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
}

// Apply merges the update into the session in place.
func (u SessionUpdate) Apply(s *Session) {
	if u.AccessToken != nil {
		s.AccessToken = *u.AccessToken
	}
	if u.RefreshToken != nil {
		s.RefreshToken = *u.RefreshToken
	}
	if u.ExpiresAt != nil {
		s.ExpiresAt = *u.ExpiresAt
	}
}

// SessionStore is the persistence seam for sessions. Implementations must be
// safe for concurrent use from multiple in-flight requests.
//
// The read path never surfaces an expired session: variants whose backend
// does not expire records physically (memory, mongo) delete the record
// eagerly and report it as not found.
type SessionStore interface {
	// CreateSession upserts the session by its ID. Idempotent.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession merges the given fields into the stored session. It
	// reports whether a record existed to update; it never creates one.
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (bool, error)

	// DeleteSession removes the session if present and reports whether it
	// was removed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// CleanupExpiredSessions bulk-removes sessions whose deadline has
	// passed and returns the number removed. Backends with native TTL
	// expiry may implement this as a no-op.
	CleanupExpiredSessions(ctx context.Context) (int, error)

	// Shutdown releases background timers and connections owned by the
	// store. Idempotent.
	Shutdown(ctx context.Context) error
}
