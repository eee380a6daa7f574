// Package redis implements the session store on a Redis hash per session,
// with the key expiry pinned to the session deadline so records expire
// physically without a sweep.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go.pilab.hu/authbff"
)

// SessionStore persists sessions in Redis. The client is injected and owned
// by the caller.
type SessionStore struct {
	client *redis.Client
	prefix string

	now func() time.Time
}

// NewSessionStore creates a Redis-backed session store. The prefix
// namespaces keys when the instance is shared.
func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	return &SessionStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *SessionStore) key(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

// CreateSession upserts the session hash and pins its expiry to the session
// deadline.
func (r *SessionStore) CreateSession(ctx context.Context, session *authbff.Session) error {
	key := r.key(session.ID)

	fields := map[string]any{
		"user_id":       session.UserID,
		"access_token":  session.AccessToken,
		"refresh_token": session.RefreshToken,
		"id_token":      session.IDToken,
		"expires_at":    session.ExpiresAt.UnixMilli(),
		"created_at":    session.CreatedAt.UnixMilli(),
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ExpireAt(ctx, key, session.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	return nil
}

// GetSession loads the session. Redis removes expired keys on its own, but
// the deadline is still checked to close the gap between client and server
// clocks.
func (r *SessionStore) GetSession(ctx context.Context, id string) (*authbff.Session, error) {
	res, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	if len(res) == 0 {
		return nil, authbff.ErrSessionNotFound
	}

	sess, err := decodeSession(id, res)
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	if sess.Expired(r.now()) {
		r.client.Del(ctx, r.key(id))
		return nil, authbff.ErrSessionNotFound
	}
	return sess, nil
}

// updateScript merges fields into the hash only when it still exists, so a
// concurrent logout or expiry cannot be resurrected as a partial record.
// ARGV[1] is the new expiry in epoch milliseconds, "0" when unchanged; the
// rest are field/value pairs.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
for i = 2, #ARGV - 1, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[1] ~= "0" then
	redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return 1
`)

// UpdateSession merges the changed fields into an existing hash and refreshes
// the key expiry when the deadline moved. Reports false when the record is
// gone.
func (r *SessionStore) UpdateSession(ctx context.Context, id string, update authbff.SessionUpdate) (bool, error) {
	argv := []any{"0"}
	if update.ExpiresAt != nil {
		argv[0] = strconv.FormatInt(update.ExpiresAt.UnixMilli(), 10)
	}
	if update.AccessToken != nil {
		argv = append(argv, "access_token", *update.AccessToken)
	}
	if update.RefreshToken != nil {
		argv = append(argv, "refresh_token", *update.RefreshToken)
	}
	if update.ExpiresAt != nil {
		argv = append(argv, "expires_at", argv[0])
	}

	n, err := updateScript.Run(ctx, r.client, []string{r.key(id)}, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("redis update session: %w", err)
	}
	return n == 1, nil
}

// DeleteSession removes the session hash.
func (r *SessionStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete session: %w", err)
	}
	return n > 0, nil
}

// CleanupExpiredSessions is a no-op: Redis expires session keys physically.
func (r *SessionStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	return 0, nil
}

// Shutdown releases nothing: the client is owned by the caller.
func (r *SessionStore) Shutdown(_ context.Context) error {
	return nil
}

func decodeSession(id string, fields map[string]string) (*authbff.Session, error) {
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &authbff.Session{
		ID:           id,
		UserID:       fields["user_id"],
		AccessToken:  fields["access_token"],
		RefreshToken: fields["refresh_token"],
		IDToken:      fields["id_token"],
		ExpiresAt:    time.UnixMilli(expiresAt),
		CreatedAt:    time.UnixMilli(createdAt),
	}, nil
}

var _ authbff.SessionStore = (*SessionStore)(nil)
