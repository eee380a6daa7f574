package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.pilab.hu/authbff"
)

// SessionStore persists sessions in a MongoDB collection. A TTL index on
// expires_at lets the server sweep dead sessions on its own; the read path
// still treats an expired document as absent and deletes it eagerly, so a
// lagging TTL monitor never leaks a dead session to a request.
type SessionStore struct {
	collection *mongo.Collection

	now func() time.Time
}

// NewSessionStore creates the store and ensures its indexes.
func NewSessionStore(ctx context.Context, db *mongo.Database) (*SessionStore, error) {
	store := &SessionStore{
		collection: db.Collection(SessionsCollection),
		now:        time.Now,
	}

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	if _, err := store.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		// Indexes may already exist with the same definition; anything else
		// is worth surfacing at startup.
		log.Warn().Err(err).Msg("issue ensuring indexes for bff_sessions collection")
	}

	return store, nil
}

// CreateSession upserts the session document by its ID.
func (s *SessionStore) CreateSession(ctx context.Context, session *authbff.Session) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": session.ID},
		session,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo create session: %w", err)
	}
	return nil
}

// GetSession loads a session by ID, removing it on the spot when expired.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*authbff.Session, error) {
	var session authbff.Session
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, authbff.ErrSessionNotFound
		}
		return nil, fmt.Errorf("mongo get session: %w", err)
	}

	if session.Expired(s.now()) {
		if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("failed to delete expired session")
		}
		return nil, authbff.ErrSessionNotFound
	}

	return &session, nil
}

// UpdateSession applies a $set of the changed fields. Reports false when no
// document matched.
func (s *SessionStore) UpdateSession(ctx context.Context, id string, update authbff.SessionUpdate) (bool, error) {
	set := bson.M{}
	if update.AccessToken != nil {
		set["access_token"] = *update.AccessToken
	}
	if update.RefreshToken != nil {
		set["refresh_token"] = *update.RefreshToken
	}
	if update.ExpiresAt != nil {
		set["expires_at"] = *update.ExpiresAt
	}
	if len(set) == 0 {
		n, err := s.collection.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return false, fmt.Errorf("mongo update session: %w", err)
		}
		return n > 0, nil
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongo update session: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// DeleteSession removes the session document.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("mongo delete session: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// CleanupExpiredSessions bulk-removes documents past their deadline. The
// TTL index usually gets there first; this keeps the operation meaningful
// when it has not.
func (s *SessionStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": s.now()}})
	if err != nil {
		return 0, fmt.Errorf("mongo cleanup sessions: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Shutdown releases nothing: the client is owned by the caller.
func (s *SessionStore) Shutdown(_ context.Context) error {
	return nil
}

var _ authbff.SessionStore = (*SessionStore)(nil)
