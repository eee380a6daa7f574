// Package mongodb implements the durable session store variant on MongoDB.
package mongodb

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

// SessionsCollection holds BFF sessions.
const SessionsCollection = "bff_sessions"

// Connect builds a MongoDB client with command tracing enabled and verifies
// the connection with a ping. The caller owns the client and must call
// Disconnect on shutdown.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return client, nil
}

// Disconnect closes the client, logging rather than propagating failures.
func Disconnect(ctx context.Context, client *mongo.Client) {
	if client == nil {
		return
	}
	if err := client.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("error closing MongoDB connection")
	}
}
