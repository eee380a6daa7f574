package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/authbff"
	bffapi "go.pilab.hu/authbff/api/echo"
	"go.pilab.hu/authbff/config"
	bfflog "go.pilab.hu/authbff/log"
	"go.pilab.hu/authbff/middleware"
	"go.pilab.hu/authbff/mongodb"
	"go.pilab.hu/authbff/store"
	redisstore "go.pilab.hu/authbff/store/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	bfflog.Setup(cfg.LogLevel, cfg.LogPretty)
	log.Info().
		Str("issuer", cfg.IssuerURL).
		Str("storage", cfg.Storage).
		Str("listen_addr", cfg.ListenAddr).
		Msg("starting authbff server")

	ctx := context.Background()

	sessions, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage).Msg("failed to initialize session store")
	}

	service, err := authbff.NewAuthService(ctx, cfg, sessions)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth service")
	}

	key, err := cfg.CookieKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid cookie key")
	}
	codec, err := authbff.NewTransactionCodec(key)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build transaction codec")
	}

	limiter := middleware.NewLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RateLimit(limiter, middleware.RateLimitConfig{
		Paths:            cfg.RateLimitPaths,
		Allowlist:        cfg.RateLimitAllowlist,
		TrustProxyHeader: cfg.TrustProxyHeader,
	}))
	e.Use(middleware.Session(service))

	bffapi.NewBFFAPI(service, codec, cfg.SecureCookies).RegisterRoutes(e)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	limiter.Stop()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session store shutdown failed")
	}
	cleanup(shutdownCtx)
	log.Info().Msg("shutdown complete")
}

// buildStore selects the session store backend. The returned cleanup
// releases backend connections the store does not own itself.
func buildStore(ctx context.Context, cfg *config.Config) (authbff.SessionStore, func(context.Context), error) {
	noop := func(context.Context) {}

	switch cfg.Storage {
	case config.StorageMemory:
		mem := store.NewMemoryStore()
		mem.StartJanitor(cfg.SessionCleanupInterval)
		return mem, noop, nil

	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}
		cleanup := func(context.Context) {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis client")
			}
		}
		return redisstore.NewSessionStore(client, cfg.RedisPrefix), cleanup, nil

	case config.StorageMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		sessions, err := mongodb.NewSessionStore(ctx, client.Database(cfg.MongoDBName))
		if err != nil {
			mongodb.Disconnect(ctx, client)
			return nil, nil, err
		}
		cleanup := func(c context.Context) { mongodb.Disconnect(c, client) }
		return sessions, cleanup, nil

	default:
		return nil, nil, errors.New("unknown storage backend: " + cfg.Storage)
	}
}
