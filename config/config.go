package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Storage backend selectors.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageMongo  = "mongo"
)

// Config holds all environment-sourced settings for the BFF server.
// Slice values use envdecode's ";" separator.
type Config struct {
	ListenAddr string `env:"BFF_LISTEN_ADDR,default=:8080"`

	// Identity provider settings. The authorization, token and revocation
	// endpoints are discovered from the issuer's OIDC configuration.
	IssuerURL    string   `env:"BFF_ISSUER_URL,required"`
	ClientID     string   `env:"BFF_CLIENT_ID,required"`
	ClientSecret string   `env:"BFF_CLIENT_SECRET,required"`
	RedirectURL  string   `env:"BFF_REDIRECT_URL,required"`
	Scopes       []string `env:"BFF_SCOPES,default=openid;profile;email"`

	// CookieKey is the base64-encoded 32-byte key sealing the login
	// transaction cookie.
	CookieKey     string `env:"BFF_COOKIE_KEY,required"`
	SecureCookies bool   `env:"BFF_SECURE_COOKIES,default=true"`

	Storage     string `env:"BFF_STORAGE,default=memory"`
	RedisAddr   string `env:"BFF_REDIS_ADDR,default=localhost:6379"`
	RedisDB     int    `env:"BFF_REDIS_DB,default=0"`
	RedisPrefix string `env:"BFF_REDIS_PREFIX,default=authbff"`
	MongoURI    string `env:"BFF_MONGO_URI,default=mongodb://localhost:27017"`
	MongoDBName string `env:"BFF_MONGO_DB_NAME,default=authbff"`

	RateLimitMax       int           `env:"BFF_RATE_LIMIT_MAX,default=10"`
	RateLimitWindow    time.Duration `env:"BFF_RATE_LIMIT_WINDOW,default=1m"`
	RateLimitPaths     []string      `env:"BFF_RATE_LIMIT_PATHS,default=/login;/callback;/logout"`
	RateLimitAllowlist []string      `env:"BFF_RATE_LIMIT_ALLOWLIST,default="`
	TrustProxyHeader   bool          `env:"BFF_TRUST_PROXY_HEADER,default=false"`

	SessionCleanupInterval time.Duration `env:"BFF_SESSION_CLEANUP_INTERVAL,default=5m"`

	LogLevel  string `env:"BFF_LOG_LEVEL,default=info"`
	LogPretty bool   `env:"BFF_LOG_PRETTY,default=false"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := cfg.CookieKeyBytes(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CookieKeyBytes decodes the transaction cookie key.
func (c *Config) CookieKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.CookieKey)
	if err != nil {
		return nil, fmt.Errorf("config: BFF_COOKIE_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: BFF_COOKIE_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
