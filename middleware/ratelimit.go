package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
)

// rateRecord is one client identity's counter within the current window.
type rateRecord struct {
	count     int
	resetTime time.Time
}

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// Limiter is a sliding-window-per-key admission counter. Records live in a
// ttlcache whose background sweep bounds memory independently of traffic;
// an expired record is replaced on next Check, never incremented.
type Limiter struct {
	mu       sync.Mutex
	records  *ttlcache.Cache[string, *rateRecord]
	max      int
	window   time.Duration
	stopOnce sync.Once

	now func() time.Time
}

// NewLimiter creates a limiter admitting max requests per window for each
// key and starts its record sweep.
func NewLimiter(max int, window time.Duration) *Limiter {
	records := ttlcache.New(
		ttlcache.WithTTL[string, *rateRecord](window),
		ttlcache.WithDisableTouchOnHit[string, *rateRecord](),
	)
	go records.Start()

	return &Limiter{
		records: records,
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Check decides admission for the key, initializing or replacing the
// window record as needed. It does not consume a slot; Increment does.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(key)

	remaining := l.max - rec.count - 1
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   rec.count < l.max,
		Remaining: remaining,
		ResetTime: rec.resetTime,
	}
}

// Allow decides admission and, when admitted, consumes the slot in the same
// critical section. This is the request-path entry point: the separate
// Check/Increment pair is not atomic across calls and concurrent requests
// could overrun the limit through it.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(key)

	d := Decision{
		Allowed:   rec.count < l.max,
		Remaining: l.max - rec.count - 1,
		ResetTime: rec.resetTime,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if d.Allowed {
		rec.count++
	}
	return d
}

// Increment consumes a slot for an existing record. It never creates one:
// record creation belongs to Check, which must run first.
func (l *Limiter) Increment(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec := l.live(key); rec != nil {
		rec.count++
	}
}

// Rollback returns a previously consumed slot, flooring at zero. Used by
// the skip-successful-requests mode. Best-effort accounting: the record may
// have been reset by the window sweep between Increment and Rollback.
func (l *Limiter) Rollback(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec := l.live(key); rec != nil && rec.count > 0 {
		rec.count--
	}
}

// Stop halts the background sweep. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { l.records.Stop() })
}

// record returns the live record for the key, replacing a missing or
// elapsed one. Callers hold l.mu.
func (l *Limiter) record(key string) *rateRecord {
	if rec := l.live(key); rec != nil {
		return rec
	}
	rec := &rateRecord{resetTime: l.now().Add(l.window)}
	l.records.Set(key, rec, l.window)
	return rec
}

func (l *Limiter) live(key string) *rateRecord {
	item := l.records.Get(key)
	if item == nil {
		return nil
	}
	rec := item.Value()
	if !rec.resetTime.After(l.now()) {
		return nil
	}
	return rec
}

// RateLimitConfig configures the HTTP-level rate limiting middleware.
type RateLimitConfig struct {
	// Paths are the route prefixes the limiter guards; everything else
	// bypasses it entirely.
	Paths []string

	// Allowlist identities bypass the limiter unconditionally.
	Allowlist []string

	// TrustProxyHeader keys clients by the first X-Forwarded-For hop
	// instead of the transport peer address. Enable only behind a trusted
	// proxy.
	TrustProxyHeader bool

	// SkipSuccessful returns the consumed slot when the request finished
	// without an error status, penalizing only failures.
	SkipSuccessful bool

	// Message is the client-visible denial text.
	Message string
}

// RateLimit guards the configured route prefixes with the limiter. Denied
// requests short-circuit with 429 and never reach downstream handlers;
// admitted ones carry X-RateLimit-* metadata.
func RateLimit(l *Limiter, cfg RateLimitConfig) echo.MiddlewareFunc {
	message := cfg.Message
	if message == "" {
		message = "too many requests, try again later"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !pathGuarded(c.Request().URL.Path, cfg.Paths) {
				return next(c)
			}

			key := clientKey(c, cfg.TrustProxyHeader)
			for _, allowed := range cfg.Allowlist {
				if key == allowed {
					return next(c)
				}
			}

			d := l.Allow(key)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", d.ResetTime.UTC().Format(time.RFC3339))

			if !d.Allowed {
				return echo.NewHTTPError(http.StatusTooManyRequests, message)
			}

			err := next(c)
			if cfg.SkipSuccessful && err == nil && c.Response().Status < http.StatusBadRequest {
				l.Rollback(key)
			}
			return err
		}
	}
}

func pathGuarded(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// clientKey prefers the trusted proxy-forwarded address and falls back to
// the transport-level peer. The fallback reads RemoteAddr directly, not
// echo's RealIP: RealIP honors X-Forwarded-For and X-Real-IP from any
// client, which would let a direct caller mint a fresh window per request.
func clientKey(c echo.Context, trustProxy bool) string {
	if trustProxy {
		if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}
