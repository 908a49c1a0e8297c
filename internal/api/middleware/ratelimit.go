package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/farmchat/internal/metrics"
)

const (
	// senderPeekBytes bounds how much of a send body is read to find senderId.
	senderPeekBytes = 64 << 10

	violationLimit  = 10
	violationWindow = time.Hour
	autoBlockFor    = 24 * time.Hour
)

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // block an IP after repeated violations
}

// rule limits one route. Rules are matched in order; the first match wins.
type rule struct {
	name     string
	method   string
	prefix   string
	requests int
	window   time.Duration
	key      func(r *http.Request) string
}

// defaultRules covers every chat route. Sends are budgeted per sender so that
// users behind a shared farm or cooperative gateway do not starve each other.
func defaultRules() []rule {
	return []rule{
		{"send", http.MethodPost, "/api/chat/send", 60, time.Minute, senderKey},
		{"history", http.MethodGet, "/api/chat/history/", 120, time.Minute, ipKey},
		{"recent", http.MethodGet, "/api/chat/recent/", 60, time.Minute, ipKey},
		{"presence", http.MethodGet, "/api/chat/presence/", 120, time.Minute, ipKey},
		{"ws", http.MethodGet, "/ws", 30, time.Minute, ipKey},
	}
}

// RateLimiter applies fixed-window request budgets stored in Redis.
// Redis failures never reject a request; they are logged and counted.
type RateLimiter struct {
	client    *redis.Client
	rules     []rule
	logger    zerolog.Logger
	exempt    []*net.IPNet
	autoBlock bool
	now       func() time.Time
}

// NewRateLimiter creates a rate limiter for the chat routes.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:    client,
		rules:     defaultRules(),
		logger:    logger,
		autoBlock: cfg.AutoBlockEnabled,
		now:       time.Now,
	}

	for _, entry := range cfg.Whitelist {
		ipNet, err := parseNetwork(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("ignoring invalid whitelist entry")
			continue
		}
		rl.exempt = append(rl.exempt, ipNet)
	}
	if len(rl.exempt) > 0 {
		logger.Info().Int("entries", len(rl.exempt)).Msg("rate limit whitelist configured")
	}

	return rl
}

// parseNetwork accepts a CIDR or a bare IP, which becomes a single-host network.
func parseNetwork(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		return ipNet, err
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP %q", entry)
	}
	bits := 128
	if ip4 := ip.To4(); ip4 != nil {
		ip, bits = ip4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func (rl *RateLimiter) exempted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range rl.exempt {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// clientIP returns the host part of RemoteAddr. chi's RealIP middleware runs
// earlier in the chain and has already applied X-Real-IP / X-Forwarded-For.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipKey(r *http.Request) string {
	return "chat:rl:ip:" + clientIP(r)
}

// senderKey budgets sends by the senderId in the JSON body, falling back to
// the client IP when the body has none. The body is restored for the handler.
func senderKey(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ipKey(r)
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, senderPeekBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil {
		return ipKey(r)
	}

	var body struct {
		SenderID int64 `json:"senderId"`
	}
	if json.Unmarshal(head, &body) != nil || body.SenderID <= 0 {
		return ipKey(r)
	}
	return "chat:rl:sender:" + strconv.FormatInt(body.SenderID, 10)
}

func blockKey(ip string) string     { return "chat:block:" + ip }
func violationKey(ip string) string { return "chat:violations:" + ip }

func (rl *RateLimiter) match(r *http.Request) *rule {
	for i := range rl.rules {
		ru := &rl.rules[i]
		if r.Method == ru.method && strings.HasPrefix(r.URL.Path, ru.prefix) {
			return ru
		}
	}
	return nil
}

// usage is the outcome of counting one request against a window.
type usage struct {
	count   int64
	resetAt time.Time
}

// take counts one request for key in the current window.
func (rl *RateLimiter) take(ctx context.Context, key string, window time.Duration) (usage, error) {
	now := rl.now()
	bucket := now.Truncate(window)
	windowKey := key + ":" + strconv.FormatInt(bucket.Unix(), 10)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return usage{}, err
	}
	return usage{count: incr.Val(), resetAt: bucket.Add(window)}, nil
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ru := rl.match(r)
		if ru == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if rl.exempted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		log := rl.logger.With().Str("rule", ru.name).Str("ip", ip).Logger()

		blocked, err := rl.IsBlocked(ctx, ip)
		if err != nil {
			log.Warn().Err(err).Msg("block lookup failed, allowing request")
			metrics.RateLimitDecisions.WithLabelValues(ru.name, "error").Inc()
		}
		if blocked {
			log.Warn().Str("event", "blocked_request").Str("path", r.URL.Path).Msg("blocked IP attempted request")
			metrics.RateLimitDecisions.WithLabelValues(ru.name, "blocked").Inc()
			writeJSONError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		key := ru.key(r)
		u, err := rl.take(ctx, key, ru.window)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
			metrics.RateLimitDecisions.WithLabelValues(ru.name, "error").Inc()
			next.ServeHTTP(w, r)
			return
		}

		remaining := int64(ru.requests) - u.count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ru.requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(u.resetAt.Unix(), 10))

		if u.count > int64(ru.requests) {
			retry := int(u.resetAt.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			log.Warn().Str("event", "rate_limit_exceeded").Str("key", key).Msg("rate limit exceeded")
			metrics.RateLimitDecisions.WithLabelValues(ru.name, "limited").Inc()
			rl.recordViolation(ctx, log, ip)
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		metrics.RateLimitDecisions.WithLabelValues(ru.name, "allowed").Inc()
		next.ServeHTTP(w, r)
	})
}

// recordViolation counts a rejection against ip and blocks it once the
// violation limit is reached within the violation window.
func (rl *RateLimiter) recordViolation(ctx context.Context, log zerolog.Logger, ip string) {
	if !rl.autoBlock {
		return
	}

	key := violationKey(ip)
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, violationWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to record rate limit violation")
		return
	}

	if incr.Val() < violationLimit {
		return
	}
	if err := rl.Block(ctx, ip, autoBlockFor, "repeated rate limit violations"); err != nil {
		log.Warn().Err(err).Msg("failed to auto-block IP")
		return
	}
	log.Warn().Str("event", "ip_auto_blocked").Int64("violations", incr.Val()).Msg("IP auto-blocked for repeated violations")
}

// IsBlocked reports whether ip is currently blocked.
func (rl *RateLimiter) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := rl.client.Exists(ctx, blockKey(ip)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Block rejects every limited request from ip for duration.
func (rl *RateLimiter) Block(ctx context.Context, ip string, duration time.Duration, reason string) error {
	return rl.client.Set(ctx, blockKey(ip), reason, duration).Err()
}

// Unblock lifts a block on ip.
func (rl *RateLimiter) Unblock(ctx context.Context, ip string) error {
	return rl.client.Del(ctx, blockKey(ip), violationKey(ip)).Err()
}
