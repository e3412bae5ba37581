// Package authsvc implements the agent authentication handshake:
// short-lived connection-token issuance, per-source-IP
// rate-limiting, and token validation at WebSocket upgrade.
package authsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/metrics"
)

// TokenTTL is the lifetime of an issued connection token.
const TokenTTL = time.Hour

// RateLimitWindow is the per-source-IP login-attempt window.
const RateLimitWindow = 15 * time.Minute

// RetryAfterSeconds is the value returned to a rate-limited caller,
// matching the window above.
const RetryAfterSeconds = int(RateLimitWindow / time.Second)

var (
	// ErrRateLimited is returned by IssueToken when source_ip has exceeded
	// its attempt budget within the window.
	ErrRateLimited = errors.New("authsvc: rate limited")
	// ErrTokenRequired corresponds to WS close code 4000.
	ErrTokenRequired = errors.New("authsvc: authentication token required")
	// ErrTokenInvalid corresponds to WS close code 4001 (bad signature,
	// expired, or source-IP mismatch).
	ErrTokenInvalid = errors.New("authsvc: invalid or expired token")
)

// claims is the JWT payload binding a token to the hint that requested it
// and the IP that requested it from.
type claims struct {
	HostnameHint string `json:"hostname_hint"`
	SourceIP     string `json:"source_ip"`
	jwt.RegisteredClaims
}

// Service issues and validates connection tokens and enforces the
// per-source-IP rate limit backing /agent/auth.
type Service struct {
	secret []byte
	rdb    *redis.Client
	limit  int
	window time.Duration
	log    zerolog.Logger
}

// NewService builds an auth service. secret signs and verifies connection
// tokens (HS256); rdb backs the distributed rate-limit counter (redis/go-redis,
// swappable for miniredis in tests, per the pack's go-redis based
// rate-limiting middleware). A zero window falls back to RateLimitWindow.
func NewService(secret []byte, rdb *redis.Client, attemptLimit int, window time.Duration, log zerolog.Logger) *Service {
	if window <= 0 {
		window = RateLimitWindow
	}
	return &Service{
		secret: secret,
		rdb:    rdb,
		limit:  attemptLimit,
		window: window,
		log:    log.With().Str("component", "authsvc").Logger(),
	}
}

// CheckRateLimit records an attempt from sourceIP and reports whether it
// exceeds the window's budget. Implemented as a fixed window
// INCR+EXPIRE.
func (s *Service) CheckRateLimit(ctx context.Context, sourceIP string) error {
	key := fmt.Sprintf("sysmanage:auth:attempts:%s", sourceIP)

	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		s.log.Warn().Err(err).Msg("rate limiter unavailable, failing open")
		return nil
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, s.window).Err(); err != nil {
			s.log.Warn().Err(err).Msg("failed to set rate limit window expiry")
		}
	}

	if int(count) > s.limit {
		metrics.AuthRateLimitedTotal.Inc()
		return ErrRateLimited
	}
	return nil
}

// IssueToken mints a connection token bound to (hostnameHint, sourceIP)
// with a 3600s TTL.
func (s *Service) IssueToken(hostnameHint, sourceIP string) (string, error) {
	now := time.Now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		HostnameHint: hostnameHint,
		SourceIP:     sourceIP,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	metrics.AuthTokensIssuedTotal.Inc()
	return signed, nil
}

// ValidateToken checks signature, expiry, and that peerIP matches the IP
// the token was bound to at issuance. peerIP and the
// token's bound source_ip are compared on the host portion only, since
// the incoming value from an http.Request.RemoteAddr carries a port.
func (s *Service) ValidateToken(tokenString, peerIP string) (hostnameHint string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrTokenInvalid
	}

	c, ok := parsed.Claims.(*claims)
	if !ok {
		return "", ErrTokenInvalid
	}

	if normalizeIP(c.SourceIP) != normalizeIP(peerIP) {
		return "", ErrTokenInvalid
	}

	return c.HostnameHint, nil
}

func normalizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
