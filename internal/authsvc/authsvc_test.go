package authsvc

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestService(t *testing.T, limit int) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewService([]byte("test-signing-secret"), rdb, limit, 0, zerolog.Nop()), mr
}

func TestIssueAndValidateTokenRoundTrip(t *testing.T) {
	s, _ := newTestService(t, 5)

	token, err := s.IssueToken("node-1.example.com", "203.0.113.5:54321")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	hint, err := s.ValidateToken(token, "203.0.113.5:9999")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if hint != "node-1.example.com" {
		t.Fatalf("hint = %q, want node-1.example.com", hint)
	}
}

func TestValidateTokenRejectsSourceIPMismatch(t *testing.T) {
	s, _ := newTestService(t, 5)

	token, err := s.IssueToken("node-1.example.com", "203.0.113.5:54321")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := s.ValidateToken(token, "198.51.100.7:1234"); err != ErrTokenInvalid {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	s, _ := newTestService(t, 5)
	if _, err := s.ValidateToken("not-a-jwt", "203.0.113.5:1"); err != ErrTokenInvalid {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestCheckRateLimitAllowsWithinBudgetAndRejectsOverBudget(t *testing.T) {
	s, _ := newTestService(t, 3)
	ctx := context.Background()
	ip := "203.0.113.9"

	for i := 0; i < 3; i++ {
		if err := s.CheckRateLimit(ctx, ip); err != nil {
			t.Fatalf("attempt %d: %v, want nil (within budget)", i+1, err)
		}
	}

	if err := s.CheckRateLimit(ctx, ip); err != ErrRateLimited {
		t.Fatalf("4th attempt err = %v, want ErrRateLimited", err)
	}
}

func TestCheckRateLimitTracksPerSourceIndependently(t *testing.T) {
	s, _ := newTestService(t, 1)
	ctx := context.Background()

	if err := s.CheckRateLimit(ctx, "203.0.113.1"); err != nil {
		t.Fatalf("ip1 first attempt: %v", err)
	}
	if err := s.CheckRateLimit(ctx, "203.0.113.2"); err != nil {
		t.Fatalf("ip2 first attempt should be independent of ip1: %v", err)
	}
}

func TestCheckRateLimitFailsOpenWhenRedisUnavailable(t *testing.T) {
	s, mr := newTestService(t, 1)
	mr.Close()

	if err := s.CheckRateLimit(context.Background(), "203.0.113.1"); err != nil {
		t.Fatalf("CheckRateLimit with redis down = %v, want nil (fail-open)", err)
	}
}

func TestCheckRateLimitWindowResetsAfterExpiry(t *testing.T) {
	s, mr := newTestService(t, 1)
	ctx := context.Background()
	ip := "203.0.113.3"

	if err := s.CheckRateLimit(ctx, ip); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if err := s.CheckRateLimit(ctx, ip); err != ErrRateLimited {
		t.Fatalf("second attempt err = %v, want ErrRateLimited", err)
	}

	mr.FastForward(RateLimitWindow)

	if err := s.CheckRateLimit(ctx, ip); err != nil {
		t.Fatalf("attempt after window reset: %v, want nil", err)
	}
}
