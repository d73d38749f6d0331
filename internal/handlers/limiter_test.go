package handlers

import (
	"errors"
	"testing"
	"time"

	"github.com/peerhaven/signaling/config"
)

func TestLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewActionLimiter(config.RateLimitConfig{Burst: 3, RefillInterval: time.Minute})

	for i := 0; i < 3; i++ {
		if err := l.Check(ActionChat, "alice"); err != nil {
			t.Fatalf("request %d within burst blocked: %v", i, err)
		}
	}

	err := l.Check(ActionChat, "alice")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.Action != ActionChat {
		t.Fatalf("expected action %s, got %s", ActionChat, rlErr.Action)
	}
	if rlErr.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", rlErr.RetryAfter)
	}
}

func TestLimiterIsolatesUsersAndActions(t *testing.T) {
	l := NewActionLimiter(config.RateLimitConfig{Burst: 1, RefillInterval: time.Minute})

	if err := l.Check(ActionChat, "alice"); err != nil {
		t.Fatalf("first chat: %v", err)
	}
	if err := l.Check(ActionChat, "alice"); err == nil {
		t.Fatalf("expected alice's chat bucket exhausted")
	}

	// Other actions and other users have their own buckets.
	if err := l.Check(ActionReaction, "alice"); err != nil {
		t.Fatalf("reaction bucket shared with chat: %v", err)
	}
	if err := l.Check(ActionChat, "bob"); err != nil {
		t.Fatalf("bob's bucket shared with alice: %v", err)
	}
}

func TestLimiterRefills(t *testing.T) {
	l := NewActionLimiter(config.RateLimitConfig{Burst: 2, RefillInterval: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		if err := l.Check(ActionGeneric, "alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Check(ActionGeneric, "alice"); err == nil {
		t.Fatalf("expected bucket exhausted")
	}

	time.Sleep(60 * time.Millisecond)
	if err := l.Check(ActionGeneric, "alice"); err != nil {
		t.Fatalf("expected bucket refilled: %v", err)
	}
}

func TestLimiterForgetResetsBuckets(t *testing.T) {
	l := NewActionLimiter(config.RateLimitConfig{Burst: 1, RefillInterval: time.Minute})

	if err := l.Check(ActionChat, "alice"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.Check(ActionChat, "alice"); err == nil {
		t.Fatalf("expected exhausted before forget")
	}

	l.Forget("alice")
	if err := l.Check(ActionChat, "alice"); err != nil {
		t.Fatalf("expected fresh bucket after forget: %v", err)
	}
}

func TestLimiterForgetLeavesOtherUsers(t *testing.T) {
	l := NewActionLimiter(config.RateLimitConfig{Burst: 1, RefillInterval: time.Minute})

	if err := l.Check(ActionChat, "bob"); err != nil {
		t.Fatalf("first: %v", err)
	}
	l.Forget("alice")
	if err := l.Check(ActionChat, "bob"); err == nil {
		t.Fatalf("forgetting alice must not reset bob's bucket")
	}
}
