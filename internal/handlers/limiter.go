package handlers

import (
	"fmt"
	"sync"
	"time"

	"github.com/peerhaven/signaling/config"
)

// Action classes rate-limited independently per user.
const (
	ActionChat     = "chat"
	ActionReaction = "reaction"
	ActionFile     = "file"
	ActionGeneric  = "generic"
)

// RateLimitError reports an exhausted bucket and when to retry.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}

// ActionLimiter keeps one token bucket per (user, action) pair.
type ActionLimiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitConfig
	buckets map[string]*tokenBucket
}

func NewActionLimiter(cfg config.RateLimitConfig) *ActionLimiter {
	return &ActionLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
	}
}

// Check consumes one token for the user's action, returning RateLimitError
// when the bucket is empty.
func (l *ActionLimiter) Check(action, userID string) error {
	l.mu.Lock()
	key := userID + ":" + action
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = newTokenBucket(l.cfg.Burst, l.cfg.RefillInterval)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if !bucket.allow() {
		return &RateLimitError{Action: action, RetryAfter: bucket.retryAfter()}
	}
	return nil
}

// Forget drops a user's buckets after disconnect.
func (l *ActionLimiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if len(key) > len(userID) && key[:len(userID)+1] == userID+":" {
			delete(l.buckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newTokenBucket(capacity int, interval time.Duration) *tokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &tokenBucket{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.lastCheck = now

	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}

	if b.tokens < 1 {
		return false
	}

	b.tokens--
	return true
}

func (b *tokenBucket) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.rate * float64(time.Second))
}
