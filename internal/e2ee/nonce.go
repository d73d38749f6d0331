package e2ee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peerhaven/signaling/internal/store"
)

// ErrNonceReplayed is returned when a (sender, room, nonce) triple has
// already been accepted within its TTL window.
var ErrNonceReplayed = errors.New("e2ee: nonce already used")

// NonceGuard records accepted nonces in the shared key-value store so replay
// is rejected across all server instances. Each record lives for the
// configured TTL; atomic SETNX keeps acceptance at-most-once without any
// cross-instance lock.
type NonceGuard struct {
	kv  store.KV
	ttl time.Duration
}

func NewNonceGuard(kv store.KV, ttl time.Duration) *NonceGuard {
	return &NonceGuard{kv: kv, ttl: ttl}
}

// Seen reports whether the triple was already accepted.
func (g *NonceGuard) Seen(ctx context.Context, roomID, senderID, nonce string) (bool, error) {
	_, err := g.kv.Get(ctx, store.NonceKey(roomID, senderID, nonce))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return true, nil
}

// Record marks the triple as used. Returns ErrNonceReplayed if another
// delivery recorded it first.
func (g *NonceGuard) Record(ctx context.Context, roomID, senderID, nonce string) error {
	ok, err := g.kv.SetNX(ctx, store.NonceKey(roomID, senderID, nonce), "1", g.ttl)
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	if !ok {
		return ErrNonceReplayed
	}
	return nil
}
