// Package store provides the shared key-value repository used by all server
// instances for presence, replay protection, and transfer state. Keys are
// built through typed constructors so every namespace follows the
// <domain>:<kind>:<room>:<id> convention.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal key-value contract the service needs. All operations are
// atomic single-key commands so no cross-instance locking is required.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if it does not exist; reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sorted-set operations, used for join-ordered room membership.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRange(ctx context.Context, key string) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Hash operations, used for per-user heartbeat timestamps.
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// Key constructors. Room and user ids are caller-validated UUIDs or handles;
// joining them with ':' cannot collide across namespaces because the
// domain:kind prefix differs.

func RoomPeersKey(roomID string) string {
	return "room:peers:" + roomID
}

func RoomBeatsKey(roomID string) string {
	return "room:beats:" + roomID
}

func RoomMetaKey(roomID string) string {
	return "room:meta:" + roomID
}

func RoomCodeKey(code string) string {
	return "room:code:" + strings.ToUpper(code)
}

func RelaySeqKey(roomID string) string {
	return "relay:seq:" + roomID
}

func NonceKey(roomID, senderID, nonce string) string {
	return "e2ee:nonce:" + roomID + ":" + senderID + ":" + nonce
}

func TransferKey(roomID, transferID string) string {
	return "transfer:state:" + roomID + ":" + transferID
}

func RoomTopic(roomID string) string {
	return "relay:room:" + roomID
}
