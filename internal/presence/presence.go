// Package presence tracks which participants are in which room, backed by
// the shared key-value store so every server instance sees the same
// membership.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/peerhaven/signaling/internal/store"
)

// RoomFullError is returned when a join would exceed room capacity.
type RoomFullError struct {
	RoomID   string
	Capacity int
}

func (e *RoomFullError) Error() string {
	return fmt.Sprintf("room %s is full (capacity %d)", e.RoomID, e.Capacity)
}

// Store tracks room membership and participant liveness.
type Store struct {
	kv               store.KV
	maxParticipants  int
	presenceTTL      time.Duration
	heartbeatTimeout time.Duration
}

func NewStore(kv store.KV, maxParticipants int, presenceTTL, heartbeatTimeout time.Duration) *Store {
	return &Store{
		kv:               kv,
		maxParticipants:  maxParticipants,
		presenceTTL:      presenceTTL,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Join adds a participant and returns the resulting count. Capacity is
// checked before any state is mutated; a duplicate join refreshes the
// participant's entry and is not counted twice.
func (s *Store) Join(ctx context.Context, roomID, userID string) (int, error) {
	return s.JoinWithLimit(ctx, roomID, userID, s.maxParticipants)
}

// JoinWithLimit is Join with a per-room capacity override (room metadata may
// carry its own maximum).
func (s *Store) JoinWithLimit(ctx context.Context, roomID, userID string, limit int) (int, error) {
	if limit <= 0 {
		limit = s.maxParticipants
	}

	peersKey := store.RoomPeersKey(roomID)
	members, err := s.kv.ZRange(ctx, peersKey)
	if err != nil {
		return 0, fmt.Errorf("list room %s: %w", roomID, err)
	}

	already := false
	for _, member := range members {
		if member == userID {
			already = true
			break
		}
	}
	if !already && len(members) >= limit {
		return 0, &RoomFullError{RoomID: roomID, Capacity: limit}
	}

	now := time.Now()
	if !already {
		if err := s.kv.ZAdd(ctx, peersKey, float64(now.UnixNano()), userID); err != nil {
			return 0, fmt.Errorf("join room %s: %w", roomID, err)
		}
	}
	if err := s.kv.Expire(ctx, peersKey, s.presenceTTL); err != nil {
		return 0, fmt.Errorf("refresh room %s ttl: %w", roomID, err)
	}
	if err := s.Heartbeat(ctx, roomID, userID); err != nil {
		return 0, err
	}

	count, err := s.kv.ZCard(ctx, peersKey)
	if err != nil {
		return 0, fmt.Errorf("count room %s: %w", roomID, err)
	}
	return int(count), nil
}

// Leave removes a participant and returns the remaining count. Removing a
// non-member is a no-op. The room's presence state is cleared when the last
// participant leaves.
func (s *Store) Leave(ctx context.Context, roomID, userID string) (int, error) {
	peersKey := store.RoomPeersKey(roomID)
	if err := s.kv.ZRem(ctx, peersKey, userID); err != nil {
		return 0, fmt.Errorf("leave room %s: %w", roomID, err)
	}
	if err := s.kv.HDel(ctx, store.RoomBeatsKey(roomID), userID); err != nil {
		return 0, fmt.Errorf("clear heartbeat for %s: %w", userID, err)
	}

	count, err := s.kv.ZCard(ctx, peersKey)
	if err != nil {
		return 0, fmt.Errorf("count room %s: %w", roomID, err)
	}
	if count == 0 {
		if err := s.kv.Del(ctx, peersKey, store.RoomBeatsKey(roomID), store.RelaySeqKey(roomID)); err != nil {
			return 0, fmt.Errorf("clear empty room %s: %w", roomID, err)
		}
	}
	return int(count), nil
}

// List returns the participants in join order.
func (s *Store) List(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.kv.ZRange(ctx, store.RoomPeersKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("list room %s: %w", roomID, err)
	}
	return members, nil
}

// Count returns the current participant count.
func (s *Store) Count(ctx context.Context, roomID string) (int, error) {
	count, err := s.kv.ZCard(ctx, store.RoomPeersKey(roomID))
	if err != nil {
		return 0, fmt.Errorf("count room %s: %w", roomID, err)
	}
	return int(count), nil
}

// Heartbeat records participant liveness.
func (s *Store) Heartbeat(ctx context.Context, roomID, userID string) error {
	key := store.RoomBeatsKey(roomID)
	if err := s.kv.HSet(ctx, key, userID, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return fmt.Errorf("heartbeat for %s in %s: %w", userID, roomID, err)
	}
	if err := s.kv.Expire(ctx, key, s.presenceTTL); err != nil {
		return fmt.Errorf("refresh heartbeat ttl for %s: %w", roomID, err)
	}
	return nil
}

// ExpireStale removes participants whose last heartbeat is older than the
// configured timeout and returns their ids.
func (s *Store) ExpireStale(ctx context.Context, roomID string) ([]string, error) {
	beats, err := s.kv.HGetAll(ctx, store.RoomBeatsKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("read heartbeats for %s: %w", roomID, err)
	}

	cutoff := time.Now().Add(-s.heartbeatTimeout).UnixMilli()
	var removed []string
	for userID, raw := range beats {
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || last < cutoff {
			if _, err := s.Leave(ctx, roomID, userID); err != nil {
				return removed, err
			}
			removed = append(removed, userID)
		}
	}
	return removed, nil
}
