package relay

import (
	"sync"
	"time"

	"github.com/peerhaven/signaling/internal/models"
)

// Buffer keeps a bounded, time-windowed log of recent messages per room and
// the last known connectivity transition per user, so a client that drops and
// rejoins within the grace window can be caught up without duplicates.
//
// The buffer is instance-local: a client that reconnects to a different
// instance gets a fresh join, which is the documented degraded mode.
type Buffer struct {
	mu          sync.Mutex
	maxSize     int
	maxAge      time.Duration
	graceWindow time.Duration
	rooms       map[string]*roomLog
}

type roomLog struct {
	entries []bufferedMessage
	users   map[string]*connState
}

type bufferedMessage struct {
	msg      *models.SignalMessage
	buffered time.Time
}

type connState struct {
	connected bool
	changedAt time.Time
	lastSeq   int64
}

// ReconnectInfo reports the outcome of a reconnect check.
type ReconnectInfo struct {
	IsReconnect        bool
	DisconnectDuration time.Duration
	Missed             []*models.SignalMessage
	LastSequence       int64
}

func NewBuffer(maxSize int, maxAge, graceWindow time.Duration) *Buffer {
	return &Buffer{
		maxSize:     maxSize,
		maxAge:      maxAge,
		graceWindow: graceWindow,
		rooms:       make(map[string]*roomLog),
	}
}

func (b *Buffer) room(roomID string) *roomLog {
	rl, ok := b.rooms[roomID]
	if !ok {
		rl = &roomLog{users: make(map[string]*connState)}
		b.rooms[roomID] = rl
	}
	return rl
}

// Record appends a published message to the room's log, evicting entries that
// exceed the size or age bound.
func (b *Buffer) Record(roomID string, msg *models.SignalMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rl := b.room(roomID)
	rl.entries = append(rl.entries, bufferedMessage{msg: msg, buffered: time.Now()})

	cutoff := time.Now().Add(-b.maxAge)
	start := 0
	for start < len(rl.entries) && rl.entries[start].buffered.Before(cutoff) {
		start++
	}
	if overflow := len(rl.entries) - start - b.maxSize; overflow > 0 {
		start += overflow
	}
	if start > 0 {
		rl.entries = append([]bufferedMessage(nil), rl.entries[start:]...)
	}
}

// TrackState records a connectivity transition. On disconnect, lastSeq is the
// highest sequence number the connection delivered to the client.
func (b *Buffer) TrackState(roomID, userID string, connected bool, lastSeq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rl := b.room(roomID)
	state, ok := rl.users[userID]
	if !ok {
		state = &connState{}
		rl.users[userID] = state
	}
	state.connected = connected
	state.changedAt = time.Now()
	if !connected && lastSeq > state.lastSeq {
		state.lastSeq = lastSeq
	}
}

// HandleReconnect reports whether the user is rejoining within the grace
// window and, if so, returns the messages published after their last
// delivered sequence number, in publish order.
func (b *Buffer) HandleReconnect(roomID, userID string) ReconnectInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	rl, ok := b.rooms[roomID]
	if !ok {
		return ReconnectInfo{}
	}
	state, ok := rl.users[userID]
	if !ok || state.connected {
		return ReconnectInfo{}
	}

	gap := time.Since(state.changedAt)
	if gap > b.graceWindow {
		// Too late: treat as a fresh join and forget the stale cursor.
		delete(rl.users, userID)
		return ReconnectInfo{}
	}

	info := ReconnectInfo{
		IsReconnect:        true,
		DisconnectDuration: gap,
		LastSequence:       state.lastSeq,
	}
	for _, entry := range rl.entries {
		msg := entry.msg
		if msg.Sequence <= state.lastSeq || msg.SenderID == userID {
			continue
		}
		// Same visibility rule as live delivery: directed messages only
		// reach their target.
		if msg.To != "" && msg.To != userID {
			continue
		}
		info.Missed = append(info.Missed, msg)
	}

	state.connected = true
	state.changedAt = time.Now()
	return info
}

// Cleanup clears all buffered state for a room that became empty.
func (b *Buffer) Cleanup(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, roomID)
}
