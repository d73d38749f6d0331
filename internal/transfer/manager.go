package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerhaven/signaling/config"
	"github.com/peerhaven/signaling/internal/store"
)

// Manager tracks all transfers handled by this instance. Chunk payloads stay
// in local memory; the transfer record is mirrored to the shared store with a
// TTL matching the transfer timeout so other instances can answer progress
// queries.
type Manager struct {
	mu  sync.Mutex
	kv  store.KV
	cfg config.TransferConfig

	transfers map[string]*record
}

type record struct {
	state     State
	chunks    map[int][]byte
	assembled []byte
}

func NewManager(kv store.KV, cfg config.TransferConfig) *Manager {
	return &Manager{
		kv:        kv,
		cfg:       cfg,
		transfers: make(map[string]*record),
	}
}

// CreateOffer registers a new PENDING transfer. The offer is rejected when
// the file exceeds the configured maximum or the sender already has too many
// concurrent non-terminal transfers.
func (m *Manager) CreateOffer(ctx context.Context, roomID, senderID, receiverID, filename string, size int64, mimeType string) (*State, error) {
	if size <= 0 {
		return nil, &CapacityError{Reason: "file size must be positive"}
	}
	if size > m.cfg.MaxFileSize {
		return nil, &CapacityError{Reason: "file exceeds maximum size"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	open := 0
	for _, rec := range m.transfers {
		if rec.state.SenderID == senderID && !rec.state.Status.Terminal() {
			open++
		}
	}
	if open >= m.cfg.MaxConcurrentPerUser {
		return nil, &CapacityError{Reason: "too many concurrent transfers"}
	}

	now := time.Now()
	rec := &record{
		state: State{
			ID:          uuid.NewString(),
			RoomID:      roomID,
			SenderID:    senderID,
			ReceiverID:  receiverID,
			Filename:    filename,
			MimeType:    mimeType,
			TotalSize:   size,
			ChunkSize:   m.cfg.ChunkSize,
			TotalChunks: chunkCount(size, m.cfg.ChunkSize),
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		chunks: make(map[int][]byte),
	}
	m.transfers[rec.state.ID] = rec
	m.mirrorLocked(ctx, rec)

	state := rec.state
	return &state, nil
}

// Accept transitions PENDING to ACTIVE. Only the designated receiver may act.
func (m *Manager) Accept(ctx context.Context, transferID, userID string) (*State, error) {
	return m.transition(ctx, transferID, userID, "accept", func(rec *record) error {
		if userID != rec.state.ReceiverID {
			return &PermissionError{UserID: userID, TransferID: transferID}
		}
		if rec.state.Status != StatusPending {
			return &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "accept"}
		}
		rec.state.Status = StatusActive
		return nil
	})
}

// Reject cancels a PENDING transfer. Only the designated receiver may act.
func (m *Manager) Reject(ctx context.Context, transferID, userID, reason string) (*State, error) {
	return m.transition(ctx, transferID, userID, "reject", func(rec *record) error {
		if userID != rec.state.ReceiverID {
			return &PermissionError{UserID: userID, TransferID: transferID}
		}
		if rec.state.Status != StatusPending {
			return &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "reject"}
		}
		rec.state.Status = StatusCancelled
		rec.state.RejectReason = reason
		rec.chunks = nil
		return nil
	})
}

// ReceiveChunk verifies and stores one chunk. Only the transfer's sender may
// submit chunks. Chunks may arrive in any order; a duplicate index is
// idempotent. When the last chunk lands the transfer is assembled, its
// whole-file checksum recorded, and intermediate chunks discarded. A checksum
// mismatch fails only that chunk.
func (m *Manager) ReceiveChunk(ctx context.Context, transferID, userID string, index int, data []byte, checksum string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if userID != rec.state.SenderID {
		return nil, &PermissionError{UserID: userID, TransferID: transferID}
	}
	if rec.state.Status != StatusActive {
		return nil, &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "receive chunk"}
	}
	if index < 0 || index >= rec.state.TotalChunks {
		return nil, &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "receive out-of-range chunk"}
	}

	if checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != checksum {
			return nil, &IntegrityError{TransferID: transferID, ChunkIndex: index}
		}
	}

	if _, dup := rec.chunks[index]; !dup {
		rec.chunks[index] = append([]byte(nil), data...)
		rec.state.ReceivedChunks++
		rec.state.BytesTransferred += int64(len(data))
		rec.state.Progress = float64(rec.state.ReceivedChunks) / float64(rec.state.TotalChunks) * 100
	}
	rec.state.UpdatedAt = time.Now()

	if rec.state.ReceivedChunks == rec.state.TotalChunks {
		m.completeLocked(rec)
	}
	m.mirrorLocked(ctx, rec)

	state := rec.state
	return &state, nil
}

// completeLocked assembles chunks in index order, records the whole-file
// checksum, and discards the intermediate chunks. Caller holds m.mu.
func (m *Manager) completeLocked(rec *record) {
	assembled := make([]byte, 0, rec.state.TotalSize)
	for i := 0; i < rec.state.TotalChunks; i++ {
		assembled = append(assembled, rec.chunks[i]...)
	}
	sum := sha256.Sum256(assembled)
	rec.state.Checksum = hex.EncodeToString(sum[:])
	rec.state.Status = StatusCompleted
	rec.state.Progress = 100
	rec.assembled = assembled
	rec.chunks = nil
}

// Pause requires ACTIVE; only the sender or receiver may act.
func (m *Manager) Pause(ctx context.Context, transferID, userID string) (*State, error) {
	return m.transition(ctx, transferID, userID, "pause", func(rec *record) error {
		if !rec.state.party(userID) {
			return &PermissionError{UserID: userID, TransferID: transferID}
		}
		if rec.state.Status != StatusActive {
			return &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "pause"}
		}
		rec.state.Status = StatusPaused
		return nil
	})
}

// Resume requires PAUSED; only the sender or receiver may act.
func (m *Manager) Resume(ctx context.Context, transferID, userID string) (*State, error) {
	return m.transition(ctx, transferID, userID, "resume", func(rec *record) error {
		if !rec.state.party(userID) {
			return &PermissionError{UserID: userID, TransferID: transferID}
		}
		if rec.state.Status != StatusPaused {
			return &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "resume"}
		}
		rec.state.Status = StatusActive
		return nil
	})
}

// Cancel is valid from any non-terminal state and cleans up partial chunks.
func (m *Manager) Cancel(ctx context.Context, transferID, userID string) (*State, error) {
	return m.transition(ctx, transferID, userID, "cancel", func(rec *record) error {
		if !rec.state.party(userID) {
			return &PermissionError{UserID: userID, TransferID: transferID}
		}
		if rec.state.Status.Terminal() {
			return &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "cancel"}
		}
		rec.state.Status = StatusCancelled
		rec.chunks = nil
		return nil
	})
}

func (m *Manager) transition(ctx context.Context, transferID, userID, action string, apply func(*record) error) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if err := apply(rec); err != nil {
		return nil, err
	}
	rec.state.UpdatedAt = time.Now()
	m.mirrorLocked(ctx, rec)

	state := rec.state
	return &state, nil
}

// Progress returns a read-only copy of the transfer record.
func (m *Manager) Progress(transferID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	state := rec.state
	return &state, nil
}

// Assembled returns the reassembled file bytes of a completed transfer.
func (m *Manager) Assembled(transferID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if rec.state.Status != StatusCompleted {
		return nil, &StateConflictError{TransferID: transferID, Current: rec.state.Status, Attempted: "read assembled file"}
	}
	return rec.assembled, nil
}

// ListForUser returns transfers where the user is sender or receiver,
// optionally filtered by status.
func (m *Manager) ListForUser(userID string, status Status) []*State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*State
	for _, rec := range m.transfers {
		if !rec.state.party(userID) {
			continue
		}
		if status != "" && rec.state.Status != status {
			continue
		}
		state := rec.state
		out = append(out, &state)
	}
	return out
}

// ExpireStale fails non-terminal transfers older than the timeout and drops
// terminal records past retention. Returns the ids that were expired.
func (m *Manager) ExpireStale(ctx context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	cutoff := time.Now().Add(-m.cfg.Timeout)
	for id, rec := range m.transfers {
		if rec.state.Status.Terminal() {
			if rec.state.UpdatedAt.Before(cutoff) {
				delete(m.transfers, id)
			}
			continue
		}
		if rec.state.UpdatedAt.Before(cutoff) {
			rec.state.Status = StatusFailed
			rec.state.UpdatedAt = time.Now()
			rec.chunks = nil
			m.mirrorLocked(ctx, rec)
			expired = append(expired, id)
		}
	}
	return expired
}

// mirrorLocked writes the transfer record through to the shared store.
// Mirror failures are logged and swallowed; the local record stays
// authoritative for this instance. Caller holds m.mu.
func (m *Manager) mirrorLocked(ctx context.Context, rec *record) {
	data, err := json.Marshal(rec.state)
	if err != nil {
		log.Printf("Failed to marshal transfer %s: %v", rec.state.ID, err)
		return
	}
	key := store.TransferKey(rec.state.RoomID, rec.state.ID)
	if err := m.kv.Set(ctx, key, string(data), m.cfg.Timeout); err != nil {
		log.Printf("Failed to mirror transfer %s: %v", rec.state.ID, err)
	}
}
