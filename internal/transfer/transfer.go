// Package transfer implements the chunked file transfer state machine:
// offer/accept negotiation, out-of-order chunk receipt with per-chunk
// integrity checks, pause/resume, cancellation, and reassembly with a
// whole-file checksum on completion.
package transfer

import (
	"errors"
	"fmt"
	"time"
)

// Status is a transfer's state machine position.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

var ErrTransferNotFound = errors.New("transfer: not found")

// PermissionError is returned when a user acts on a transfer they are not a
// party to, or a negotiation step reserved for the other side.
type PermissionError struct {
	UserID     string
	TransferID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s may not act on transfer %s", e.UserID, e.TransferID)
}

// StateConflictError names the current state when a transition is invalid.
type StateConflictError struct {
	TransferID string
	Current    Status
	Attempted  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s transfer %s in state %s", e.Attempted, e.TransferID, e.Current)
}

// CapacityError is returned when an offer exceeds the size cap or the
// sender's concurrent transfer budget.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string {
	return "transfer rejected: " + e.Reason
}

// IntegrityError reports a per-chunk checksum mismatch. The chunk is not
// persisted; the caller should retry that chunk.
type IntegrityError struct {
	TransferID string
	ChunkIndex int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %d of transfer %s failed checksum verification", e.ChunkIndex, e.TransferID)
}

// State is the externally visible transfer record.
type State struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"room_id"`
	SenderID         string    `json:"sender_id"`
	ReceiverID       string    `json:"receiver_id"`
	Filename         string    `json:"filename"`
	MimeType         string    `json:"mime_type,omitempty"`
	TotalSize        int64     `json:"total_size"`
	ChunkSize        int       `json:"chunk_size"`
	TotalChunks      int       `json:"total_chunks"`
	ReceivedChunks   int       `json:"received_chunks"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Progress         float64   `json:"progress"`
	Status           Status    `json:"status"`
	RejectReason     string    `json:"reject_reason,omitempty"`
	Checksum         string    `json:"checksum,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *State) party(userID string) bool {
	return userID == s.SenderID || userID == s.ReceiverID
}

// OtherParty returns the counterpart of the given participant.
func (s *State) OtherParty(userID string) string {
	if userID == s.SenderID {
		return s.ReceiverID
	}
	return s.SenderID
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
