package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType represents the type of a signaling message.
type SignalType string

const (
	SignalTypeOffer       SignalType = "offer"
	SignalTypeAnswer      SignalType = "answer"
	SignalTypeCandidate   SignalType = "ice-candidate"
	SignalTypeChat        SignalType = "chat"
	SignalTypeReaction    SignalType = "reaction"
	SignalTypeRoomState   SignalType = "room-state"
	SignalTypeUserJoined  SignalType = "user-joined"
	SignalTypeUserLeft    SignalType = "user-left"
	SignalTypeError       SignalType = "error"
	SignalTypeFileControl SignalType = "file-transfer-control"
	SignalTypeKeyExchange SignalType = "key-exchange"
	SignalTypeEncrypted   SignalType = "encrypted"
	SignalTypeHeartbeat   SignalType = "heartbeat"
)

// Error codes carried in error frame payloads.
const (
	CodeRoomFull          = "ROOM_FULL"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeMaliciousContent  = "MALICIOUS_CONTENT"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeNotFound          = "NOT_FOUND"
	CodeTransferError     = "TRANSFER_ERROR"
	CodeSecurityError     = "SECURITY_ERROR"
	CodeStateConflict     = "STATE_CONFLICT"
	CodeInternalError     = "INTERNAL_ERROR"
)

// SignalMessage is one wire frame. The payload is kept raw until the type tag
// is known, then decoded once at the boundary into its typed struct.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	To        string          `json:"to,omitempty"`
	RoomID    string          `json:"room_id"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence,omitempty"`
}

// SDPPayload carries an SDP offer or answer for a target peer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one ICE candidate.
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex int    `json:"sdpMLineIndex,omitempty"`
}

// ChatPayload is a plaintext chat message (sanitized before relay).
type ChatPayload struct {
	Text string `json:"text"`
}

// ReactionPayload is a short emoji reaction.
type ReactionPayload struct {
	Emoji string `json:"emoji"`
}

// RoomStatePayload is the definitive participant list after a membership change.
type RoomStatePayload struct {
	Participants []string `json:"participants"`
	Count        int      `json:"count"`
}

// PresencePayload accompanies user-joined and user-left messages.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// ErrorPayload reports a processing failure back to the originating connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// KeyExchangePayload advertises a participant's public key material.
type KeyExchangePayload struct {
	KeyID           string `json:"key_id"`
	KeyType         string `json:"key_type"`
	PublicKey       string `json:"public_key"`
	SignaturePublic string `json:"signature_public_key,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
}

// FileControlPayload carries file transfer negotiation and chunk control.
type FileControlPayload struct {
	Action     string `json:"action"`
	TransferID string `json:"transfer_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Size       int64  `json:"size,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkData  string `json:"chunk_data,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// File control actions.
const (
	FileActionOffer  = "offer"
	FileActionAccept = "accept"
	FileActionReject = "reject"
	FileActionChunk  = "chunk"
	FileActionAck    = "chunk-ack"
	FileActionPause  = "pause"
	FileActionResume = "resume"
	FileActionCancel = "cancel"
)

var knownTypes = map[SignalType]struct{}{
	SignalTypeOffer:       {},
	SignalTypeAnswer:      {},
	SignalTypeCandidate:   {},
	SignalTypeChat:        {},
	SignalTypeReaction:    {},
	SignalTypeRoomState:   {},
	SignalTypeUserJoined:  {},
	SignalTypeUserLeft:    {},
	SignalTypeError:       {},
	SignalTypeFileControl: {},
	SignalTypeKeyExchange: {},
	SignalTypeEncrypted:   {},
	SignalTypeHeartbeat:   {},
}

// Parse decodes a single inbound frame and validates its type tag.
func Parse(data []byte) (*SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// DecodePayload decodes the raw payload into the given typed struct.
func (m *SignalMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

// New builds an outbound message with the payload already marshalled.
func New(msgType SignalType, roomID, senderID string, payload any) (*SignalMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &SignalMessage{
		Type:      msgType,
		Payload:   raw,
		SenderID:  senderID,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError builds an error frame addressed to a single connection.
func NewError(roomID, code, message string) *SignalMessage {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &SignalMessage{
		Type:      SignalTypeError,
		Payload:   raw,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serializes the message to one wire frame.
func (m *SignalMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
