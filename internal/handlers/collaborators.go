package handlers

import (
	"context"
	"errors"
	"html"
	"strings"

	"github.com/peerhaven/signaling/internal/models"
)

// Sanitizer cleans user-supplied text before it is relayed.
type Sanitizer interface {
	// Sanitize returns the cleaned text, or an error when the content must
	// not be relayed at all.
	Sanitize(text string) (string, error)
}

// Recorder receives best-effort persistence events. Implementations must be
// non-blocking from the relay's perspective; failures are logged and
// swallowed by the caller.
type Recorder interface {
	SaveChatMessage(ctx context.Context, roomID, senderID, text string)
	SaveEvent(ctx context.Context, roomID, kind string, msg *models.SignalMessage)
	RoomSessionStarted(ctx context.Context, roomID string)
	RoomSessionEnded(ctx context.Context, roomID string)
}

// ErrMaliciousContent marks text that failed sanitation outright.
var ErrMaliciousContent = errors.New("content rejected by sanitizer")

const maxChatLength = 2000

// HTMLSanitizer escapes markup and rejects script-bearing payloads.
type HTMLSanitizer struct{}

func (HTMLSanitizer) Sanitize(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrMaliciousContent
	}
	if len(trimmed) > maxChatLength {
		trimmed = trimmed[:maxChatLength]
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "<script") || strings.Contains(lower, "javascript:") {
		return "", ErrMaliciousContent
	}
	return html.EscapeString(trimmed), nil
}

// NopRecorder discards all persistence events. Chat history storage is an
// external collaborator of this service, not part of it.
type NopRecorder struct{}

func (NopRecorder) SaveChatMessage(context.Context, string, string, string)          {}
func (NopRecorder) SaveEvent(context.Context, string, string, *models.SignalMessage) {}
func (NopRecorder) RoomSessionStarted(context.Context, string)                       {}
func (NopRecorder) RoomSessionEnded(context.Context, string)                         {}
