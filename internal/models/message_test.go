package models

import (
	"strings"
	"testing"
)

func TestParseValidFrame(t *testing.T) {
	data := []byte(`{"type":"chat","room_id":"room-1","payload":{"text":"hi"}}`)

	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != SignalTypeChat {
		t.Fatalf("expected type chat, got %s", msg.Type)
	}

	var chat ChatPayload
	if err := msg.DecodePayload(&chat); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if chat.Text != "hi" {
		t.Fatalf("expected text %q, got %q", "hi", chat.Text)
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"teleport","room_id":"room-1"}`))
	if err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "teleport") {
		t.Fatalf("expected error to name the type, got %v", err)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"type":"chat"`)); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for non-JSON frame")
	}
}

func TestDecodePayloadRequiresPayload(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"chat","room_id":"room-1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var chat ChatPayload
	if err := msg.DecodePayload(&chat); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}

func TestNewRoundTrip(t *testing.T) {
	msg, err := New(SignalTypeReaction, "room-1", "alice", ReactionPayload{Emoji: "🎉"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msg.Sequence = 7

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.SenderID != "alice" || parsed.RoomID != "room-1" || parsed.Sequence != 7 {
		t.Fatalf("round trip lost fields: %+v", parsed)
	}

	var reaction ReactionPayload
	if err := parsed.DecodePayload(&reaction); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if reaction.Emoji != "🎉" {
		t.Fatalf("expected emoji preserved, got %q", reaction.Emoji)
	}
}

func TestNewErrorCarriesCode(t *testing.T) {
	msg := NewError("room-1", CodeRoomFull, "room is at capacity")
	if msg.Type != SignalTypeError {
		t.Fatalf("expected error type, got %s", msg.Type)
	}

	var payload ErrorPayload
	if err := msg.DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Code != CodeRoomFull {
		t.Fatalf("expected code %s, got %s", CodeRoomFull, payload.Code)
	}
}
