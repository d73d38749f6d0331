package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Room.MaxParticipants != 8 {
		t.Fatalf("expected 8 max participants, got %d", cfg.Room.MaxParticipants)
	}
	if cfg.Replay.GraceWindow != 30*time.Second {
		t.Fatalf("expected 30s grace window, got %s", cfg.Replay.GraceWindow)
	}
	if cfg.Transfer.MaxFileSize != 100*1024*1024 {
		t.Fatalf("expected 100MB max file size, got %d", cfg.Transfer.MaxFileSize)
	}
	if cfg.Transfer.ChunkSize != 64*1024 {
		t.Fatalf("expected 64KB chunk size, got %d", cfg.Transfer.ChunkSize)
	}
	if !cfg.E2EE.SignaturesEnabled {
		t.Fatalf("expected signatures enabled by default")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected two default origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ROOM_MAX_PARTICIPANTS", "4")
	t.Setenv("REPLAY_GRACE_WINDOW", "45s")
	t.Setenv("E2EE_SIGNATURES_ENABLED", "false")
	t.Setenv("ALLOWED_ORIGINS", "https://example.com")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.Room.MaxParticipants != 4 {
		t.Fatalf("expected 4 max participants, got %d", cfg.Room.MaxParticipants)
	}
	if cfg.Replay.GraceWindow != 45*time.Second {
		t.Fatalf("expected 45s grace window, got %s", cfg.Replay.GraceWindow)
	}
	if cfg.E2EE.SignaturesEnabled {
		t.Fatalf("expected signatures disabled")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://example.com" {
		t.Fatalf("expected single origin override, got %v", cfg.AllowedOrigins)
	}
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("ROOM_MAX_PARTICIPANTS", "not-a-number")
	t.Setenv("REPLAY_GRACE_WINDOW", "-5s")
	t.Setenv("TRANSFER_MAX_FILE_SIZE", "0")

	cfg := Load()

	if cfg.Room.MaxParticipants != 8 {
		t.Fatalf("expected fallback to 8, got %d", cfg.Room.MaxParticipants)
	}
	if cfg.Replay.GraceWindow != 30*time.Second {
		t.Fatalf("expected fallback to 30s, got %s", cfg.Replay.GraceWindow)
	}
	if cfg.Transfer.MaxFileSize != 100*1024*1024 {
		t.Fatalf("expected fallback to 100MB, got %d", cfg.Transfer.MaxFileSize)
	}
}
