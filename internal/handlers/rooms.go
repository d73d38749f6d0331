package handlers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/peerhaven/signaling/internal/models"
	"github.com/peerhaven/signaling/internal/store"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates a new room (requires authentication).
func (s *Services) CreateRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.MaxParticipants == 0 {
		req.MaxParticipants = s.Cfg.Room.MaxParticipants
	}

	roomID := uuid.New().String()
	roomCode := generateRoomCode()

	room := models.RoomMetadata{
		ID:              roomID,
		Code:            roomCode,
		CreatorID:       userID.(string),
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}

	roomData, err := json.Marshal(room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	ctx := c.Request.Context()
	if err := s.KV.Set(ctx, store.RoomMetaKey(roomID), string(roomData), roomTTL); err != nil {
		log.Printf("Failed to store room: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	// Store code-to-ID mapping for easy lookup
	if err := s.KV.Set(ctx, store.RoomCodeKey(roomCode), roomID, roomTTL); err != nil {
		log.Printf("Failed to store room code: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	log.Printf("Room created: %s (code: %s) by user %s", roomID, roomCode, userID)

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: roomID,
		Code:   roomCode,
	})
}

// GetRoom gets room information by code or ID (public).
func (s *Services) GetRoom(c *gin.Context) {
	room, err := s.lookupRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	count, err := s.Presence.Count(c.Request.Context(), room.ID)
	if err == nil {
		room.ParticipantCount = count
	}

	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator).
func (s *Services) DeleteRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	room, err := s.lookupRoom(ctx, c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	if room.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := s.KV.Del(ctx,
		store.RoomMetaKey(room.ID),
		store.RoomCodeKey(room.Code),
		store.RoomPeersKey(room.ID),
		store.RoomBeatsKey(room.ID),
		store.RelaySeqKey(room.ID),
	); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}
	s.Relay.Buffer().Cleanup(room.ID)

	log.Printf("Room deleted: %s by user %s", room.ID, userID)

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// lookupRoom resolves a room identifier (short code or UUID) to its metadata.
func (s *Services) lookupRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier

	// Short codes and UUIDs are distinguishable by length.
	if len(identifier) == roomCodeLength {
		id, err := s.KV.Get(ctx, store.RoomCodeKey(identifier))
		if err != nil {
			return nil, fmt.Errorf("room not found")
		}
		roomID = id
	}

	roomData, err := s.KV.Get(ctx, store.RoomMetaKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("room not found")
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data")
	}
	return &room, nil
}

// generateRoomCode generates a random room code.
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
