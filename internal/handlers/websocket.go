package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/peerhaven/signaling/internal/e2ee"
	"github.com/peerhaven/signaling/internal/models"
	"github.com/peerhaven/signaling/internal/presence"
	"github.com/peerhaven/signaling/internal/relay"
	"github.com/peerhaven/signaling/internal/transfer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = 54 * time.Second
	maxFrameSize       = 1 << 20
	maxMalformedFrames = 5
)

// connection is one live client WebSocket, split into a receive-from-client
// loop and a receive-from-relay loop that race; whichever ends first tears
// the connection down.
type connection struct {
	svc      *Services
	conn     *websocket.Conn
	userID   string
	username string
	roomID   string
	send     chan []byte

	// highest room sequence delivered to this client, for reconnect replay
	lastDelivered atomic.Int64
}

// HandleSignaling upgrades the connection, joins the room, replays missed
// messages for reconnecting clients, and runs the connection loops.
func (s *Services) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	userID, username, err := authenticateConnection(c, s.Cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing token"})
		return
	}

	room, err := s.lookupRoom(c.Request.Context(), roomIdentifier)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &connection{
		svc:      s,
		conn:     wsConn,
		userID:   userID,
		username: username,
		roomID:   room.ID,
		send:     make(chan []byte, 256),
	}
	go conn.writePump()

	count, err := s.Presence.JoinWithLimit(ctx, room.ID, userID, room.MaxParticipants)
	if err != nil {
		var full *presence.RoomFullError
		if errors.As(err, &full) {
			conn.sendError(models.CodeRoomFull, full.Error())
			conn.closeWith(websocket.ClosePolicyViolation, "room full")
			close(conn.send)
			return
		}
		log.Printf("Join failed for %s in %s: %v", userID, room.ID, err)
		conn.sendError(models.CodeInternalError, "failed to join room")
		conn.closeWith(websocket.CloseInternalServerErr, "join failed")
		close(conn.send)
		return
	}
	log.Printf("Peer %s joined room %s (code: %s) - %d/%d participants",
		userID, room.ID, room.Code, count, room.MaxParticipants)

	// Subscribe before computing replay so nothing published in between is
	// lost; the replay boundary deduplicates the overlap.
	stream, err := s.Relay.Subscribe(ctx, room.ID, userID)
	if err != nil {
		log.Printf("Subscribe failed for %s in %s: %v", userID, room.ID, err)
		_, _ = s.Presence.Leave(ctx, room.ID, userID)
		conn.sendError(models.CodeInternalError, "failed to subscribe to room")
		conn.closeWith(websocket.CloseInternalServerErr, "subscribe failed")
		close(conn.send)
		return
	}
	defer stream.Close()

	reconnect := s.Relay.Buffer().HandleReconnect(room.ID, userID)
	if !reconnect.IsReconnect {
		s.Relay.Buffer().TrackState(room.ID, userID, true, 0)
	}

	if count == 1 {
		s.Recorder.RoomSessionStarted(ctx, room.ID)
	}

	// The joiner always receives definitive room state first.
	conn.sendRoomState(ctx)

	if reconnect.IsReconnect {
		log.Printf("Peer %s reconnected to %s after %s, replaying %d messages",
			userID, room.ID, reconnect.DisconnectDuration.Round(time.Millisecond), len(reconnect.Missed))
		for _, missed := range reconnect.Missed {
			conn.deliver(missed)
		}
	} else {
		joined, err := models.New(models.SignalTypeUserJoined, room.ID, "", models.PresencePayload{
			UserID:   userID,
			Username: username,
		})
		if err == nil {
			if err := s.Relay.Publish(ctx, room.ID, joined); err != nil {
				log.Printf("Failed to announce join of %s: %v", userID, err)
			}
		}
		s.broadcastRoomState(ctx, room.ID)
	}

	// Race the two halves; the first to end wins and the other is cancelled.
	done := make(chan struct{}, 2)
	go func() {
		conn.readLoop(ctx)
		done <- struct{}{}
	}()
	go func() {
		conn.relayLoop(ctx, stream)
		done <- struct{}{}
	}()
	<-done
	cancel()

	conn.teardown()
}

// teardown releases everything the connection held. A final user-left
// broadcast is attempted but must not block shutdown.
func (c *connection) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := c.svc
	s.Relay.Buffer().TrackState(c.roomID, c.userID, false, c.lastDelivered.Load())

	remaining, err := s.Presence.Leave(ctx, c.roomID, c.userID)
	if err != nil {
		log.Printf("Leave failed for %s in %s: %v", c.userID, c.roomID, err)
	}

	s.Keys.CleanupUserKeys(c.userID, c.roomID)
	s.Limits.Forget(c.userID)

	if err == nil && remaining == 0 {
		s.Relay.Buffer().Cleanup(c.roomID)
		s.Recorder.RoomSessionEnded(ctx, c.roomID)
	} else {
		left, buildErr := models.New(models.SignalTypeUserLeft, c.roomID, "", models.PresencePayload{
			UserID:   c.userID,
			Username: c.username,
		})
		if buildErr == nil {
			if err := s.Relay.Publish(ctx, c.roomID, left); err != nil {
				log.Printf("Failed to announce leave of %s: %v", c.userID, err)
			}
		}
		s.broadcastRoomState(ctx, c.roomID)
	}

	close(c.send)
	log.Printf("Peer %s left room %s", c.userID, c.roomID)
}

// readLoop consumes frames from the client: validate, rate-limit, sanitize,
// then publish. Per-frame errors are reported back and the loop continues;
// repeated malformed frames close the connection.
func (c *connection) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	malformed := 0
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for %s: %v", c.userID, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		msg, err := models.Parse(data)
		if err != nil {
			malformed++
			c.sendError(models.CodeInvalidMessage, err.Error())
			if malformed >= maxMalformedFrames {
				log.Printf("Closing connection of %s: repeated malformed frames", c.userID)
				c.closeWith(websocket.CloseUnsupportedData, "too many malformed frames")
				return
			}
			continue
		}

		// The server, not the client, is authoritative for sender and room.
		msg.SenderID = c.userID
		msg.RoomID = c.roomID
		msg.Timestamp = time.Now().UTC()

		c.handleMessage(ctx, msg)
	}
}

func (c *connection) handleMessage(ctx context.Context, msg *models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		if !c.allow(ActionGeneric) {
			return
		}
		c.publish(ctx, msg)

	case models.SignalTypeChat:
		if !c.allow(ActionChat) {
			return
		}
		c.handleChat(ctx, msg)

	case models.SignalTypeReaction:
		if !c.allow(ActionReaction) {
			return
		}
		c.publish(ctx, msg)

	case models.SignalTypeHeartbeat:
		if err := c.svc.Presence.Heartbeat(ctx, c.roomID, c.userID); err != nil {
			log.Printf("Heartbeat failed for %s: %v", c.userID, err)
		}

	case models.SignalTypeKeyExchange:
		if !c.allow(ActionGeneric) {
			return
		}
		c.handleKeyExchange(ctx, msg)

	case models.SignalTypeEncrypted:
		if !c.allow(ActionGeneric) {
			return
		}
		c.handleEncrypted(ctx, msg)

	case models.SignalTypeFileControl:
		if !c.allow(ActionFile) {
			return
		}
		c.handleFileControl(ctx, msg)

	default:
		c.sendError(models.CodeInvalidMessage, "clients may not send "+string(msg.Type)+" messages")
	}
}

func (c *connection) handleChat(ctx context.Context, msg *models.SignalMessage) {
	var chat models.ChatPayload
	if err := msg.DecodePayload(&chat); err != nil {
		c.sendError(models.CodeInvalidMessage, err.Error())
		return
	}

	clean, err := c.svc.Sanitizer.Sanitize(chat.Text)
	if err != nil {
		c.sendError(models.CodeMaliciousContent, "message rejected")
		return
	}

	out, err := models.New(models.SignalTypeChat, c.roomID, c.userID, models.ChatPayload{Text: clean})
	if err != nil {
		c.sendError(models.CodeInternalError, "failed to build message")
		return
	}
	out.To = msg.To

	// Best-effort persistence; never blocks the relay path.
	c.svc.Recorder.SaveChatMessage(ctx, c.roomID, c.userID, clean)

	c.publish(ctx, out)
}

// handleEncrypted relays an envelope without touching its ciphertext. The
// relay checks only what it can see: addressing consistent with the
// authenticated sender, and the signature-required policy.
func (c *connection) handleEncrypted(ctx context.Context, msg *models.SignalMessage) {
	var envelope e2ee.Envelope
	if err := msg.DecodePayload(&envelope); err != nil {
		c.sendError(models.CodeInvalidMessage, err.Error())
		return
	}
	if err := c.svc.Messenger.ValidateRelay(&envelope, c.userID); err != nil {
		c.sendError(models.CodeSecurityError, err.Error())
		return
	}
	if msg.To == "" {
		msg.To = envelope.Recipient
	}
	c.publish(ctx, msg)
}

// handleKeyExchange records the sender's advertised public key on this
// instance and relays the advertisement so peers can derive the pair secret.
func (c *connection) handleKeyExchange(ctx context.Context, msg *models.SignalMessage) {
	var payload models.KeyExchangePayload
	if err := msg.DecodePayload(&payload); err != nil {
		c.sendError(models.CodeInvalidMessage, err.Error())
		return
	}

	publicKey, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		c.sendError(models.CodeInvalidMessage, "invalid public key encoding")
		return
	}
	var sigPub []byte
	if payload.SignaturePublic != "" {
		sigPub, err = base64.StdEncoding.DecodeString(payload.SignaturePublic)
		if err != nil {
			c.sendError(models.CodeInvalidMessage, "invalid signature key encoding")
			return
		}
	}

	if err := c.svc.Keys.RegisterPeerKey(c.roomID, c.userID, publicKey, sigPub); err != nil {
		c.sendError(models.CodeSecurityError, err.Error())
		return
	}

	c.publish(ctx, msg)
}

func (c *connection) handleFileControl(ctx context.Context, msg *models.SignalMessage) {
	var ctrl models.FileControlPayload
	if err := msg.DecodePayload(&ctrl); err != nil {
		c.sendError(models.CodeInvalidMessage, err.Error())
		return
	}

	s := c.svc
	switch ctrl.Action {
	case models.FileActionOffer:
		if msg.To == "" {
			c.sendError(models.CodeInvalidMessage, "file offer requires a target peer")
			return
		}
		state, err := s.Transfers.CreateOffer(ctx, c.roomID, c.userID, msg.To, ctrl.Filename, ctrl.Size, ctrl.MimeType)
		if err != nil {
			c.sendTransferError(err)
			return
		}
		ctrl.TransferID = state.ID
		c.publishFileControl(ctx, msg.To, ctrl)

	case models.FileActionAccept:
		state, err := s.Transfers.Accept(ctx, ctrl.TransferID, c.userID)
		if err != nil {
			c.sendTransferError(err)
			return
		}
		c.publishFileControl(ctx, state.SenderID, ctrl)

	case models.FileActionReject:
		state, err := s.Transfers.Reject(ctx, ctrl.TransferID, c.userID, ctrl.Reason)
		if err != nil {
			c.sendTransferError(err)
			return
		}
		c.publishFileControl(ctx, state.SenderID, ctrl)

	case models.FileActionChunk:
		data, err := base64.StdEncoding.DecodeString(ctrl.ChunkData)
		if err != nil {
			c.sendError(models.CodeInvalidMessage, "invalid chunk encoding")
			return
		}
		state, err := s.Transfers.ReceiveChunk(ctx, ctrl.TransferID, c.userID, ctrl.ChunkIndex, data, ctrl.Checksum)
		if err != nil {
			c.sendTransferError(err)
			return
		}
		// Forward the chunk to the receiving peer, then ack this connection
		// directly; a published ack would be dropped by the self-echo filter.
		c.publishFileControl(ctx, state.ReceiverID, ctrl)
		ack, err := models.New(models.SignalTypeFileControl, c.roomID, "", models.FileControlPayload{
			Action:     models.FileActionAck,
			TransferID: ctrl.TransferID,
			ChunkIndex: ctrl.ChunkIndex,
		})
		if err == nil {
			ack.To = c.userID
			c.deliver(ack)
		}

	case models.FileActionPause:
		state, err := s.Transfers.Pause(ctx, ctrl.TransferID, c.userID)
		if err != nil {
			c.sendTransferError(err)
			return
		}
		c.publishFileControl(ctx, state.OtherParty(c.userID), ctrl)

	case models.FileActionResume:
		state, err := s.Transfers.Resume(ctx, ctrl.TransferID, c.userID)
		if err != nil {
			c.sendTransferError(err)
			return
		}
		c.publishFileControl(ctx, state.OtherParty(c.userID), ctrl)

	case models.FileActionCancel:
		state, err := s.Transfers.Cancel(ctx, ctrl.TransferID, c.userID)
		if err != nil {
			c.sendTransferError(err)
			return
		}
		c.publishFileControl(ctx, state.OtherParty(c.userID), ctrl)

	default:
		c.sendError(models.CodeInvalidMessage, "unknown file control action "+ctrl.Action)
	}
}

func (c *connection) sendTransferError(err error) {
	var (
		permErr  *transfer.PermissionError
		stateErr *transfer.StateConflictError
		capErr   *transfer.CapacityError
		intErr   *transfer.IntegrityError
	)
	switch {
	case errors.As(err, &permErr):
		c.sendError(models.CodePermissionDenied, err.Error())
	case errors.As(err, &stateErr):
		c.sendError(models.CodeStateConflict, err.Error())
	case errors.As(err, &capErr):
		c.sendError(models.CodeTransferError, err.Error())
	case errors.As(err, &intErr):
		c.sendError(models.CodeSecurityError, err.Error())
	case errors.Is(err, transfer.ErrTransferNotFound):
		c.sendError(models.CodeNotFound, err.Error())
	default:
		c.sendError(models.CodeTransferError, err.Error())
	}
}

func (c *connection) publishFileControl(ctx context.Context, to string, ctrl models.FileControlPayload) {
	msg, err := models.New(models.SignalTypeFileControl, c.roomID, c.userID, ctrl)
	if err != nil {
		log.Printf("Failed to build file control message: %v", err)
		return
	}
	msg.To = to
	c.publish(ctx, msg)
}

func (c *connection) publish(ctx context.Context, msg *models.SignalMessage) {
	if err := c.svc.Relay.Publish(ctx, c.roomID, msg); err != nil {
		log.Printf("Publish failed for %s in %s: %v", c.userID, c.roomID, err)
		c.sendError(models.CodeInternalError, "failed to publish message")
	}
}

// relayLoop consumes the room subscription stream and forwards to the
// client, skipping anything already covered by reconnect replay.
func (c *connection) relayLoop(ctx context.Context, stream *relay.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.C():
			if !ok {
				return
			}
			if msg.Sequence > 0 && msg.Sequence <= c.lastDelivered.Load() {
				continue
			}
			c.deliver(msg)
		}
	}
}

// deliver queues one message for the client and advances the replay cursor.
func (c *connection) deliver(msg *models.SignalMessage) {
	data, err := msg.Encode()
	if err != nil {
		log.Printf("Failed to encode message for %s: %v", c.userID, err)
		return
	}
	select {
	case c.send <- data:
		for {
			last := c.lastDelivered.Load()
			if msg.Sequence <= last || c.lastDelivered.CompareAndSwap(last, msg.Sequence) {
				break
			}
		}
	default:
		log.Printf("Send buffer full for %s, dropping message", c.userID)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendRoomState sends the definitive participant list to this client only.
func (c *connection) sendRoomState(ctx context.Context) {
	participants, err := c.svc.Presence.List(ctx, c.roomID)
	if err != nil {
		log.Printf("Failed to list room %s: %v", c.roomID, err)
		return
	}
	msg, err := models.New(models.SignalTypeRoomState, c.roomID, "", models.RoomStatePayload{
		Participants: participants,
		Count:        len(participants),
	})
	if err != nil {
		return
	}
	c.deliver(msg)
}

// broadcastRoomState publishes the participant list to the whole room.
func (s *Services) broadcastRoomState(ctx context.Context, roomID string) {
	participants, err := s.Presence.List(ctx, roomID)
	if err != nil {
		log.Printf("Failed to list room %s: %v", roomID, err)
		return
	}
	msg, err := models.New(models.SignalTypeRoomState, roomID, "", models.RoomStatePayload{
		Participants: participants,
		Count:        len(participants),
	})
	if err != nil {
		return
	}
	if err := s.Relay.Publish(ctx, roomID, msg); err != nil {
		log.Printf("Failed to broadcast room state for %s: %v", roomID, err)
	}
}

func (c *connection) allow(action string) bool {
	if err := c.svc.Limits.Check(action, c.userID); err != nil {
		c.sendError(models.CodeRateLimitExceeded, err.Error())
		return false
	}
	return true
}

func (c *connection) sendError(code, message string) {
	data, err := models.NewError(c.roomID, code, message).Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *connection) closeWith(closeCode int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason), deadline)
	// Give the write pump a moment to flush the error frame first.
	time.Sleep(50 * time.Millisecond)
	_ = c.conn.Close()
}
