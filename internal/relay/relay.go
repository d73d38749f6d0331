// Package relay fans signaling messages out to every server instance
// subscribed to a room and replays recently published messages to clients
// that reconnect within the grace window.
package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/peerhaven/signaling/internal/bus"
	"github.com/peerhaven/signaling/internal/models"
	"github.com/peerhaven/signaling/internal/store"
)

// Relay publishes room messages across instances and hands out per-connection
// subscription streams.
type Relay struct {
	bus    bus.Bus
	kv     store.KV
	buffer *Buffer
}

func New(b bus.Bus, kv store.KV, buffer *Buffer) *Relay {
	return &Relay{bus: b, kv: kv, buffer: buffer}
}

// Buffer exposes the reconnection buffer for connection bookkeeping.
func (r *Relay) Buffer() *Buffer {
	return r.buffer
}

// Publish assigns the next per-room sequence number, records the message in
// the reconnection buffer, and fans it out to all instances. Messages from a
// single publisher keep publish order; buffer failures degrade to no replay
// and never block the publish.
func (r *Relay) Publish(ctx context.Context, roomID string, msg *models.SignalMessage) error {
	seq, err := r.kv.Incr(ctx, store.RelaySeqKey(roomID))
	if err != nil {
		return fmt.Errorf("assign sequence for room %s: %w", roomID, err)
	}
	msg.RoomID = roomID
	msg.Sequence = seq

	r.buffer.Record(roomID, msg)

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message for room %s: %w", roomID, err)
	}
	if err := r.bus.Publish(ctx, store.RoomTopic(roomID), data); err != nil {
		return fmt.Errorf("publish to room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe returns a live stream of the room's messages with the
// subscriber's own messages filtered out. Cancelling the context ends the
// stream without blocking publishers.
func (r *Relay) Subscribe(ctx context.Context, roomID, selfID string) (*Stream, error) {
	sub, err := r.bus.Subscribe(ctx, store.RoomTopic(roomID))
	if err != nil {
		return nil, fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}

	stream := &Stream{
		sub: sub,
		out: make(chan *models.SignalMessage, 64),
	}
	go stream.pump(ctx, selfID)
	return stream, nil
}

// Stream is a decoded, sender-filtered view of one room subscription.
type Stream struct {
	sub bus.Subscription
	out chan *models.SignalMessage
}

func (s *Stream) pump(ctx context.Context, selfID string) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.sub.C():
			if !ok {
				return
			}
			msg, err := models.Parse(data)
			if err != nil {
				log.Printf("Dropping undecodable relay payload: %v", err)
				continue
			}
			// Never echo a message back to its own sender.
			if msg.SenderID != "" && msg.SenderID == selfID {
				continue
			}
			// Directed messages are only delivered to their target.
			if msg.To != "" && msg.To != selfID {
				continue
			}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// C yields the room's messages in the order this instance received them.
func (s *Stream) C() <-chan *models.SignalMessage {
	return s.out
}

// Close ends the stream. Safe to call concurrently with delivery.
func (s *Stream) Close() error {
	return s.sub.Close()
}
