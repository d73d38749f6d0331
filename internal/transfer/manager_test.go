package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/peerhaven/signaling/config"
	"github.com/peerhaven/signaling/internal/store"
)

func newTestManager(cfg config.TransferConfig) *Manager {
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 100 * 1024 * 1024
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.MaxConcurrentPerUser == 0 {
		cfg.MaxConcurrentPerUser = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return NewManager(store.NewMemory(), cfg)
}

func offerAndAccept(t *testing.T, m *Manager, size int64) *State {
	t.Helper()
	ctx := context.Background()
	state, err := m.CreateOffer(ctx, "room-1", "alice", "bob", "photo.jpg", size, "image/jpeg")
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	state, err = m.Accept(ctx, state.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return state
}

func TestChunkCountRoundsUp(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	ctx := context.Background()

	cases := []struct {
		size int64
		want int
	}{
		{10 * 1024 * 1024, 160},
		{64 * 1024, 1},
		{64*1024 + 1, 2},
		{1, 1},
	}
	for _, tc := range cases {
		state, err := m.CreateOffer(ctx, "room-1", "alice", "bob", "f", tc.size, "")
		if err != nil {
			t.Fatalf("create offer for size %d: %v", tc.size, err)
		}
		if state.TotalChunks != tc.want {
			t.Fatalf("size %d: expected %d chunks, got %d", tc.size, tc.want, state.TotalChunks)
		}
		if _, err := m.Cancel(ctx, state.ID, "alice"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
}

func TestOfferRejectsOversizeFile(t *testing.T) {
	m := newTestManager(config.TransferConfig{MaxFileSize: 1024})
	_, err := m.CreateOffer(context.Background(), "room-1", "alice", "bob", "big.bin", 2048, "")
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
}

func TestOfferRejectsNonPositiveSize(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	_, err := m.CreateOffer(context.Background(), "room-1", "alice", "bob", "empty", 0, "")
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError for zero size, got %v", err)
	}
}

func TestConcurrentTransferCap(t *testing.T) {
	m := newTestManager(config.TransferConfig{MaxConcurrentPerUser: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.CreateOffer(ctx, "room-1", "alice", "bob", "f", 100, ""); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}
	_, err := m.CreateOffer(ctx, "room-1", "alice", "bob", "f", 100, "")
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError at cap, got %v", err)
	}

	// A different sender is not affected by alice's budget.
	if _, err := m.CreateOffer(ctx, "room-1", "carol", "bob", "f", 100, ""); err != nil {
		t.Fatalf("offer from carol: %v", err)
	}
}

func TestOutOfOrderChunksReassemble(t *testing.T) {
	m := newTestManager(config.TransferConfig{ChunkSize: 4})
	ctx := context.Background()

	file := []byte("abcdefghij")
	state := offerAndAccept(t, m, int64(len(file)))
	if state.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", state.TotalChunks)
	}

	chunks := [][]byte{file[0:4], file[4:8], file[8:10]}
	for _, idx := range []int{2, 0, 1} {
		sum := sha256.Sum256(chunks[idx])
		st, err := m.ReceiveChunk(ctx, state.ID, "alice", idx, chunks[idx], hex.EncodeToString(sum[:]))
		if err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
		if idx == 1 && st.Status != StatusCompleted {
			t.Fatalf("expected completion on last chunk, got %s", st.Status)
		}
	}

	assembled, err := m.Assembled(state.ID)
	if err != nil {
		t.Fatalf("assembled: %v", err)
	}
	if !bytes.Equal(assembled, file) {
		t.Fatalf("reassembled bytes differ: got %q", assembled)
	}

	st, err := m.Progress(state.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	wholeSum := sha256.Sum256(file)
	if st.Checksum != hex.EncodeToString(wholeSum[:]) {
		t.Fatalf("whole-file checksum mismatch: %s", st.Checksum)
	}
	if st.Progress != 100 {
		t.Fatalf("expected progress 100, got %f", st.Progress)
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	m := newTestManager(config.TransferConfig{ChunkSize: 4})
	ctx := context.Background()

	state := offerAndAccept(t, m, 10)
	if _, err := m.ReceiveChunk(ctx, state.ID, "alice", 0, []byte("abcd"), ""); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	st, err := m.ReceiveChunk(ctx, state.ID, "alice", 0, []byte("abcd"), "")
	if err != nil {
		t.Fatalf("duplicate chunk: %v", err)
	}
	if st.ReceivedChunks != 1 || st.BytesTransferred != 4 {
		t.Fatalf("duplicate chunk double-counted: %d chunks, %d bytes",
			st.ReceivedChunks, st.BytesTransferred)
	}
}

func TestChunkChecksumMismatchFailsOnlyThatChunk(t *testing.T) {
	m := newTestManager(config.TransferConfig{ChunkSize: 4})
	ctx := context.Background()

	state := offerAndAccept(t, m, 10)
	sum := sha256.Sum256([]byte("something else"))
	_, err := m.ReceiveChunk(ctx, state.ID, "alice", 0, []byte("abcd"), hex.EncodeToString(sum[:]))
	var intErr *IntegrityError
	if !errors.As(err, &intErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if intErr.ChunkIndex != 0 {
		t.Fatalf("expected chunk index 0, got %d", intErr.ChunkIndex)
	}

	st, err := m.Progress(state.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if st.Status != StatusActive || st.ReceivedChunks != 0 {
		t.Fatalf("bad chunk must not advance the transfer: %s, %d chunks",
			st.Status, st.ReceivedChunks)
	}

	// The same chunk with the right checksum still lands.
	good := sha256.Sum256([]byte("abcd"))
	if _, err := m.ReceiveChunk(ctx, state.ID, "alice", 0, []byte("abcd"), hex.EncodeToString(good[:])); err != nil {
		t.Fatalf("retry chunk: %v", err)
	}
}

func TestOnlySenderMaySubmitChunks(t *testing.T) {
	m := newTestManager(config.TransferConfig{ChunkSize: 4})
	ctx := context.Background()

	state := offerAndAccept(t, m, 10)
	sum := sha256.Sum256([]byte("evil"))
	checksum := hex.EncodeToString(sum[:])

	var permErr *PermissionError
	for _, user := range []string{"bob", "mallory"} {
		_, err := m.ReceiveChunk(ctx, state.ID, user, 0, []byte("evil"), checksum)
		if !errors.As(err, &permErr) {
			t.Fatalf("chunk from %s: expected PermissionError, got %v", user, err)
		}
	}

	st, err := m.Progress(state.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if st.ReceivedChunks != 0 {
		t.Fatalf("forged chunk was stored: %d chunks", st.ReceivedChunks)
	}
}

func TestChunkIndexOutOfRange(t *testing.T) {
	m := newTestManager(config.TransferConfig{ChunkSize: 4})
	state := offerAndAccept(t, m, 10)

	_, err := m.ReceiveChunk(context.Background(), state.ID, "alice", 3, []byte("x"), "")
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
}

func TestChunksRequireActiveState(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	ctx := context.Background()

	state, err := m.CreateOffer(ctx, "room-1", "alice", "bob", "f", 100, "")
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	_, err = m.ReceiveChunk(ctx, state.ID, "alice", 0, []byte("x"), "")
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError for PENDING, got %v", err)
	}
	if conflict.Current != StatusPending {
		t.Fatalf("expected conflict to name PENDING, got %s", conflict.Current)
	}
}

func TestOnlyReceiverMayAcceptOrReject(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	ctx := context.Background()

	state, err := m.CreateOffer(ctx, "room-1", "alice", "bob", "f", 100, "")
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	var permErr *PermissionError
	if _, err := m.Accept(ctx, state.ID, "alice"); !errors.As(err, &permErr) {
		t.Fatalf("sender accept: expected PermissionError, got %v", err)
	}
	if _, err := m.Reject(ctx, state.ID, "carol", "nope"); !errors.As(err, &permErr) {
		t.Fatalf("outsider reject: expected PermissionError, got %v", err)
	}

	st, err := m.Reject(ctx, state.ID, "bob", "not now")
	if err != nil {
		t.Fatalf("receiver reject: %v", err)
	}
	if st.Status != StatusCancelled || st.RejectReason != "not now" {
		t.Fatalf("expected cancelled with reason, got %s %q", st.Status, st.RejectReason)
	}
}

func TestDoublePauseNamesCurrentState(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	ctx := context.Background()

	state := offerAndAccept(t, m, 100)
	if _, err := m.Pause(ctx, state.ID, "alice"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_, err := m.Pause(ctx, state.ID, "alice")
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if conflict.Current != StatusPaused {
		t.Fatalf("conflict must name current state PAUSED, got %s", conflict.Current)
	}

	st, err := m.Resume(ctx, state.ID, "bob")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if st.Status != StatusActive {
		t.Fatalf("expected ACTIVE after resume, got %s", st.Status)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	state := offerAndAccept(t, m, 100)

	_, err := m.Resume(context.Background(), state.ID, "alice")
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if conflict.Current != StatusActive {
		t.Fatalf("conflict must name ACTIVE, got %s", conflict.Current)
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	ctx := context.Background()

	state := offerAndAccept(t, m, 100)
	if _, err := m.Pause(ctx, state.ID, "bob"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	st, err := m.Cancel(ctx, state.ID, "alice")
	if err != nil {
		t.Fatalf("cancel paused: %v", err)
	}
	if st.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", st.Status)
	}

	_, err = m.Cancel(ctx, state.ID, "alice")
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("cancel of terminal transfer: expected StateConflictError, got %v", err)
	}
}

func TestUnknownTransfer(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	if _, err := m.Progress("missing"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
	if _, err := m.Accept(context.Background(), "missing", "bob"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestListForUser(t *testing.T) {
	m := newTestManager(config.TransferConfig{})
	ctx := context.Background()

	a, err := m.CreateOffer(ctx, "room-1", "alice", "bob", "a", 100, "")
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := m.CreateOffer(ctx, "room-1", "carol", "dave", "b", 100, ""); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := m.Accept(ctx, a.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	all := m.ListForUser("bob", "")
	if len(all) != 1 || all[0].ID != a.ID {
		t.Fatalf("expected bob to see one transfer, got %d", len(all))
	}
	if got := m.ListForUser("bob", StatusPending); len(got) != 0 {
		t.Fatalf("expected no pending transfers for bob, got %d", len(got))
	}
	if got := m.ListForUser("dave", StatusPending); len(got) != 1 {
		t.Fatalf("expected one pending transfer for dave, got %d", len(got))
	}
}

func TestExpireStaleFailsOldTransfers(t *testing.T) {
	m := newTestManager(config.TransferConfig{Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	state := offerAndAccept(t, m, 100)
	time.Sleep(40 * time.Millisecond)

	expired := m.ExpireStale(ctx)
	if len(expired) != 1 || expired[0] != state.ID {
		t.Fatalf("expected transfer %s expired, got %v", state.ID, expired)
	}

	st, err := m.Progress(state.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if st.Status != StatusFailed {
		t.Fatalf("expected FAILED after expiry, got %s", st.Status)
	}
}

func TestOtherParty(t *testing.T) {
	s := &State{SenderID: "alice", ReceiverID: "bob"}
	if got := s.OtherParty("alice"); got != "bob" {
		t.Fatalf("expected bob, got %s", got)
	}
	if got := s.OtherParty("bob"); got != "alice" {
		t.Fatalf("expected alice, got %s", got)
	}
}
