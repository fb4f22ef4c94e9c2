// Package reliable implements the mId-based reliable delivery layer: each
// outbound JSON message is tagged with a 64-bit message id, tracked in a
// pending-ACK table until the peer's msg_ack arrives or the retry budget is
// exhausted, and inbound message ids are deduplicated within a sliding
// window so a retransmitted message is never processed twice.
package reliable

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/sglc/coreconfig"
)

// Sender is the minimal send capability the Tracker needs from the
// transport layer; msg is the already-framed bytes to place on the wire.
type Sender interface {
	Send(msg []byte) error
}

// pendingEntry is one outbound message awaiting acknowledgement. retries
// counts retransmissions only, not the initial send, so a message reaches
// MaxRetries retries (MaxRetries+1 total transmissions) before it's
// dropped, per the configured retry budget.
type pendingEntry struct {
	frame    []byte
	retries  int
	lastSent time.Time
}

// Tracker owns mId generation, the pending-ACK table, and the inbound
// duplicate-suppression cache for one link.
type Tracker struct {
	cfg    coreconfig.Config
	logger *slog.Logger
	sender Sender

	deviceSeed uint64
	counter    uint32

	mu      sync.Mutex
	pending map[uint64]*pendingEntry
	seenIn  map[uint64]time.Time

	onExhausted func(mId uint64, frame []byte)
}

// New constructs a Tracker. sender is the transport write path used for the
// initial send and retries; onExhausted, if non-nil, is invoked once a
// message's retry budget is spent without an ACK.
func New(cfg coreconfig.Config, sender Sender, logger *slog.Logger, onExhausted func(mId uint64, frame []byte)) *Tracker {
	id := uuid.New()
	seed := binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:16])
	return &Tracker{
		cfg:         cfg,
		logger:      logger,
		sender:      sender,
		deviceSeed:  seed,
		pending:     make(map[uint64]*pendingEntry),
		seenIn:      make(map[uint64]time.Time),
		onExhausted: onExhausted,
	}
}

// NextID derives the next outbound mId: abs(timestamp XOR deviceSeed XOR
// rand XOR counter<<32). Because a fresh random value enters every id,
// collisions are improbable rather than ruled out; the counter alone does
// not guarantee uniqueness.
func (t *Tracker) NextID() uint64 {
	t.mu.Lock()
	t.counter++
	c := t.counter
	t.mu.Unlock()

	ts := uint64(time.Now().UnixMilli())
	var randBuf [8]byte
	_, _ = rand.Read(randBuf[:])
	r := binary.BigEndian.Uint64(randBuf[:])

	raw := ts ^ t.deviceSeed ^ r ^ (uint64(c) << 32)
	if signed := int64(raw); signed < 0 {
		return uint64(-signed)
	}
	return raw
}

// SendWithAck assigns a fresh mId, writes frame via the sender, and tracks
// it for retry until HandleAck(mId) is observed or retries are exhausted.
// frameBuilder receives the assigned mId and must return the bytes to send
// (the caller stamps mId into its envelope before framing).
func (t *Tracker) SendWithAck(frameBuilder func(mId uint64) ([]byte, error)) (uint64, error) {
	mId := t.NextID()
	frame, err := frameBuilder(mId)
	if err != nil {
		return 0, err
	}
	if err := t.sender.Send(frame); err != nil {
		return 0, errors.NewDeliveryError("send", err)
	}

	t.mu.Lock()
	t.pending[mId] = &pendingEntry{frame: frame, retries: 0, lastSent: time.Now()}
	t.mu.Unlock()
	return mId, nil
}

// OnAckCheck scans the pending table for entries whose ack timeout has
// elapsed, retransmitting (up to MaxRetries retries beyond the initial
// send) or reporting exhaustion via the registered onExhausted callback
// and dropping them. Intended to be invoked periodically by the owning
// state machine's timer loop.
func (t *Tracker) OnAckCheck(now time.Time) {
	var toRetry []uint64
	var toDrop []uint64

	t.mu.Lock()
	for mId, entry := range t.pending {
		if now.Sub(entry.lastSent) < t.cfg.AckTimeout {
			continue
		}
		if entry.retries >= t.cfg.MaxRetries {
			toDrop = append(toDrop, mId)
			continue
		}
		toRetry = append(toRetry, mId)
	}
	t.mu.Unlock()

	for _, mId := range toRetry {
		t.mu.Lock()
		entry, ok := t.pending[mId]
		if !ok {
			t.mu.Unlock()
			continue
		}
		entry.retries++
		entry.lastSent = now
		frame := entry.frame
		t.mu.Unlock()

		if err := t.sender.Send(frame); err != nil {
			t.logger.Warn("reliable: retry send failed", "mId", mId, "error", err)
		}
	}

	for _, mId := range toDrop {
		t.mu.Lock()
		entry, ok := t.pending[mId]
		if ok {
			delete(t.pending, mId)
		}
		t.mu.Unlock()
		if ok {
			t.logger.Error("reliable: message exhausted retries", "mId", mId, "retries", entry.retries)
			if t.onExhausted != nil {
				t.onExhausted(mId, entry.frame)
			}
		}
	}
}

// HandleAck removes mId from the pending table. Returns false if mId was
// not pending (already acked, already exhausted, or unknown).
func (t *Tracker) HandleAck(mId uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[mId]; !ok {
		return false
	}
	delete(t.pending, mId)
	return true
}

// IsDuplicate reports whether mId has already been seen as an inbound
// message within DuplicateWindow, recording it as seen if not. Stale
// entries are pruned lazily on each call.
func (t *Tracker) IsDuplicate(mId uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, seenAt := range t.seenIn {
		if now.Sub(seenAt) > t.cfg.DuplicateWindow {
			delete(t.seenIn, id)
		}
	}

	if _, ok := t.seenIn[mId]; ok {
		return true
	}
	t.seenIn[mId] = now
	return false
}

// Clear drops all pending-ACK and duplicate-suppression state. Called on
// link teardown so a reconnect starts with a clean slate.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[uint64]*pendingEntry)
	t.seenIn = make(map[uint64]time.Time)
}

// PendingCount reports the number of messages currently awaiting ACK.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
