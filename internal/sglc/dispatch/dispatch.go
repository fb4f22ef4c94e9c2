// Package dispatch routes decoded K900 frames to registered command
// handlers. STRING frames carry a JSON envelope that is recursively
// unwrapped before the inner command type is read; file-type frames
// (photo/video/music/audio/data) are routed to a fileproto.Reassembler instead
// of the handler registry. msg_ack frames never reach a handler: they are
// consumed directly to resolve a pending reliable send.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/sglc/fileproto"
	"github.com/sglc/link-core/internal/sglc/k900"
	"github.com/sglc/link-core/internal/sglc/reliable"
)

// Handler processes one decoded command payload. raw is the unwrapped
// inner JSON value (already past the {"C": ...} envelope).
type Handler interface {
	Handle(raw json.RawMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(raw json.RawMessage) error

func (f HandlerFunc) Handle(raw json.RawMessage) error { return f(raw) }

// command is the minimal shape every dispatched STRING command carries:
// a "type" discriminator used to pick the registered handler.
type command struct {
	Type string          `json:"type"`
	MId  *uint64         `json:"mId,omitempty"`
	Rest json.RawMessage `json:"-"`
}

const msgAckType = "msg_ack"

// Dispatcher routes frames decoded by the k900 package to type-keyed
// command handlers, a file reassembler, and the reliable-messaging
// tracker.
type Dispatcher struct {
	logger       *slog.Logger
	tracker      *reliable.Tracker
	reassembler  *fileproto.Reassembler
	handlers     map[string]Handler
	legacy       Handler
	onFileEvent  func(fileproto.Event)
	onAckHandled func(mId uint64)
}

// New constructs a Dispatcher.
func New(tracker *reliable.Tracker, reassembler *fileproto.Reassembler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		tracker:     tracker,
		reassembler: reassembler,
		handlers:    make(map[string]Handler),
	}
}

// Register binds a handler to a command type string.
func (d *Dispatcher) Register(cmdType string, h Handler) {
	d.handlers[cmdType] = h
}

// RegisterLegacyFallback registers a catch-all handler invoked only when
// no type-specific handler matches a command. Disabled (nil) by default.
func (d *Dispatcher) RegisterLegacyFallback(h Handler) {
	d.legacy = h
}

// OnFileEvent registers a callback invoked with every fileproto.Event
// produced while routing file-type frames to the reassembler.
func (d *Dispatcher) OnFileEvent(cb func(fileproto.Event)) {
	d.onFileEvent = cb
}

// OnAckHandled registers a callback invoked whenever an inbound msg_ack
// resolves (or fails to resolve) a pending outbound message.
func (d *Dispatcher) OnAckHandled(cb func(mId uint64)) {
	d.onAckHandled = cb
}

// DispatchFrame routes one raw inbound K900 frame. File-type frames carry
// no generic length field, so the type byte is peeked before committing to
// either the file-packet decoder or the generic length-prefixed one.
func (d *Dispatcher) DispatchFrame(dir k900.Direction, raw []byte) error {
	t, err := k900.PeekType(raw)
	if err != nil {
		return err
	}
	if k900.IsFileType(t) {
		return d.dispatchFilePacket(raw)
	}
	if t != k900.FrameString {
		return errors.NewProtocolError("dispatch.frame", errors.ErrNotAFrame)
	}
	res, err := k900.DecodeFrame(raw, dir)
	if err != nil {
		return err
	}
	return d.dispatchString(res.Payload)
}

func (d *Dispatcher) dispatchFilePacket(raw []byte) error {
	fp, err := k900.DecodeFilePacket(raw)
	if err != nil {
		return err
	}
	ev := d.reassembler.Ingest(fp)
	if d.onFileEvent != nil {
		d.onFileEvent(ev)
	}
	return nil
}

func (d *Dispatcher) dispatchString(payload []byte) error {
	unwrapped := k900.UnwrapC(payload)

	var cmd command
	if err := json.Unmarshal(unwrapped, &cmd); err != nil {
		return errors.NewProtocolError("dispatch.decode_command", err)
	}
	cmd.Rest = unwrapped

	if cmd.Type == msgAckType {
		return d.handleAck(unwrapped)
	}

	if d.tracker != nil && cmd.MId != nil {
		if d.tracker.IsDuplicate(*cmd.MId, time.Now()) {
			d.logger.Debug("dispatch: duplicate message suppressed", "mId", *cmd.MId)
			return nil
		}
	}

	h, ok := d.handlers[cmd.Type]
	if !ok {
		if d.legacy != nil {
			return d.legacy.Handle(unwrapped)
		}
		d.logger.Warn("dispatch: no handler registered", "type", cmd.Type)
		return nil
	}
	return h.Handle(unwrapped)
}

func (d *Dispatcher) handleAck(payload json.RawMessage) error {
	var ack struct {
		MId uint64 `json:"mId"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		return errors.NewProtocolError("dispatch.decode_ack", err)
	}
	if d.tracker != nil {
		d.tracker.HandleAck(ack.MId)
	}
	if d.onAckHandled != nil {
		d.onAckHandled(ack.MId)
	}
	return nil
}
