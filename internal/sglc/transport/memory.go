// Package transport provides a small in-memory link.Transport test double,
// used by higher-layer tests and by cmd/sglc-bridged's smoke-test mode,
// plus an adapter from a transport's Write to reliable.Sender. Scope is intentionally
// narrow: real BLE I/O is platform-specific and lives behind this same
// link.Transport interface in the host application, not in this module.
package transport

import (
	"context"
	"sync"

	"github.com/sglc/link-core/internal/errors"
)

// MemoryTransport is a deterministic link.Transport test double: Connect
// always succeeds unless ConnectErr is set, Write appends to an in-memory
// log, and Disconnect just flips a flag. A mutex guards every method, so
// it is safe for concurrent use.
type MemoryTransport struct {
	mu         sync.Mutex
	ConnectErr error
	connected  bool
	writes     [][]byte
	peerID     string
}

// Connect records peerID and connected state, or returns ConnectErr if set.
func (m *MemoryTransport) Connect(_ context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.peerID = peerID
	m.connected = true
	return nil
}

// Disconnect marks the transport as no longer connected.
func (m *MemoryTransport) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Write appends frame to the write log. Returns an error if not connected,
// matching real GATT-write semantics (you cannot write to a torn-down link).
func (m *MemoryTransport) Write(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.NewLinkError("memory_transport.write", errors.ErrNotConnected)
	}
	cp := append([]byte(nil), frame...)
	m.writes = append(m.writes, cp)
	return nil
}

// Writes returns a snapshot of every frame written so far, for assertions.
func (m *MemoryTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

// Connected reports whether Connect has succeeded and Disconnect has not
// since been called.
func (m *MemoryTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
