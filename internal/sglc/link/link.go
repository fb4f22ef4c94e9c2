// Package link implements the BLE connection state machine: an 8-state
// internal lifecycle (disconnected through connected) projected onto a
// 3-state public view, driven by a single serial-executor goroutine so
// every state mutation and timer callback is linearized without locks.
package link

import (
	"context"
	"log/slog"
	"time"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/sglc/coreconfig"
	"github.com/sglc/link-core/internal/sglc/reliable"
)

// State is the internal connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateLinkEstablished
	StateServicesResolving
	StateNotificationsReady
	StateAwaitingDeviceReady
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateLinkEstablished:
		return "link_established"
	case StateServicesResolving:
		return "services_resolving"
	case StateNotificationsReady:
		return "notifications_ready"
	case StateAwaitingDeviceReady:
		return "awaiting_device_ready"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// PublicState is the coarse 3-state view exposed to callers outside the
// link layer (UI, upper application logic).
type PublicState int

const (
	PublicDisconnected PublicState = iota
	PublicConnecting
	PublicConnected
)

func (s State) Public() PublicState {
	switch s {
	case StateDisconnected, StateScanning:
		return PublicDisconnected
	case StateConnected:
		return PublicConnected
	default:
		return PublicConnecting
	}
}

// Transport abstracts the platform BLE stack. Implementations drive the
// Machine by calling its Handle* methods as platform events occur; Machine
// drives Transport by calling Connect/Disconnect; Write is used by the
// outbound pipeline and the reliable sender, not by Machine.
type Transport interface {
	Connect(ctx context.Context, peerID string) error
	Disconnect()
	Write(ctx context.Context, frame []byte) error
}

// Listener receives public state transitions and notification payloads.
type Listener interface {
	OnStateChanged(old, new PublicState)
	OnNotification(data []byte)
}

// closure is one unit of work run on the serial executor goroutine.
type closure func()

// Machine is the connection state machine for a single peer. All exported
// Handle*/Connect/Forget methods enqueue a closure onto the executor
// channel rather than mutating state directly, so every transition and
// timer callback is linearized.
type Machine struct {
	cfg       coreconfig.Config
	transport Transport
	tracker   *reliable.Tracker
	listener  Listener
	logger    *slog.Logger

	work chan closure
	done chan struct{}

	state         State
	peerID        string
	mtu           int
	reconnectN    int
	cancelConnect context.CancelFunc
}

// New constructs a Machine in StateDisconnected. Run must be called to
// start the serial executor before any Handle*/Connect call can progress.
func New(cfg coreconfig.Config, transport Transport, tracker *reliable.Tracker, listener Listener, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:       cfg,
		transport: transport,
		tracker:   tracker,
		listener:  listener,
		logger:    logger,
		work:      make(chan closure, 32),
		done:      make(chan struct{}),
		state:     StateDisconnected,
		mtu:       cfg.MTUTarget,
	}
}

// Run starts the serial executor. It blocks until ctx is canceled or Stop
// is called; callers should run it in its own goroutine.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case fn := <-m.work:
			fn()
		}
	}
}

// Stop halts the serial executor.
func (m *Machine) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Machine) enqueue(fn closure) {
	select {
	case m.work <- fn:
	case <-m.done:
	}
}

// sync blocks the caller until fn has run on the executor, for tests and
// for callers that need a post-transition read without racing the
// executor goroutine.
func (m *Machine) sync(fn closure) {
	done := make(chan struct{})
	m.enqueue(func() {
		fn()
		close(done)
	})
	<-done
}

func (m *Machine) setState(next State) {
	old := m.state
	if old == next {
		return
	}
	m.state = next
	m.logger.Info("link state transition", "from", old.String(), "to", next.String())
	if old.Public() != next.Public() && m.listener != nil {
		m.listener.OnStateChanged(old.Public(), next.Public())
	}
}

// Connect begins bring-up for peerID: scan → connect → discover services
// → subscribe notifications → await device-ready.
func (m *Machine) Connect(ctx context.Context, peerID string) {
	m.enqueue(func() {
		if m.state != StateDisconnected {
			return
		}
		m.peerID = peerID
		m.reconnectN = 0
		m.setState(StateScanning)
		m.beginConnectLocked(ctx)
	})
}

func (m *Machine) beginConnectLocked(ctx context.Context) {
	connectCtx, cancel := context.WithCancel(ctx)
	m.cancelConnect = cancel
	m.setState(StateConnecting)
	go func() {
		err := m.transport.Connect(connectCtx, m.peerID)
		m.enqueue(func() {
			if err != nil {
				m.logger.Warn("transport connect failed", "error", err)
				m.scheduleReconnectLocked(ctx)
				return
			}
			m.setState(StateLinkEstablished)
		})
	}()
}

// HandleLinkUp is called by the platform layer once the GATT link is up;
// the caller still must drive service discovery separately.
func (m *Machine) HandleLinkUp() {
	m.enqueue(func() {
		if m.state == StateConnecting {
			m.setState(StateLinkEstablished)
		}
	})
}

// HandleServicesDiscovered advances the machine past service discovery.
// ok indicates whether every required GATT service/characteristic was
// found; false produces a LinkError and triggers reconnect.
func (m *Machine) HandleServicesDiscovered(ctx context.Context, ok bool) {
	m.enqueue(func() {
		if m.state != StateLinkEstablished {
			return
		}
		m.setState(StateServicesResolving)
		if !ok {
			m.logger.Error("required services missing", "peer", m.peerID)
			_ = errors.NewLinkError("services_discovered", errors.ErrServicesMissing)
			m.teardownLocked()
			m.scheduleReconnectLocked(ctx)
			return
		}
		m.setState(StateNotificationsReady)
		m.setState(StateAwaitingDeviceReady)
	})
}

// HandleMTUChanged records a negotiated MTU. If it falls below the
// configured minimum acceptable value the caller is expected to have
// already attempted one renegotiation; this just records the final value.
func (m *Machine) HandleMTUChanged(mtu int) {
	m.enqueue(func() {
		m.mtu = mtu
	})
}

// MTU returns the last negotiated MTU value.
func (m *Machine) MTU() int {
	var v int
	m.sync(func() { v = m.mtu })
	return v
}

// HandleDeviceReady transitions the machine into the fully Connected state
// once the readiness handshake (heartbeat package) succeeds.
func (m *Machine) HandleDeviceReady() {
	m.enqueue(func() {
		if m.state == StateAwaitingDeviceReady {
			m.reconnectN = 0
			m.setState(StateConnected)
		}
	})
}

// HandleNotificationData routes an inbound GATT notification payload to
// the listener. Valid in any state; upper layers decide whether to act on
// data received before StateConnected.
func (m *Machine) HandleNotificationData(data []byte) {
	m.enqueue(func() {
		if m.listener != nil {
			m.listener.OnNotification(data)
		}
	})
}

// HandleLinkDown tears the connection down and schedules a reconnect
// attempt with exponential backoff, clearing all pending reliable-message
// state so retries don't leak across link instances.
func (m *Machine) HandleLinkDown(ctx context.Context) {
	m.enqueue(func() {
		m.teardownLocked()
		m.scheduleReconnectLocked(ctx)
	})
}

// Forget tears the connection down permanently and resets reconnect state;
// no further automatic reconnection is attempted.
func (m *Machine) Forget() {
	m.enqueue(func() {
		m.teardownLocked()
		m.reconnectN = 0
		m.peerID = ""
	})
}

func (m *Machine) teardownLocked() {
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.transport.Disconnect()
	if m.tracker != nil {
		m.tracker.Clear()
	}
	m.setState(StateDisconnected)
}

func (m *Machine) scheduleReconnectLocked(ctx context.Context) {
	if m.peerID == "" {
		return
	}
	if m.reconnectN >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("reconnect attempts exhausted", "peer", m.peerID, "attempts", m.reconnectN)
		return
	}
	delay := backoffDelay(m.cfg.BaseReconnectDelay, m.cfg.MaxReconnectDelay, m.reconnectN)
	m.reconnectN++
	m.setState(StateScanning)
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		m.enqueue(func() {
			if m.state != StateScanning {
				return
			}
			m.beginConnectLocked(ctx)
		})
	}()
}

// backoffDelay doubles the base delay once per attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// PublicState reports the current coarse connection state.
func (m *Machine) PublicState() PublicState {
	var v PublicState
	m.sync(func() { v = m.state.Public() })
	return v
}

// State reports the current internal state, primarily for tests.
func (m *Machine) State() State {
	var v State
	m.sync(func() { v = m.state })
	return v
}
