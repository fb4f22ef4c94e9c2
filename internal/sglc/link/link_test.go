package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sglc/link-core/internal/logger"
	"github.com/sglc/link-core/internal/sglc/coreconfig"
	"github.com/sglc/link-core/internal/sglc/reliable"
)

// fakeTransport is a minimal deterministic Transport test double, in the
// teacher's minimal-test-client spirit (internal/rtmp/client/client.go).
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	disconnect int
	writes     [][]byte
}

func (f *fakeTransport) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnect++
}

func (f *fakeTransport) Write(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, frame)
	return nil
}

type fakeListener struct {
	mu            sync.Mutex
	transitions   []PublicState
	notifications [][]byte
}

func (l *fakeListener) OnStateChanged(_, new PublicState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, new)
}

func (l *fakeListener) OnNotification(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifications = append(l.notifications, data)
}

func (l *fakeListener) last() PublicState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.transitions) == 0 {
		return PublicDisconnected
	}
	return l.transitions[len(l.transitions)-1]
}

func testConfig() coreconfig.Config {
	cfg := coreconfig.Default()
	cfg.BaseReconnectDelay = 5 * time.Millisecond
	cfg.MaxReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	return cfg
}

func newMachine(t *testing.T, transport *fakeTransport, listener *fakeListener) (*Machine, context.CancelFunc) {
	t.Helper()
	cfg := testConfig()
	tracker := reliable.New(cfg, nil, logger.Logger(), nil)
	m := New(cfg, transport, tracker, listener, logger.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	return m, cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met within %s", timeout)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestConnectReachesAwaitingDeviceReadyThenConnected(t *testing.T) {
	transport := &fakeTransport{}
	listener := &fakeListener{}
	m, cancel := newMachine(t, transport, listener)
	defer cancel()

	m.Connect(context.Background(), "peer-1")
	waitFor(t, time.Second, func() bool { return m.State() == StateLinkEstablished })

	m.HandleServicesDiscovered(context.Background(), true)
	waitFor(t, time.Second, func() bool { return m.State() == StateAwaitingDeviceReady })
	m.HandleDeviceReady()
	waitFor(t, time.Second, func() bool { return m.PublicState() == PublicConnected })
}

func TestHandleServicesDiscoveredFailureTriggersReconnect(t *testing.T) {
	transport := &fakeTransport{}
	listener := &fakeListener{}
	m, cancel := newMachine(t, transport, listener)
	defer cancel()

	m.Connect(context.Background(), "peer-2")
	waitFor(t, time.Second, func() bool { return m.State() == StateLinkEstablished })

	m.HandleServicesDiscovered(context.Background(), false)
	waitFor(t, time.Second, func() bool {
		s := m.State()
		return s == StateScanning || s == StateConnecting || s == StateLinkEstablished
	})
}

func TestHandleLinkDownClearsReliableStateAndReconnects(t *testing.T) {
	transport := &fakeTransport{}
	listener := &fakeListener{}
	m, cancel := newMachine(t, transport, listener)
	defer cancel()

	m.Connect(context.Background(), "peer-3")
	waitFor(t, time.Second, func() bool { return m.State() == StateLinkEstablished })
	m.HandleServicesDiscovered(context.Background(), true)
	waitFor(t, time.Second, func() bool { return m.State() == StateAwaitingDeviceReady })
	m.HandleDeviceReady()
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	// Record an inbound mId so the tracker holds duplicate-cache state.
	m.tracker.IsDuplicate(7, time.Now())

	m.HandleLinkDown(context.Background())
	waitFor(t, time.Second, func() bool {
		s := m.State()
		return s == StateScanning || s == StateConnecting || s == StateLinkEstablished
	})
	if m.tracker.IsDuplicate(7, time.Now()) {
		t.Fatal("link down did not clear the tracker's duplicate cache")
	}
}

func TestForgetStopsReconnection(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("always fails")}
	listener := &fakeListener{}
	m, cancel := newMachine(t, transport, listener)
	defer cancel()

	m.Connect(context.Background(), "peer-4")
	waitFor(t, time.Second, func() bool { return m.State() == StateScanning || m.State() == StateConnecting })
	m.Forget()
	waitFor(t, time.Second, func() bool { return m.State() == StateDisconnected })

	// State should remain disconnected; no peer id means no further
	// reconnect is scheduled even if a stray timer fires.
	time.Sleep(30 * time.Millisecond)
	if m.State() != StateDisconnected {
		t.Fatalf("expected machine to stay disconnected after Forget, got %v", m.State())
	}
}

func TestPublicStateMapping(t *testing.T) {
	cases := map[State]PublicState{
		StateDisconnected:       PublicDisconnected,
		StateScanning:           PublicDisconnected,
		StateConnecting:         PublicConnecting,
		StateLinkEstablished:    PublicConnecting,
		StateServicesResolving:  PublicConnecting,
		StateNotificationsReady: PublicConnecting,
		StateAwaitingDeviceReady: PublicConnecting,
		StateConnected:          PublicConnected,
	}
	for state, want := range cases {
		if got := state.Public(); got != want {
			t.Fatalf("state %v: expected public %v, got %v", state, want, got)
		}
	}
}
