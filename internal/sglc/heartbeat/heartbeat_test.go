package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/logger"
	"github.com/sglc/link-core/internal/sglc/coreconfig"
)

type fakeSender struct {
	mu        sync.Mutex
	probes    int
	heartbeat int
	battery   int
}

func (s *fakeSender) SendReadinessProbe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return nil
}
func (s *fakeSender) SendHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat++
	return nil
}
func (s *fakeSender) SendBatteryPoll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery++
	return nil
}

func testConfig() coreconfig.Config {
	cfg := coreconfig.Default()
	cfg.ReadinessProbeInterval = 10 * time.Millisecond
	cfg.ReadinessMaxProbes = 3
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.BatteryEveryNHeartbeat = 2
	cfg.LowBatteryThreshold = 20
	return cfg
}

func TestReadinessSucceedsOnResponseAboveThreshold(t *testing.T) {
	sender := &fakeSender{}
	c := New(testConfig(), sender, logger.Logger())

	var outcome Outcome
	var gotErr error
	var mu sync.Mutex
	c.StartReadiness(func(o Outcome, err error) {
		mu.Lock()
		outcome = o
		gotErr = err
		mu.Unlock()
	})
	c.HandleReadinessResponse(80)

	mu.Lock()
	defer mu.Unlock()
	if outcome != OutcomeReady {
		t.Fatalf("expected OutcomeReady, got %v (err=%v)", outcome, gotErr)
	}
}

func TestReadinessFailsWhenBatteryTooLow(t *testing.T) {
	sender := &fakeSender{}
	c := New(testConfig(), sender, logger.Logger())

	var outcome Outcome
	var gotErr error
	var mu sync.Mutex
	c.StartReadiness(func(o Outcome, err error) {
		mu.Lock()
		outcome = o
		gotErr = err
		mu.Unlock()
	})
	c.HandleReadinessResponse(5)

	mu.Lock()
	defer mu.Unlock()
	if outcome != OutcomeBatteryTooLow {
		t.Fatalf("expected OutcomeBatteryTooLow, got %v", outcome)
	}
	if !errors.IsReadiness(gotErr) {
		t.Fatalf("expected readiness error, got %v", gotErr)
	}
}

func TestReadinessExhaustsAfterMaxProbes(t *testing.T) {
	cfg := testConfig()
	sender := &fakeSender{}
	c := New(cfg, sender, logger.Logger())

	var outcome Outcome
	var mu sync.Mutex
	c.StartReadiness(func(o Outcome, err error) {
		mu.Lock()
		outcome = o
		mu.Unlock()
	})

	now := time.Now()
	for i := 0; i < cfg.ReadinessMaxProbes+1; i++ {
		now = now.Add(cfg.ReadinessProbeInterval + time.Millisecond)
		c.Tick(now)
	}

	mu.Lock()
	defer mu.Unlock()
	if outcome != OutcomeExhausted {
		t.Fatalf("expected OutcomeExhausted, got %v", outcome)
	}
}

func TestPostConnectHeartbeatCadenceAndBatteryPoll(t *testing.T) {
	cfg := testConfig()
	sender := &fakeSender{}
	c := New(cfg, sender, logger.Logger())

	now := time.Now()
	c.StartPostConnect(now)

	for i := 0; i < 2; i++ {
		now = now.Add(cfg.HeartbeatInterval + time.Millisecond)
		c.Tick(now)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.heartbeat != 2 {
		t.Fatalf("expected 2 heartbeats, got %d", sender.heartbeat)
	}
	if sender.battery != 1 {
		t.Fatalf("expected 1 battery poll at every-2nd heartbeat, got %d", sender.battery)
	}
}

func TestHandleBatteryFrameInvokesCallback(t *testing.T) {
	sender := &fakeSender{}
	c := New(testConfig(), sender, logger.Logger())

	var got int
	var mu sync.Mutex
	c.OnBatteryReport(func(percent int) {
		mu.Lock()
		got = percent
		mu.Unlock()
	})
	c.HandleBatteryFrame(42)

	mu.Lock()
	defer mu.Unlock()
	if got != 42 {
		t.Fatalf("expected callback with 42, got %d", got)
	}
}

func TestStopPostConnectHaltsCadence(t *testing.T) {
	cfg := testConfig()
	sender := &fakeSender{}
	c := New(cfg, sender, logger.Logger())

	now := time.Now()
	c.StartPostConnect(now)
	c.StopPostConnect()

	now = now.Add(cfg.HeartbeatInterval * 5)
	c.Tick(now)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.heartbeat != 0 {
		t.Fatalf("expected no heartbeats after stop, got %d", sender.heartbeat)
	}
}
