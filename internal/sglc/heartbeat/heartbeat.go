// Package heartbeat drives the two cadences layered on top of a connected
// link: the pre-connect readiness handshake (repeated cs_hrt probes until
// the device answers sr_hrt or the probe budget is exhausted) and the
// post-connect keep-alive cadence (periodic pings plus a battery poll
// every N heartbeats).
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/sglc/coreconfig"
)

// Sender is the minimal outbound capability the controller needs.
type Sender interface {
	SendReadinessProbe() error
	SendHeartbeat() error
	SendBatteryPoll() error
}

// Outcome of a readiness bring-up attempt.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeReady
	OutcomeExhausted
	OutcomeBatteryTooLow
)

// Controller manages readiness probing and post-connect heartbeats for one
// link. It does not own a goroutine; the owning link.Machine's serial
// executor is expected to call Tick periodically and the Handle* methods
// as frames arrive, keeping everything on one thread of control.
type Controller struct {
	cfg    coreconfig.Config
	sender Sender
	logger *slog.Logger

	mu               sync.Mutex
	readinessActive  bool
	probesSent       int
	lastProbe        time.Time
	onReadinessDone  func(Outcome, error)
	postConnectStart time.Time
	heartbeatCount   int
	lastHeartbeat    time.Time
	postConnectOn    bool

	onBattery func(percent int)
}

// New constructs a Controller.
func New(cfg coreconfig.Config, sender Sender, logger *slog.Logger) *Controller {
	return &Controller{cfg: cfg, sender: sender, logger: logger}
}

// StartReadiness begins the pre-connect probing cycle. done is invoked
// exactly once with the final outcome (Ready, Exhausted, or
// BatteryTooLow) once readiness concludes.
func (c *Controller) StartReadiness(done func(Outcome, error)) {
	c.mu.Lock()
	c.readinessActive = true
	c.probesSent = 0
	c.onReadinessDone = done
	c.mu.Unlock()
	c.sendProbe()
}

func (c *Controller) sendProbe() {
	c.mu.Lock()
	if !c.readinessActive {
		c.mu.Unlock()
		return
	}
	c.probesSent++
	n := c.probesSent
	c.lastProbe = time.Now()
	c.mu.Unlock()

	if err := c.sender.SendReadinessProbe(); err != nil {
		c.logger.Warn("heartbeat: readiness probe send failed", "attempt", n, "error", err)
	}
}

// Tick is driven by the owning machine's timer loop. It sends another
// readiness probe if the interval has elapsed and the probe budget
// remains, or reports exhaustion, and independently fires the
// post-connect heartbeat/battery-poll cadence when active.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	readinessActive := c.readinessActive
	sinceProbe := now.Sub(c.lastProbe)
	probesSent := c.probesSent
	postConnectOn := c.postConnectOn
	sinceHeartbeat := now.Sub(c.lastHeartbeat)
	c.mu.Unlock()

	if readinessActive {
		if probesSent >= c.cfg.ReadinessMaxProbes {
			c.finishReadiness(OutcomeExhausted, errors.NewReadinessError("tick", errors.ErrReadinessExhausted))
			return
		}
		if sinceProbe >= c.cfg.ReadinessProbeInterval {
			c.sendProbe()
		}
	}

	if postConnectOn && sinceHeartbeat >= c.cfg.HeartbeatInterval {
		c.sendHeartbeat(now)
	}
}

func (c *Controller) sendHeartbeat(now time.Time) {
	c.mu.Lock()
	c.heartbeatCount++
	n := c.heartbeatCount
	c.lastHeartbeat = now
	everyN := c.cfg.BatteryEveryNHeartbeat
	c.mu.Unlock()

	if err := c.sender.SendHeartbeat(); err != nil {
		c.logger.Warn("heartbeat: ping send failed", "error", err)
	}
	if everyN > 0 && n%everyN == 0 {
		if err := c.sender.SendBatteryPoll(); err != nil {
			c.logger.Warn("heartbeat: battery poll send failed", "error", err)
		}
	}
}

// HandleReadinessResponse processes an sr_hrt reply from the device.
// batteryPercent is the reported battery level; if it is at or below the
// configured low-battery threshold readiness fails with OutcomeBatteryTooLow
// instead of succeeding, even though the device did respond.
func (c *Controller) HandleReadinessResponse(batteryPercent int) {
	c.mu.Lock()
	active := c.readinessActive
	c.mu.Unlock()
	if !active {
		return
	}
	if batteryPercent <= c.cfg.LowBatteryThreshold {
		c.finishReadiness(OutcomeBatteryTooLow, errors.NewReadinessError("battery_check", errors.ErrPairingBatteryLow))
		return
	}
	c.finishReadiness(OutcomeReady, nil)
}

func (c *Controller) finishReadiness(outcome Outcome, err error) {
	c.mu.Lock()
	if !c.readinessActive {
		c.mu.Unlock()
		return
	}
	c.readinessActive = false
	cb := c.onReadinessDone
	c.onReadinessDone = nil
	c.mu.Unlock()
	if cb != nil {
		cb(outcome, err)
	}
}

// StartPostConnect begins the periodic heartbeat/battery-poll cadence.
// Call once the link reaches its fully connected state.
func (c *Controller) StartPostConnect(now time.Time) {
	c.mu.Lock()
	c.postConnectOn = true
	c.postConnectStart = now
	c.heartbeatCount = 0
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// StopPostConnect halts the heartbeat cadence, e.g. on disconnect.
func (c *Controller) StopPostConnect() {
	c.mu.Lock()
	c.postConnectOn = false
	c.mu.Unlock()
}

// OnBatteryReport registers the callback that HandleBatteryFrame invokes.
func (c *Controller) OnBatteryReport(cb func(percent int)) {
	c.mu.Lock()
	c.onBattery = cb
	c.mu.Unlock()
}

// HandleBatteryFrame processes an unsolicited sr_batv battery report,
// invoking the registered battery callback if any.
func (c *Controller) HandleBatteryFrame(percent int) {
	c.mu.Lock()
	cb := c.onBattery
	c.mu.Unlock()
	if cb != nil {
		cb(percent)
	}
}
