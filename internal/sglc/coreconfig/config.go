// Package coreconfig holds the tunables shared across SGLC components.
package coreconfig

import "time"

// Config collects every tunable named in the link-core specification.
// All fields have sane defaults via Default(); zero-value Config should
// never be used directly by callers.
type Config struct {
	MinSendInterval        time.Duration // minimum gap between successful transport writes
	AckTimeout             time.Duration // time to wait for msg_ack before retrying
	MaxRetries             int           // max retry attempts per reliable message
	HeartbeatInterval      time.Duration // post-CONNECTED ping cadence
	BatteryEveryNHeartbeat int           // battery poll cadence, in heartbeats
	ReadinessProbeInterval time.Duration // cs_hrt probe cadence during bring-up
	ReadinessMaxProbes     int           // probes sent before ReadinessFailed
	ScanTimeoutInventory   time.Duration // inventory (non-targeted) scan duration
	ScanTimeoutTargeted    time.Duration // targeted scan duration
	BaseReconnectDelay     time.Duration
	MaxReconnectDelay      time.Duration
	MaxReconnectAttempts   int
	MTUTarget              int
	MTUMinAcceptable       int // minimum acceptable MTU; no component reads it, and no MTU retry is made
	FilePackSize           int
	DuplicateWindow        time.Duration
	CommandQueueMax        int // 0 = unbounded; a positive value caps the queue for every peer
	PendingCleanupInterval time.Duration
	FirmwareBuildThreshold int // no component reads it; mId/ack/retry run for every firmware build
	LowBatteryThreshold    int // percent, at/below which PairingBatteryTooLow fires
}

// Default returns the configuration defaults named in the specification.
func Default() Config {
	return Config{
		MinSendInterval:        160 * time.Millisecond,
		AckTimeout:             2 * time.Second,
		MaxRetries:             3,
		HeartbeatInterval:      30 * time.Second,
		BatteryEveryNHeartbeat: 10,
		ReadinessProbeInterval: 2500 * time.Millisecond,
		ReadinessMaxProbes:     20,
		ScanTimeoutInventory:   60 * time.Second,
		ScanTimeoutTargeted:    10 * time.Second,
		BaseReconnectDelay:     1 * time.Second,
		MaxReconnectDelay:      30 * time.Second,
		MaxReconnectAttempts:   10,
		MTUTarget:              512,
		MTUMinAcceptable:       64,
		FilePackSize:           400,
		DuplicateWindow:        10 * time.Second,
		CommandQueueMax:        3,
		PendingCleanupInterval: 5 * time.Minute,
		FirmwareBuildThreshold: 5,
		LowBatteryThreshold:    20,
	}
}
