// Command sglc-bridged is the host-side process that owns one BLE link to
// a bonded smart-glasses peer: framing, reliable delivery, connection
// lifecycle, readiness/heartbeat, command dispatch, file reassembly, and
// relaying completed uploads to a webhook (with optional Azure Blob
// archival). Real GATT I/O is platform-specific and lives outside this
// module behind transport.MemoryTransport's sibling interface,
// link.Transport; this binary runs with the in-memory transport as a
// smoke-test harness until a platform transport is wired in.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/logger"
	"github.com/sglc/link-core/internal/sglc/coreconfig"
	"github.com/sglc/link-core/internal/sglc/dispatch"
	"github.com/sglc/link-core/internal/sglc/eventbus"
	"github.com/sglc/link-core/internal/sglc/fileproto"
	"github.com/sglc/link-core/internal/sglc/heartbeat"
	"github.com/sglc/link-core/internal/sglc/k900"
	"github.com/sglc/link-core/internal/sglc/link"
	"github.com/sglc/link-core/internal/sglc/pipeline"
	"github.com/sglc/link-core/internal/sglc/registry"
	"github.com/sglc/link-core/internal/sglc/reliable"
	"github.com/sglc/link-core/internal/sglc/transport"
	"github.com/sglc/link-core/internal/sglc/upload"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cli.logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.Logger()

	cfg := coreconfig.Default()
	bus := eventbus.New(log)

	reg, err := registry.New(registry.NewFileStore(cli.registryPath), log)
	if err != nil {
		log.Error("registry init failed", "error", err)
		os.Exit(1)
	}
	stopWatch, err := reg.WatchFile()
	if err != nil {
		log.Warn("registry hot-reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	app := newApp(cfg, log, bus, reg, cli)
	app.wireUploadRelay(cli)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cli.debugEvents {
		eventbus.NewStdioSink().Attach(ctx, bus)
	}

	go app.link.Run(ctx)
	app.pipeline.Run(ctx)
	go app.tickLoop(ctx)

	if cli.peerID != "" {
		app.link.Connect(ctx, cli.peerID)
	} else {
		log.Info("no peer configured, waiting for pairing")
	}

	log.Info("sglc-bridged started", "version", version, "peer", cli.peerID)
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		app.link.Forget()
		app.pipeline.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("forced exit after timeout")
	}
}

// app bundles every wired-together component for one peer link.
type app struct {
	cfg         coreconfig.Config
	log         *slog.Logger
	bus         *eventbus.Bus
	registry    *registry.Registry
	transport   *transport.MemoryTransport
	tracker     *reliable.Tracker
	pipeline    *pipeline.Pipeline
	link        *link.Machine
	heartbeat   *heartbeat.Controller
	dispatcher  *dispatch.Dispatcher
	reassembler *fileproto.Reassembler
	uploader    *upload.Relay

	transferStartsMu sync.Mutex
	transferStarts   map[string]time.Time // reassembly key -> first packet seen
}

func newApp(cfg coreconfig.Config, log *slog.Logger, bus *eventbus.Bus, reg *registry.Registry, cli *cliConfig) *app {
	tr := &transport.MemoryTransport{}
	sender := transport.TransportSender{Writer: tr}

	pl := pipeline.New(cfg, tr, log, pipeline.WithQueueCap(cfg.CommandQueueMax))

	a := &app{
		cfg:            cfg,
		log:            log,
		bus:            bus,
		registry:       reg,
		transport:      tr,
		pipeline:       pl,
		transferStarts: make(map[string]time.Time),
	}

	a.tracker = reliable.New(cfg, sender, log, a.onDeliveryExhausted)
	a.reassembler = fileproto.New(cfg.PendingCleanupInterval)

	listener := &linkListener{app: a}
	a.link = link.New(cfg, tr, a.tracker, listener, log)

	a.heartbeat = heartbeat.New(cfg, &heartbeatSender{app: a}, log)

	a.dispatcher = dispatch.New(a.tracker, a.reassembler, log)
	a.dispatcher.OnFileEvent(a.onFileEvent)
	a.dispatcher.OnAckHandled(func(mId uint64) {
		log.Debug("ack resolved", "mId", mId)
	})
	a.dispatcher.Register("ble_photo_ready", dispatch.HandlerFunc(a.onBlePhotoReady))

	return a
}

func (a *app) wireUploadRelay(cli *cliConfig) {
	if cli.webhookURL == "" {
		a.log.Info("upload relay disabled (no webhook-url)")
		return
	}

	opts := []upload.Option{
		upload.WithDefaultWebhook(cli.webhookURL),
		upload.WithHeaders(parseHeaders(cli.webhookHeaders)),
	}
	if cli.jwtSecret != "" {
		opts = append(opts, upload.WithJWT(upload.JWTConfig{
			Secret:  []byte(cli.jwtSecret),
			Issuer:  cli.jwtIssuer,
			Subject: cli.jwtSubject,
			TTL:     5 * time.Minute,
		}))
	} else if cli.staticToken != "" {
		opts = append(opts, upload.WithJWT(upload.JWTConfig{StaticToken: cli.staticToken}))
	}
	if cli.azureAccountURL != "" {
		sink, err := upload.NewAzureBlobSink(cli.azureAccountURL, cli.azureContainer)
		if err != nil {
			a.log.Error("azure blob sink init failed", "error", err)
		} else {
			opts = append(opts, upload.WithBlobSink(sink))
		}
	}

	a.uploader = upload.New(http.DefaultClient, a.bus, a.log, opts...)
}

// tickLoop drives every timer-based component from a single ticker on the
// link's executor's behalf, mirroring the teacher's single-goroutine
// control-loop discipline rather than giving each component its own timer.
func (a *app) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.tracker.OnAckCheck(now)
			a.heartbeat.Tick(now)
			for _, ev := range a.reassembler.Sweep(now) {
				a.onFileEvent(ev)
			}
		}
	}
}

func (a *app) onDeliveryExhausted(mId uint64, frame []byte) {
	a.log.Error("reliable delivery exhausted, giving up", "mId", mId, "frame_len", len(frame))
	a.bus.Publish(eventbus.Event{Name: eventbus.EventPairingFailed, Data: mId})
}

func (a *app) onFileEvent(ev fileproto.Event) {
	if ev.Outcome == fileproto.OutcomeInProgress {
		a.noteTransferStart(ev.Key)
	}

	switch ev.Outcome {
	case fileproto.OutcomeComplete:
		a.bus.Publish(eventbus.Event{Name: eventbus.EventFileComplete, Data: ev})
		if a.uploader != nil {
			start := a.takeTransferStart(ev.Key)
			if err := a.uploader.HandleFileComplete(context.Background(), ev.Key, ev.FileName, ev.Data, start); err != nil {
				a.log.Error("upload relay failed", "key", ev.Key, "error", err)
			}
		}
	case fileproto.OutcomeAbandoned:
		a.takeTransferStart(ev.Key)
		a.bus.Publish(eventbus.Event{Name: eventbus.EventFileAbandoned, Data: ev})
	case fileproto.OutcomeRejected:
		a.takeTransferStart(ev.Key)
		a.log.Warn("file packet rejected", "key", ev.Key, "error", ev.Err)
	}
}

// noteTransferStart records the first time a file-packet session is seen,
// so HandleFileComplete can be told how long the BLE transfer itself took
// (as opposed to on-device compression, tracked separately by the upload
// relay's own ble_photo_ready timestamp).
func (a *app) noteTransferStart(key string) {
	a.transferStartsMu.Lock()
	defer a.transferStartsMu.Unlock()
	if _, ok := a.transferStarts[key]; !ok {
		a.transferStarts[key] = time.Now()
	}
}

func (a *app) takeTransferStart(key string) time.Time {
	a.transferStartsMu.Lock()
	defer a.transferStartsMu.Unlock()
	start, ok := a.transferStarts[key]
	delete(a.transferStarts, key)
	if !ok {
		return time.Now()
	}
	return start
}

// onBlePhotoReady handles the device's ble_photo_ready signal: on-device
// JPEG compression finished and the file-packet transfer is about to
// begin. bleImgId doubles as the reassembly key the device later names its
// file-packet stream after.
func (a *app) onBlePhotoReady(raw json.RawMessage) error {
	var msg struct {
		BleImgID              string `json:"bleImgId"`
		CompressionDurationMs int    `json:"compressionDurationMs"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.NewProtocolError("ble_photo_ready.decode", err)
	}
	if a.uploader != nil {
		a.uploader.HandleBlePhotoReady(msg.BleImgID, msg.CompressionDurationMs)
	}
	return nil
}

// linkListener bridges link.Machine's state/notification callbacks into
// the heartbeat controller and event bus.
type linkListener struct {
	app *app
}

func (l *linkListener) OnStateChanged(old, next link.PublicState) {
	l.app.log.Info("public link state changed", "from", publicStateName(old), "to", publicStateName(next))
	l.app.bus.Publish(eventbus.Event{Name: eventbus.EventLinkStateChanged, Data: next})

	switch next {
	case link.PublicConnecting:
		if old == link.PublicDisconnected {
			l.app.heartbeat.StartReadiness(l.app.onReadinessDone)
		}
	case link.PublicDisconnected:
		l.app.heartbeat.StopPostConnect()
	}
}

func (l *linkListener) OnNotification(data []byte) {
	if err := l.app.dispatcher.DispatchFrame(k900.DeviceToHost, data); err != nil {
		l.app.log.Warn("dispatch failed", "error", err)
	}
}

func (a *app) onReadinessDone(outcome heartbeat.Outcome, err error) {
	switch outcome {
	case heartbeat.OutcomeReady:
		a.link.HandleDeviceReady()
		a.heartbeat.StartPostConnect(time.Now())
		a.bus.Publish(eventbus.Event{Name: eventbus.EventDeviceReady})
	case heartbeat.OutcomeBatteryTooLow:
		a.log.Warn("pairing failed: battery too low", "error", err)
		a.bus.Publish(eventbus.Event{Name: eventbus.EventPairingFailed, Data: err})
	case heartbeat.OutcomeExhausted:
		a.log.Warn("pairing failed: readiness exhausted", "error", err)
		a.bus.Publish(eventbus.Event{Name: eventbus.EventPairingFailed, Data: err})
	}
}

// heartbeatSender adapts app's transport + k900 framing to heartbeat.Sender.
type heartbeatSender struct {
	app *app
}

func (h *heartbeatSender) SendReadinessProbe() error { return h.send(map[string]string{"C": "cs_hrt"}) }
func (h *heartbeatSender) SendHeartbeat() error       { return h.send(map[string]string{"C": "cs_ping"}) }
func (h *heartbeatSender) SendBatteryPoll() error     { return h.send(map[string]string{"C": "cs_batv"}) }

func (h *heartbeatSender) send(msg any) error {
	frame, err := k900.EncodeJSON(msg, false, k900.HostToDevice)
	if err != nil {
		return errors.NewProtocolError("heartbeat_sender.encode", err)
	}
	h.app.pipeline.Enqueue(frame)
	return nil
}

func publicStateName(s link.PublicState) string {
	switch s {
	case link.PublicDisconnected:
		return "disconnected"
	case link.PublicConnecting:
		return "connecting"
	case link.PublicConnected:
		return "connected"
	default:
		return "unknown"
	}
}
