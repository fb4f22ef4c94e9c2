package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// allEventNames lists every Name the bus currently defines, used by
// StdioSink to subscribe across the board without the caller enumerating
// them by hand.
var allEventNames = []Name{
	EventLinkStateChanged,
	EventDeviceReady,
	EventPairingFailed,
	EventBatteryReport,
	EventFileComplete,
	EventFileAbandoned,
	EventButtonPress,
	EventSensorData,
	EventShutdownRequested,
	EventPhotoReady,
	EventPhotoComplete,
	EventWebhookUploadFailed,
}

// StdioSink writes every event published on a Bus to an io.Writer as a
// single JSON line prefixed with "SGLC_EVENT:", one goroutine per
// subscribed Name. Intended for local diagnostics (run the bridge with
// -debug-events) rather than production log aggregation, which should
// consume log/slog output instead.
type StdioSink struct {
	output io.Writer
}

// NewStdioSink constructs a sink writing to stderr by default.
func NewStdioSink() *StdioSink {
	return &StdioSink{output: os.Stderr}
}

// SetOutput overrides the destination writer (used by tests).
func (s *StdioSink) SetOutput(w io.Writer) *StdioSink {
	s.output = w
	return s
}

// Attach subscribes to every event name on bus and returns immediately;
// one goroutine per name writes lines until ctx is canceled.
func (s *StdioSink) Attach(ctx context.Context, bus *Bus) {
	for _, name := range allEventNames {
		ch, unsubscribe := bus.Subscribe(name, 16)
		go func(ch <-chan Event, unsubscribe func()) {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					s.writeLine(ev)
				}
			}
		}(ch, unsubscribe)
	}
}

func (s *StdioSink) writeLine(ev Event) {
	line := struct {
		Name Name `json:"name"`
		Data any  `json:"data,omitempty"`
	}{Name: ev.Name, Data: ev.Data}

	jsonData, err := json.Marshal(line)
	if err != nil {
		fmt.Fprintf(s.output, "SGLC_EVENT: <unmarshalable: %v>\n", err)
		return
	}
	fmt.Fprintf(s.output, "SGLC_EVENT: %s\n", jsonData)
}
