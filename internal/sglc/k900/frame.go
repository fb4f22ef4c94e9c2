// Package k900 implements the K900 wire framing codec shared by the phone
// and wearable peer: length-prefixed typed frames for JSON/raw payloads,
// and indexed checksummed packets for chunked file transfer.
//
// Two framing flavors share a start/end marker pair and type byte but
// diverge after that: generic frames carry a direction-dependent
// length field (host→device little-endian, device→host big-endian) ahead
// of the payload, while file packets carry no length field at all — their
// fixed-width header is self-describing enough that one isn't needed.
// Encoders and decoders are pure: no I/O, no mutable package state.
package k900

import (
	"encoding/binary"
	"encoding/json"

	"github.com/sglc/link-core/internal/bufpool"
	rerrors "github.com/sglc/link-core/internal/errors"
)

// Direction selects the length-endianness convention for generic frames.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
)

// FrameType is the single type byte carried by every K900 frame.
type FrameType byte

const (
	FrameString FrameType = 0x30
	FramePhoto  FrameType = 0x31
	FrameVideo  FrameType = 0x32
	FrameMusic  FrameType = 0x33
	FrameAudio  FrameType = 0x34
	FrameData   FrameType = 0x35
)

var (
	startMarker = [2]byte{'#', '#'}
	endMarker   = [2]byte{'$', '$'}
)

// maxGenericLength is the largest payload a 16-bit length field can address.
const maxGenericLength = 0xFFFF

// Envelope is the STRING-payload JSON wrapper exchanged over the link.
// C carries the inner content (may itself be an object or opaque string),
// V is an optional version marker, B an optional body object, and W an
// optional host→device wake-up flag.
type Envelope struct {
	C json.RawMessage `json:"C"`
	V int             `json:"V,omitempty"`
	B json.RawMessage `json:"B,omitempty"`
	W int             `json:"W,omitempty"`
}

// EncodeJSON wraps msg as {"C": msg} (plus "W":1 when wake is requested on
// a host→device frame), serializes it, and frames it as a STRING frame.
func EncodeJSON(msg any, wake bool, dir Direction) ([]byte, error) {
	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, rerrors.NewFramingError("encode json: marshal inner", err)
	}
	env := Envelope{C: inner}
	if wake && dir == HostToDevice {
		env.W = 1
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, rerrors.NewFramingError("encode json: marshal envelope", err)
	}
	return EncodeRaw(payload, FrameString, dir)
}

// EncodeRaw frames an arbitrary payload as a generic K900 frame:
// ## | type:1 | length:2 | payload | $$
//
// The returned slice is drawn from the package buffer pool; a caller that
// hands it off to a one-shot writer (pipeline.Pipeline) may return it via
// bufpool.Put once the write is finally disposed of (succeeded or given up
// on), saving an allocation per outbound frame.
func EncodeRaw(payload []byte, t FrameType, dir Direction) ([]byte, error) {
	if len(payload) > maxGenericLength {
		return nil, rerrors.NewFramingError("encode raw", rerrors.ErrOversizedPayload)
	}
	total := 2 + 1 + 2 + len(payload) + 2
	buf := bufpool.Get(total)[:0]
	buf = append(buf, startMarker[:]...)
	buf = append(buf, byte(t))
	var lenBuf [2]byte
	putLength(lenBuf[:], uint16(len(payload)), dir)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	buf = append(buf, endMarker[:]...)
	return buf, nil
}

func putLength(b []byte, length uint16, dir Direction) {
	if dir == HostToDevice {
		binary.LittleEndian.PutUint16(b, length)
	} else {
		binary.BigEndian.PutUint16(b, length)
	}
}

func getLength(b []byte, dir Direction) uint16 {
	if dir == HostToDevice {
		return binary.LittleEndian.Uint16(b)
	}
	return binary.BigEndian.Uint16(b)
}

// DecodeResult is the outcome of successfully decoding a generic frame.
type DecodeResult struct {
	Type    FrameType
	Payload []byte
}

// DecodeFrame parses a generic K900 frame. dir must match the direction the
// bytes were produced for (length-endianness depends on it).
func DecodeFrame(b []byte, dir Direction) (DecodeResult, error) {
	const minFrame = 2 + 1 + 2 + 2 // markers + type + length + end marker
	if len(b) < minFrame {
		return DecodeResult{}, rerrors.NewFramingError("decode frame", rerrors.ErrNotAFrame)
	}
	if b[0] != startMarker[0] || b[1] != startMarker[1] {
		return DecodeResult{}, rerrors.NewFramingError("decode frame", rerrors.ErrNotAFrame)
	}
	t := FrameType(b[2])
	length := getLength(b[3:5], dir)
	want := 2 + 1 + 2 + int(length) + 2
	if len(b) != want {
		return DecodeResult{}, rerrors.NewFramingError("decode frame", rerrors.ErrInvalidLength)
	}
	payload := b[5 : 5+int(length)]
	end := b[5+int(length):]
	if end[0] != endMarker[0] || end[1] != endMarker[1] {
		return DecodeResult{}, rerrors.NewFramingError("decode frame", rerrors.ErrInvalidEndMarker)
	}
	return DecodeResult{Type: t, Payload: payload}, nil
}

// PeekType reads the type byte of a frame without assuming anything about
// what follows it, so a caller can decide whether to decode it as a
// generic (length-prefixed) frame or a file packet before committing to
// either decoder.
func PeekType(b []byte) (FrameType, error) {
	if len(b) < 3 || b[0] != startMarker[0] || b[1] != startMarker[1] {
		return 0, rerrors.NewFramingError("peek type", rerrors.ErrNotAFrame)
	}
	return FrameType(b[2]), nil
}

// IsFileType reports whether t identifies a chunked file-transfer frame
// (photo/video/music/audio/data), as opposed to the generic STRING frame.
func IsFileType(t FrameType) bool {
	switch t {
	case FramePhoto, FrameVideo, FrameMusic, FrameAudio, FrameData:
		return true
	default:
		return false
	}
}

// UnwrapC recursively unwraps a K900 envelope: if the decoded object
// contains only a "C" field, its inner value replaces it, repeating until
// the value is no longer a bare {"C": ...} wrapper. Used by the dispatcher
// (§4.7 step 2) and exercised directly in tests for the round-trip law
// unwrap_C(wrap_C(x)) == x.
func UnwrapC(raw json.RawMessage) json.RawMessage {
	for {
		var env struct {
			C json.RawMessage `json:"C"`
		}
		if err := json.Unmarshal(raw, &env); err != nil || env.C == nil {
			return raw
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return raw
		}
		if len(probe) != 1 {
			return raw
		}
		raw = env.C
	}
}
