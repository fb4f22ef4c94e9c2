package k900

import (
	"encoding/binary"

	rerrors "github.com/sglc/link-core/internal/errors"
)

// File-packet header layout (big-endian, device→host convention applies
// throughout — file transfer always flows device→host):
//
//	packSize  uint16
//	packIndex uint16
//	fileSize  uint32
//	fileName  [16]byte (NUL-padded, truncated to 15 bytes + NUL)
//	flags     uint16
//
// followed by the chunk's data bytes, a trailing 1-byte checksum
// (sum(data) mod 256), and the "$$" end marker.
const (
	fileNameFieldLen = 16
	filePacketHdrLen = 2 + 2 + 4 + fileNameFieldLen + 2 // 26
	filePacketFooter = 1                                // checksum byte
)

// FilePacket is one chunk of a chunked file transfer.
type FilePacket struct {
	Type      FrameType
	PackSize  uint16
	PackIndex uint16
	FileSize  uint32
	FileName  string
	Flags     uint16
	Data      []byte
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// EncodeFilePacket frames a single file-transfer chunk.
func EncodeFilePacket(data []byte, index, packSize uint16, fileSize uint32, name string, flags uint16, t FrameType) ([]byte, error) {
	if len(data) > maxGenericLength {
		return nil, rerrors.NewFramingError("encode file packet", rerrors.ErrOversizedPayload)
	}
	nameField := make([]byte, fileNameFieldLen)
	nb := []byte(name)
	if len(nb) > fileNameFieldLen-1 {
		nb = nb[:fileNameFieldLen-1]
	}
	copy(nameField, nb)

	body := make([]byte, 0, filePacketHdrLen+len(data))
	tmp2 := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp2, packSize)
	body = append(body, tmp2...)
	binary.BigEndian.PutUint16(tmp2, index)
	body = append(body, tmp2...)
	tmp4 := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp4, fileSize)
	body = append(body, tmp4...)
	body = append(body, nameField...)
	binary.BigEndian.PutUint16(tmp2, flags)
	body = append(body, tmp2...)
	body = append(body, data...)
	body = append(body, checksum(data))

	// File packets carry no generic length field: ## | type:1 | body | $$.
	// packSize/packIndex/fileSize already tell the peer how to bound the
	// transfer, so EncodeRaw's length prefix would only displace the
	// trailing "$$" by two bytes for no benefit.
	frame := make([]byte, 0, 2+1+len(body)+2)
	frame = append(frame, startMarker[:]...)
	frame = append(frame, byte(t))
	frame = append(frame, body...)
	frame = append(frame, endMarker[:]...)
	return frame, nil
}

// DecodeFilePacket parses a file-transfer chunk framed by EncodeFilePacket.
// Unlike DecodeFrame, there's no length field to read: the body spans
// everything between the type byte and the trailing end marker, so its
// length is derived from the overall frame length.
func DecodeFilePacket(b []byte) (FilePacket, error) {
	const minFrame = 2 + 1 + filePacketHdrLen + filePacketFooter + 2
	if len(b) < minFrame {
		return FilePacket{}, rerrors.NewFramingError("decode file packet", rerrors.ErrNotAFrame)
	}
	if b[0] != startMarker[0] || b[1] != startMarker[1] {
		return FilePacket{}, rerrors.NewFramingError("decode file packet", rerrors.ErrNotAFrame)
	}
	t := FrameType(b[2])
	end := b[len(b)-2:]
	if end[0] != endMarker[0] || end[1] != endMarker[1] {
		return FilePacket{}, rerrors.NewFramingError("decode file packet", rerrors.ErrInvalidEndMarker)
	}
	body := b[3 : len(b)-2]
	return DecodeFilePacketBody(body, t)
}

// DecodeFilePacketBody parses an already-extracted file-packet body: the
// bytes between the type byte and the trailing "$$" (header, data and
// checksum), as DecodeFilePacket passes it after checking the markers.
func DecodeFilePacketBody(body []byte, t FrameType) (FilePacket, error) {
	if len(body) < filePacketHdrLen+filePacketFooter {
		return FilePacket{}, rerrors.NewFramingError("decode file packet", rerrors.ErrTruncated)
	}
	packSize := binary.BigEndian.Uint16(body[0:2])
	packIndex := binary.BigEndian.Uint16(body[2:4])
	fileSize := binary.BigEndian.Uint32(body[4:8])
	nameField := body[8:24]
	flags := binary.BigEndian.Uint16(body[24:26])
	rest := body[filePacketHdrLen:]
	data := rest[:len(rest)-filePacketFooter]
	gotSum := rest[len(rest)-filePacketFooter]

	if gotSum != checksum(data) {
		return FilePacket{}, rerrors.NewFramingError("decode file packet", rerrors.ErrChecksumMismatch)
	}

	name := nameField
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}

	return FilePacket{
		Type:      t,
		PackSize:  packSize,
		PackIndex: packIndex,
		FileSize:  fileSize,
		FileName:  string(name),
		Flags:     flags,
		Data:      data,
	}, nil
}
