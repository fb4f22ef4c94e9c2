package fileproto

import (
	"testing"
	"time"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/sglc/k900"
)

func packet(name string, index uint16, packSize uint16, fileSize uint32, data []byte) k900.FilePacket {
	return k900.FilePacket{
		Type:      k900.FrameData,
		PackSize:  packSize,
		PackIndex: index,
		FileSize:  fileSize,
		FileName:  name,
		Data:      data,
	}
}

func TestIngestCompletesOnAllChunks(t *testing.T) {
	r := New(time.Minute)
	fileSize := uint32(6)
	packSize := uint16(3)

	ev := r.Ingest(packet("doc.bin", 0, packSize, fileSize, []byte("abc")))
	if ev.Outcome != OutcomeInProgress {
		t.Fatalf("expected in progress, got %v", ev.Outcome)
	}
	ev = r.Ingest(packet("doc.bin", 1, packSize, fileSize, []byte("def")))
	if ev.Outcome != OutcomeComplete {
		t.Fatalf("expected complete, got %v", ev.Outcome)
	}
	if string(ev.Data) != "abcdef" {
		t.Fatalf("unexpected assembled data: %q", ev.Data)
	}
	if r.ActiveSessions() != 0 {
		t.Fatalf("expected session cleanup after completion")
	}
}

func TestIngestToleratesOutOfOrderChunks(t *testing.T) {
	r := New(time.Minute)
	fileSize := uint32(9)
	packSize := uint16(3)

	r.Ingest(packet("f", 2, packSize, fileSize, []byte("ghi")))
	r.Ingest(packet("f", 0, packSize, fileSize, []byte("abc")))
	ev := r.Ingest(packet("f", 1, packSize, fileSize, []byte("def")))
	if ev.Outcome != OutcomeComplete {
		t.Fatalf("expected complete, got %v", ev.Outcome)
	}
	if string(ev.Data) != "abcdefghi" {
		t.Fatalf("unexpected reordered assembly: %q", ev.Data)
	}
}

func TestIngestDetectsDuplicateIndex(t *testing.T) {
	r := New(time.Minute)
	fileSize := uint32(6)
	packSize := uint16(3)

	r.Ingest(packet("f", 0, packSize, fileSize, []byte("abc")))
	ev := r.Ingest(packet("f", 0, packSize, fileSize, []byte("abc")))
	if ev.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %v", ev.Outcome)
	}
}

func TestIngestRejectsOutOfRangeIndex(t *testing.T) {
	r := New(time.Minute)
	fileSize := uint32(6)
	packSize := uint16(3)

	r.Ingest(packet("f", 0, packSize, fileSize, []byte("abc")))
	ev := r.Ingest(packet("f", 10, packSize, fileSize, []byte("xyz")))
	if ev.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %v", ev.Outcome)
	}
	if !errors.IsReassembly(ev.Err) {
		t.Fatalf("expected reassembly error, got %v", ev.Err)
	}
}

func TestSweepReportsAbandonedSessions(t *testing.T) {
	r := New(10 * time.Millisecond)
	r.Ingest(packet("stale.bin", 0, 10, 100, []byte("partial")))

	events := r.Sweep(time.Now())
	if len(events) != 0 {
		t.Fatalf("expected no abandonment before timeout elapses, got %d", len(events))
	}

	events = r.Sweep(time.Now().Add(time.Hour))
	if len(events) != 1 || events[0].Outcome != OutcomeAbandoned {
		t.Fatalf("expected one abandoned event, got %+v", events)
	}
	if r.ActiveSessions() != 0 {
		t.Fatalf("expected abandoned session evicted")
	}
}

func TestSessionKeyStripsExtensionForPhotos(t *testing.T) {
	key := SessionKey(k900.FramePhoto, "IMG_0001.jpg")
	if key != "IMG_0001" {
		t.Fatalf("expected extension-stripped key, got %q", key)
	}
	nonPhoto := SessionKey(k900.FrameData, "archive.bin")
	if nonPhoto != "archive.bin" {
		t.Fatalf("expected full name for non-photo types, got %q", nonPhoto)
	}
}
