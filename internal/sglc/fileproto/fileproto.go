// Package fileproto reassembles chunked file transfers (BLE photos, videos)
// received as a sequence of k900.FilePacket chunks. Sessions are keyed by
// file name and tolerate duplicate and out-of-order packets; a session that
// receives no packet for longer than its inactivity timeout is reported
// Abandoned by Sweep.
package fileproto

import (
	"sync"
	"time"

	"github.com/sglc/link-core/internal/errors"
	"github.com/sglc/link-core/internal/sglc/k900"
)

// Outcome classifies the result of ingesting a packet or sweeping sessions.
type Outcome int

const (
	OutcomeInProgress Outcome = iota
	OutcomeComplete
	OutcomeAbandoned
	OutcomeDuplicate
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeComplete:
		return "complete"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event reports the outcome of ingesting one packet or sweeping a session.
type Event struct {
	Outcome  Outcome
	Key      string
	FileName string
	Data     []byte // populated only on OutcomeComplete
	Err      error  // populated only on OutcomeRejected/OutcomeAbandoned
}

// session tracks one in-flight file transfer.
type session struct {
	mu         sync.Mutex
	key        string
	fileName   string
	packSize   uint16
	fileSize   uint32
	chunks     map[uint16][]byte
	seen       map[uint16]bool
	lastActive time.Time
}

func newSession(key, fileName string, packSize uint16, fileSize uint32) *session {
	return &session{
		key:        key,
		fileName:   fileName,
		packSize:   packSize,
		fileSize:   fileSize,
		chunks:     make(map[uint16][]byte),
		seen:       make(map[uint16]bool),
		lastActive: time.Now(),
	}
}

func (s *session) totalExpected() int {
	if s.packSize == 0 {
		return 0
	}
	n := int(s.fileSize) / int(s.packSize)
	if int(s.fileSize)%int(s.packSize) != 0 {
		n++
	}
	return n
}

func (s *session) assemble() []byte {
	out := make([]byte, 0, s.fileSize)
	total := s.totalExpected()
	for i := 0; i < total; i++ {
		out = append(out, s.chunks[uint16(i)]...)
	}
	return out
}

// Reassembler manages concurrent file-transfer sessions.
type Reassembler struct {
	inactivityTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Reassembler. inactivityTimeout bounds how long a session
// may go without a new packet before Sweep reports it Abandoned.
func New(inactivityTimeout time.Duration) *Reassembler {
	return &Reassembler{
		inactivityTimeout: inactivityTimeout,
		sessions:          make(map[string]*session),
	}
}

// SessionKey derives the reassembly key for a file packet. BLE photo
// transfers key on the file name with its extension stripped (the device
// firmware appends a per-chunk suffix to photo names); every other file
// type keys on the full name.
func SessionKey(t k900.FrameType, fileName string) string {
	if t == k900.FramePhoto {
		if idx := lastDot(fileName); idx >= 0 {
			return fileName[:idx]
		}
	}
	return fileName
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// Ingest feeds one decoded file packet into its session, creating the
// session on first sight. Returns OutcomeComplete with assembled Data once
// every expected chunk has arrived, OutcomeDuplicate if the index was
// already seen, OutcomeRejected if the index is out of range for the
// session's declared file size, or OutcomeInProgress otherwise.
func (r *Reassembler) Ingest(p k900.FilePacket) Event {
	key := SessionKey(p.Type, p.FileName)

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		s = newSession(key, p.FileName, p.PackSize, p.FileSize)
		r.sessions[key] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalExpected()
	if total > 0 && int(p.PackIndex) >= total {
		return Event{Outcome: OutcomeRejected, Key: key, FileName: p.FileName,
			Err: errors.NewReassemblyError("ingest", errors.ErrOutOfRangeIndex)}
	}

	s.lastActive = time.Now()

	if s.seen[p.PackIndex] {
		return Event{Outcome: OutcomeDuplicate, Key: key, FileName: p.FileName}
	}
	s.seen[p.PackIndex] = true
	s.chunks[p.PackIndex] = p.Data

	if total > 0 && len(s.chunks) == total {
		data := s.assemble()
		r.mu.Lock()
		delete(r.sessions, key)
		r.mu.Unlock()
		return Event{Outcome: OutcomeComplete, Key: key, FileName: p.FileName, Data: data}
	}

	return Event{Outcome: OutcomeInProgress, Key: key, FileName: p.FileName}
}

// Sweep scans all in-flight sessions and evicts + reports any whose last
// packet arrived longer than the reassembler's inactivity timeout ago.
func (r *Reassembler) Sweep(now time.Time) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for key, s := range r.sessions {
		s.mu.Lock()
		stale := now.Sub(s.lastActive) > r.inactivityTimeout
		fileName := s.fileName
		s.mu.Unlock()
		if stale {
			delete(r.sessions, key)
			events = append(events, Event{
				Outcome:  OutcomeAbandoned,
				Key:      key,
				FileName: fileName,
				Err:      errors.NewReassemblyError("sweep", errors.ErrTruncated),
			})
		}
	}
	return events
}

// ActiveSessions returns the number of in-flight (non-abandoned) sessions.
func (r *Reassembler) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
