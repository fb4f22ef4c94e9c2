// Package pipeline implements the single-writer send path shared by every
// outbound K900 frame: a FIFO queue drained by one goroutine, a minimum
// inter-write spacing so the wearable's BLE stack is never flooded, and
// write-failure retry with backoff. When a positive cap is configured the
// queue drops its oldest frame rather than growing unbounded; the cap
// applies to every peer alike, as the pipeline has no notion of peer kind.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sglc/link-core/internal/bufpool"
	"github.com/sglc/link-core/internal/sglc/coreconfig"
)

// Writer is the transport-level sink a Pipeline drains into. Implementations
// must be safe to call from the pipeline's single drain goroutine only;
// Pipeline never calls Write concurrently with itself.
type Writer interface {
	Write(ctx context.Context, frame []byte) error
}

// item is one queued frame awaiting transmission.
type item struct {
	frame    []byte
	attempts int
	enqueued time.Time
}

// Pipeline serializes writes to a single Writer with minimum spacing,
// bounded queueing, and write-failure retry.
type Pipeline struct {
	cfg    coreconfig.Config
	writer Writer
	logger *slog.Logger

	mu       sync.Mutex
	queue    []item
	notify   chan struct{}
	lastSend time.Time

	maxQueue int // 0 = unbounded

	onPersistentFailure func(frame []byte, err error)

	runOnce sync.Once
	done    chan struct{}
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithQueueCap bounds the pipeline's queue depth. Once the cap is hit,
// the oldest queued frame is dropped to make room for the new one
// (tail-drop on enqueue, not reject), matching constrained-peer behavior.
func WithQueueCap(n int) Option {
	return func(p *Pipeline) { p.maxQueue = n }
}

// WithPersistentFailureCallback registers a callback invoked when a frame
// exhausts its write-retry budget and is dropped.
func WithPersistentFailureCallback(cb func(frame []byte, err error)) Option {
	return func(p *Pipeline) { p.onPersistentFailure = cb }
}

// New constructs a Pipeline that drains into writer.
func New(cfg coreconfig.Config, writer Writer, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		writer:   writer,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		maxQueue: cfg.CommandQueueMax,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue appends frame to the send queue. If the queue is at capacity the
// oldest entry is dropped first (tail-drop), matching the spec's behavior
// for constrained peers rather than blocking the caller.
func (p *Pipeline) Enqueue(frame []byte) {
	p.mu.Lock()
	if p.maxQueue > 0 && len(p.queue) >= p.maxQueue {
		dropped := p.queue[0]
		p.queue = p.queue[1:]
		p.logger.Warn("pipeline queue full, dropping oldest frame", "queue_cap", p.maxQueue, "age", time.Since(dropped.enqueued))
	}
	p.queue = append(p.queue, item{frame: frame, enqueued: time.Now()})
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Clear drops every queued frame without writing it.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
}

// Run drains the queue until ctx is canceled. It must be started exactly
// once; subsequent calls are no-ops.
func (p *Pipeline) Run(ctx context.Context) {
	p.runOnce.Do(func() {
		go p.drain(ctx)
	})
}

// Stop signals the drain goroutine to exit (idempotent).
func (p *Pipeline) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		next, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-p.notify:
				continue
			}
		}

		if wait := p.cfg.MinSendInterval - time.Since(p.lastSend); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-time.After(wait):
			}
		}

		if err := p.writer.Write(ctx, next.frame); err != nil {
			next.attempts++
			if next.attempts >= p.cfg.MaxRetries {
				p.logger.Error("pipeline write failed permanently", "attempts", next.attempts, "error", err)
				if p.onPersistentFailure != nil {
					p.onPersistentFailure(next.frame, err)
				}
				bufpool.Put(next.frame)
				p.lastSend = time.Now()
				continue
			}
			p.logger.Warn("pipeline write failed, will retry", "attempt", next.attempts, "error", err)
			p.requeueFront(next)
			backoff := 2 * p.cfg.MinSendInterval
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-time.After(backoff):
			}
			continue
		}

		bufpool.Put(next.frame)
		p.lastSend = time.Now()
	}
}

func (p *Pipeline) pop() (item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return item{}, false
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next, true
}

func (p *Pipeline) requeueFront(it item) {
	p.mu.Lock()
	p.queue = append([]item{it}, p.queue...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Len reports the number of frames currently queued, for diagnostics.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
