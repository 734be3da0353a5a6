// Package eventlog persists lifecycle transitions and normalized events.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/raidwatch/backend/internal/metrics"
)

// ErrQueueFull is returned by Async.Record when the record was dropped.
var ErrQueueFull = errors.New("eventlog: queue full")

// ErrClosed is returned by Async.Record after Close.
var ErrClosed = errors.New("eventlog: recorder closed")

// Recorder writes one record per call. actorID identifies the owner of the
// session the record belongs to; kind is the event kind name.
type Recorder interface {
	Record(ctx context.Context, actorID, kind string, payload any) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(context.Context, string, string, any) error { return nil }

type entry struct {
	actorID string
	kind    string
	payload any
}

// Async queues records for a single background writer so callers never wait
// on the sink. Records beyond the queue bound are dropped and counted.
type Async struct {
	inner   Recorder
	timeout time.Duration
	ch      chan entry
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the writer goroutine. timeout bounds each inner write.
func NewAsync(inner Recorder, queue int, timeout time.Duration) *Async {
	if queue <= 0 {
		queue = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		inner:   inner,
		timeout: timeout,
		ch:      make(chan entry, queue),
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

func (a *Async) Record(_ context.Context, actorID, kind string, payload any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- entry{actorID: actorID, kind: kind, payload: payload}:
		return nil
	default:
		metrics.IncRecorderDropped()
		return ErrQueueFull
	}
}

func (a *Async) worker() {
	defer a.wg.Done()
	for e := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.inner.Record(ctx, e.actorID, e.kind, e.payload); err != nil {
			log.WithFields(log.Fields{
				"actor": e.actorID,
				"kind":  e.kind,
			}).Warnf("event log write failed: %v", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits until queued ones are written or
// ctx expires.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
