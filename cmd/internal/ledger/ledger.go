// Package ledger writes an append-only audit trail of finished sessions.
//
// The ledger is write-only: nothing reads it back into the broker, so broker
// state still starts empty on every restart.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pairline/cmd/internal/broker"
)

// Sink persists one finished session.
type Sink interface {
	WriteSession(ctx context.Context, rec broker.SessionRecord) error
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

// WriteSession implements Sink.
func (m Multi) WriteSession(ctx context.Context, rec broker.SessionRecord) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteSession(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	defaultBuffer       = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Async adapts a Sink to broker.Recorder. Record never blocks: when the
// buffer is full the record is dropped and counted.
type Async struct {
	log          *slog.Logger
	sink         Sink
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	recs   chan broker.SessionRecord
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAsync starts a background writer for sink.
func NewAsync(log *slog.Logger, sink Sink, buffer int, writeTimeout time.Duration) *Async {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	a := &Async{
		log:          log,
		sink:         sink,
		writeTimeout: writeTimeout,
		recs:         make(chan broker.SessionRecord, buffer),
		done:         make(chan struct{}),
	}
	go a.run()
	return a
}

// Record implements broker.Recorder.
func (a *Async) Record(rec broker.SessionRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.recs <- rec:
	default:
		a.dropped.Add(1)
		a.log.Warn("ledger.drop", "session_id", rec.SessionID, "reason", "buffer full")
	}
}

// Close stops accepting records and waits until the buffer is flushed or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.recs)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written returns the number of records persisted successfully.
func (a *Async) Written() uint64 { return a.written.Load() }

// Dropped returns the number of records discarded because the buffer was full or closed.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Failed returns the number of records the sink rejected.
func (a *Async) Failed() uint64 { return a.failed.Load() }

func (a *Async) run() {
	defer close(a.done)

	for rec := range a.recs {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		err := a.sink.WriteSession(ctx, rec)
		cancel()

		if err != nil {
			a.failed.Add(1)
			a.log.Warn("ledger.write.fail", "session_id", rec.SessionID, "err", err)
			continue
		}
		a.written.Add(1)
	}
}

var _ broker.Recorder = (*Async)(nil)
