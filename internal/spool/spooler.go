package spool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/agenttrace/trace"
)

const defaultSpoolerQueueSize = 256

// SpoolerOptions configures a Spooler.
type SpoolerOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	// OnWriteFailure is called with the store driver and the number of
	// entries that could not be persisted.
	OnWriteFailure func(store string, count int)
}

// Spooler adapts a Store to trace.DropHandler. HandleDrop never blocks:
// entries are queued and written from a background goroutine.
type Spooler struct {
	store Store
	opts  SpoolerOptions
	queue chan Entry
	done  chan struct{}
	// writeCtx is canceled once Close gave up waiting.
	writeCtx     context.Context
	cancelWrites context.CancelFunc

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	written  atomic.Int64
	rejected atomic.Int64
}

func NewSpooler(store Store, opts SpoolerOptions) *Spooler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultSpoolerQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Spooler{
		store: store,
		opts:  opts,
		queue: make(chan Entry, opts.QueueSize),
		done:  make(chan struct{}),
	}
	s.writeCtx, s.cancelWrites = context.WithCancel(context.Background())
	go s.run()
	return s
}

// HandleDrop implements trace.DropHandler.
func (s *Spooler) HandleDrop(drop trace.Drop) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.fail(len(drop.Traces))
		return
	}
	for _, entry := range EntryFromDrop(drop) {
		select {
		case s.queue <- entry:
		default:
			s.opts.Logger.Warn("spool queue full; trace lost", "trace_id", entry.TraceID, "reason", entry.Reason)
			s.fail(1)
		}
	}
}

// Written returns how many entries reached the store.
func (s *Spooler) Written() int64 { return s.written.Load() }

// Rejected returns how many entries could not be persisted.
func (s *Spooler) Rejected() int64 { return s.rejected.Load() }

func (s *Spooler) run() {
	defer close(s.done)
	for entry := range s.queue {
		if s.writeCtx.Err() != nil {
			s.fail(1)
			continue
		}
		s.write(entry)
	}
}

func (s *Spooler) write(entry Entry) {
	ctx, cancel := context.WithTimeout(s.writeCtx, s.opts.WriteTimeout)
	defer cancel()
	if err := s.store.Write(ctx, entry); err != nil {
		s.opts.Logger.Error("failed to spool dropped trace", "trace_id", entry.TraceID, "reason", entry.Reason, "error", err)
		s.fail(1)
		return
	}
	s.written.Add(1)
	s.opts.Logger.Debug("dropped trace spooled", "trace_id", entry.TraceID, "reason", entry.Reason)
}

func (s *Spooler) fail(count int) {
	if count <= 0 {
		return
	}
	s.rejected.Add(int64(count))
	if s.opts.OnWriteFailure != nil {
		s.opts.OnWriteFailure(s.store.Driver(), count)
	}
}

// Close stops accepting drops and waits for queued entries to be written or
// ctx to end. When ctx ends first the in-flight write is canceled and the
// remaining entries are counted as rejected; the store must stay open until
// Done is closed. The store itself is not closed.
func (s *Spooler) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		s.cancelWrites()
		return nil
	case <-ctx.Done():
		s.cancelWrites()
		return ctx.Err()
	}
}

// Done is closed once the background writer has stopped.
func (s *Spooler) Done() <-chan struct{} { return s.done }
