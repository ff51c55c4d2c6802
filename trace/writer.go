package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBufferSize      = 100
	DefaultBatchSize       = 10
	DefaultFlushInterval   = 5 * time.Second
	DefaultBlockTimeout    = time.Second
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 200 * time.Millisecond
	DefaultMaxBackoff      = 10 * time.Second
	DefaultSendTimeout     = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// Drop reasons reported to DropHandler and counted in Diagnostics.
const (
	DropReasonBufferFull       = "buffer_full"
	DropReasonRejected         = "rejected"
	DropReasonRetriesExhausted = "retries_exhausted"
	DropReasonShutdown         = "shutdown"
	DropReasonClosed           = "closed"
)

// Sender delivers one finished trace to the collector backend.
type Sender interface {
	SendTrace(ctx context.Context, t *Trace) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, t *Trace) error

func (f SenderFunc) SendTrace(ctx context.Context, t *Trace) error { return f(ctx, t) }

// Drop describes traces the writer gave up on.
type Drop struct {
	Reason string
	Traces []*Trace
	Err    error
	Class  string
}

// DropHandler receives asynchronous drop signals. It may run on the
// producer goroutine and must not block.
type DropHandler func(Drop)

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	// OnEnqueue is called each time a trace is accepted into the buffer.
	OnEnqueue func()
	// OnDrop is called with the number of traces dropped for reason.
	OnDrop func(reason string, count int)
	// OnRetry is called before each retry attempt.
	OnRetry func(class string)
	// OnDelivered is called after a trace was accepted by the backend.
	OnDelivered func()
	// OnFlush is called after each batch was processed.
	OnFlush func(batchSize int, duration time.Duration)
	// OnSendStart is called before each batch is sent. It returns an end
	// function that the writer calls after the batch completes.
	OnSendStart func(batchSize int) func(error)
}

// WriterOptions configures a Writer. Zero values select the defaults.
type WriterOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Backpressure  BackpressurePolicy
	// BlockTimeout bounds how long Enqueue waits under the block policy.
	BlockTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Negative
	// disables retries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
	// ShutdownTimeout is the drain grace period used when the Shutdown
	// context carries no deadline.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	OnDrop          DropHandler
	Metrics         *WriterMetrics
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > o.BufferSize {
		o.BatchSize = o.BufferSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if policy, err := ParseBackpressurePolicy(string(o.Backpressure)); err == nil {
		o.Backpressure = policy
	} else {
		o.Backpressure = BackpressureDropOldest
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = DefaultBlockTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Diagnostics is a point-in-time snapshot of buffer pressure and delivery
// counters.
type Diagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	Backpressure            string           `json:"backpressure"`
	AcceptedTotal           int64            `json:"accepted_total"`
	DeliveredTotal          int64            `json:"delivered_total"`
	RetriedTotal            int64            `json:"retried_total"`
	RequeuedTotal           int64            `json:"requeued_total"`
	DroppedTotal            int64            `json:"dropped_total"`
	DroppedByReason         map[string]int64 `json:"dropped_by_reason,omitempty"`
	FailuresByClass         map[string]int64 `json:"failures_by_class,omitempty"`
	LastDropAt              *time.Time       `json:"last_drop_at,omitempty"`
	LastDropReason          string           `json:"last_drop_reason,omitempty"`
	LastError               string           `json:"last_error,omitempty"`
}

// Writer buffers finished traces and delivers them from a single background
// worker. Producers never block on the network: Enqueue only touches the
// in-memory buffer. Writer implements Exporter.
type Writer struct {
	sender Sender
	opts   WriterOptions
	logger *slog.Logger
	buffer *traceBuffer

	notify   chan struct{}
	flushReq chan chan struct{}
	closing  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	started   atomic.Bool
	stopped   atomic.Bool
	closeOnce sync.Once
	doneOnce  sync.Once
	// enqueueMu is held shared by Enqueue and exclusively once while
	// shutting down, so no trace slips in after the final drain.
	enqueueMu    sync.RWMutex
	lifecycleMu  sync.Mutex
	workerCancel context.CancelFunc
	drainCtx     context.Context
	metrics      atomic.Value // *WriterMetrics
	dropHandler  atomic.Value // DropHandler

	queueDepthHighWatermark atomic.Int64
	acceptedTotal           atomic.Int64
	deliveredTotal          atomic.Int64
	retriedTotal            atomic.Int64
	requeuedTotal           atomic.Int64

	statsMu         sync.Mutex
	droppedByReason map[string]int64
	failuresByClass map[string]int64
	lastDropAt      time.Time
	lastDropReason  string
	lastError       string
}

func NewWriter(sender Sender, opts WriterOptions) *Writer {
	opts = opts.withDefaults()
	w := &Writer{
		sender:          sender,
		opts:            opts,
		logger:          opts.Logger,
		buffer:          newTraceBuffer(opts.BufferSize),
		notify:          make(chan struct{}, 1),
		flushReq:        make(chan chan struct{}),
		closing:         make(chan struct{}),
		done:            make(chan struct{}),
		droppedByReason: make(map[string]int64),
		failuresByClass: make(map[string]int64),
	}
	w.SetMetrics(opts.Metrics)
	w.SetDropHandler(opts.OnDrop)
	return w
}

// SetDropHandler replaces the callback used for drop signals.
func (w *Writer) SetDropHandler(handler DropHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = func(Drop) {}
	}
	w.dropHandler.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	if m == nil {
		return &WriterMetrics{}
	}
	return m
}

// QueueLen returns the number of traces waiting for delivery.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return w.buffer.len()
}

// Start launches the delivery worker. It runs until Shutdown; ctx only
// supplies values to the sender.
func (w *Writer) Start(ctx context.Context) {
	if w.stopped.Load() || !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()
		w.run(workerCtx)
	}()
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closing:
			w.drain(w.loadDrainCtx())
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.notify:
			w.flush(ctx)
		case req := <-w.flushReq:
			w.flush(ctx)
			close(req)
		}
	}
}

// Enqueue hands a finished trace to the writer. It never performs network
// I/O and reports whether the trace was accepted into the buffer.
func (w *Writer) Enqueue(t *Trace) bool {
	if w == nil || t == nil {
		return false
	}
	if w.stopped.Load() {
		w.drop(DropReasonClosed, []*Trace{t}, ErrWriterClosed)
		return false
	}
	w.enqueueMu.RLock()
	defer w.enqueueMu.RUnlock()
	if w.stopped.Load() {
		w.drop(DropReasonClosed, []*Trace{t}, ErrWriterClosed)
		return false
	}

	switch w.opts.Backpressure {
	case BackpressureDropNewest:
		depth, _, ok := w.buffer.tryPush(t)
		if !ok {
			w.observeQueueDepth(depth)
			w.drop(DropReasonBufferFull, []*Trace{t}, nil)
			return false
		}
		w.accepted(depth)
		return true
	case BackpressureBlock:
		return w.enqueueBlocking(t)
	default:
		depth, evicted := w.buffer.pushEvictOldest(t)
		w.accepted(depth)
		if evicted != nil {
			w.drop(DropReasonBufferFull, []*Trace{evicted}, nil)
		}
		return true
	}
}

func (w *Writer) enqueueBlocking(t *Trace) bool {
	var timer *time.Timer
	for {
		depth, space, ok := w.buffer.tryPush(t)
		if ok {
			if timer != nil {
				timer.Stop()
			}
			w.accepted(depth)
			return true
		}
		w.observeQueueDepth(depth)
		if timer == nil {
			timer = time.NewTimer(w.opts.BlockTimeout)
		}
		select {
		case <-space:
		case <-timer.C:
			w.drop(DropReasonBufferFull, []*Trace{t}, nil)
			return false
		case <-w.closing:
			timer.Stop()
			w.drop(DropReasonClosed, []*Trace{t}, ErrWriterClosed)
			return false
		}
	}
}

func (w *Writer) accepted(depth int) {
	w.acceptedTotal.Add(1)
	w.observeQueueDepth(depth)
	if m := w.loadMetrics(); m.OnEnqueue != nil {
		m.OnEnqueue()
	}
	if depth >= w.opts.BatchSize {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// Flush delivers the currently buffered traces and waits until that pass
// completed or ctx is done. Traces that still fail are requeued.
func (w *Writer) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if w.stopped.Load() {
		return ErrWriterClosed
	}
	if !w.started.Load() {
		w.flush(ctx)
		return ctx.Err()
	}
	req := make(chan struct{})
	select {
	case w.flushReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWriterClosed
	}
	select {
	case <-req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return nil
	}
}

// Stop shuts the writer down using the default grace period.
func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown stops accepting traces and drains the buffer until ctx is done.
// Without a deadline on ctx the ShutdownTimeout grace period applies.
// Traces still buffered when the grace period ends are dropped.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.ShutdownTimeout)
		defer cancel()
	}

	w.closeOnce.Do(func() {
		w.stopped.Store(true)
		w.lifecycleMu.Lock()
		w.drainCtx = ctx
		w.lifecycleMu.Unlock()
		close(w.closing)
		// Interrupt in-flight sends; the drain retries them.
		w.cancelWorker()
		if !w.started.Load() {
			w.drain(ctx)
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loadDrainCtx() context.Context {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.drainCtx == nil {
		return context.Background()
	}
	return w.drainCtx
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.Lock()
	cancel := w.workerCancel
	w.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

// flush runs one delivery pass over the traces buffered when it starts.
func (w *Writer) flush(ctx context.Context) {
	pending := w.buffer.len()
	var failed []*Trace
	var lastErr error
	for pending > 0 {
		batch := w.buffer.take(min(pending, w.opts.BatchSize))
		if len(batch) == 0 {
			break
		}
		pending -= len(batch)
		batchFailed, err := w.sendBatch(ctx, batch)
		failed = append(failed, batchFailed...)
		if err != nil {
			lastErr = err
		}
	}
	if len(failed) == 0 {
		return
	}
	dropped := w.buffer.requeue(failed, w.opts.Backpressure)
	w.requeuedTotal.Add(int64(len(failed) - len(dropped)))
	if len(dropped) > 0 {
		w.drop(DropReasonRetriesExhausted, dropped, lastErr)
	}
}

// sendBatch delivers batch trace by trace and returns the traces worth
// another pass.
func (w *Writer) sendBatch(ctx context.Context, batch []*Trace) ([]*Trace, error) {
	start := time.Now()
	m := w.loadMetrics()
	var end func(error)
	if m.OnSendStart != nil {
		end = m.OnSendStart(len(batch))
	}

	var failed []*Trace
	var lastErr error
	for i, t := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		outcome, err := w.deliver(ctx, t)
		switch outcome {
		case deliveryRejected:
			lastErr = err
			w.drop(DropReasonRejected, []*Trace{t}, err)
		case deliveryExhausted, deliveryInterrupted:
			lastErr = err
			failed = append(failed, t)
		}
	}

	if end != nil {
		if lastErr != nil {
			end(fmt.Errorf("%d of %d trace(s) not delivered: %w", len(failed), len(batch), lastErr))
		} else {
			end(nil)
		}
	}
	if m.OnFlush != nil {
		m.OnFlush(len(batch), time.Since(start))
	}
	return failed, lastErr
}

// drain delivers everything left in the buffer once, without requeueing.
func (w *Writer) drain(ctx context.Context) {
	// Wait for in-flight Enqueue calls.
	w.enqueueMu.Lock()
	w.enqueueMu.Unlock()

	for {
		batch := w.buffer.take(w.opts.BatchSize)
		if len(batch) == 0 {
			return
		}
		for i, t := range batch {
			if err := ctx.Err(); err != nil {
				rest := append(batch[i:len(batch):len(batch)], w.buffer.drainAll()...)
				w.drop(DropReasonShutdown, rest, err)
				return
			}
			outcome, err := w.deliver(ctx, t)
			switch outcome {
			case deliveryRejected:
				w.drop(DropReasonRejected, []*Trace{t}, err)
			case deliveryExhausted:
				w.drop(DropReasonRetriesExhausted, []*Trace{t}, err)
			case deliveryInterrupted:
				w.drop(DropReasonShutdown, []*Trace{t}, err)
			}
		}
	}
}

type deliveryOutcome int

const (
	deliveryDelivered deliveryOutcome = iota
	deliveryRejected
	deliveryExhausted
	deliveryInterrupted
)

// deliver sends t with exponential backoff. Non-retryable failures stop
// immediately; a done ctx interrupts the retry loop.
func (w *Writer) deliver(ctx context.Context, t *Trace) (deliveryOutcome, error) {
	if w.sender == nil {
		return deliveryDelivered, nil
	}
	attempts := 0
	var lastErr error
	permanent := false
	operation := func() error {
		attempts++
		if attempts > 1 {
			w.retriedTotal.Add(1)
			if m := w.loadMetrics(); m.OnRetry != nil {
				m.OnRetry(ClassifyError(lastErr))
			}
		}
		sendCtx, cancel := context.WithTimeout(ctx, w.opts.SendTimeout)
		defer cancel()
		err := w.sender.SendTrace(sendCtx, t)
		if err == nil {
			return nil
		}
		lastErr = err
		w.recordFailure(err)
		if !IsRetryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		w.logger.Debug("trace delivery attempt failed", "trace_id", t.ID(), "attempt", attempts, "error", err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), uint64(w.opts.MaxRetries)), ctx))
	if err == nil {
		w.deliveredTotal.Add(1)
		if m := w.loadMetrics(); m.OnDelivered != nil {
			m.OnDelivered()
		}
		return deliveryDelivered, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	deliveryErr := &DeliveryError{TraceID: t.ID(), Attempts: attempts, Class: ClassifyError(lastErr), Err: lastErr}
	switch {
	case permanent:
		return deliveryRejected, deliveryErr
	case ctx.Err() != nil:
		return deliveryInterrupted, deliveryErr
	default:
		return deliveryExhausted, deliveryErr
	}
}

func (w *Writer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.InitialBackoff
	b.MaxInterval = w.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (w *Writer) recordFailure(err error) {
	class := ClassifyError(err)
	w.statsMu.Lock()
	w.failuresByClass[class]++
	w.lastError = err.Error()
	w.statsMu.Unlock()
}

func (w *Writer) drop(reason string, traces []*Trace, err error) {
	if len(traces) == 0 {
		return
	}
	drop := Drop{Reason: reason, Traces: traces, Err: err}
	if err != nil {
		drop.Class = ClassifyError(err)
	}

	w.statsMu.Lock()
	w.droppedByReason[reason] += int64(len(traces))
	w.lastDropAt = time.Now().UTC()
	w.lastDropReason = reason
	w.statsMu.Unlock()

	switch reason {
	case DropReasonBufferFull, DropReasonClosed:
		w.logger.Debug("trace dropped", "reason", reason, "count", len(traces), "trace_id", traces[0].ID())
	default:
		w.logger.Warn("trace dropped", "reason", reason, "count", len(traces), "trace_id", traces[0].ID(), "error", err)
	}
	if m := w.loadMetrics(); m.OnDrop != nil {
		m.OnDrop(reason, len(traces))
	}
	w.notifyDrop(drop)
}

func (w *Writer) notifyDrop(drop Drop) {
	handler, ok := w.dropHandler.Load().(DropHandler)
	if !ok || handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("trace drop handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	handler(drop)
}

// Diagnostics returns a point-in-time snapshot of buffer pressure and
// delivery counters.
func (w *Writer) Diagnostics() Diagnostics {
	if w == nil {
		return Diagnostics{}
	}
	capacity := w.opts.BufferSize
	depth := w.buffer.len()
	highWatermark := int(w.queueDepthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}
	utilPct := queueUtilizationPct(depth, capacity)

	snapshot := Diagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: highWatermark,
		QueueUtilizationPct:     utilPct,
		QueuePressureState:      queuePressureState(utilPct),
		Backpressure:            string(w.opts.Backpressure),
		AcceptedTotal:           w.acceptedTotal.Load(),
		DeliveredTotal:          w.deliveredTotal.Load(),
		RetriedTotal:            w.retriedTotal.Load(),
		RequeuedTotal:           w.requeuedTotal.Load(),
	}

	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if len(w.droppedByReason) > 0 {
		snapshot.DroppedByReason = make(map[string]int64, len(w.droppedByReason))
		for reason, count := range w.droppedByReason {
			snapshot.DroppedByReason[reason] = count
			snapshot.DroppedTotal += count
		}
	}
	if len(w.failuresByClass) > 0 {
		snapshot.FailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, count := range w.failuresByClass {
			snapshot.FailuresByClass[class] = count
		}
	}
	if !w.lastDropAt.IsZero() {
		last := w.lastDropAt
		snapshot.LastDropAt = &last
	}
	snapshot.LastDropReason = w.lastDropReason
	snapshot.LastError = w.lastError
	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if w.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}

var _ Exporter = (*Writer)(nil)
