package pi

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultNumComputeStreams is the size of the compute stream pool of out-of-order queues.
	DefaultNumComputeStreams = 64

	// DefaultNumTransferStreams is the size of the transfer stream pool of out-of-order queues.
	DefaultNumTransferStreams = 16
)

// NoStreamToken is the stream token of events not associated with a compute stream. Such
// streams are never reused nor considered synchronized.
const NoStreamToken uint64 = math.MaxUint64

var queuesAlive atomic.Int64

// QueuesAlive returns the number of queues created and not yet destroyed.
func QueuesAlive() int64 {
	return queuesAlive.Load()
}

// QueueConfig is created with Context.NewQueue, configured and then executed with Done.
type QueueConfig struct {
	ctx                     *Context
	inOrder, profiling      bool
	numCompute, numTransfer int
	err                     error
}

// NewQueue returns a configuration for a new queue. Call Done to create it.
//
// By default, the queue executes out-of-order, with the number of streams given by
// DefaultNumComputeStreams and DefaultNumTransferStreams (or the environment variables
// NumComputeStreamsEnv and NumTransferStreamsEnv), and profiling is enabled if ProfilingEnv is set.
func (c *Context) NewQueue() *QueueConfig {
	return &QueueConfig{
		ctx:         c,
		profiling:   envBool(ProfilingEnv),
		numCompute:  envInt(NumComputeStreamsEnv, DefaultNumComputeStreams),
		numTransfer: envInt(NumTransferStreamsEnv, DefaultNumTransferStreams),
	}
}

// InOrder makes the queue execute commands in order: it uses a single compute stream and no
// transfer streams, and the stream counts configured are ignored.
func (cfg *QueueConfig) InOrder() *QueueConfig {
	cfg.inOrder = true
	return cfg
}

// WithProfiling enables or disables collecting timestamps of the commands of the queue.
func (cfg *QueueConfig) WithProfiling(enabled bool) *QueueConfig {
	cfg.profiling = enabled
	return cfg
}

// WithNumComputeStreams sets the size of the compute stream pool. It must be at least 1.
func (cfg *QueueConfig) WithNumComputeStreams(n int) *QueueConfig {
	if n < 1 {
		cfg.err = newError(InvalidValue, "queue needs at least 1 compute stream, got %d", n)
	}
	cfg.numCompute = n
	return cfg
}

// WithNumTransferStreams sets the size of the transfer stream pool. With 0 transfer streams,
// transfers use the compute streams.
func (cfg *QueueConfig) WithNumTransferStreams(n int) *QueueConfig {
	if n < 0 {
		cfg.err = newError(InvalidValue, "invalid number of transfer streams %d", n)
	}
	cfg.numTransfer = n
	return cfg
}

// Done creates the queue. Streams are only created when first used.
func (cfg *QueueConfig) Done() (*Queue, error) {
	if cfg.err != nil {
		return nil, cfg.err
	}
	numCompute, numTransfer := cfg.numCompute, cfg.numTransfer
	if cfg.inOrder {
		numCompute, numTransfer = 1, 0
	}
	if numCompute < 1 {
		return nil, newError(InvalidValue, "queue needs at least 1 compute stream, got %d (see $%s)", numCompute, NumComputeStreamsEnv)
	}
	c := cfg.ctx
	q := &Queue{
		ctx:       c,
		device:    c.device,
		drv:       c.drv,
		inOrder:   cfg.inOrder,
		profiling: cfg.profiling,
		compute:   newStreamPool(numCompute, true),
		transfer:  newStreamPool(numTransfer, false),
	}
	q.init()
	c.Retain()
	c.device.Retain()
	queuesAlive.Add(1)
	klog.V(1).Infof("Created queue on %s with %d compute and %d transfer streams (profiling=%v)",
		c.device, numCompute, numTransfer, cfg.profiling)
	return q, nil
}

// streamPool is a fixed size pool of streams used in round-robin.
type streamPool struct {
	mu         sync.Mutex
	streams    []driver.Stream // Created lazily, in slot order.
	numCreated int

	// delay marks slots recently reused by a dependency: they are skipped once by the
	// round-robin. Only used by the compute pool.
	delay []bool

	// applied marks slots that already waited for the latest barrier. Protected by Queue.muBarrier.
	applied []bool

	// idx is the token of the next stream selected by round-robin; the slot is idx modulo the
	// pool size. lastSync is the synchronization frontier: work issued with tokens < lastSync
	// is known to be complete.
	idx, lastSync atomic.Uint64
}

func newStreamPool(size int, withDelay bool) *streamPool {
	p := &streamPool{
		streams: make([]driver.Stream, size),
		applied: make([]bool, size),
	}
	if withDelay {
		p.delay = make([]bool, size)
	}
	return p
}

// Queue executes commands over pools of driver streams.
//
// It is safe for concurrent use.
type Queue struct {
	refCount

	ctx                *Context
	device             *Device
	drv                driver.Driver
	inOrder, profiling bool

	compute, transfer *streamPool

	// muComputeSync serializes synchronizations with the reuse of compute streams, see StreamGuard.
	// Lock order: muComputeSync, then muBarrier, then the pool mutexes.
	muComputeSync sync.Mutex

	muBarrier       sync.Mutex
	barrierEvent    driver.Event
	barrierTmpEvent driver.Event

	eventCount atomic.Uint64
}

// StreamGuard is returned when a stream is reused for a dependency. It must be unlocked once
// the work is issued to the stream. The zero value holds no lock.
type StreamGuard struct {
	mu *sync.Mutex
}

// Held returns whether the guard holds a lock.
func (g *StreamGuard) Held() bool {
	return g.mu != nil
}

// Unlock releases the lock, if one is held. It can be called more than once.
func (g *StreamGuard) Unlock() {
	if g.mu != nil {
		g.mu.Unlock()
		g.mu = nil
	}
}

// Retain increments the reference count and returns the new count.
func (q *Queue) Retain() uint32 {
	return q.retain("Queue")
}

// Release decrements the reference count and returns the new count. At 0 every stream is
// synchronized and destroyed, and the context and device are released.
func (q *Queue) Release() (uint32, error) {
	count := q.release("Queue")
	if count > 0 {
		return count, nil
	}
	return 0, q.destroy()
}

func (q *Queue) destroy() error {
	var errs []error
	for _, p := range []*streamPool{q.compute, q.transfer} {
		p.mu.Lock()
		for _, s := range p.streams[:p.numCreated] {
			if err := q.drv.StreamSynchronize(s); err != nil {
				errs = append(errs, errors.WithMessagef(err, "failed to synchronize stream while destroying queue"))
			}
			if err := q.drv.StreamDestroy(s); err != nil {
				errs = append(errs, errors.WithMessagef(err, "failed to destroy stream"))
			}
		}
		p.numCreated = 0
		p.mu.Unlock()
	}
	q.muBarrier.Lock()
	for _, ev := range []driver.Event{q.barrierEvent, q.barrierTmpEvent} {
		if ev != 0 {
			if err := q.drv.EventDestroy(ev); err != nil {
				errs = append(errs, errors.WithMessagef(err, "failed to destroy barrier event"))
			}
		}
	}
	q.barrierEvent, q.barrierTmpEvent = 0, 0
	q.muBarrier.Unlock()
	queuesAlive.Add(-1)

	_, err := q.ctx.Release()
	errs = append(errs, err)
	_, err = q.device.Release()
	errs = append(errs, err)
	return firstError(errs...)
}

// Context of the queue.
func (q *Queue) Context() *Context {
	return q.ctx
}

// Device of the queue.
func (q *Queue) Device() *Device {
	return q.device
}

// IsInOrder returns whether the queue was created in-order.
func (q *Queue) IsInOrder() bool {
	return q.inOrder
}

// IsProfiling returns whether the queue collects command timestamps.
func (q *Queue) IsProfiling() bool {
	return q.profiling
}

// NumComputeStreams returns the size of the compute stream pool.
func (q *Queue) NumComputeStreams() int {
	return len(q.compute.streams)
}

// NumTransferStreams returns the size of the transfer stream pool.
func (q *Queue) NumTransferStreams() int {
	return len(q.transfer.streams)
}

// nextEventID returns the id of the next event recorded in the queue, starting from 1.
func (q *Queue) nextEventID() uint64 {
	return q.eventCount.Add(1)
}

// String implements fmt.Stringer.
func (q *Queue) String() string {
	return fmt.Sprintf("Queue(%s, compute=%d, transfer=%d)", q.device, len(q.compute.streams), len(q.transfer.streams))
}

// next selects the next slot of the pool in round-robin, creating its stream if needed.
// Slots marked with delay are skipped once.
func (q *Queue) next(p *streamPool) (slot int, stream driver.Stream, token uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := uint64(len(p.streams))
	for {
		// Creating one stream per selection, in slot order, guarantees the selected slot exists.
		if p.numCreated < len(p.streams) {
			s, err := q.drv.StreamCreate(q.ctx.native, driver.StreamNonBlocking)
			if err != nil {
				return 0, 0, 0, errors.WithMessagef(err, "failed to create stream #%d of %s", p.numCreated, q)
			}
			p.streams[p.numCreated] = s
			p.numCreated++
			klog.V(2).Infof("Created stream #%d of %s", p.numCreated-1, q)
		}
		token = p.idx.Add(1) - 1
		slot = int(token % size)
		if p.delay != nil && p.delay[slot] {
			p.delay[slot] = false
			continue
		}
		return slot, p.streams[slot], token, nil
	}
}

// waitForBarrierIfNeeded makes the stream of the slot wait for the latest barrier of the queue,
// if it hasn't yet.
func (q *Queue) waitForBarrierIfNeeded(p *streamPool, slot int, s driver.Stream) error {
	q.muBarrier.Lock()
	defer q.muBarrier.Unlock()
	if p.applied[slot] {
		return nil
	}
	if q.barrierEvent != 0 {
		if err := q.drv.StreamWaitEvent(s, q.barrierEvent); err != nil {
			return errors.WithMessagef(err, "failed to wait for barrier on stream #%d of %s", slot, q)
		}
	}
	p.applied[slot] = true
	return nil
}

// GetNextComputeStream returns the next compute stream in round-robin, and its stream token.
func (q *Queue) GetNextComputeStream() (driver.Stream, uint64, error) {
	slot, s, token, err := q.next(q.compute)
	if err != nil {
		return 0, NoStreamToken, err
	}
	if err = q.waitForBarrierIfNeeded(q.compute, slot, s); err != nil {
		return 0, NoStreamToken, err
	}
	return s, token, nil
}

// GetNextComputeStreamFor returns a compute stream for work depending on the events of the
// wait list.
//
// If one of the events is the last work issued to a compute stream of this queue, and that work
// was not synchronized yet, its stream is reused: the returned token is the one of the event, the
// slot is skipped the next time round-robin selects it, and the returned guard holds a lock
// that must be unlocked once the work is issued.
//
// Otherwise, it returns the next compute stream in round-robin, and an empty guard.
func (q *Queue) GetNextComputeStreamFor(waitList []*Event) (driver.Stream, uint64, StreamGuard, error) {
	for _, ev := range waitList {
		if ev == nil || ev.queue != q || !q.CanReuseStream(ev.streamToken) {
			continue
		}
		q.muComputeSync.Lock()
		// Check again: a synchronization may have moved the frontier.
		if !q.CanReuseStream(ev.streamToken) {
			q.muComputeSync.Unlock()
			continue
		}
		guard := StreamGuard{mu: &q.muComputeSync}
		slot := int(ev.streamToken % uint64(len(q.compute.streams)))
		q.compute.mu.Lock()
		q.compute.delay[slot] = true
		q.compute.mu.Unlock()
		if err := q.waitForBarrierIfNeeded(q.compute, slot, ev.stream); err != nil {
			guard.Unlock()
			return 0, NoStreamToken, StreamGuard{}, err
		}
		return ev.stream, ev.streamToken, guard, nil
	}
	s, token, err := q.GetNextComputeStream()
	return s, token, StreamGuard{}, err
}

// GetNextTransferStream returns the next transfer stream in round-robin. If the queue has no
// transfer streams, it returns the next compute stream.
func (q *Queue) GetNextTransferStream() (driver.Stream, error) {
	if len(q.transfer.streams) == 0 {
		s, _, err := q.GetNextComputeStream()
		return s, err
	}
	slot, s, _, err := q.next(q.transfer)
	if err != nil {
		return 0, err
	}
	if err = q.waitForBarrierIfNeeded(q.transfer, slot, s); err != nil {
		return 0, err
	}
	return s, nil
}

// HasBeenSynchronized returns whether the work issued to a compute stream with the given token is
// known to be complete, because the queue was synchronized after it.
func (q *Queue) HasBeenSynchronized(token uint64) bool {
	if token == NoStreamToken {
		return false
	}
	return token < q.compute.lastSync.Load()
}

// CanReuseStream returns whether the compute stream that received the work with the given token
// can be reused for work depending on it: the token must be the last work issued to the stream,
// and it must not have been synchronized yet.
//
// Tokens are 64 bits and never wrap around in practice; tokens ahead of the round-robin index
// are rejected.
func (q *Queue) CanReuseStream(token uint64) bool {
	if token == NoStreamToken {
		return false
	}
	current := q.compute.idx.Load()
	if token >= current {
		return false
	}
	isLastCommand := current-token <= uint64(len(q.compute.streams))
	return isLastCommand && !q.HasBeenSynchronized(token)
}

// SyncStreams calls fn for every stream that received work since the last synchronization
// frontier. With resetUsed, the frontier is advanced to the current position, so later calls only
// visit streams used afterwards.
//
// Every stream is visited even if fn fails for some of them, and the first error is returned.
func (q *Queue) SyncStreams(fn func(s driver.Stream) error, resetUsed bool) error {
	q.muComputeSync.Lock()
	defer q.muComputeSync.Unlock()
	return q.syncStreamsLocked(fn, resetUsed)
}

// syncStreamsLocked implements SyncStreams. muComputeSync must be held.
func (q *Queue) syncStreamsLocked(fn func(s driver.Stream) error, resetUsed bool) error {
	return firstError(
		q.syncPool(q.compute, fn, resetUsed),
		q.syncPool(q.transfer, fn, resetUsed))
}

func (q *Queue) syncPool(p *streamPool, fn func(s driver.Stream) error, resetUsed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := uint64(len(p.streams))
	if size == 0 {
		return nil
	}
	start, end := p.lastSync.Load(), p.idx.Load()
	if resetUsed {
		p.lastSync.Store(end)
	}
	var firstErr error
	visit := func(from, to uint64) {
		for slot := from; slot < to; slot++ {
			s := p.streams[slot]
			if s == 0 {
				continue
			}
			if err := fn(s); err != nil && firstErr == nil {
				firstErr = err
			}
			if p.delay != nil {
				p.delay[slot] = false
			}
		}
	}
	switch {
	case end <= start:
		// Nothing issued since the last synchronization.
	case end-start >= size:
		visit(0, size)
	default:
		start, end = start%size, end%size
		if start < end {
			visit(start, end)
		} else {
			visit(start, size)
			visit(0, end)
		}
	}
	return firstErr
}

// ForEachStream calls fn for every stream created by the queue, compute streams first. It stops
// at the first error.
func (q *Queue) ForEachStream(fn func(s driver.Stream) error) error {
	for _, p := range []*streamPool{q.compute, q.transfer} {
		p.mu.Lock()
		streams := append([]driver.Stream(nil), p.streams[:p.numCreated]...)
		p.mu.Unlock()
		for _, s := range streams {
			if err := fn(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// AllStreams returns whether pred is true for every stream created by the queue.
func (q *Queue) AllStreams(pred func(s driver.Stream) bool) bool {
	errFalse := errors.New("predicate false")
	err := q.ForEachStream(func(s driver.Stream) error {
		if !pred(s) {
			return errFalse
		}
		return nil
	})
	return err == nil
}

// Finish blocks until all work issued to the queue is complete, and advances the
// synchronization frontier.
func (q *Queue) Finish() error {
	err := q.SyncStreams(q.drv.StreamSynchronize, true)
	if err != nil {
		return errors.WithMessagef(err, "failed to finish %s", q)
	}
	return nil
}

// Flush is a no-op: work is submitted to the driver as soon as it is enqueued.
func (q *Queue) Flush() error {
	return nil
}
