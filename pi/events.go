package pi

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
)

// CommandType is the kind of command an Event tracks.
type CommandType int

const (
	CommandNDRangeKernel CommandType = iota
	CommandMemBufferRead
	CommandMemBufferWrite
	CommandMemBufferCopy
	CommandMemBufferFill
	CommandMemBufferMap
	CommandMemBufferUnmap
	CommandMarker
	CommandBarrier
	CommandUser
)

var commandTypeNames = []string{"NDRangeKernel", "MemBufferRead", "MemBufferWrite", "MemBufferCopy",
	"MemBufferFill", "MemBufferMap", "MemBufferUnmap", "Marker", "Barrier", "User"}

// String implements fmt.Stringer.
func (c CommandType) String() string {
	if c >= 0 && int(c) < len(commandTypeNames) {
		return commandTypeNames[c]
	}
	return fmt.Sprintf("CommandType(%d)", int(c))
}

// EventStatus is the execution status of the command of an Event.
type EventStatus int

const (
	EventComplete EventStatus = iota
	EventRunning
	EventSubmitted
)

// String implements fmt.Stringer.
func (s EventStatus) String() string {
	switch s {
	case EventComplete:
		return "Complete"
	case EventRunning:
		return "Running"
	case EventSubmitted:
		return "Submitted"
	}
	return fmt.Sprintf("EventStatus(%d)", int(s))
}

var eventsAlive atomic.Int64

// EventsAlive returns the number of events created and not yet destroyed.
func EventsAlive() int64 {
	return eventsAlive.Load()
}

// Event tracks the completion of a command enqueued in a Queue.
//
// Events are created by the enqueue operations, which start the event before issuing the command
// to a stream and record it right after.
type Event struct {
	refCount

	commandType CommandType
	queue       *Queue
	ctx         *Context
	stream      driver.Stream
	streamToken uint64

	// evQueued and evStart are only created on profiling queues.
	evEnd, evQueued, evStart driver.Event

	mu                                 sync.Mutex
	started, recorded, hasBeenWaitedOn bool
	eventID                            uint64
}

// makeNativeEvent creates the event of a command issued to the stream of the queue.
func makeNativeEvent(commandType CommandType, q *Queue, stream driver.Stream, streamToken uint64) (*Event, error) {
	drv, native := q.drv, q.ctx.native
	e := &Event{
		commandType: commandType,
		queue:       q,
		ctx:         q.ctx,
		stream:      stream,
		streamToken: streamToken,
	}
	e.init()

	endFlags := driver.EventDisableTiming
	if q.profiling {
		endFlags = driver.EventDefault
	}
	var err error
	e.evEnd, err = drv.EventCreate(native, endFlags)
	if err == nil && q.profiling {
		e.evQueued, err = drv.EventCreate(native, driver.EventDefault)
		if err == nil {
			e.evStart, err = drv.EventCreate(native, driver.EventDefault)
		}
	}
	if err != nil {
		_ = e.destroyNative()
		return nil, errors.WithMessagef(err, "failed to create %s event", commandType)
	}
	q.Retain()
	q.ctx.Retain()
	eventsAlive.Add(1)
	return e, nil
}

func (e *Event) destroyNative() error {
	var errs []error
	for _, ev := range []driver.Event{e.evEnd, e.evQueued, e.evStart} {
		if ev != 0 {
			errs = append(errs, e.queue.drv.EventDestroy(ev))
		}
	}
	e.evEnd, e.evQueued, e.evStart = 0, 0, 0
	return firstError(errs...)
}

// Retain increments the reference count and returns the new count.
func (e *Event) Retain() uint32 {
	return e.retain("Event")
}

// Release decrements the reference count and returns the new count. At 0 the native events
// are destroyed, and the queue and context released.
func (e *Event) Release() (uint32, error) {
	count := e.release("Event")
	if count > 0 {
		return count, nil
	}
	err := e.destroyNative()
	if err != nil {
		err = errors.WithMessagef(err, "failed to destroy native events of %s event", e.commandType)
	}
	eventsAlive.Add(-1)
	_, errQueue := e.queue.Release()
	_, errCtx := e.ctx.Release()
	return 0, firstError(err, errQueue, errCtx)
}

// start marks the point where the command is issued. On profiling queues it captures the queued
// time (on the default stream) and the start time (on the event stream).
func (e *Event) start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		exceptions.Panicf("%s event started twice", e.commandType)
	}
	if e.queue.profiling {
		drv := e.queue.drv
		if err := drv.EventRecord(e.evQueued, driver.NullStream); err != nil {
			return errors.WithMessagef(err, "failed to record queued time of %s event", e.commandType)
		}
		if err := drv.EventRecord(e.evStart, e.stream); err != nil {
			return errors.WithMessagef(err, "failed to record start time of %s event", e.commandType)
		}
	}
	e.started = true
	return nil
}

// record captures the end of the command, after it was issued to the stream.
func (e *Event) record() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recorded {
		return newError(InvalidEvent, "%s event already recorded", e.commandType)
	}
	if !e.started {
		return newError(InvalidEvent, "%s event recorded before it was started", e.commandType)
	}
	e.eventID = e.queue.nextEventID()
	if err := e.queue.drv.EventRecord(e.evEnd, e.stream); err != nil {
		return errors.WithMessagef(err, "failed to record %s event", e.commandType)
	}
	e.recorded = true
	return nil
}

// Wait blocks until the command of the event completes.
func (e *Event) Wait() error {
	if err := e.queue.drv.EventSynchronize(e.evEnd); err != nil {
		return errors.WithMessagef(err, "failed waiting for %s event", e.commandType)
	}
	e.mu.Lock()
	e.hasBeenWaitedOn = true
	e.mu.Unlock()
	return nil
}

// WaitForEvents blocks until the commands of all events complete. It returns the first error,
// after waiting on all of them.
func WaitForEvents(events ...*Event) error {
	var firstErr error
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsRecorded returns whether the command was issued and the event recorded.
func (e *Event) IsRecorded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorded
}

// IsStarted returns whether the event was started.
func (e *Event) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// IsCompleted returns whether the command of the event completed, without blocking.
// It is always false before the event is recorded.
func (e *Event) IsCompleted() (bool, error) {
	e.mu.Lock()
	recorded, waited := e.recorded, e.hasBeenWaitedOn
	e.mu.Unlock()
	if !recorded {
		return false, nil
	}
	if waited {
		return true, nil
	}
	done, err := e.queue.drv.EventQuery(e.evEnd)
	if err != nil {
		return false, errors.WithMessagef(err, "failed to query %s event", e.commandType)
	}
	return done, nil
}

// ExecutionStatus returns Submitted before the event is recorded, Running until the command
// completes and Complete after that.
func (e *Event) ExecutionStatus() (EventStatus, error) {
	if !e.IsRecorded() {
		return EventSubmitted, nil
	}
	done, err := e.IsCompleted()
	if err != nil {
		return EventRunning, err
	}
	if done {
		return EventComplete, nil
	}
	return EventRunning, nil
}

func (e *Event) checkProfiling() error {
	if !e.queue.profiling {
		return newError(ProfilingInfoNotAvailable, "queue of %s event was not created with profiling enabled", e.commandType)
	}
	return nil
}

// QueuedTime returns the time, in nanoseconds since the creation of the context, when the
// command was enqueued.
//
// It returns a ProfilingInfoNotAvailable error if the queue is not profiling, and it panics if the
// event was not started.
func (e *Event) QueuedTime() (uint64, error) {
	if err := e.checkProfiling(); err != nil {
		return 0, err
	}
	if !e.IsStarted() {
		exceptions.Panicf("queued time of %s event read before it was started", e.commandType)
	}
	return e.ctx.elapsedSinceBase(e.evQueued)
}

// SubmitTime returns the same as QueuedTime: commands are submitted to the driver as soon as
// they are enqueued.
func (e *Event) SubmitTime() (uint64, error) {
	return e.QueuedTime()
}

// StartTime returns the time, in nanoseconds since the creation of the context, when the
// stream started executing the command. The command must have completed.
func (e *Event) StartTime() (uint64, error) {
	if err := e.checkProfiling(); err != nil {
		return 0, err
	}
	if !e.IsStarted() {
		exceptions.Panicf("start time of %s event read before it was started", e.commandType)
	}
	return e.ctx.elapsedSinceBase(e.evStart)
}

// EndTime returns the time, in nanoseconds since the creation of the context, when the command
// completed.
func (e *Event) EndTime() (uint64, error) {
	if err := e.checkProfiling(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	valid := e.started && e.recorded
	e.mu.Unlock()
	if !valid {
		exceptions.Panicf("end time of %s event read before it was recorded", e.commandType)
	}
	return e.ctx.elapsedSinceBase(e.evEnd)
}

// CommandType returns the kind of command tracked.
func (e *Event) CommandType() CommandType {
	return e.commandType
}

// Queue where the command was enqueued.
func (e *Event) Queue() *Queue {
	return e.queue
}

// Context of the event.
func (e *Event) Context() *Context {
	return e.ctx
}

// Stream the command was issued to.
func (e *Event) Stream() driver.Stream {
	return e.stream
}

// StreamToken returns the token of the compute stream selection for the command, or
// NoStreamToken if the command was not issued to a compute stream selected with a token.
func (e *Event) StreamToken() uint64 {
	return e.streamToken
}

// EventID is the position of the event in the order events were recorded in its queue, starting
// at 1. It is 0 before the event is recorded.
func (e *Event) EventID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eventID
}

// Native returns the driver event recorded at the end of the command.
func (e *Event) Native() driver.Event {
	return e.evEnd
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("Event(%s, id=%d, stream=%#x)", e.commandType, e.EventID(), uintptr(e.stream))
}

// forLatestEvents calls fn for the most recently recorded event of each stream in the list.
// Events not yet recorded and nil entries are ignored. It stops at the first error.
func forLatestEvents(events []*Event, fn func(e *Event) error) error {
	type entry struct {
		e  *Event
		id uint64
	}
	entries := make([]entry, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		if id := e.EventID(); id != 0 {
			entries = append(entries, entry{e, id})
		}
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.e.stream, b.e.stream); c != 0 {
			return c
		}
		return cmp.Compare(b.id, a.id)
	})
	for ii, ent := range entries {
		if ii > 0 && entries[ii-1].e.stream == ent.e.stream {
			continue
		}
		if err := fn(ent.e); err != nil {
			return err
		}
	}
	return nil
}

// enqueueEventsWait makes the stream wait for the latest event of every other stream in the
// list. Events of streams already synchronized by their queue are skipped.
func enqueueEventsWait(q *Queue, stream driver.Stream, events []*Event) error {
	return forLatestEvents(events, func(e *Event) error {
		if e.stream == stream || e.queue.HasBeenSynchronized(e.streamToken) {
			return nil
		}
		if err := q.drv.StreamWaitEvent(stream, e.evEnd); err != nil {
			return errors.WithMessagef(err, "failed to wait for %s on stream %#x", e, uintptr(stream))
		}
		return nil
	})
}
