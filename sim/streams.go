package sim

import (
	"sync"
	"time"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OpKind is the kind of operation issued to a stream.
type OpKind int

const (
	OpKernel OpKind = iota
	OpWaitEvent
	OpRecordEvent
	OpMemcpyHtoD
	OpMemcpyDtoH
	OpMemcpyDtoD
	OpMemset
)

var opKindNames = []string{"Kernel", "WaitEvent", "RecordEvent", "MemcpyHtoD", "MemcpyDtoH", "MemcpyDtoD", "Memset"}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return "Unknown"
}

// OpRecord is the log entry of one operation issued to a stream.
type OpRecord struct {
	Kind OpKind

	// Event waited on (OpWaitEvent) or recorded (OpRecordEvent).
	Event driver.Event

	// Function is the kernel name, for OpKernel.
	Function string
}

// completion marks a point in a stream. done is closed once every operation issued to the stream
// before that point has finished; at and err are valid after that.
type completion struct {
	done chan struct{}
	at   time.Time
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// completed returns a completion already reached.
func completed() *completion {
	c := newCompletion()
	c.finish(nil)
	return c
}

func (c *completion) finish(err error) {
	c.err = err
	c.at = time.Now()
	close(c.done)
}

func (c *completion) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type stream struct {
	ctx   driver.Context
	flags driver.StreamFlags

	mu        sync.Mutex
	tail      *completion
	log       []OpRecord
	destroyed bool
}

// enqueue issues fn to run after every previous operation of the stream, and returns the
// completion reached after it runs. Errors are sticky: once an operation fails, later
// operations are skipped and report the same error.
func (s *stream) enqueue(record OpRecord, fn func() error) *completion {
	s.mu.Lock()
	prev := s.tail
	c := newCompletion()
	s.tail = c
	s.log = append(s.log, record)
	s.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev.done
			if prev.err != nil {
				c.finish(prev.err)
				return
			}
		}
		var err error
		if fn != nil {
			err = fn()
		}
		c.finish(err)
	}()
	return c
}

// current returns the completion of the last operation issued, or nil if none was issued.
func (s *stream) current() *completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

func (d *Driver) stream(op string, s driver.Stream) (*stream, error) {
	st, found := d.streams.lookup(uintptr(s))
	if !found {
		return nil, errors.WithStack(driver.NewError(op, driver.ErrorInvalidHandle, "unknown stream handle %#x", uintptr(s)))
	}
	return st, nil
}

// StreamCreate implements driver.Driver.
func (d *Driver) StreamCreate(ctx driver.Context, flags driver.StreamFlags) (driver.Stream, error) {
	if _, err := d.context("StreamCreate", ctx); err != nil {
		return 0, err
	}
	if err := d.injectedFailure("StreamCreate"); err != nil {
		return 0, err
	}
	s := driver.Stream(d.streams.register(&stream{ctx: ctx, flags: flags}))
	klog.V(3).Infof("sim: created stream %#x", uintptr(s))
	return s, nil
}

// StreamDestroy implements driver.Driver. Pending work is allowed to finish.
func (d *Driver) StreamDestroy(s driver.Stream) error {
	st, found := d.streams.unregister(uintptr(s))
	if !found {
		return errors.WithStack(driver.NewError("StreamDestroy", driver.ErrorInvalidHandle, "unknown stream handle %#x", uintptr(s)))
	}
	st.mu.Lock()
	st.destroyed = true
	st.mu.Unlock()
	return nil
}

// StreamSynchronize implements driver.Driver.
func (d *Driver) StreamSynchronize(s driver.Stream) error {
	if s == driver.NullStream {
		return nil
	}
	st, err := d.stream("StreamSynchronize", s)
	if err != nil {
		return err
	}
	c := st.current()
	if c == nil {
		return nil
	}
	<-c.done
	return c.err
}

// StreamWaitEvent implements driver.Driver. The stream waits for the work captured by the most
// recent record of the event at the time of this call; waiting on an event never recorded is a
// no-op.
func (d *Driver) StreamWaitEvent(s driver.Stream, e driver.Event) error {
	st, err := d.stream("StreamWaitEvent", s)
	if err != nil {
		return err
	}
	ev, err := d.event("StreamWaitEvent", e)
	if err != nil {
		return err
	}
	target := ev.latest()
	st.enqueue(OpRecord{Kind: OpWaitEvent, Event: e}, func() error {
		if target != nil {
			<-target.done
		}
		return nil
	})
	return nil
}

// StreamLog returns a copy of the log of operations issued to the stream so far.
func (d *Driver) StreamLog(s driver.Stream) []OpRecord {
	st, found := d.streams.lookup(uintptr(s))
	if !found {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]OpRecord(nil), st.log...)
}

// StreamsAlive returns the number of streams not yet destroyed.
func (d *Driver) StreamsAlive() int {
	return d.streams.count()
}
