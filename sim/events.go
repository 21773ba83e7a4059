package sim

import (
	"sync"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
)

type event struct {
	ctx   driver.Context
	flags driver.EventFlags

	mu   sync.Mutex
	last *completion
}

func (e *event) latest() *completion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (d *Driver) event(op string, e driver.Event) (*event, error) {
	ev, found := d.events.lookup(uintptr(e))
	if !found {
		return nil, errors.WithStack(driver.NewError(op, driver.ErrorInvalidHandle, "unknown event handle %#x", uintptr(e)))
	}
	return ev, nil
}

// EventCreate implements driver.Driver.
func (d *Driver) EventCreate(ctx driver.Context, flags driver.EventFlags) (driver.Event, error) {
	if _, err := d.context("EventCreate", ctx); err != nil {
		return 0, err
	}
	if err := d.injectedFailure("EventCreate"); err != nil {
		return 0, err
	}
	return driver.Event(d.events.register(&event{ctx: ctx, flags: flags})), nil
}

// EventRecord implements driver.Driver. Recording on the NullStream captures the current time.
func (d *Driver) EventRecord(e driver.Event, s driver.Stream) error {
	ev, err := d.event("EventRecord", e)
	if err != nil {
		return err
	}
	if err := d.injectedFailure("EventRecord"); err != nil {
		return err
	}
	var c *completion
	if s == driver.NullStream {
		c = completed()
	} else {
		st, err := d.stream("EventRecord", s)
		if err != nil {
			return err
		}
		c = st.enqueue(OpRecord{Kind: OpRecordEvent, Event: e}, nil)
	}
	ev.mu.Lock()
	ev.last = c
	ev.mu.Unlock()
	return nil
}

// EventQuery implements driver.Driver.
func (d *Driver) EventQuery(e driver.Event) (bool, error) {
	ev, err := d.event("EventQuery", e)
	if err != nil {
		return false, err
	}
	c := ev.latest()
	if c == nil {
		return true, nil
	}
	if !c.isDone() {
		return false, nil
	}
	return true, c.err
}

// EventSynchronize implements driver.Driver.
func (d *Driver) EventSynchronize(e driver.Event) error {
	ev, err := d.event("EventSynchronize", e)
	if err != nil {
		return err
	}
	c := ev.latest()
	if c == nil {
		return nil
	}
	<-c.done
	return c.err
}

// EventElapsedTime implements driver.Driver.
func (d *Driver) EventElapsedTime(start, end driver.Event) (float32, error) {
	const op = "EventElapsedTime"
	evStart, err := d.event(op, start)
	if err != nil {
		return 0, err
	}
	evEnd, err := d.event(op, end)
	if err != nil {
		return 0, err
	}
	if evStart.flags&driver.EventDisableTiming != 0 || evEnd.flags&driver.EventDisableTiming != 0 {
		return 0, errors.WithStack(driver.NewError(op, driver.ErrorInvalidHandle, "event created with timing disabled"))
	}
	cStart, cEnd := evStart.latest(), evEnd.latest()
	if cStart == nil || cEnd == nil {
		return 0, errors.WithStack(driver.NewError(op, driver.ErrorInvalidHandle, "event not recorded"))
	}
	if !cStart.isDone() || !cEnd.isDone() {
		return 0, errors.WithStack(driver.NewError(op, driver.ErrorNotReady, "event not completed"))
	}
	return float32(cEnd.at.Sub(cStart.at).Seconds() * 1000), nil
}

// EventDestroy implements driver.Driver.
func (d *Driver) EventDestroy(e driver.Event) error {
	if _, found := d.events.unregister(uintptr(e)); !found {
		return errors.WithStack(driver.NewError("EventDestroy", driver.ErrorInvalidHandle, "unknown event handle %#x", uintptr(e)))
	}
	return nil
}

// EventsAlive returns the number of events not yet destroyed.
func (d *Driver) EventsAlive() int {
	return d.events.count()
}
