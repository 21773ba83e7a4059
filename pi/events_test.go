package pi

import (
	"testing"

	"github.com/gomlx/gohip/sim"
	"github.com/stretchr/testify/require"
)

func TestEventProfiling(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	program := buildTestProgram(t, ctx, sim.FunctionSpec{Name: "noop"})
	defer release(t, program)
	kernel := capture(program.CreateKernel("noop")).Test(t)
	defer release(t, kernel)
	q := capture(ctx.NewQueue().WithProfiling(true).WithNumComputeStreams(2).Done()).Test(t)
	defer release(t, q)

	eventsAlive := EventsAlive()
	ev := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{8}, nil, nil)).Test(t)
	require.Equal(t, eventsAlive+1, EventsAlive())
	require.Equal(t, CommandNDRangeKernel, ev.CommandType())
	require.Same(t, q, ev.Queue())
	require.Same(t, ctx, ev.Context())
	require.Equal(t, uint64(0), ev.StreamToken())
	require.NoError(t, ev.Wait())

	queued := capture(ev.QueuedTime()).Test(t)
	submit := capture(ev.SubmitTime()).Test(t)
	start := capture(ev.StartTime()).Test(t)
	end := capture(ev.EndTime()).Test(t)
	require.Equal(t, queued, submit)
	require.LessOrEqual(t, queued, start)
	require.LessOrEqual(t, start, end)
	release(t, ev)
	require.Equal(t, eventsAlive, EventsAlive())
}

func TestEventProfilingDisabled(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithProfiling(false).Done()).Test(t)
	defer release(t, q)

	ev := capture(q.EnqueueMarker(nil)).Test(t)
	require.NoError(t, ev.Wait())
	_, err := ev.QueuedTime()
	requireResult(t, ProfilingInfoNotAvailable, err)
	_, err = ev.StartTime()
	requireResult(t, ProfilingInfoNotAvailable, err)
	_, err = ev.EndTime()
	requireResult(t, ProfilingInfoNotAvailable, err)
	release(t, ev)
}

func TestEventStates(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithProfiling(true).Done()).Test(t)
	defer release(t, q)
	stream, token, err := q.GetNextComputeStream()
	require.NoError(t, err)

	ev := capture(makeNativeEvent(CommandUser, q, stream, token)).Test(t)
	require.Equal(t, EventSubmitted, capture(ev.ExecutionStatus()).Test(t))
	require.False(t, capture(ev.IsCompleted()).Test(t))
	require.Zero(t, ev.EventID())

	// Reading times before the event is started is a programming error.
	require.Panics(t, func() { _, _ = ev.QueuedTime() })
	requireResult(t, InvalidEvent, ev.record())

	require.NoError(t, ev.start())
	require.Panics(t, func() { _ = ev.start() })
	require.Panics(t, func() { _, _ = ev.EndTime() })
	require.NoError(t, ev.record())
	require.NotZero(t, ev.EventID())
	requireResult(t, InvalidEvent, ev.record())

	require.NoError(t, WaitForEvents(ev, nil))
	require.Equal(t, EventComplete, capture(ev.ExecutionStatus()).Test(t))
	release(t, ev)
}

func TestForLatestEvents(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithNumComputeStreams(2).Done()).Test(t)
	defer release(t, q)

	// Markers on streams [0, 1, 0, 1, 0].
	var events []*Event
	for range 5 {
		events = append(events, capture(q.EnqueueMarker(nil)).Test(t))
	}
	var visited []*Event
	require.NoError(t, forLatestEvents(append([]*Event{nil}, events...), func(e *Event) error {
		visited = append(visited, e)
		return nil
	}))
	require.Len(t, visited, 2)
	require.ElementsMatch(t, []*Event{events[3], events[4]}, visited)
	require.NoError(t, WaitForEvents(events...))
	release(t, events...)
}
