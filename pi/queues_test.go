package pi

import (
	"sync/atomic"
	"testing"

	"github.com/gomlx/gohip/driver"
	"github.com/gomlx/gohip/sim"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func countWaits(stream driver.Stream, ev driver.Event) int {
	var count int
	for _, op := range simDriver.StreamLog(stream) {
		if op.Kind == sim.OpWaitEvent && op.Event == ev {
			count++
		}
	}
	return count
}

func TestQueueConfig(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)

	q := capture(ctx.NewQueue().Done()).Test(t)
	require.False(t, q.IsInOrder())
	require.Equal(t, DefaultNumComputeStreams, q.NumComputeStreams())
	require.Equal(t, DefaultNumTransferStreams, q.NumTransferStreams())
	release(t, q)

	q = capture(ctx.NewQueue().InOrder().WithNumComputeStreams(8).WithProfiling(true).Done()).Test(t)
	require.True(t, q.IsInOrder())
	require.True(t, q.IsProfiling())
	require.Equal(t, 1, q.NumComputeStreams())
	require.Equal(t, 0, q.NumTransferStreams())
	release(t, q)

	_, err := ctx.NewQueue().WithNumComputeStreams(0).Done()
	requireResult(t, InvalidValue, err)
	_, err = ctx.NewQueue().WithNumTransferStreams(-1).Done()
	requireResult(t, InvalidValue, err)

	t.Setenv(NumComputeStreamsEnv, "3")
	t.Setenv(NumTransferStreamsEnv, "2")
	q = capture(ctx.NewQueue().Done()).Test(t)
	require.Equal(t, 3, q.NumComputeStreams())
	require.Equal(t, 2, q.NumTransferStreams())
	release(t, q)
}

func TestRoundRobinWraparound(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	const numStreams = 4
	q := capture(ctx.NewQueue().WithNumComputeStreams(numStreams).Done()).Test(t)
	defer release(t, q)

	streamsAlive := simDriver.StreamsAlive()
	var streams []driver.Stream
	for ii := range numStreams + 1 {
		s, token, err := q.GetNextComputeStream()
		require.NoError(t, err)
		require.Equal(t, uint64(ii), token)
		streams = append(streams, s)
	}
	require.Equal(t, streams[0], streams[numStreams])
	for ii := 1; ii < numStreams; ii++ {
		require.NotEqual(t, streams[0], streams[ii])
	}
	// Streams are created lazily, once.
	require.Equal(t, streamsAlive+numStreams, simDriver.StreamsAlive())
}

func TestCanReuseStream(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithNumComputeStreams(2).Done()).Test(t)
	defer release(t, q)

	require.False(t, q.CanReuseStream(NoStreamToken))
	require.False(t, q.HasBeenSynchronized(NoStreamToken))

	_, token, err := q.GetNextComputeStream()
	require.NoError(t, err)
	require.True(t, q.CanReuseStream(token))
	require.False(t, q.CanReuseStream(token+1), "tokens not yet issued can't be reused")

	// Once the frontier passes the token, it is synchronized and can't be reused.
	require.NoError(t, q.Finish())
	require.True(t, q.HasBeenSynchronized(token))
	require.False(t, q.CanReuseStream(token))

	// A token is only reusable while it is the last command of its stream.
	_, token, err = q.GetNextComputeStream()
	require.NoError(t, err)
	require.True(t, q.CanReuseStream(token))
	for range 2 {
		_, _, err = q.GetNextComputeStream()
		require.NoError(t, err)
	}
	require.False(t, q.CanReuseStream(token))
}

func TestStreamReuse(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	program := buildTestProgram(t, ctx, sim.FunctionSpec{Name: "noop"})
	defer release(t, program)
	kernel := capture(program.CreateKernel("noop")).Test(t)
	defer release(t, kernel)
	q := capture(ctx.NewQueue().WithNumComputeStreams(4).Done()).Test(t)
	defer release(t, q)

	ev1 := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{16}, nil, nil)).Test(t)
	ev2 := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{16}, nil, []*Event{ev1})).Test(t)
	require.Equal(t, ev1.Stream(), ev2.Stream())
	require.Equal(t, ev1.StreamToken(), ev2.StreamToken())
	require.Greater(t, ev2.EventID(), ev1.EventID())
	// Same stream: no wait injected.
	require.Zero(t, countWaits(ev2.Stream(), ev1.Native()))

	// The reused slot is skipped once by the round-robin.
	var streams []driver.Stream
	for range 4 {
		s, _, err := q.GetNextComputeStream()
		require.NoError(t, err)
		streams = append(streams, s)
	}
	require.NotContains(t, streams[:3], ev1.Stream())
	require.Equal(t, streams[0], streams[3])

	require.NoError(t, WaitForEvents(ev1, ev2))
	release(t, ev1, ev2)
}

func TestWaitOnOtherStreams(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	program := buildTestProgram(t, ctx, sim.FunctionSpec{Name: "noop"})
	defer release(t, program)
	kernel := capture(program.CreateKernel("noop")).Test(t)
	defer release(t, kernel)
	q := capture(ctx.NewQueue().WithNumComputeStreams(4).Done()).Test(t)
	defer release(t, q)

	ev1 := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{16}, nil, nil)).Test(t)
	ev2 := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{16}, nil, nil)).Test(t)
	require.NotEqual(t, ev1.Stream(), ev2.Stream())

	// Depending on both: one of their streams is reused, and it waits for the other.
	ev3 := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{16}, nil, []*Event{ev1, ev2})).Test(t)
	require.True(t, ev3.Stream() == ev1.Stream() || ev3.Stream() == ev2.Stream())
	other := ev1
	if ev3.Stream() == ev1.Stream() {
		other = ev2
	}
	require.Equal(t, 1, countWaits(ev3.Stream(), other.Native()))

	// Once synchronized, events are not waited on anymore.
	require.NoError(t, q.Finish())
	ev4 := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{16}, nil, []*Event{ev1, ev2, ev3})).Test(t)
	require.Zero(t, countWaits(ev4.Stream(), ev1.Native())+countWaits(ev4.Stream(), ev2.Native())+
		countWaits(ev4.Stream(), ev3.Native()))
	require.NoError(t, ev4.Wait())
	release(t, ev1, ev2, ev3, ev4)
}

// TestBarrierScenario: with 2 compute streams, 3 independent commands are assigned the streams
// [0, 1, 0]. After a barrier, the next command on each stream waits exactly once for it.
func TestBarrierScenario(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	program := buildTestProgram(t, ctx, sim.FunctionSpec{Name: "noop"})
	defer release(t, program)
	kernel := capture(program.CreateKernel("noop")).Test(t)
	defer release(t, kernel)
	q := capture(ctx.NewQueue().WithNumComputeStreams(2).WithNumTransferStreams(0).Done()).Test(t)
	defer release(t, q)

	launch := func() *Event {
		return capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{64}, nil, nil)).Test(t)
	}
	var events []*Event
	for range 3 {
		events = append(events, launch())
	}
	computeStreams := q.compute.streams
	for ii, slot := range []int{0, 1, 0} {
		require.Equal(t, computeStreams[slot], events[ii].Stream(), "command #%d", ii)
	}

	barrier := capture(q.EnqueueBarrier(nil)).Test(t)
	require.Equal(t, CommandBarrier, barrier.CommandType())
	barrierEvent := q.barrierEvent
	require.NotZero(t, barrierEvent)
	waitsBefore := []int{countWaits(computeStreams[0], barrierEvent), countWaits(computeStreams[1], barrierEvent)}

	// Next command on each stream waits for the barrier once.
	events = append(events, barrier, launch(), launch())
	for slot := range 2 {
		require.Equal(t, waitsBefore[slot]+1, countWaits(computeStreams[slot], barrierEvent), "stream #%d", slot)
	}

	// Later commands don't wait again.
	events = append(events, launch(), launch())
	for slot := range 2 {
		require.Equal(t, waitsBefore[slot]+1, countWaits(computeStreams[slot], barrierEvent), "stream #%d", slot)
	}

	require.NoError(t, WaitForEvents(events...))
	for _, ev := range events {
		status := capture(ev.ExecutionStatus()).Test(t)
		require.Equal(t, EventComplete, status)
	}
	release(t, events...)
}

func TestBarrierWithWaitList(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithNumComputeStreams(3).Done()).Test(t)
	defer release(t, q)

	marker := capture(q.EnqueueMarker(nil)).Test(t)
	barrier := capture(q.EnqueueBarrier([]*Event{marker})).Test(t)
	// The marker's stream was the last used: it is reused for the barrier.
	require.Equal(t, marker.Stream(), barrier.Stream())

	// Transfers wait for the barrier too.
	buf := capture(ctx.CreateBuffer(MemReadWrite, 16, nil)).Test(t)
	defer release(t, buf)
	write := capture(q.EnqueueMemBufferWrite(buf, true, 0, make([]byte, 16), nil)).Test(t)
	require.Equal(t, 1, countWaits(write.Stream(), q.barrierEvent))
	require.Equal(t, NoStreamToken, write.StreamToken())
	require.NoError(t, WaitForEvents(marker, barrier))
	release(t, marker, barrier, write)
}

func TestMarkerJoinsStreams(t *testing.T) {
	gate := make(chan struct{})
	simDriver.RegisterKernel("gate", func(*sim.Launch) error {
		<-gate
		return nil
	})
	ctx := newTestContext(t)
	defer release(t, ctx)
	program := buildTestProgram(t, ctx, sim.FunctionSpec{Name: "gate"})
	defer release(t, program)
	kernel := capture(program.CreateKernel("gate")).Test(t)
	defer release(t, kernel)
	q := capture(ctx.NewQueue().WithNumComputeStreams(2).Done()).Test(t)
	defer release(t, q)

	gated := capture(q.EnqueueKernelLaunch(kernel, 1, nil, []int{1}, nil, nil)).Test(t)
	marker := capture(q.EnqueueMarker(nil)).Test(t)
	require.NotEqual(t, gated.Stream(), marker.Stream())
	require.Equal(t, EventRunning, capture(gated.ExecutionStatus()).Test(t))
	require.False(t, capture(marker.IsCompleted()).Test(t))

	close(gate)
	require.NoError(t, marker.Wait())
	require.True(t, capture(marker.IsCompleted()).Test(t))
	require.True(t, capture(gated.IsCompleted()).Test(t))
	// Markers are not barriers.
	require.Zero(t, q.barrierEvent)
	release(t, gated, marker)
}

func TestSyncStreams(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithNumComputeStreams(4).WithNumTransferStreams(0).Done()).Test(t)
	defer release(t, q)

	visited := func(resetUsed bool) (streams []driver.Stream) {
		require.NoError(t, q.SyncStreams(func(s driver.Stream) error {
			streams = append(streams, s)
			return nil
		}, resetUsed))
		return
	}
	require.Empty(t, visited(true))

	s0, _, err := q.GetNextComputeStream()
	require.NoError(t, err)
	s1, _, err := q.GetNextComputeStream()
	require.NoError(t, err)
	require.Equal(t, []driver.Stream{s0, s1}, visited(false))
	require.Equal(t, []driver.Stream{s0, s1}, visited(true))
	require.Empty(t, visited(true))

	// Wrapping around the pool: [2, 4) and [0, 1).
	var streams []driver.Stream
	for range 3 {
		s, _, err := q.GetNextComputeStream()
		require.NoError(t, err)
		streams = append(streams, s)
	}
	require.Equal(t, streams, visited(true))

	// A full lap visits every stream once.
	for range 9 {
		_, _, err = q.GetNextComputeStream()
		require.NoError(t, err)
	}
	require.Len(t, visited(true), 4)

	require.True(t, q.AllStreams(func(s driver.Stream) bool { return s != 0 }))
	var count int
	require.NoError(t, q.ForEachStream(func(driver.Stream) error {
		count++
		return nil
	}))
	require.Equal(t, 4, count)
}

func TestStreamCreationFailure(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithNumComputeStreams(2).Done()).Test(t)
	defer release(t, q)

	simDriver.FailNext("StreamCreate", driver.ErrorOutOfMemory)
	_, _, err := q.GetNextComputeStream()
	requireResult(t, OutOfResources, err)

	// The failure is not sticky.
	_, _, err = q.GetNextComputeStream()
	require.NoError(t, err)
}

func TestConcurrentSubmission(t *testing.T) {
	var launches atomic.Int64
	simDriver.RegisterKernel("count", func(*sim.Launch) error {
		launches.Add(1)
		return nil
	})
	ctx := newTestContext(t)
	defer release(t, ctx)
	program := buildTestProgram(t, ctx, sim.FunctionSpec{Name: "count"})
	defer release(t, program)
	kernel := capture(program.CreateKernel("count")).Test(t)
	defer release(t, kernel)
	q := capture(ctx.NewQueue().WithNumComputeStreams(4).WithNumTransferStreams(2).Done()).Test(t)
	defer release(t, q)

	const numWorkers, numLaunches = 8, 50
	var g errgroup.Group
	for worker := range numWorkers {
		g.Go(func() error {
			var last *Event
			for ii := range numLaunches {
				var waitList []*Event
				if last != nil {
					waitList = []*Event{last}
				}
				ev, err := q.EnqueueKernelLaunch(kernel, 1, nil, []int{32}, nil, waitList)
				if err != nil {
					return err
				}
				if last != nil {
					if _, err = last.Release(); err != nil {
						return err
					}
				}
				last = ev
				if worker == 0 && ii%10 == 0 {
					barrier, err := q.EnqueueBarrier(nil)
					if err != nil {
						return err
					}
					if _, err = barrier.Release(); err != nil {
						return err
					}
				}
			}
			if err := last.Wait(); err != nil {
				return err
			}
			_, err := last.Release()
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, q.Finish())
	require.Equal(t, int64(numWorkers*numLaunches), launches.Load())
}

func TestQueueRelease(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	streamsAlive, queuesAlive := simDriver.StreamsAlive(), QueuesAlive()
	q := capture(ctx.NewQueue().WithNumComputeStreams(3).WithNumTransferStreams(1).Done()).Test(t)
	require.Equal(t, queuesAlive+1, QueuesAlive())
	for range 3 {
		_, _, err := q.GetNextComputeStream()
		require.NoError(t, err)
	}
	_ = capture(q.GetNextTransferStream()).Test(t)
	require.Equal(t, streamsAlive+4, simDriver.StreamsAlive())
	release(t, q)
	require.Equal(t, streamsAlive, simDriver.StreamsAlive())
	require.Equal(t, queuesAlive, QueuesAlive())
}
