package pi

import (
	"testing"

	"github.com/gomlx/gohip/sim"
	"github.com/stretchr/testify/require"
)

func TestContextLifecycle(t *testing.T) {
	device := getTestDevice(t)
	deviceCount := device.ReferenceCount()
	contextsAlive := simDriver.ContextsAlive()

	ctx := newTestContext(t)
	require.Equal(t, ContextUserDefined, ctx.Kind())
	require.Same(t, device, ctx.Device())
	require.Equal(t, deviceCount+1, device.ReferenceCount())
	require.Equal(t, contextsAlive+1, simDriver.ContextsAlive())

	var calls []int
	ctx.SetExtendedDeleter(func() { calls = append(calls, 1) })
	ctx.SetExtendedDeleter(func() { calls = append(calls, 2) })

	// Retain followed by release leaves the count unchanged and the object alive.
	require.Equal(t, uint32(2), ctx.Retain())
	require.Equal(t, uint32(1), capture(ctx.Release()).Test(t))
	require.Empty(t, calls)

	require.Equal(t, uint32(0), capture(ctx.Release()).Test(t))
	require.Equal(t, []int{1, 2}, calls)
	require.Equal(t, deviceCount, device.ReferenceCount())
	require.Equal(t, contextsAlive, simDriver.ContextsAlive())

	// Using it after it was destroyed is a programming error.
	require.Panics(t, func() { ctx.Retain() })
	require.Panics(t, func() { _, _ = ctx.Release() })
}

func TestPrimaryContext(t *testing.T) {
	device := getTestDevice(t)
	ctx1 := capture(device.CreateContext(ContextPrimary)).Test(t)
	ctx2 := capture(device.CreateContext(ContextPrimary)).Test(t)
	require.Equal(t, ContextPrimary, ctx1.Kind())
	require.Equal(t, ctx1.Native(), ctx2.Native())
	release(t, ctx1, ctx2)

	_, err := device.CreateContext(ContextKind(7))
	requireResult(t, InvalidValue, err)
}

func TestRetainReleaseSymmetry(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)

	q := capture(ctx.NewQueue().Done()).Test(t)
	buf := capture(ctx.CreateBuffer(MemReadWrite, 64, nil)).Test(t)
	program := buildTestProgram(t, ctx, sim.FunctionSpec{Name: "noop"})
	kernel := capture(program.CreateKernel("noop")).Test(t)
	sampler := capture(ctx.NewSampler().Done()).Test(t)
	ev := capture(q.EnqueueMarker(nil)).Test(t)

	type refCounted interface {
		Retain() uint32
		Release() (uint32, error)
		ReferenceCount() uint32
	}
	for _, obj := range []refCounted{ctx, q, buf, program, kernel, sampler, ev} {
		before := obj.ReferenceCount()
		require.Equal(t, before+1, obj.Retain())
		require.Equal(t, before, capture(obj.Release()).Test(t))
	}

	// Objects retain what they depend on.
	require.Equal(t, uint32(2), program.ReferenceCount()) // Retained by the kernel.
	require.Equal(t, uint32(2), q.ReferenceCount())       // Retained by the event.

	require.NoError(t, ev.Wait())
	release(t, ev)
	release(t, kernel)
	require.Equal(t, uint32(1), program.ReferenceCount())
	release(t, program)
	release(t, sampler)
	release(t, buf)
	require.NoError(t, q.Finish())
	release(t, q)
	require.Equal(t, uint32(1), ctx.ReferenceCount())
}
