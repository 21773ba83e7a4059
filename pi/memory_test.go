package pi

import (
	"sync/atomic"
	"testing"

	"github.com/gomlx/gohip/driver"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func readBuffer(t *testing.T, q *Queue, m *Mem, offset, size int) []byte {
	dst := make([]byte, size)
	ev := capture(q.EnqueueMemBufferRead(m, true, offset, dst, nil)).Test(t)
	release(t, ev)
	return dst
}

func TestCreateBuffer(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().Done()).Test(t)
	defer release(t, q)
	memAlive, allocsAlive := MemObjectsAlive(), simDriver.AllocationsAlive()

	_, err := ctx.CreateBuffer(MemReadWrite, 0, nil)
	requireResult(t, InvalidValue, err)
	_, err = ctx.CreateBuffer(MemCopyHostPtr, 16, make([]byte, 8))
	requireResult(t, InvalidValue, err)
	_, err = ctx.CreateBuffer(MemReadWrite, 16, make([]byte, 16))
	requireResult(t, InvalidValue, err)
	_, err = ctx.CreateBuffer(MemUseHostPtr|MemAllocHostPtr, 16, make([]byte, 16))
	requireResult(t, InvalidValue, err)

	data := uint32sToBytes(1, 2, 3, 4)
	classic := capture(ctx.CreateBuffer(MemReadWrite, 16, nil)).Test(t)
	copyIn := capture(ctx.CreateBuffer(MemCopyHostPtr, 16, data)).Test(t)
	useHost := capture(ctx.CreateBuffer(MemUseHostPtr, 16, data)).Test(t)
	allocHost := capture(ctx.CreateBuffer(MemAllocHostPtr|MemCopyHostPtr, 16, data)).Test(t)
	require.Equal(t, memAlive+4, MemObjectsAlive())
	require.Equal(t, allocsAlive+4, simDriver.AllocationsAlive())

	for _, tc := range []struct {
		m    *Mem
		mode AllocMode
	}{{classic, AllocClassic}, {copyIn, AllocCopyIn}, {useHost, AllocUseHostPtr}, {allocHost, AllocAllocHostPtr}} {
		b, ok := tc.m.Buffer()
		require.True(t, ok)
		require.Equal(t, tc.mode, b.Mode())
		require.Equal(t, 16, b.Size())
		_, ok = tc.m.Surface()
		require.False(t, ok)
	}
	require.Equal(t, make([]byte, 16), readBuffer(t, q, classic, 0, 16))
	for _, m := range []*Mem{copyIn, useHost, allocHost} {
		require.Equal(t, data, readBuffer(t, q, m, 0, 16), "buffer %s", m)
	}
	b, _ := useHost.Buffer()
	require.Same(t, &data[0], &b.Host()[0])

	release(t, classic, copyIn, useHost, allocHost)
	require.Equal(t, memAlive, MemObjectsAlive())
	require.Equal(t, allocsAlive, simDriver.AllocationsAlive())
}

func TestBufferTransfers(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().WithNumTransferStreams(2).Done()).Test(t)
	defer release(t, q)
	src := capture(ctx.CreateBuffer(MemReadWrite, 32, nil)).Test(t)
	dst := capture(ctx.CreateBuffer(MemReadWrite, 32, nil)).Test(t)
	defer release(t, src, dst)

	write := capture(q.EnqueueMemBufferWrite(src, false, 4, uint32sToBytes(10, 20, 30), nil)).Test(t)
	fill := capture(q.EnqueueMemBufferFill(dst, uint32sToBytes(7), 0, 32, nil)).Test(t)
	copyEv := capture(q.EnqueueMemBufferCopy(src, dst, 4, 8, 12, []*Event{write, fill})).Test(t)
	require.Equal(t, CommandMemBufferCopy, copyEv.CommandType())
	require.NoError(t, copyEv.Wait())
	require.Equal(t, []uint32{7, 7, 10, 20, 30, 7, 7, 7}, bytesToUint32s(readBuffer(t, q, dst, 0, 32)))
	release(t, write, fill, copyEv)

	_, err := q.EnqueueMemBufferWrite(src, true, 30, make([]byte, 4), nil)
	requireResult(t, InvalidValue, err)
	_, err = q.EnqueueMemBufferFill(dst, []byte{1, 2, 3}, 0, 12, nil)
	requireResult(t, InvalidValue, err)
	_, err = q.EnqueueMemBufferFill(dst, []byte{1, 2}, 1, 4, nil)
	requireResult(t, InvalidValue, err)
	_, err = q.EnqueueMemBufferRead(nil, true, 0, nil, nil)
	requireResult(t, InvalidMemObject, err)
}

func TestSubBuffer(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().Done()).Test(t)
	defer release(t, q)
	parent := capture(ctx.CreateBuffer(MemCopyHostPtr, 16, uint32sToBytes(1, 2, 3, 4))).Test(t)
	ctxCount := ctx.ReferenceCount()

	sub := capture(parent.CreateSubBuffer(MemReadWrite, 8, 8)).Test(t)
	require.Equal(t, uint32(2), parent.ReferenceCount())
	require.Equal(t, ctxCount, ctx.ReferenceCount())
	subBuf, _ := sub.Buffer()
	parentBuf, _ := parent.Buffer()
	require.Same(t, parent, subBuf.Parent())
	require.Equal(t, parentBuf.Ptr().Offset(8), subBuf.Ptr())
	require.Equal(t, []uint32{3, 4}, bytesToUint32s(readBuffer(t, q, sub, 0, 8)))

	ev := capture(q.EnqueueMemBufferWrite(sub, true, 4, uint32sToBytes(40), nil)).Test(t)
	release(t, ev)
	require.Equal(t, []uint32{1, 2, 3, 40}, bytesToUint32s(readBuffer(t, q, parent, 0, 16)))

	_, err := sub.CreateSubBuffer(MemReadWrite, 0, 4)
	requireResult(t, InvalidMemObject, err)
	_, err = parent.CreateSubBuffer(MemReadWrite, 12, 8)
	requireResult(t, InvalidValue, err)
	_, err = parent.CreateSubBuffer(MemReadWrite, 0, 0)
	requireResult(t, InvalidValue, err)

	// The parent lives while the sub-buffer does.
	release(t, parent)
	require.Equal(t, uint32(1), parent.ReferenceCount())
	require.Equal(t, []uint32{3, 40}, bytesToUint32s(readBuffer(t, q, sub, 0, 8)))
	release(t, sub)
	require.Zero(t, parent.ReferenceCount())
}

func TestMapToPtr(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	host := make([]byte, 64)
	useHost := capture(ctx.CreateBuffer(MemUseHostPtr, 64, host)).Test(t)
	classic := capture(ctx.CreateBuffer(MemReadWrite, 64, nil)).Test(t)
	defer release(t, useHost, classic)

	b, _ := useHost.Buffer()
	mapped := b.MapToPtr(16, MapRead)
	require.True(t, b.IsMapped())
	require.Same(t, &host[16], &mapped[0])
	require.Equal(t, 16, b.MapOffset())
	require.Panics(t, func() { b.MapToPtr(0, MapRead) }, "mapping twice must panic")
	b.Unmap(mapped)
	require.False(t, b.IsMapped())
	require.Panics(t, func() { b.Unmap(mapped) }, "unmapping while not mapped must panic")

	// Buffers in device memory are mapped to scratch memory the size of the buffer.
	b, _ = classic.Buffer()
	mapped = b.MapToPtr(8, MapWrite)
	require.Len(t, mapped, 64)
	require.Equal(t, MapWrite, b.MapFlags())
	require.Panics(t, func() { b.MapToPtr(8, MapWrite) })
	b.Unmap(mapped)
}

func TestEnqueueMap(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().Done()).Test(t)
	defer release(t, q)

	for _, flags := range []MemFlags{MemReadWrite, MemAllocHostPtr, MemUseHostPtr} {
		var host []byte
		if flags == MemUseHostPtr {
			host = make([]byte, 16)
		}
		m := capture(ctx.CreateBuffer(flags, 16, host)).Test(t)
		b, _ := m.Buffer()

		// Write through a mapping.
		mapped, ev, err := q.EnqueueMemBufferMap(m, true, MapWrite, 4, 8, nil)
		require.NoError(t, err)
		require.Len(t, mapped, 8)
		require.Equal(t, CommandMemBufferMap, ev.CommandType())
		copy(mapped, uint32sToBytes(5, 6))
		release(t, ev)
		ev = capture(q.EnqueueMemUnmap(m, mapped, nil)).Test(t)
		require.NoError(t, ev.Wait())
		require.False(t, b.IsMapped())
		release(t, ev)
		require.Equal(t, []uint32{0, 5, 6, 0}, bytesToUint32s(readBuffer(t, q, m, 0, 16)), "flags=%d", flags)

		// Read through a mapping.
		mapped, ev, err = q.EnqueueMemBufferMap(m, true, MapRead, 8, 8, nil)
		require.NoError(t, err)
		require.Equal(t, []uint32{6, 0}, bytesToUint32s(mapped))
		release(t, ev)
		_, _, err = q.EnqueueMemBufferMap(m, true, MapRead, 0, 4, nil)
		requireResult(t, InvalidOperation, err)
		ev = capture(q.EnqueueMemUnmap(m, mapped, nil)).Test(t)
		release(t, ev)

		_, err = q.EnqueueMemUnmap(m, mapped, nil)
		requireResult(t, InvalidValue, err)
		release(t, m)
	}
}

func TestEnqueueMapConcurrent(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)
	q := capture(ctx.NewQueue().Done()).Test(t)
	defer release(t, q)
	m := capture(ctx.CreateBuffer(MemReadWrite, 64, nil)).Test(t)
	defer release(t, m)
	b, _ := m.Buffer()
	const numWorkers = 16

	for range 10 {
		// Only one of the concurrent maps wins, the others see the buffer already mapped.
		var mapped []byte
		var numMapped, numRejected atomic.Int32
		results := make([][]byte, numWorkers)
		var g errgroup.Group
		for ii := range numWorkers {
			g.Go(func() error {
				got, ev, err := q.EnqueueMemBufferMap(m, true, MapWrite, 8, 16, nil)
				if err != nil {
					if ResultOf(err) != InvalidOperation {
						return err
					}
					numRejected.Add(1)
					return nil
				}
				numMapped.Add(1)
				results[ii] = got
				_, err = ev.Release()
				return err
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, int32(1), numMapped.Load())
		require.Equal(t, int32(numWorkers-1), numRejected.Load())
		for _, got := range results {
			if got != nil {
				mapped = got
			}
		}
		require.Len(t, mapped, 16)
		require.True(t, b.IsMapped())

		// Likewise only one of the concurrent unmaps wins.
		var numUnmapped, numNotMapped atomic.Int32
		for range numWorkers {
			g.Go(func() error {
				ev, err := q.EnqueueMemUnmap(m, mapped, nil)
				if err != nil {
					if ResultOf(err) != InvalidValue {
						return err
					}
					numNotMapped.Add(1)
					return nil
				}
				numUnmapped.Add(1)
				if err = ev.Wait(); err != nil {
					return err
				}
				_, err = ev.Release()
				return err
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, int32(1), numUnmapped.Load())
		require.Equal(t, int32(numWorkers-1), numNotMapped.Load())
		require.False(t, b.IsMapped())
	}
}

func TestImages(t *testing.T) {
	ctx := newTestContext(t)
	defer release(t, ctx)

	desc := driver.ArrayDescriptor{Width: 4, Height: 2, Format: driver.ArrayFormatFloat, NumChannels: 1}
	host := make([]byte, desc.SizeInBytes())
	for ii := range host {
		host[ii] = byte(ii)
	}
	img := capture(ctx.CreateImage(MemCopyHostPtr, Image2D, desc, host)).Test(t)
	s, ok := img.Surface()
	require.True(t, ok)
	require.Equal(t, Image2D, s.ImageType())
	require.Equal(t, desc, s.Descriptor())
	require.Equal(t, host, simDriver.ArrayData(s.Array()))
	_, err := img.CreateSubBuffer(MemReadWrite, 0, 4)
	requireResult(t, InvalidMemObject, err)

	_, err = ctx.CreateImage(MemReadWrite, Image1D, desc, nil)
	requireResult(t, InvalidValue, err)
	_, err = ctx.CreateImage(MemUseHostPtr, Image2D, desc, host)
	requireResult(t, Unsupported, err)
	_, err = ctx.CreateImage(MemCopyHostPtr, Image2D, desc, host[:4])
	requireResult(t, InvalidValue, err)
	release(t, img)
}

func TestScratchPools(t *testing.T) {
	pools := newScratchPools()
	s := pools.Get(100)
	require.Len(t, s.buf, 100)
	require.Equal(t, minPooledScratchSize, cap(s.buf))
	pools.Return(s)

	s = pools.Get(5000)
	require.Len(t, s.buf, 5000)
	require.Equal(t, 8192, cap(s.buf))
	pools.Return(s)

	large := pools.Get(maxPooledScratchSize + 1)
	require.Equal(t, -1, large.poolIndex)
	pools.Return(large)
}
