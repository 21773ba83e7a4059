package pi

import (
	"slices"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// issue creates the event of a command, and issues the command (fn, if not nil) to the stream
// between the start and the record of the event.
func (q *Queue) issue(commandType CommandType, stream driver.Stream, token uint64, fn func() error) (*Event, error) {
	ev, err := makeNativeEvent(commandType, q, stream, token)
	if err != nil {
		return nil, err
	}
	err = ev.start()
	if err == nil && fn != nil {
		err = fn()
	}
	if err == nil {
		err = ev.record()
	}
	if err != nil {
		if _, errRelease := ev.Release(); errRelease != nil {
			klog.Errorf("Failed to release %s event after failure: %+v", commandType, errRelease)
		}
		return nil, err
	}
	return ev, nil
}

func (q *Queue) checkWaitList(waitList []*Event) error {
	for ii, ev := range waitList {
		if ev == nil {
			return newError(InvalidEvent, "nil event in position %d of wait list", ii)
		}
		if ev.ctx != q.ctx {
			return newError(InvalidContext, "event %s in wait list is from another context", ev)
		}
	}
	return nil
}

// EnqueueKernelLaunch launches the kernel over workDim (1 to 3) dimensions of globalSize work-items,
// in work-groups of localSize. If localSize is nil a work-group size is chosen. globalOffset can be
// nil, otherwise non-zero offsets require the kernel to be compiled with offset support.
//
// The arguments of the kernel are copied by the launch: they can be changed right after it.
func (q *Queue) EnqueueKernelLaunch(k *Kernel, workDim int, globalOffset, globalSize, localSize []int, waitList []*Event) (*Event, error) {
	if k == nil {
		return nil, newError(InvalidKernel, "nil kernel")
	}
	if k.ctx != q.ctx {
		return nil, newError(InvalidContext, "kernel %q is from another context", k.name)
	}
	if err := q.checkWaitList(waitList); err != nil {
		return nil, err
	}
	if workDim < 1 || workDim > 3 {
		return nil, newError(InvalidWorkDimension, "invalid work dimension %d", workDim)
	}
	if len(globalSize) < workDim {
		return nil, newError(InvalidValue, "global size has %d values for %d dimensions", len(globalSize), workDim)
	}
	if globalOffset != nil && len(globalOffset) < workDim {
		return nil, newError(InvalidValue, "global offset has %d values for %d dimensions", len(globalOffset), workDim)
	}
	if localSize != nil && len(localSize) < workDim {
		return nil, newError(InvalidValue, "local size has %d values for %d dimensions", len(localSize), workDim)
	}

	global, local := [3]int{1, 1, 1}, [3]int{1, 1, 1}
	var offset [3]uint32
	hasOffset := false
	for dim := range workDim {
		if globalSize[dim] <= 0 {
			return nil, newError(InvalidValue, "invalid global size %d in dimension %d", globalSize[dim], dim)
		}
		global[dim] = globalSize[dim]
		if globalOffset != nil {
			if globalOffset[dim] < 0 {
				return nil, newError(InvalidValue, "invalid global offset %d in dimension %d", globalOffset[dim], dim)
			}
			offset[dim] = uint32(globalOffset[dim])
			hasOffset = hasOffset || globalOffset[dim] != 0
		}
	}

	device := q.device
	maxBlockDim := device.MaxBlockDim()
	if localSize != nil {
		for dim := range workDim {
			l := localSize[dim]
			if l <= 0 || l > maxBlockDim[dim] || global[dim]%l != 0 {
				return nil, newError(InvalidWorkGroupSize, "local size %d in dimension %d is not valid for global size %d (max %d)",
					l, dim, global[dim], maxBlockDim[dim])
			}
			local[dim] = l
		}
	} else {
		local[0] = guessLocalSize(global[0], min(maxBlockDim[0], device.MaxThreadsPerBlock()))
	}
	if threads := local[0] * local[1] * local[2]; threads > device.MaxThreadsPerBlock() {
		return nil, newError(InvalidWorkGroupSize, "work-group of %d work-items exceeds the maximum of %d", threads, device.MaxThreadsPerBlock())
	}
	var grid, block [3]uint32
	for dim := range 3 {
		block[dim] = uint32(local[dim])
		grid[dim] = uint32((global[dim] + local[dim] - 1) / local[dim])
	}

	function := k.function
	if hasOffset {
		if k.withOffset == 0 {
			return nil, newError(Unsupported, "kernel %q doesn't support a global offset", k.name)
		}
		function = k.withOffset
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	localMem := k.args.LocalSize()
	if localMem > device.MaxSharedMemPerBlock() {
		return nil, newError(OutOfResources, "kernel %q uses %d bytes of local memory, the device has %d",
			k.name, localMem, device.MaxSharedMemPerBlock())
	}
	if k.withOffset != 0 {
		k.args.SetImplicitOffset(offset[:])
	}
	params := k.args.Args()
	if hasOffset {
		params = k.args.Indices()
	}

	stream, token, guard, err := q.GetNextComputeStreamFor(waitList)
	if err != nil {
		return nil, err
	}
	defer guard.Unlock()
	if err = enqueueEventsWait(q, stream, waitList); err != nil {
		return nil, err
	}
	ev, err := q.issue(CommandNDRangeKernel, stream, token, func() error {
		err := q.drv.LaunchKernel(function, grid, block, uint32(localMem), stream, params)
		if err != nil {
			return errors.WithMessagef(err, "failed to launch %s", k)
		}
		return nil
	})
	k.args.ClearLocalSize()
	return ev, err
}

// guessLocalSize returns the largest work-group size not above maxSize that divides global.
func guessLocalSize(global, maxSize int) int {
	local := max(min(maxSize, global), 1)
	for global%local != 0 {
		local--
	}
	return local
}

// EnqueueBarrier enqueues a barrier: commands enqueued afterwards, on any stream of the queue,
// start only after the events of waitList complete, or after every command enqueued before if
// waitList is empty.
func (q *Queue) EnqueueBarrier(waitList []*Event) (*Event, error) {
	return q.enqueueJoin(CommandBarrier, waitList, true)
}

// EnqueueMarker returns an event that completes when the events of waitList complete, or when
// every command enqueued before completes if waitList is empty. Unlike a barrier, later commands
// don't wait for it.
func (q *Queue) EnqueueMarker(waitList []*Event) (*Event, error) {
	return q.enqueueJoin(CommandMarker, waitList, false)
}

// enqueueJoin makes one compute stream wait for waitList (or for all streams) and records the event
// on it. If setBarrier, the join becomes the barrier of the queue, applied to every stream the next
// time it is used.
func (q *Queue) enqueueJoin(commandType CommandType, waitList []*Event, setBarrier bool) (*Event, error) {
	if err := q.checkWaitList(waitList); err != nil {
		return nil, err
	}
	stream, token, guard, err := q.GetNextComputeStreamFor(waitList)
	if err != nil {
		return nil, err
	}
	if !guard.Held() {
		q.muComputeSync.Lock()
		guard = StreamGuard{mu: &q.muComputeSync}
	}
	defer guard.Unlock()

	q.muBarrier.Lock()
	defer q.muBarrier.Unlock()
	if len(waitList) == 0 {
		if q.barrierTmpEvent == 0 {
			q.barrierTmpEvent, err = q.drv.EventCreate(q.ctx.native, driver.EventDisableTiming)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to create barrier event")
			}
		}
		err = q.syncStreamsLocked(func(s driver.Stream) error {
			if s == stream {
				return nil
			}
			if err := q.drv.EventRecord(q.barrierTmpEvent, s); err != nil {
				return err
			}
			return q.drv.StreamWaitEvent(stream, q.barrierTmpEvent)
		}, false)
	} else {
		err = enqueueEventsWait(q, stream, waitList)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to join streams for %s", commandType)
	}

	if setBarrier {
		if q.barrierEvent == 0 {
			q.barrierEvent, err = q.drv.EventCreate(q.ctx.native, driver.EventDisableTiming)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to create barrier event")
			}
		}
		if err = q.drv.EventRecord(q.barrierEvent, stream); err != nil {
			return nil, errors.WithMessagef(err, "failed to record barrier event")
		}
		clear(q.compute.applied)
		clear(q.transfer.applied)
	}
	return q.issue(commandType, stream, token, nil)
}

func (q *Queue) checkBufferRange(m *Mem, offset, size int) (*BufferMem, error) {
	if m == nil {
		return nil, newError(InvalidMemObject, "nil memory object")
	}
	if m.ctx != q.ctx {
		return nil, newError(InvalidContext, "%s is from another context", m)
	}
	b, ok := m.Buffer()
	if !ok {
		return nil, newError(InvalidMemObject, "%s is not a buffer", m)
	}
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, newError(InvalidValue, "region [%d, %d) out of bounds of %s", offset, offset+size, m)
	}
	return b, nil
}

// enqueueTransfer issues fn to the next transfer stream, after waiting for waitList.
func (q *Queue) enqueueTransfer(commandType CommandType, blocking bool, waitList []*Event, fn func(s driver.Stream) error) (*Event, error) {
	if err := q.checkWaitList(waitList); err != nil {
		return nil, err
	}
	stream, err := q.GetNextTransferStream()
	if err != nil {
		return nil, err
	}
	if err = enqueueEventsWait(q, stream, waitList); err != nil {
		return nil, err
	}
	var issueFn func() error
	if fn != nil {
		issueFn = func() error { return fn(stream) }
	}
	ev, err := q.issue(commandType, stream, NoStreamToken, issueFn)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to enqueue %s", commandType)
	}
	if blocking {
		if err = ev.Wait(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// EnqueueMemBufferWrite copies src into the buffer at offset. Unless blocking, src must not be
// changed until the returned event completes.
func (q *Queue) EnqueueMemBufferWrite(m *Mem, blocking bool, offset int, src []byte, waitList []*Event) (*Event, error) {
	b, err := q.checkBufferRange(m, offset, len(src))
	if err != nil {
		return nil, err
	}
	return q.enqueueTransfer(CommandMemBufferWrite, blocking, waitList, func(s driver.Stream) error {
		return q.drv.MemcpyHtoDAsync(b.ptr.Offset(offset), src, s)
	})
}

// EnqueueMemBufferRead copies the buffer contents at offset into dst. Unless blocking, dst is
// only valid once the returned event completes.
func (q *Queue) EnqueueMemBufferRead(m *Mem, blocking bool, offset int, dst []byte, waitList []*Event) (*Event, error) {
	b, err := q.checkBufferRange(m, offset, len(dst))
	if err != nil {
		return nil, err
	}
	return q.enqueueTransfer(CommandMemBufferRead, blocking, waitList, func(s driver.Stream) error {
		return q.drv.MemcpyDtoHAsync(dst, b.ptr.Offset(offset), s)
	})
}

// EnqueueMemBufferCopy copies size bytes between buffers.
func (q *Queue) EnqueueMemBufferCopy(src, dst *Mem, srcOffset, dstOffset, size int, waitList []*Event) (*Event, error) {
	bSrc, err := q.checkBufferRange(src, srcOffset, size)
	if err != nil {
		return nil, err
	}
	bDst, err := q.checkBufferRange(dst, dstOffset, size)
	if err != nil {
		return nil, err
	}
	return q.enqueueTransfer(CommandMemBufferCopy, false, waitList, func(s driver.Stream) error {
		return q.drv.MemcpyDtoDAsync(bDst.ptr.Offset(dstOffset), bSrc.ptr.Offset(srcOffset), size, s)
	})
}

// EnqueueMemBufferFill fills size bytes of the buffer at offset with the repeated pattern. The
// pattern size must be a power of 2 up to 128, and offset and size multiples of it.
func (q *Queue) EnqueueMemBufferFill(m *Mem, pattern []byte, offset, size int, waitList []*Event) (*Event, error) {
	n := len(pattern)
	if n == 0 || n > 128 || n&(n-1) != 0 {
		return nil, newError(InvalidValue, "invalid fill pattern size %d", n)
	}
	if offset%n != 0 || size%n != 0 {
		return nil, newError(InvalidValue, "fill offset %d and size %d must be multiples of the pattern size %d", offset, size, n)
	}
	b, err := q.checkBufferRange(m, offset, size)
	if err != nil {
		return nil, err
	}
	pattern = slices.Clone(pattern)
	return q.enqueueTransfer(CommandMemBufferFill, false, waitList, func(s driver.Stream) error {
		return q.drv.MemsetAsync(b.ptr.Offset(offset), pattern, size, s)
	})
}

// EnqueueMemBufferMap maps size bytes of the buffer at offset to host memory, and returns them.
//
// Buffers allocated with MemAllocHostPtr are mapped without copies. Others are read into the
// mapping if flags include MapRead or MapWrite. Unless blocking, the contents are only valid once
// the returned event completes.
func (q *Queue) EnqueueMemBufferMap(m *Mem, blocking bool, flags MapFlags, offset, size int, waitList []*Event) ([]byte, *Event, error) {
	b, err := q.checkBufferRange(m, offset, size)
	if err != nil {
		return nil, nil, err
	}
	mapped, ok := b.tryMapToPtr(offset, size, flags)
	if !ok {
		return nil, nil, newError(InvalidOperation, "%s is already mapped", m)
	}

	var ev *Event
	if b.mode == AllocAllocHostPtr || flags&(MapRead|MapWrite) == 0 {
		ev, err = q.enqueueTransfer(CommandMemBufferMap, blocking, waitList, nil)
	} else {
		dst := mapped[:size]
		ev, err = q.enqueueTransfer(CommandMemBufferMap, blocking, waitList, func(s driver.Stream) error {
			return q.drv.MemcpyDtoHAsync(dst, b.ptr.Offset(offset), s)
		})
	}
	if err != nil {
		if ev != nil {
			_, _ = ev.Release()
		}
		b.Unmap(mapped)
		return nil, nil, err
	}
	return mapped[:size], ev, nil
}

// EnqueueMemUnmap ends the mapping returned by EnqueueMemBufferMap. Mappings with MapWrite or
// MapWriteInvalidateRegion are written back to the device, except for buffers allocated with
// MemAllocHostPtr.
func (q *Queue) EnqueueMemUnmap(m *Mem, mapped []byte, waitList []*Event) (*Event, error) {
	b, err := q.checkBufferRange(m, 0, 0)
	if err != nil {
		return nil, err
	}
	offset, src, flags, ok := b.beginUnmap()
	if !ok {
		return nil, newError(InvalidValue, "%s is not mapped", m)
	}

	var ev *Event
	if b.mode != AllocAllocHostPtr && flags&(MapWrite|MapWriteInvalidateRegion) != 0 {
		// Scratch memory is returned to the pool by Unmap, so the write-back must complete first.
		blocking := !b.isZeroCopyMapped()
		ev, err = q.enqueueTransfer(CommandMemBufferUnmap, blocking, waitList, func(s driver.Stream) error {
			return q.drv.MemcpyHtoDAsync(b.ptr.Offset(offset), src, s)
		})
	} else {
		ev, err = q.enqueueTransfer(CommandMemBufferUnmap, false, waitList, nil)
	}
	if err != nil {
		if ev != nil {
			_, _ = ev.Release()
		}
		b.abortUnmap()
		return nil, err
	}
	b.Unmap(mapped)
	return ev, nil
}
