package pi

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// refCount is embedded by every reference counted object of the runtime.
//
// Objects are created with a count of 1. The caller whose release brings the count to 0 must
// destroy the object, exactly once. Retaining or releasing an object whose count already reached
// 0 is a programming error and panics.
type refCount struct {
	count atomic.Uint32
}

func (r *refCount) init() {
	r.count.Store(1)
}

func (r *refCount) retain(kind string) uint32 {
	for {
		current := r.count.Load()
		if current == 0 {
			exceptions.Panicf("%s retained after it was destroyed", kind)
		}
		if r.count.CompareAndSwap(current, current+1) {
			return current + 1
		}
	}
}

// release returns the count after decrementing it. If it returns 0, the caller must destroy
// the object.
func (r *refCount) release(kind string) uint32 {
	for {
		current := r.count.Load()
		if current == 0 {
			exceptions.Panicf("%s released after it was destroyed", kind)
		}
		if r.count.CompareAndSwap(current, current-1) {
			return current - 1
		}
	}
}

// ReferenceCount returns the current reference count. It is only meaningful for debugging and
// tests, since it may change concurrently.
func (r *refCount) ReferenceCount() uint32 {
	return r.count.Load()
}
