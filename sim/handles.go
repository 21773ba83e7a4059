package sim

import (
	"sync"
	"sync/atomic"
)

// nextHandle is shared by all tables, so handles of different kinds never collide: this makes
// misuse (passing a stream where an event is expected) detectable.
var nextHandle atomic.Uintptr

func init() {
	nextHandle.Store(0x100)
}

// handleTable stores Go objects referenced by the opaque uintptr handles handed to the runtime.
//
// It is safe for concurrent use.
type handleTable[T any] struct {
	mu      sync.RWMutex
	objects map[uintptr]T
}

func newHandleTable[T any]() *handleTable[T] {
	return &handleTable[T]{objects: make(map[uintptr]T)}
}

// register stores v and returns a new handle for it.
func (h *handleTable[T]) register(v T) uintptr {
	id := nextHandle.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects[id] = v
	return id
}

// lookup returns the object for the handle, and whether it was found.
func (h *handleTable[T]) lookup(id uintptr) (v T, found bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, found = h.objects[id]
	return
}

// unregister removes the handle, returning the object it referenced.
func (h *handleTable[T]) unregister(id uintptr) (v T, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, found = h.objects[id]
	if found {
		delete(h.objects, id)
	}
	return
}

// count returns the number of live handles.
func (h *handleTable[T]) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}
