package events

import (
	"sync"
)

// Feed fans values out to channel listeners and callback listeners.
// Channel sends never block: a full channel misses that value.
// Callbacks run synchronously on the notifying goroutine, outside the lock.
type Feed[T any] struct {
	mu        sync.RWMutex
	channels  map[uint64]chan<- T
	callbacks map[uint64]func(T)
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

// NewFeed creates a Feed. With replay set, a new listener immediately receives the most
// recent value if Notify has been called at least once.
func NewFeed[T any](replay bool) *Feed[T] {
	return &Feed[T]{
		channels:  make(map[uint64]chan<- T),
		callbacks: make(map[uint64]func(T)),
		replay:    replay,
	}
}

// Listen registers a channel and returns its deregistration function
func (f *Feed[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.channels[id] = ch
	last, send := f.last, f.replay && f.hasLast
	f.mu.Unlock()

	if send {
		select {
		case ch <- last:
		default:
		}
	}

	return func() {
		f.mu.Lock()
		delete(f.channels, id)
		f.mu.Unlock()
	}
}

// Subscribe registers a callback and returns its deregistration function
func (f *Feed[T]) Subscribe(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.callbacks[id] = callback
	last, send := f.last, f.replay && f.hasLast
	f.mu.Unlock()

	if send {
		callback(last)
	}

	return func() {
		f.mu.Lock()
		delete(f.callbacks, id)
		f.mu.Unlock()
	}
}

// Notify delivers value to every listener
func (f *Feed[T]) Notify(value T) {
	f.mu.Lock()
	if f.replay {
		f.last = value
		f.hasLast = true
	}
	channels := make([]chan<- T, 0, len(f.channels))
	for _, ch := range f.channels {
		channels = append(channels, ch)
	}
	callbacks := make([]func(T), 0, len(f.callbacks))
	for _, cb := range f.callbacks {
		callbacks = append(callbacks, cb)
	}
	f.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- value:
		default:
		}
	}
	for _, cb := range callbacks {
		cb(value)
	}
}

// Last returns the most recent value when replay is enabled
func (f *Feed[T]) Last() (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.hasLast
}

// ListenerCount returns the number of registered channels and callbacks
func (f *Feed[T]) ListenerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.channels) + len(f.callbacks)
}
