// Package stream provides the small publish/subscribe building blocks the
// ingestion pipeline is wired with: a fan-out Broadcast, Forward to
// re-publish one stream into another, and Merge to fan several streams in.
//
// Delivery is synchronous. Publish returns once every subscriber has been
// called, in subscription order, on the publishing goroutine. That keeps the
// per-area ordering of changes intact all the way to the index writer.
package stream

import "sync"

// Broadcast delivers every published value to all current subscribers.
// The zero value is ready to use.
type Broadcast[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// New creates an empty Broadcast.
func New[T any]() *Broadcast[T] {
	return &Broadcast[T]{}
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is a no-op.
func (b *Broadcast[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcast[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish hands v to every subscriber. Subscribers may (un)subscribe from
// within their callback; the change takes effect on the next Publish.
func (b *Broadcast[T]) Publish(v T) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of current subscribers.
func (b *Broadcast[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Forward re-publishes everything from src into dst.
func Forward[T any](src, dst *Broadcast[T]) (cancel func()) {
	return src.Subscribe(dst.Publish)
}

// Merge returns a Broadcast carrying the values of all sources.
func Merge[T any](sources ...*Broadcast[T]) *Broadcast[T] {
	out := New[T]()
	for _, src := range sources {
		Forward(src, out)
	}
	return out
}

// Map re-publishes values from src into dst after converting them. Values for
// which convert reports false are dropped.
func Map[S, T any](src *Broadcast[S], dst *Broadcast[T], convert func(S) (T, bool)) (cancel func()) {
	return src.Subscribe(func(v S) {
		if out, ok := convert(v); ok {
			dst.Publish(out)
		}
	})
}
