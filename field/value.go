// Package field models the host-side targets suggestions are written into:
// observable state cells and plain text inputs that emit input/change events.
package field

import "sync"

// Value is an observable state cell. Observers run synchronously on every
// Set, in registration order, with the previous and the new value.
type Value[T any] struct {
	mu        sync.RWMutex
	v         T
	observers map[int]func(old, new T)
	order     []int
	next      int
}

// NewValue returns a cell holding v.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{v: v, observers: make(map[int]func(old, new T))}
}

// Get returns the current value.
func (c *Value[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

// Set stores v and notifies observers.
func (c *Value[T]) Set(v T) {
	c.mu.Lock()
	old := c.v
	c.v = v
	fns := make([]func(old, new T), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.observers[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(old, v)
	}
}

// Observe registers fn and returns a function that removes it.
func (c *Value[T]) Observe(fn func(old, new T)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.observers == nil {
		c.observers = make(map[int]func(old, new T))
	}
	id := c.next
	c.next++
	c.observers[id] = fn
	c.order = append(c.order, id)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
		for i, o := range c.order {
			if o == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
}
