// Package upcell provides the exclusive-access cell guarding every piece of
// process-wide kernel state: frame allocator, PID allocator, ready queue,
// processor, block cache. The kernel is single-hart and only suspends at
// trap boundaries, so a plain re-entry flag is enough; re-borrowing a cell
// that is already borrowed is a kernel bug and faults loudly.
package upcell

import "fmt"

// Cell wraps a value with panic-on-reentry exclusive access.
type Cell[T any] struct {
	name     string
	borrowed bool
	value    T
}

// New constructs a cell around value. The name appears in the panic message.
func New[T any](name string, value T) *Cell[T] {
	return &Cell[T]{name: name, value: value}
}

// Borrow takes exclusive access. The caller must pair it with Release.
func (c *Cell[T]) Borrow() *T {
	if c.borrowed {
		panic(fmt.Sprintf("upcell: %s already borrowed", c.name))
	}
	c.borrowed = true
	return &c.value
}

// Release returns exclusive access.
func (c *Cell[T]) Release() {
	if !c.borrowed {
		panic(fmt.Sprintf("upcell: %s released while free", c.name))
	}
	c.borrowed = false
}

// With runs f with exclusive access, releasing on the way out even if f
// panics (the handler path relies on this to keep cells usable after a
// recovered fault).
func (c *Cell[T]) With(f func(*T)) {
	v := c.Borrow()
	defer c.Release()
	f(v)
}
