// Package onecell provides a compute-once, read-many value cell.
//
// The first caller to Get runs the initializer; concurrent callers that
// arrive while initialization is in flight block until it completes and
// then observe the same value. After that, Get never blocks again.
package onecell

import "sync"

// Cell lazily initializes a value of type T exactly once.
type Cell[T any] struct {
	once sync.Once
	val  T
}

// Get returns the cached value, calling init the first time it is needed.
func (c *Cell[T]) Get(init func() T) T {
	c.once.Do(func() {
		c.val = init()
	})
	return c.val
}
