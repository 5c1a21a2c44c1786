// Package linked provides an intrusive doubly-linked list whose iterators stay
// usable across ticks while other nodes are added or removed.
package linked

// Link is embedded in every value stored in a Chain.
type Link[T any] struct {
	prev, next *Link[T]
	chain      any
	value      T
	destroyed  bool
}

// Destroyed reports whether the node was removed from its chain.
func (l *Link[T]) Destroyed() bool { return l.destroyed }

// Linked is implemented by values that embed a Link.
type Linked[T any] interface {
	ChainLink() *Link[T]
}

// Chain is not safe for concurrent use. A removed node keeps its forward
// pointer so that an iterator parked on it can still move on.
type Chain[T Linked[T]] struct {
	head, tail *Link[T]
	n          int
}

func (c *Chain[T]) Len() int { return c.n }

// Add appends v. Adding a destroyed node or a node that already belongs to a
// chain panics.
func (c *Chain[T]) Add(v T) {
	l := v.ChainLink()
	if l.destroyed {
		panic("linked: add of destroyed node")
	}
	if l.chain != nil {
		panic("linked: node already in a chain")
	}
	l.chain = c
	l.value = v
	l.prev = c.tail
	l.next = nil
	if c.tail != nil {
		c.tail.next = l
	} else {
		c.head = l
	}
	c.tail = l
	c.n++
}

// Remove unlinks v in O(1) and marks it destroyed. Removing a node twice is a
// no-op.
func (c *Chain[T]) Remove(v T) {
	l := v.ChainLink()
	if l.destroyed {
		return
	}
	if l.chain != c {
		panic("linked: node belongs to another chain")
	}
	if l.prev != nil {
		l.prev.next = l.next
	} else {
		c.head = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	} else {
		c.tail = l.prev
	}
	l.prev = nil
	l.destroyed = true
	c.n--
}

// Destroy detaches and marks every node. Live iterators drain to the end.
func (c *Chain[T]) Destroy() {
	for l := c.head; l != nil; l = l.next {
		l.destroyed = true
		l.prev = nil
	}
	c.head, c.tail = nil, nil
	c.n = 0
}

// Iter starts an iterator at the current head.
func (c *Chain[T]) Iter() *Iterator[T] {
	return &Iterator[T]{next: c.head}
}

// Iterator holds only the next node to visit.
type Iterator[T any] struct {
	next *Link[T]
}

// Next returns the next live value. Nodes destroyed after the iterator
// was created are skipped.
func (it *Iterator[T]) Next() (T, bool) {
	for it.next != nil && it.next.destroyed {
		it.next = it.next.next
	}
	if it.next == nil {
		var zero T
		return zero, false
	}
	l := it.next
	it.next = l.next
	return l.value, true
}

// Done reports whether the iterator has no more live nodes.
func (it *Iterator[T]) Done() bool {
	for it.next != nil && it.next.destroyed {
		it.next = it.next.next
	}
	return it.next == nil
}
