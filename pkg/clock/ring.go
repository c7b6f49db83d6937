package clock

// ringNode is an entry slot swept by the clock hand.
type ringNode[V any] struct {
	next, prev *ringNode[V]
	Value      V
}

// ring is a doubly linked list whose traversal wraps from the tail back to the head, which is what the clock hand
// needs. The zero value is an empty ring.
type ring[V any] struct {
	head, tail *ringNode[V]
	size       int
}

func (r *ring[V]) Len() int { return r.size }

func (r *ring[V]) Front() *ringNode[V] { return r.head }

// After returns the node following `n`, wrapping around to the head. Returns nil only when the ring is empty.
func (r *ring[V]) After(n *ringNode[V]) *ringNode[V] {
	if n == nil || n.next == nil {
		return r.head
	}
	return n.next
}

// PushBack appends `v` at the tail and returns its node.
func (r *ring[V]) PushBack(v V) *ringNode[V] {
	n := &ringNode[V]{Value: v, prev: r.tail}
	if r.tail != nil {
		r.tail.next = n
	} else { // Ring was empty.
		r.head = n
	}
	r.tail = n
	r.size++
	return n
}

// Remove unlinks `n` from the ring. `n` must belong to this ring.
func (r *ring[V]) Remove(n *ringNode[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		r.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		r.tail = n.prev
	}
	n.next, n.prev = nil, nil
	r.size--
}
