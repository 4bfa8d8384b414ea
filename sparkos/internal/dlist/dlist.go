// Package dlist implements an intrusive doubly linked list.
//
// Nodes are embedded in the objects they link, so inserting and removing never
// allocates. A node belongs to at most one list at a time and knows which list
// that is, which lets the kernel move an object between lists in O(1).
// The list is not safe for concurrent use.
package dlist

// Node links an owner value into a List.
type Node[T any] struct {
	prev, next *Node[T]
	list       *List[T]
	owner      *T

	// Key orders the node in lists maintained with InsertOrdered.
	Key uint32
}

// Init binds the node to its owner. It must be called once before the node is
// inserted anywhere.
func (n *Node[T]) Init(owner *T) {
	n.owner = owner
	n.prev, n.next, n.list = nil, nil, nil
}

// Owner returns the value the node is embedded in.
func (n *Node[T]) Owner() *T { return n.owner }

// List returns the list currently holding the node, or nil.
func (n *Node[T]) List() *List[T] { return n.list }

// Linked reports whether the node is on any list.
func (n *Node[T]) Linked() bool { return n.list != nil }

// Next returns the following node, or nil at the tail.
func (n *Node[T]) Next() *Node[T] { return n.next }

// List is a doubly linked list of Nodes.
type List[T any] struct {
	first, last *Node[T]
	n           int
}

// Len returns the number of linked nodes.
func (l *List[T]) Len() int { return l.n }

// Empty reports whether the list has no nodes.
func (l *List[T]) Empty() bool {
	if l.first == nil {
		if l.last != nil || l.n != 0 {
			panic("dlist: invariant violated checking for Empty")
		}
		return true
	}
	return false
}

// Front returns the first node or nil.
func (l *List[T]) Front() *Node[T] { return l.first }

// Back returns the last node or nil.
func (l *List[T]) Back() *Node[T] { return l.last }

// PushBack appends n.
func (l *List[T]) PushBack(n *Node[T]) {
	l.checkFree(n, "PushBack")
	n.list = l
	n.next = nil
	n.prev = l.last
	if l.last == nil {
		l.first = n
	} else {
		l.last.next = n
	}
	l.last = n
	l.n++
}

// PushFront prepends n.
func (l *List[T]) PushFront(n *Node[T]) {
	l.checkFree(n, "PushFront")
	n.list = l
	n.prev = nil
	n.next = l.first
	if l.first == nil {
		l.last = n
	} else {
		l.first.prev = n
	}
	l.first = n
	l.n++
}

// InsertOrdered inserts n in front of the first node for which before(n, node)
// is true. Nodes that compare equal keep their insertion order.
func (l *List[T]) InsertOrdered(n *Node[T], before func(a, b *Node[T]) bool) {
	l.checkFree(n, "InsertOrdered")
	at := l.first
	for at != nil && !before(n, at) {
		at = at.next
	}
	if at == nil {
		n.list = nil
		l.PushBack(n)
		return
	}
	n.list = l
	n.next = at
	n.prev = at.prev
	if at.prev == nil {
		l.first = n
	} else {
		at.prev.next = n
	}
	at.prev = n
	l.n++
}

// Remove unlinks n from l. Removing a node that is not on l panics.
func (l *List[T]) Remove(n *Node[T]) {
	if n.list != l {
		panic("dlist: attempt to remove node that is a member of another list")
	}
	if n.prev == nil {
		l.first = n.next
	} else {
		n.prev.next = n.next
	}
	if n.next == nil {
		l.last = n.prev
	} else {
		n.next.prev = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.n--
}

// Unlink removes n from whichever list holds it. It is a no-op for free nodes.
func Unlink[T any](n *Node[T]) {
	if n.list != nil {
		n.list.Remove(n)
	}
}

// PopFront removes and returns the first node, or nil when empty.
func (l *List[T]) PopFront() *Node[T] {
	n := l.first
	if n != nil {
		l.Remove(n)
	}
	return n
}

// Each calls fn for every node from front to back until fn returns false.
// fn must not modify the list.
func (l *List[T]) Each(fn func(*Node[T]) bool) {
	for n := l.first; n != nil; n = n.next {
		if !fn(n) {
			return
		}
	}
}

func (l *List[T]) checkFree(n *Node[T], op string) {
	if n.list != nil || n.prev != nil || n.next != nil {
		panic("dlist: attempt to insert node that is a member of another list (" + op + ")")
	}
}
