// Package freelist threads LIFO lists of free blocks through the blocks
// themselves: the first word of every free block holds the pointer to the
// next free block. All raw-memory manipulation for the buddy freelists is
// confined to this package.
package freelist

import "unsafe"

// List is a singly-linked list whose nodes are the free blocks themselves.
// The zero value is an empty list. Blocks pushed onto a List must be at
// least one pointer word large and must stay untouched until popped.
type List struct {
	head unsafe.Pointer
}

// Empty reports whether the list has no blocks.
func (l *List) Empty() bool { return l.head == nil }

// Push inserts the block at the head of the list.
func (l *List) Push(p unsafe.Pointer) {
	*(*unsafe.Pointer)(p) = l.head
	l.head = p
}

// Pop removes and returns the head block, or nil when the list is empty.
func (l *List) Pop() unsafe.Pointer {
	p := l.head
	if p != nil {
		l.head = *(*unsafe.Pointer)(p)
	}
	return p
}

// Remove unlinks the block at address p, reporting whether it was present.
func (l *List) Remove(p unsafe.Pointer) bool {
	if l.head == p {
		l.head = *(*unsafe.Pointer)(p)
		return true
	}
	for n := l.head; n != nil; n = *(*unsafe.Pointer)(n) {
		next := *(*unsafe.Pointer)(n)
		if next == p {
			*(*unsafe.Pointer)(n) = *(*unsafe.Pointer)(p)
			return true
		}
	}
	return false
}

// Len walks the list and returns the number of blocks on it.
func (l *List) Len() int {
	n := 0
	for p := l.head; p != nil; p = *(*unsafe.Pointer)(p) {
		n++
	}
	return n
}

// Head returns the head block without removing it, or nil when empty.
func (l *List) Head() unsafe.Pointer { return l.head }
