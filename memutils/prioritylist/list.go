// Package prioritylist provides an ordered collection with O(1) access to its highest-priority
// item. Ordering comes from a caller-supplied comparator; items that compare equal are kept in
// insertion order.
package prioritylist

import (
	"fmt"

	"github.com/google/btree"
)

const degree = 16

// Element is the token returned by Insert. It must be passed back to Remove, and the item it
// carries must not be mutated in any way that changes its ordering while it is in the list.
type Element[T any] struct {
	item T
	seq  uint64
}

// Item returns the item this element was inserted with
func (e Element[T]) Item() T { return e.item }

// List orders items from highest to lowest priority according to its comparator
type List[T any] struct {
	compare func(a, b T) int
	tree    *btree.BTreeG[Element[T]]
	nextSeq uint64
}

// New creates an empty List. compare must return a positive number when a has a higher priority
// than b, a negative number when it has a lower priority and zero when they are tied.
func New[T any](compare func(a, b T) int) *List[T] {
	l := &List[T]{compare: compare}
	l.tree = btree.NewG[Element[T]](degree, l.less)
	return l
}

func (l *List[T]) less(a, b Element[T]) bool {
	c := l.compare(a.item, b.item)
	if c != 0 {
		return c > 0
	}

	return a.seq < b.seq
}

// Insert adds item to the list behind every item with the same priority
func (l *List[T]) Insert(item T) Element[T] {
	l.nextSeq++
	e := Element[T]{item: item, seq: l.nextSeq}
	l.tree.ReplaceOrInsert(e)
	return e
}

// Remove takes a previously inserted element out of the list. It panics if the element is not
// present, which means the caller's bookkeeping has diverged from the list.
func (l *List[T]) Remove(e Element[T]) {
	_, found := l.tree.Delete(e)
	if !found {
		panic(fmt.Sprintf("element %d is not present in the priority list", e.seq))
	}
}

// Contains reports whether e is currently in the list
func (l *List[T]) Contains(e Element[T]) bool {
	return l.tree.Has(e)
}

// PeekMax returns the highest-priority item without removing it
func (l *List[T]) PeekMax() (T, bool) {
	e, ok := l.tree.Min()
	return e.item, ok
}

// Len returns the number of items in the list
func (l *List[T]) Len() int {
	return l.tree.Len()
}

// Ascend calls iterator for each item from highest to lowest priority until iterator returns false
func (l *List[T]) Ascend(iterator func(item T) bool) {
	l.tree.Ascend(func(e Element[T]) bool {
		return iterator(e.item)
	})
}

// Clear removes every item from the list
func (l *List[T]) Clear() {
	l.tree.Clear(false)
}
