// Package list is a minimal generic doubly linked list. Elements are
// allocated by the caller so they can be moved between positions
// without reallocation.
package list

type List[V any] struct {
	front, back *Elem[V]
	length      int
}

type Elem[V any] struct {
	Value V

	prev, next *Elem[V]
	list       *List[V]
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the element after e, or nil if e is the last one.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Front() *Elem[V] {
	return l.front
}

func (l *List[V]) Len() int {
	return l.length
}

// PushBack appends a detached element. e must not belong to any list.
func (l *List[V]) PushBack(e *Elem[V]) *Elem[V] {
	if e.list != nil {
		panic("elem already belongs to a list")
	}
	l.length++
	e.list = l

	if l.back == nil {
		l.front, l.back = e, e
		return e
	}

	e.prev = l.back
	l.back.next = e
	l.back = e
	return e
}

// MoveToBack moves an existing element to the back in O(1).
// Does not change length.
func (l *List[V]) MoveToBack(e *Elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	if l.back == e {
		return
	}

	l.unlink(e)
	e.prev = l.back
	e.next = nil
	l.back.next = e
	l.back = e
}

// PopElem removes e from the list and returns it detached.
func (l *List[V]) PopElem(e *Elem[V]) *Elem[V] {
	if e.list != l {
		panic("elem does not belong to this list")
	}

	l.length--
	l.unlink(e)
	e.prev, e.next, e.list = nil, nil, nil
	return e
}

func (l *List[V]) unlink(e *Elem[V]) {
	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}
}
