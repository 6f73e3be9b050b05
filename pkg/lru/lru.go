package lru

import (
	"github.com/pmkol/dnsfwd/pkg/list"
)

// LRU is a map that remembers the order in which keys were last written.
// Add moves a key to the back, Peek does not touch the order.
//
// A maxSize <= 0 builds an unbounded LRU: nothing is evicted by Add and
// entries only leave through Clean.
// LRU is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l *list.List[KV[K, V]]
	m map[K]*list.Elem[KV[K, V]]
}

type KV[K comparable, V any] struct {
	key K
	v   V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       list.New[KV[K, V]](),
		m:       make(map[K]*list.Elem[KV[K, V]], max(maxSize, 0)),
	}
}

func (q *LRU[K, V]) bounded() bool {
	return q.maxSize > 0
}

func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.MoveToBack(e)
		return
	}

	// Reuse the oldest element when full.
	if q.bounded() && q.l.Len() >= q.maxSize {
		e := q.l.Front()
		if q.onEvict != nil {
			q.onEvict(e.Value.key, e.Value.v)
		}
		delete(q.m, e.Value.key)

		e.Value.key = key
		e.Value.v = v
		q.m[key] = e
		q.l.MoveToBack(e)
		return
	}

	e := list.NewElem(KV[K, V]{key: key, v: v})
	q.m[key] = e
	q.l.PushBack(e)
}

// Peek returns the value of key without changing its position.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

// Clean removes every entry for which f returns true, oldest first.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.Front()
	for e != nil {
		next := e.Next()
		if f(e.Value.key, e.Value.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

func (q *LRU[K, V]) delElem(e *list.Elem[KV[K, V]]) {
	key, v := e.Value.key, e.Value.v
	q.l.PopElem(e)
	delete(q.m, key)

	if q.onEvict != nil {
		q.onEvict(key, v)
	}
}
