// Package hashtable implements a bucketed concurrent hash table, the
// generic descendant of the teacher's hand-hashed interface{}-keyed
// table. It backs the open-inode registry (inode.Registry); the block
// cache keeps its sector index in a plain map instead.
package hashtable

import "sync"

type elem_t[K comparable, V any] struct {
	key   K
	value V
	next  *elem_t[K, V]
}

type bucket_t[K comparable, V any] struct {
	sync.Mutex
	first *elem_t[K, V]
}

// Table maps keys to values with one lock per bucket, the same chaining
// discipline as biscuit/src/hashtable/hashtable.go, generalized with
// Go generics so callers no longer need a type switch over interface{}.
type Table[K comparable, V any] struct {
	buckets []*bucket_t[K, V]
	hash    func(K) uint64
}

// New allocates a table with size buckets, hashed by h.
func New[K comparable, V any](size int, h func(K) uint64) *Table[K, V] {
	if size <= 0 {
		size = 16
	}
	t := &Table[K, V]{
		buckets: make([]*bucket_t[K, V], size),
		hash:    h,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket_t[K, V]{}
	}
	return t
}

func (t *Table[K, V]) bucketFor(key K) *bucket_t[K, V] {
	idx := t.hash(key) % uint64(len(t.buckets))
	return t.buckets[idx]
}

// Get looks up key and reports whether it was present.
func (t *Table[K, V]) Get(key K) (V, bool) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts key/value if key is not already present. It returns the
// existing value and false if key was already present, leaving the
// table unchanged — callers that want idempotent open semantics (the
// open-inode registry) rely on this to avoid a second in-memory inode
// for the same sector.
func (t *Table[K, V]) Set(key K, value V) (V, bool) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, false
		}
	}
	b.first = &elem_t[K, V]{key: key, value: value, next: b.first}
	return value, true
}

// GetOrInsert returns the existing value for key, or inserts the value
// produced by make and returns it. The second return is true if make
// was invoked (the key was newly inserted).
func (t *Table[K, V]) GetOrInsert(key K, make func() V) (V, bool) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, false
		}
	}
	v := make()
	b.first = &elem_t[K, V]{key: key, value: v, next: b.first}
	return v, true
}

// Del removes key. It is a no-op if key is absent.
func (t *Table[K, V]) Del(key K) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	var prev *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// Len returns the total number of elements stored in the table.
func (t *Table[K, V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.Unlock()
	}
	return n
}

// IntHash is a hash function for int keys, suitable for New's h param.
func IntHash(k int) uint64 {
	u := uint64(k)
	u = (u ^ (u >> 33)) * 0xff51afd7ed558ccd
	u = (u ^ (u >> 33)) * 0xc4ceb9fe1a85ec53
	return u ^ (u >> 33)
}
