// Package kernel holds the process-wide kernel object table and the fixed
// error codes reported to guest code.
package kernel

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// UID identifies a kernel object. Zero is never allocated.
type UID int32

const firstUID UID = 0x100

var ErrUnknownUID = errors.New("unknown kernel object")

// Object is the capability every entry of the table provides.
type Object interface {
	Name() string
	Describe() string
	KindTag() string
}

type Table struct {
	mu      sync.RWMutex
	next    UID
	objects map[UID]Object
}

func NewTable() *Table {
	return &Table{next: firstUID, objects: make(map[UID]Object)}
}

func (t *Table) Create(obj Object) UID {
	t.mu.Lock()
	defer t.mu.Unlock()
	uid := t.next
	t.next++
	t.objects[uid] = obj
	return uid
}

func (t *Table) Get(uid UID) (Object, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if obj, ok := t.objects[uid]; ok {
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownUID, uid)
}

func (t *Table) Destroy(uid UID) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUID, uid)
	}
	delete(t.objects, uid)
	return obj, nil
}

// Range visits objects in ascending UID order. The table is not locked while
// yield runs.
func (t *Table) Range(yield func(UID, Object) bool) {
	t.mu.RLock()
	uids := slices.Sorted(maps.Keys(t.objects))
	objs := make([]Object, len(uids))
	for i, uid := range uids {
		objs[i] = t.objects[uid]
	}
	t.mu.RUnlock()
	for i, uid := range uids {
		if !yield(uid, objs[i]) {
			return
		}
	}
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

func (t *Table) Reset() {
	t.mu.Lock()
	clear(t.objects)
	t.next = firstUID
	t.mu.Unlock()
}

// Get returns the object registered under uid when it has type T.
func Get[T Object](t *Table, uid UID) (T, error) {
	var zero T
	obj, err := t.Get(uid)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %d is a %s", ErrUnknownUID, uid, obj.KindTag())
	}
	return v, nil
}
