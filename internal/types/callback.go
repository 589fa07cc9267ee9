package types

import (
	"container/list"
	"iter"
	"sync"
)

// CallbackManager keeps an ordered set of callbacks.
// Callbacks are iterated in the order they were added.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    map[int]*list.Element
	order  *list.List
	nextID int
}

type callback[T any] struct {
	id int
	cb T
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns a function that removes it.
// The remove function is safe to call multiple times.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.cbs == nil {
		m.cbs = make(map[int]*list.Element)
		m.order = list.New()
	}
	m.cbs[id] = m.order.PushBack(&callback[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if el, ok := m.cbs[id]; ok {
				m.order.Remove(el)
				delete(m.cbs, id)
			}
			m.mu.Unlock()
		})
	}
}

// All iterates over a snapshot of the registered callbacks,
// so callbacks may add or remove callbacks while being iterated.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		if m.order == nil {
			m.mu.RUnlock()
			return
		}
		cbs := make([]T, 0, m.order.Len())
		for el := m.order.Front(); el != nil; el = el.Next() {
			cbs = append(cbs, el.Value.(*callback[T]).cb) //nolint:forcetypeassert
		}
		m.mu.RUnlock()

		for _, cb := range cbs {
			if !yield(cb) {
				return
			}
		}
	}
}

// Clear removes all callbacks.
func (m *CallbackManager[T]) Clear() {
	m.mu.Lock()
	clear(m.cbs)
	if m.order != nil {
		m.order.Init()
	}
	m.mu.Unlock()
}
