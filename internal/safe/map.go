package safe

import (
	"sync"
)

// Map is a concurrency & type safe map
type Map[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func NewMap[K comparable, V any](data map[K]V) *Map[K, V] {
	if data == nil {
		data = map[K]V{}
	}
	return &Map[K, V]{
		data: data,
	}
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Map[K, V]) Exists(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[K]V{}
	}
	m.data[key] = value
}

// SetFunc replaces the value at key with the result of fn, which is called with the current value
// while the map is locked
func (m *Map[K, V]) SetFunc(key K, fn func(V) V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[K]V{}
	}
	m.data[key] = fn(m.data[key])
}

func (m *Map[K, V]) Del(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Range calls fn for every entry until it returns false. fn must not modify the map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, value := range m.data {
		if !fn(key, value) {
			break
		}
	}
}

// AsMap returns a copy of the entries
func (m *Map[K, V]) AsMap() map[K]V {
	data := map[K]V{}
	m.Range(func(key K, value V) bool {
		data[key] = value
		return true
	})
	return data
}
