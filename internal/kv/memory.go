package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. It backs local runs without etcd and tests.
type Memory struct {
	mu       sync.Mutex
	data     map[string]Entry
	revision int64
	watchers map[string][]chan Entry
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]Entry),
		watchers: make(map[string][]chan Entry),
	}
}

// List implements Store.
func (m *Memory) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	m.revision++
	e := Entry{Key: key, Value: append([]byte(nil), value...), Revision: m.revision}
	m.data[key] = e
	watchers := append([]chan Entry(nil), m.watchers[key]...)
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- copyEntry(e):
		default:
		}
	}
	return e.Revision, nil
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Watch implements Store. Only the latest value of key is kept, so a
// replay from rev yields at most one entry. Slow readers miss events.
func (m *Memory) Watch(ctx context.Context, key string, rev int64) <-chan Entry {
	ch := make(chan Entry, 16)
	m.mu.Lock()
	if e, ok := m.data[key]; ok && rev > 0 && e.Revision >= rev {
		ch <- copyEntry(e)
	}
	m.watchers[key] = append(m.watchers[key], ch)
	m.mu.Unlock()

	out := make(chan Entry)
	go func() {
		defer close(out)
		defer m.unwatch(key, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (m *Memory) unwatch(key string, ch chan Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.watchers[key]
	for i, c := range list {
		if c == ch {
			m.watchers[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.watchers[key]) == 0 {
		delete(m.watchers, key)
	}
}

func copyEntry(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}
