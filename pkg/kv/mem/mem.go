// Package mem provides an in-memory implementation of pkg/kv.KV, primarily
// for tests. It honors the same CAS semantics as the consul backend: an
// Update or Remove with index 0 requires the key to be absent.
package mem

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/mistifyio/morag/pkg/kv"
)

var err404 = errors.New("key not found")

func init() {
	kv.Register("mem", New)
}

type mkv struct {
	mutex sync.Mutex
	data  map[string]kv.Value
	index uint64
}

// New instantiates an in-memory kv implementation. The addr parameter is
// ignored beyond scheme selection.
func New(addr string) (kv.KV, error) {
	return &mkv{data: map[string]kv.Value{}}, nil
}

func (m *mkv) Delete(key string, recurse bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !recurse {
		delete(m.data, key)
		return nil
	}
	for k := range m.data {
		if strings.HasPrefix(k, key) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *mkv) Get(key string) (kv.Value, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	v, ok := m.data[key]
	if !ok {
		return kv.Value{}, err404
	}
	return v, nil
}

func (m *mkv) GetAll(prefix string) (map[string]kv.Value, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	many := make(map[string]kv.Value)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			many[k] = v
		}
	}
	return many, nil
}

func (m *mkv) Keys(key string) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if key != "" && !strings.HasSuffix(key, "/") {
		key = key + "/"
	}

	seen := map[string]bool{}
	for k := range m.data {
		if !strings.HasPrefix(k, key) {
			continue
		}
		rest := strings.TrimPrefix(k, key)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i+1]
		}
		seen[key+rest] = true
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mkv) Set(key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.index++
	m.data[key] = kv.Value{Data: []byte(value), Index: m.index}
	return nil
}

func (m *mkv) Update(key string, value kv.Value) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, ok := m.data[key]
	if value.Index == 0 && ok {
		return 0, errors.New("CAS failed")
	}
	if value.Index != 0 && (!ok || current.Index != value.Index) {
		return 0, errors.New("CAS failed")
	}

	m.index++
	m.data[key] = kv.Value{Data: value.Data, Index: m.index}
	return m.index, nil
}

func (m *mkv) Remove(key string, index uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, ok := m.data[key]
	if !ok {
		return err404
	}
	if current.Index != index {
		return errors.New("failed to delete atomically")
	}
	delete(m.data, key)
	return nil
}

func (m *mkv) IsKeyNotFound(err error) bool {
	return err == err404
}

// Ping always succeeds for the in-memory store
func (m *mkv) Ping() error {
	return nil
}
