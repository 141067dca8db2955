// Package storage provides the key-value stores operators keep their state in.
package storage

import (
	"strings"

	"github.com/google/btree"
)

type entry struct {
	key   string
	value []byte
}

// Memory is an ordered in-memory key-value store.
type Memory struct {
	data *btree.BTreeG[entry]
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{data: btree.NewG(16, func(a, b entry) bool { return a.key < b.key })}
}

func (m *Memory) Get(key string) ([]byte, bool) {
	e, ok := m.data.Get(entry{key: key})
	return e.value, ok
}

func (m *Memory) Set(key string, value []byte) {
	m.data.ReplaceOrInsert(entry{key: key, value: append([]byte{}, value...)})
}

func (m *Memory) Del(key string) {
	m.data.Delete(entry{key: key})
}

// Scan walks the entries with the given prefix in key order. The callback may modify the store:
// the entries are read in chunks.
func (m *Memory) Scan(prefix string, fn func(key string, value []byte) bool) {
	from, inclusive := prefix, true
	for {
		chunk := make([]entry, 0, 64)
		m.data.AscendGreaterOrEqual(entry{key: from}, func(e entry) bool {
			if !inclusive && e.key == from {
				return true
			}
			if !strings.HasPrefix(e.key, prefix) {
				return false
			}
			chunk = append(chunk, e)
			return len(chunk) < cap(chunk)
		})
		for _, e := range chunk {
			if !fn(e.key, e.value) {
				return
			}
		}
		if len(chunk) < cap(chunk) {
			return
		}
		from, inclusive = chunk[len(chunk)-1].key, false
	}
}

// Len returns the number of entries.
func (m *Memory) Len() int { return m.data.Len() }

// Clear removes every entry.
func (m *Memory) Clear() { m.data.Clear(false) }
