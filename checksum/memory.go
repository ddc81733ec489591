// checksum/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package checksum

import (
	"sort"
)

type memory struct {
	records map[string]Record
	flushes int
}

// NewMemory returns a checksum.Store that keeps all records in RAM and
// whose Flush is a no-op. It's really only useful for testing of code
// built on top of checksum.Store.
func NewMemory() Store {
	return &memory{records: make(map[string]Record)}
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) Lookup(path string) (Record, bool) {
	r, ok := m.records[path]
	return r, ok
}

func (m *memory) Put(path string, r Record) {
	m.records[path] = r
}

func (m *memory) Len() int {
	return len(m.records)
}

func (m *memory) Paths(f func(path string, r Record)) {
	forSorted(m.records, f)
}

func (m *memory) Flush() error {
	m.flushes++
	return nil
}

func forSorted(records map[string]Record, f func(string, Record)) {
	paths := make([]string, 0, len(records))
	for p := range records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		f(p, records[p])
	}
}
