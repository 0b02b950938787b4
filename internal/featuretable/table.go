// Package featuretable holds the precomputed reference feature rows used by
// the cached scoring path. Rows are loaded once at startup, from a CSV file
// or from PostgreSQL, and are read-only afterwards.
package featuretable

import (
	"strings"

	"github.com/mbd888/sybilscan/internal/features"
)

// Table is an address-indexed, read-only set of feature vectors.
// Addresses are normalized (trimmed, lower-case) before lookup.
type Table interface {
	Lookup(address string) (features.Vector, bool)
	Len() int
	Vectors() []features.Vector
}

// Memory is an in-memory Table. It is immutable after construction and safe
// for concurrent use.
type Memory struct {
	rows  map[string]features.Vector
	order []string
}

// Stats describes a load.
type Stats struct {
	Rows          int
	Duplicates    int // later rows for an address already seen, skipped
	InvalidCells  int // unparsable values read as 0
	MissingFields []string
}

// NewMemory builds a table from address→vector pairs.
func NewMemory(rows map[string]features.Vector) *Memory {
	m := &Memory{rows: make(map[string]features.Vector, len(rows))}
	for addr, v := range rows {
		m.add(addr, v)
	}
	return m
}

// add inserts a row unless the address is already present.
func (m *Memory) add(address string, v features.Vector) bool {
	addr := normalize(address)
	if _, dup := m.rows[addr]; dup {
		return false
	}
	m.rows[addr] = v
	m.order = append(m.order, addr)
	return true
}

// Lookup returns the vector for address.
func (m *Memory) Lookup(address string) (features.Vector, bool) {
	v, ok := m.rows[normalize(address)]
	return v, ok
}

// Len returns the number of rows.
func (m *Memory) Len() int {
	return len(m.rows)
}

// Vectors returns every row in load order.
func (m *Memory) Vectors() []features.Vector {
	out := make([]features.Vector, 0, len(m.order))
	for _, a := range m.order {
		out = append(out, m.rows[a])
	}
	return out
}

// Addresses returns every address in load order.
func (m *Memory) Addresses() []string {
	return append([]string(nil), m.order...)
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
