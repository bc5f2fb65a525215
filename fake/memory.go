// License: Apache-2.0

package fake

import (
	"sync"

	"github.com/helenaps/pslse/api"
)

// PageSize is the residency granule of Memory.
const PageSize = 4096

// Memory is a sparse in-memory api.Memory. Only mapped pages are resident;
// protected pages reject writes.
type Memory struct {
	mu        sync.Mutex
	pages     map[uint64][]byte
	protected map[uint64]bool
}

var _ api.Memory = (*Memory)(nil)

// NewMemory returns an empty memory with no page resident.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64][]byte), protected: make(map[uint64]bool)}
}

// Map makes every page overlapping [addr, addr+size) resident.
func (m *Memory) Map(addr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 {
		size = 1
	}
	for p := addr &^ (PageSize - 1); p < addr+size; p += PageSize {
		if _, ok := m.pages[p]; !ok {
			m.pages[p] = make([]byte, PageSize)
		}
	}
}

// Unmap drops the page holding addr.
func (m *Memory) Unmap(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, addr&^(PageSize-1))
	delete(m.protected, addr&^(PageSize-1))
}

// Protect makes the page holding addr read-only.
func (m *Memory) Protect(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected[addr&^(PageSize-1)] = true
}

// Probe reports whether addr is resident.
func (m *Memory) Probe(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[addr&^(PageSize-1)]
	return ok
}

// Read copies from resident pages. Nothing is copied when a byte of the
// range is not resident.
func (m *Memory) Read(addr uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bad, ok := m.check(addr, len(dst), false); !ok {
		return &api.AccessError{Addr: bad}
	}
	for i := range dst {
		a := addr + uint64(i)
		dst[i] = m.pages[a&^(PageSize-1)][a&(PageSize-1)]
	}
	return nil
}

// Write stores into resident, unprotected pages. Nothing is stored when a
// byte of the range cannot be written.
func (m *Memory) Write(addr uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bad, ok := m.check(addr, len(src), true); !ok {
		return &api.AccessError{Addr: bad}
	}
	for i, b := range src {
		a := addr + uint64(i)
		m.pages[a&^(PageSize-1)][a&(PageSize-1)] = b
	}
	return nil
}

func (m *Memory) check(addr uint64, n int, write bool) (uint64, bool) {
	for i := 0; i < n; i++ {
		a := addr + uint64(i)
		p := a &^ (PageSize - 1)
		if _, ok := m.pages[p]; !ok || (write && m.protected[p]) {
			return a, false
		}
	}
	return 0, true
}
