package client

import (
	"context"
	"runtime"
	"testing"
	"unsafe"

	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestProcessMemory(t *testing.T) {
	buf := make([]byte, 64)
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	var m ProcessMemory

	assert.True(t, m.Probe(addr))
	assert.True(t, m.Probe(addr+63))
	assert.False(t, m.Probe(0))
	assert.False(t, m.Probe(8))

	require.NoError(t, m.Write(addr+8, []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[8:12])

	out := make([]byte, 4)
	require.NoError(t, m.Read(addr+8, out))
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	var ae *api.AccessError
	require.ErrorAs(t, m.Read(8, out), &ae)
	assert.Equal(t, uint64(8), ae.Addr)

	runtime.KeepAlive(buf)
}

// readOnlyPage maps one anonymous page without write permission.
func readOnlyPage(t *testing.T) uint64 {
	t.Helper()
	page, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Munmap(page) })
	return uint64(uintptr(unsafe.Pointer(&page[0])))
}

func TestProcessMemoryReadOnly(t *testing.T) {
	addr := readOnlyPage(t)
	var m ProcessMemory

	assert.True(t, m.Probe(addr))
	var ae *api.AccessError
	require.ErrorAs(t, m.Write(addr, []byte{1, 2, 3, 4}), &ae)
	assert.Equal(t, addr, ae.Addr)
}

func TestWriteToReadOnlyPageFaults(t *testing.T) {
	addr := readOnlyPage(t)
	a, s, _ := openScripted(t, WithMemory(ProcessMemory{}))

	s.reply(protocol.MemoryWrite{Addr: addr, Data: []byte{1, 2, 3, 4}})
	assert.Equal(t, protocol.MemFailure{}, s.expect(0))
	assert.Equal(t, 1, a.PendingEvents())

	ev, err := a.ReadExpectedEvent(context.Background(), api.EventDataStorage, 0)
	require.NoError(t, err)
	assert.Equal(t, addr&pageMask, ev.Addr)
	assert.True(t, a.Opened())
}
