package fake

import (
	"net"
	"testing"

	"github.com/helenaps/pslse/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnCountsAndFails(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a)
	defer c.Close()

	go func() {
		buf := make([]byte, 3)
		_, _ = b.Read(buf)
	}()
	n, err := c.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), c.BytesWritten())
	assert.Equal(t, [][]byte{{1, 2, 3}}, c.Writes())

	c.SetWriteError(ErrInjected)
	_, err = c.Write([]byte{4})
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, int64(3), c.BytesWritten())

	c.SetReadError(ErrInjected)
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrInjected)
}

func TestMemoryResidency(t *testing.T) {
	m := NewMemory()
	assert.False(t, m.Probe(0x1000))

	m.Map(0x1ff0, 0x20)
	assert.True(t, m.Probe(0x1000))
	assert.True(t, m.Probe(0x2008))
	assert.False(t, m.Probe(0x3000))

	require.NoError(t, m.Write(0x1ffc, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	got := make([]byte, 8)
	require.NoError(t, m.Read(0x1ffc, got))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got)

	m.Unmap(0x2000)
	assert.False(t, m.Probe(0x2004))
	var ae *api.AccessError
	require.ErrorAs(t, m.Read(0x1ffc, got), &ae)
	assert.Equal(t, uint64(0x2000), ae.Addr)
}

func TestMemoryProtect(t *testing.T) {
	m := NewMemory()
	m.Map(0x1000, 2*PageSize)
	m.Protect(0x2000)
	assert.True(t, m.Probe(0x2000))

	require.NoError(t, m.Write(0x1000, []byte{9}))
	var ae *api.AccessError
	require.ErrorAs(t, m.Write(0x1ffe, []byte{1, 2, 3, 4}), &ae)
	assert.Equal(t, uint64(0x2000), ae.Addr)

	// A rejected write stores nothing.
	got := make([]byte, 2)
	require.NoError(t, m.Read(0x1ffe, got))
	assert.Equal(t, []byte{0, 0}, got)
}
