package tags_test

import (
	"testing"

	"github.com/helenaps/pslse/internal/tags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolCredits(t *testing.T) {
	p := tags.New(2)

	a, ok := p.Request()
	require.True(t, ok)
	b, ok := p.Request()
	require.True(t, ok)
	assert.NotEqual(t, a, b)
	assert.True(t, p.IsInUse(a))

	_, ok = p.Request()
	assert.False(t, ok, "no credits left")

	p.Release(a, 1)
	assert.False(t, p.IsInUse(a))
	assert.Equal(t, 1, p.Credits())

	p.Release(a, 1)
	assert.Equal(t, 1, p.Credits(), "double release is ignored")
}

func TestPoolReset(t *testing.T) {
	p := tags.New(0)
	assert.Equal(t, tags.DefaultCredits, p.Credits())

	tag, ok := p.Request()
	require.True(t, ok)
	p.Reset()
	assert.False(t, p.IsInUse(tag))
	assert.Equal(t, tags.DefaultCredits, p.Credits())
}

func TestPoolSetMaxCredits(t *testing.T) {
	p := tags.New(8)
	_, ok := p.Request()
	require.True(t, ok)

	p.SetMaxCredits(4)
	assert.Equal(t, 3, p.Credits())
}
