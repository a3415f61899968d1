package entrycache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/managedlog/entry"
	"github.com/liftbridge-io/managedlog/position"
)

func TestPassThroughWhenZeroCapacity(t *testing.T) {
	c := New(0)
	e := entry.New(position.New(1, 0), []byte("abc"), nil)
	c.Put(e)
	_, ok := c.Get(position.New(1, 0))
	require.False(t, ok)
}

func TestGetRetainsReference(t *testing.T) {
	c := New(1024)
	e := entry.New(position.New(1, 0), []byte("abc"), nil)
	initialRefs := e.RefCount()
	c.Put(e)
	require.Greater(t, e.RefCount(), initialRefs)
	refsBeforeGet := e.RefCount()

	got, ok := c.Get(position.New(1, 0))
	require.True(t, ok)
	require.Same(t, e, got)
	require.Equal(t, refsBeforeGet+1, got.RefCount())
	got.Release()
}

func TestEvictsLRUWhenOverBudget(t *testing.T) {
	c := New(10)
	e1 := entry.New(position.New(1, 0), []byte("12345"), nil)
	e2 := entry.New(position.New(1, 1), []byte("12345"), nil)
	e3 := entry.New(position.New(1, 2), []byte("12345"), nil)
	c.Put(e1)
	c.Put(e2)
	// access e1 to make it more recently used than e2
	if v, ok := c.Get(position.New(1, 0)); ok {
		v.Release()
	}
	c.Put(e3) // should evict e2, the least recently used
	_, ok := c.Get(position.New(1, 1))
	require.False(t, ok)
	_, ok = c.Get(position.New(1, 0))
	require.True(t, ok)
}

func TestRemove(t *testing.T) {
	c := New(1024)
	e := entry.New(position.New(1, 0), []byte("abc"), nil)
	c.Put(e)
	c.Remove(position.New(1, 0))
	_, ok := c.Get(position.New(1, 0))
	require.False(t, ok)
}
