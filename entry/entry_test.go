package entry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/managedlog/position"
)

func TestReleaseRunsOnFinalAtZero(t *testing.T) {
	fired := false
	e := New(position.New(1, 0), []byte("hi"), func() { fired = true })
	e.Retain()
	require.Equal(t, int32(2), e.RefCount())
	require.True(t, e.Release())
	require.False(t, fired)
	require.True(t, e.Release())
	require.True(t, fired)
}

func TestSize(t *testing.T) {
	e := New(position.New(1, 0), []byte("hello"), nil)
	require.Equal(t, int64(5), e.Size())
}
