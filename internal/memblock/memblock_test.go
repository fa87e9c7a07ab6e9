package memblock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamnode/brokerd/internal/memblock"
)

func TestAllocFree(t *testing.T) {
	b, err := memblock.Alloc("brokerd-test", 4096, memblock.Flags{})
	require.NoError(t, err)
	require.Equal(t, 4096, b.Size())
	require.Len(t, b.Data, 4096)

	// The block is writable and the write is visible through the mapping.
	b.Data[0] = 0x42
	require.Equal(t, byte(0x42), b.Data[0])

	b.Free()
	require.Equal(t, -1, b.FD)

	// Free is idempotent.
	require.NotPanics(t, func() { b.Free() })
}

func TestAllocInvalidSize(t *testing.T) {
	_, err := memblock.Alloc("brokerd-test", 0, memblock.Flags{})
	require.Error(t, err)

	_, err = memblock.Alloc("brokerd-test", -1, memblock.Flags{})
	require.Error(t, err)
}
