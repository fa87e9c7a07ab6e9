package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/transport"
)

func TestAddNextParseEventFIFO(t *testing.T) {
	tr, err := transport.Alloc(1, 1)
	require.NoError(t, err)
	defer tr.Free()

	require.NoError(t, tr.ToClient.AddEvent(transport.NeedInput()))
	require.NoError(t, tr.ToClient.AddEvent(transport.ReuseBufferEvent(2, 9)))

	typeID, ok := tr.ToClient.NextEvent()
	require.True(t, ok)
	require.Equal(t, transport.TypeNeedInput, typeID)

	ev := tr.ToClient.ParseEvent()
	require.Equal(t, transport.TypeNeedInput, ev.TypeID)

	typeID, ok = tr.ToClient.NextEvent()
	require.True(t, ok)
	require.Equal(t, transport.TypeReuseBuffer, typeID)

	ev = tr.ToClient.ParseEvent()
	require.Equal(t, uint32(2), ev.PortID)
	require.Equal(t, uint32(9), ev.BufferID)

	_, ok = tr.ToClient.NextEvent()
	require.False(t, ok)
}

func TestIOSlotRoundTrip(t *testing.T) {
	tr, err := transport.Alloc(1, 1)
	require.NoError(t, err)
	defer tr.Free()

	slot := tr.OutputIO(0)
	slot.Set(node.PortIO{
		Status:   node.StatusHaveBuffer,
		BufferID: 42,
		Range:    node.Range{Offset: 4, Size: 4096},
	})

	got := tr.OutputIO(0).Get()
	require.Equal(t, node.StatusHaveBuffer, got.Status)
	require.Equal(t, uint32(42), got.BufferID)
	require.Equal(t, uint32(4096), got.Range.Size)
}

func TestRingFullRejectsOverflow(t *testing.T) {
	tr, err := transport.Alloc(1, 1)
	require.NoError(t, err)
	defer tr.Free()

	var lastErr error

	for i := 0; i < 1000; i++ {
		lastErr = tr.ToClient.AddEvent(transport.NeedInput())
		if lastErr != nil {
			break
		}
	}

	require.ErrorIs(t, lastErr, transport.ErrRingFull)
}
