package clientnode_test

import (
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/brokererr"
	"github.com/streamnode/brokerd/internal/clientnode"
	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/pod"
	"github.com/streamnode/brokerd/internal/rpc"
)

func newUnixSocketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		uc, ok := c.(*net.UnixConn)
		require.True(t, ok)

		return uc
	}

	return toConn(fds[0]), toConn(fds[1])
}

// newWakeupFDs creates the two eventfd objects backing one ClientNode's
// wakeup channel. In production the peer's copies reach the client via
// SCM_RIGHTS fd-passing (distinct fd numbers naming the same underlying
// eventfd objects); here we approximate that with dup(2) so Destroy's
// four closes target four distinct, independently-closable fd numbers.
func newWakeupFDs(t *testing.T) clientnode.WakeupFDs {
	t.Helper()

	a, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)

	b, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)

	peerA, err := unix.Dup(a)
	require.NoError(t, err)

	peerB, err := unix.Dup(b)
	require.NoError(t, err)

	return clientnode.WakeupFDs{
		SelfWrite: a,
		SelfRead:  b,
		PeerRead:  peerA,
		PeerWrite: peerB,
	}
}

func newTestClientNode(t *testing.T) (*clientnode.ClientNode, *net.UnixConn, *rpc.Dispatcher) {
	t.Helper()

	a, b := newUnixSocketpair(t)
	t.Cleanup(func() { a.Close(); b.Close() })

	ch := rpc.NewChannel(a)
	dispatcher := rpc.NewDispatcher(ch)

	cn := clientnode.New(1, ch, dispatcher, nil, nil, newWakeupFDs(t), nil)

	return cn, b, dispatcher
}

func TestLifecycleInitialiseThenResource(t *testing.T) {
	cn, _, _ := newTestClientNode(t)

	require.Equal(t, clientnode.StateNew, cn.State())

	require.NoError(t, cn.Initialise(0, 1))
	require.Equal(t, clientnode.StateInitialised, cn.State())

	cn.BindResource()
	require.Equal(t, clientnode.StateResourced, cn.State())
}

func TestPortAddressability(t *testing.T) {
	cn, _, _ := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()

	n := cn.Node()

	err := n.AddPort(node.Output, 0)
	require.NoError(t, err)

	_, err = n.PortGetFormat(node.Output, 99)
	require.ErrorIs(t, err, brokererr.ErrInvalidPort)

	_, err = n.PortGetFormat(node.Input, 0)
	require.ErrorIs(t, err, brokererr.ErrInvalidPort)
}

func TestFormatGateBeforeUseBuffers(t *testing.T) {
	cn, _, _ := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	_, err := n.PortUseBuffers(node.Output, 0, []*node.Buffer{{}})
	require.ErrorIs(t, err, brokererr.ErrNoFormat)
}

func TestUseBuffersMissingSharedMetadataFails(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()

	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	_, err := n.PortSetFormat(node.Output, 0, 0, &pod.Format{MediaType: "video"})
	require.NoError(t, err)
	setOutputFormat(t, peer, dispatcher, &pod.Format{MediaType: "video"})

	buf := &node.Buffer{Metas: nil}

	_, err = n.PortUseBuffers(node.Output, 0, []*node.Buffer{buf})
	require.ErrorIs(t, err, brokererr.ErrInternal)
}

func TestSendCommandStartReturnsAsync(t *testing.T) {
	cn, peer, _ := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()

	drainFrames(t, peer, 10)

	n := cn.Node()

	val, err := n.SendCommand(node.Command{Type: node.CommandStart})
	require.NoError(t, err)

	async, ok := val.(node.Async)
	require.True(t, ok)
	require.Equal(t, uint32(0), async.Seq)
}

func TestDestroyIsIdempotent(t *testing.T) {
	cn, _, _ := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()

	cn.Destroy()
	require.Equal(t, clientnode.StateFreed, cn.State())

	cn.Destroy()
	require.Equal(t, clientnode.StateFreed, cn.State())
}

func TestPortUpdateZeroMaskUninits(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	payload, err := json.Marshal(map[string]any{
		"direction":   "output",
		"port":        0,
		"change_mask": 0,
	})
	require.NoError(t, err)

	err = rpc.NewChannel(peer).Send(rpc.Frame{ResourceID: 1, Method: "port_update", Payload: payload})
	require.NoError(t, err)

	require.NoError(t, dispatcher.ServeOne())

	_, err = n.PortGetFormat(node.Output, 0)
	require.ErrorIs(t, err, brokererr.ErrInvalidPort)
}

// TestCreateSetFormatUseBuffersStartFirstFrame walks the full happy path: a
// port is added, given a format, handed buffers, started, and the proxy's
// first ProcessOutput call reports a produced buffer.
func TestCreateSetFormatUseBuffersStartFirstFrame(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	_, err := n.PortSetFormat(node.Output, 0, 0, &pod.Format{MediaType: "video"})
	require.NoError(t, err)

	ch := rpc.NewChannel(peer)
	payload, err := json.Marshal(map[string]any{
		"direction":   "output",
		"port":        0,
		"change_mask": uint32(clientnode.ChangeFormat),
		"format":      &pod.Format{MediaType: "video"},
	})
	require.NoError(t, err)
	require.NoError(t, ch.Send(rpc.Frame{ResourceID: 1, Method: "port_update", Payload: payload}))
	require.NoError(t, dispatcher.ServeOne())

	buf := &node.Buffer{Metas: []node.Meta{{Type: node.MetaShared, FD: 9, Size: 4096}}}

	_, err = n.PortUseBuffers(node.Output, 0, []*node.Buffer{buf})
	require.NoError(t, err)

	_, err = n.SendCommand(node.Command{Type: node.CommandStart})
	require.NoError(t, err)

	require.NoError(t, n.PortSetIO(node.Output, 0, &node.PortIO{Status: node.StatusHaveBuffer, BufferID: 0}))

	res, err := n.ProcessOutput()
	require.NoError(t, err)
	require.Equal(t, node.ResultHaveBuffer, res)
}

// TestReuseBufferOnValidOutputPort covers the reuse-buffer path: calling
// PortReuseBuffer on a valid output port is accepted. The injected
// ReuseBuffer event and the data-fd signal are not inspected here.
func TestReuseBufferOnValidOutputPort(t *testing.T) {
	cn, peer, _ := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	require.NoError(t, n.PortReuseBuffer(0, 3))
}

// TestInvalidPortBothDirections covers an out-of-range output port and an
// unused input port, both of which must report invalid-port with no side
// effects.
func TestInvalidPortBothDirections(t *testing.T) {
	cn, _, _ := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()

	n := cn.Node()

	_, err := n.PortSetFormat(node.Output, 99, 0, &pod.Format{MediaType: "video"})
	require.ErrorIs(t, err, brokererr.ErrInvalidPort)

	_, err = n.PortSetFormat(node.Input, 0, 0, &pod.Format{MediaType: "video"})
	require.ErrorIs(t, err, brokererr.ErrInvalidPort)
}

// TestDestroyDuringAsyncDeliversNoCompletion covers a client disconnecting
// mid-async: once Destroy runs, the resource is gone and no async_complete
// for the outstanding seq is ever delivered to callbacks.
func TestDestroyDuringAsyncDeliversNoCompletion(t *testing.T) {
	cn, peer, _ := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	var delivered bool
	require.NoError(t, n.SetCallbacks(node.Callbacks{
		Event: func(ev node.Event, _ any) {
			if ev.AsyncComplete != nil {
				delivered = true
			}
		},
	}, nil))

	val, err := n.PortSetFormat(node.Output, 0, 0, &pod.Format{MediaType: "video"})
	require.NoError(t, err)
	_, ok := val.(node.Async)
	require.True(t, ok)

	cn.Destroy()
	require.Equal(t, clientnode.StateFreed, cn.State())
	require.False(t, delivered)
}

// TestPortTeardownOnFormatRemoval covers removing a port's format: the
// client's port_update with ChangeFormat and a nil format drops the port
// back to no-format, and a subsequent use_buffers call sees ErrNoFormat.
func TestPortTeardownOnFormatRemoval(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	ch := rpc.NewChannel(peer)

	setFormat := func(format *pod.Format) {
		payload, err := json.Marshal(map[string]any{
			"direction":   "output",
			"port":        0,
			"change_mask": uint32(clientnode.ChangeFormat),
			"format":      format,
		})
		require.NoError(t, err)
		require.NoError(t, ch.Send(rpc.Frame{ResourceID: 1, Method: "port_update", Payload: payload}))
		require.NoError(t, dispatcher.ServeOne())
	}

	setFormat(&pod.Format{MediaType: "video"})

	_, err := n.PortGetFormat(node.Output, 0)
	require.NoError(t, err)

	setFormat(nil)

	_, err = n.PortGetFormat(node.Output, 0)
	require.ErrorIs(t, err, brokererr.ErrNoFormat)

	_, err = n.PortUseBuffers(node.Output, 0, []*node.Buffer{{}})
	require.ErrorIs(t, err, brokererr.ErrNoFormat)
}

// TestPortUseBuffersMultipleBuffersDistinctMemIDs covers a single
// port_use_buffers call carrying more than one buffer: each use_buffers
// entry must carry the mem_id of its own registered Shared block, not a
// shared/hardcoded value.
func TestPortUseBuffersMultipleBuffersDistinctMemIDs(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()

	ch := rpc.NewChannel(peer)

	_, _, err := ch.ReadMessage() // transport notify
	require.NoError(t, err)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	_, err = n.PortSetFormat(node.Output, 0, 0, &pod.Format{MediaType: "video"})
	require.NoError(t, err)

	_, _, err = ch.ReadMessage() // set_format notify
	require.NoError(t, err)

	setOutputFormat(t, peer, dispatcher, &pod.Format{MediaType: "video"})

	buffers := []*node.Buffer{
		{Metas: []node.Meta{{Type: node.MetaShared, FD: 9, Size: 4096}}},
		{Metas: []node.Meta{{Type: node.MetaShared, FD: 10, Size: 8192}}},
	}

	_, err = n.PortUseBuffers(node.Output, 0, buffers)
	require.NoError(t, err)

	var useBuffersFrame rpc.Frame

	for i := 0; i < 3; i++ { // two add_mem notifies, then use_buffers
		f, _, err := ch.ReadMessage()
		require.NoError(t, err)

		if f.Method == "use_buffers" {
			useBuffersFrame = f
			break
		}
	}

	require.Equal(t, "use_buffers", useBuffersFrame.Method)

	var decoded struct {
		Entries []struct {
			MemID  uint32 `json:"mem_id"`
			Offset uint32 `json:"offset"`
			Size   uint32 `json:"size"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(useBuffersFrame.Payload, &decoded))

	require.Len(t, decoded.Entries, 2)
	require.NotEqual(t, decoded.Entries[0].MemID, decoded.Entries[1].MemID)
	require.Equal(t, uint32(0), decoded.Entries[0].MemID)
	require.Equal(t, uint32(1), decoded.Entries[1].MemID)
}

// TestPortUseBuffersExceedsMetaCapacityRejected covers a buffer with more
// metas than node.MaxMetas allows: the registry must reject it rather
// than silently accepting an over-capacity buffer.
func TestPortUseBuffersExceedsMetaCapacityRejected(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	_, err := n.PortSetFormat(node.Output, 0, 0, &pod.Format{MediaType: "video"})
	require.NoError(t, err)
	setOutputFormat(t, peer, dispatcher, &pod.Format{MediaType: "video"})

	metas := make([]node.Meta, node.MaxMetas+1)
	for i := range metas {
		metas[i] = node.Meta{Type: node.MetaShared, FD: 9, Size: 4096}
	}

	_, err = n.PortUseBuffers(node.Output, 0, []*node.Buffer{{Metas: metas}})
	require.ErrorIs(t, err, brokererr.ErrInvalidArgs)
}

// TestPortUseBuffersExceedsDataCapacityRejected covers a buffer with more
// datas than node.MaxDatas allows.
func TestPortUseBuffersExceedsDataCapacityRejected(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	n := cn.Node()
	require.NoError(t, n.AddPort(node.Output, 0))

	_, err := n.PortSetFormat(node.Output, 0, 0, &pod.Format{MediaType: "video"})
	require.NoError(t, err)
	setOutputFormat(t, peer, dispatcher, &pod.Format{MediaType: "video"})

	buf := &node.Buffer{
		Metas: []node.Meta{{Type: node.MetaShared, FD: 9, Size: 4096}},
		Datas: make([]node.Data, node.MaxDatas+1),
	}

	_, err = n.PortUseBuffers(node.Output, 0, []*node.Buffer{buf})
	require.ErrorIs(t, err, brokererr.ErrInvalidArgs)
}

// TestNodeUpdateCapacityGatesAddPort covers node_update's max_input_ports/
// max_output_ports: once a capacity is declared, AddPort must reject a
// port id at or beyond it even though node.MaxPorts alone would allow it.
func TestNodeUpdateCapacityGatesAddPort(t *testing.T) {
	cn, peer, dispatcher := newTestClientNode(t)
	require.NoError(t, cn.Initialise(0, 1))
	cn.BindResource()
	drainFrames(t, peer, 10)

	ch := rpc.NewChannel(peer)

	payload, err := json.Marshal(map[string]any{
		"change_mask":      uint32(clientnode.NodeChangeMaxOutputPorts),
		"max_output_ports": 1,
	})
	require.NoError(t, err)
	require.NoError(t, ch.Send(rpc.Frame{ResourceID: 1, Method: "node_update", Payload: payload}))
	require.NoError(t, dispatcher.ServeOne())

	n := cn.Node()

	require.NoError(t, n.AddPort(node.Output, 0))
	require.ErrorIs(t, n.AddPort(node.Output, 1), brokererr.ErrInvalidPort)
}

// setOutputFormat plays the client's side of format negotiation for output
// port 0: PortSetFormat only forwards the request, and the port's format is
// set by the client's port_update carrying ChangeFormat.
func setOutputFormat(t *testing.T, peer *net.UnixConn, dispatcher *rpc.Dispatcher, format *pod.Format) {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"direction":   "output",
		"port":        0,
		"change_mask": uint32(clientnode.ChangeFormat),
		"format":      format,
	})
	require.NoError(t, err)
	require.NoError(t, rpc.NewChannel(peer).Send(rpc.Frame{ResourceID: 1, Method: "port_update", Payload: payload}))
	require.NoError(t, dispatcher.ServeOne())
}

// drainFrames reads and discards up to n frames from conn without
// blocking forever, used to keep a peer socket's buffer from filling
// during tests that don't care about notification contents.
func drainFrames(t *testing.T, conn *net.UnixConn, n int) {
	t.Helper()

	ch := rpc.NewChannel(conn)

	go func() {
		for i := 0; i < n; i++ {
			_, _, err := ch.ReadMessage()
			if err != nil {
				return
			}
		}
	}()
}
