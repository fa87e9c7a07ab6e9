package rpc_test

import (
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/rpc"
)

func newUnixSocketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	a := fdToUnixConn(t, fds[0])
	b := fdToUnixConn(t, fds[1])

	return a, b
}

func fdToUnixConn(t *testing.T, fd int) *net.UnixConn {
	t.Helper()

	f := os.NewFile(uintptr(fd), "socketpair")

	c, err := net.FileConn(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	uc, ok := c.(*net.UnixConn)
	require.True(t, ok)

	return uc
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func TestFrameRoundTrip(t *testing.T) {
	a, b := newUnixSocketpair(t)
	defer a.Close()
	defer b.Close()

	ca := rpc.NewChannel(a)
	cb := rpc.NewChannel(b)

	payload, err := json.Marshal(map[string]any{"hello": "world"})
	require.NoError(t, err)

	err = ca.Send(rpc.Frame{ResourceID: 7, Method: "ping", Seq: 3, Payload: payload})
	require.NoError(t, err)

	got, fds, err := cb.ReadMessage()
	require.NoError(t, err)
	require.Empty(t, fds)
	require.Equal(t, uint32(7), got.ResourceID)
	require.Equal(t, "ping", got.Method)
	require.Equal(t, uint32(3), got.Seq)

	var decoded map[string]any

	require.NoError(t, json.Unmarshal(got.Payload, &decoded))
	require.Equal(t, "world", decoded["hello"])
}

func TestFrameRoundTripWithFD(t *testing.T) {
	a, b := newUnixSocketpair(t)
	defer a.Close()
	defer b.Close()

	ca := rpc.NewChannel(a)
	cb := rpc.NewChannel(b)

	f, err := os.CreateTemp(t.TempDir(), "rpcfd")
	require.NoError(t, err)
	defer f.Close()

	err = ca.SendWithFDs(rpc.Frame{Method: "add_mem"}, []int{int(f.Fd())})
	require.NoError(t, err)

	got, fds, err := cb.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "add_mem", got.Method)
	require.Len(t, fds, 1)

	defer func() {
		for _, fd := range fds {
			_ = closeFD(fd)
		}
	}()
}

func TestPeerCredentials(t *testing.T) {
	a, b := newUnixSocketpair(t)
	defer a.Close()
	defer b.Close()

	cred, err := rpc.PeerCredentials(a)
	require.NoError(t, err)
	require.NotNil(t, cred)
}
