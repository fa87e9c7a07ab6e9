package loop_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/loop"
)

func TestAddIOFiresOnReadable(t *testing.T) {
	l, err := loop.New("test")
	require.NoError(t, err)
	defer l.Close()

	r, w, err := pipe(t)
	require.NoError(t, err)

	fired := make(chan loop.IOMask, 1)

	_, err = l.AddIO(r, loop.In, true, func(fd int, revents loop.IOMask) {
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
		fired <- revents
	})
	require.NoError(t, err)

	go l.Run()
	defer l.Stop()

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case revents := <-fired:
		require.NotZero(t, revents&loop.In)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for IO callback")
	}
}

func TestInvokeInlineWhenSameLoop(t *testing.T) {
	l, err := loop.New("test")
	require.NoError(t, err)
	defer l.Close()

	var ran bool

	val, err := l.Invoke(l, func(seq uint32, data []byte) (any, error) {
		ran = true
		return seq, nil
	}, 42, nil, false)
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, uint32(42), val)
}

func TestInvokeCrossLoopSync(t *testing.T) {
	l, err := loop.New("test")
	require.NoError(t, err)
	defer l.Close()

	go l.Run()
	defer l.Stop()

	val, err := l.Invoke(nil, func(seq uint32, data []byte) (any, error) {
		return "done", nil
	}, 1, nil, false)
	require.NoError(t, err)
	require.Equal(t, "done", val)
}

func pipe(t *testing.T) (r, w int, err error) {
	t.Helper()

	fds := make([]int, 2)
	err = unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK)
	if err != nil {
		return 0, 0, err
	}

	t.Cleanup(func() {
		_ = unix.Close(fds[1])
	})

	return fds[0], fds[1], nil
}
