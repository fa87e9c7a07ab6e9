// Package rpc is the client RPC channel: a bidirectional, message-typed
// channel over a credential-passed unix socket. The wire protocol codec is
// treated as an external contract; this package's length-prefixed JSON
// framing is this repository's concrete stand-in for that codec, chosen so
// the admin surface (internal/admin) can also speak it directly.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/ioeagain"
)

// maxFrameBody bounds a single control-message body. Control messages are
// small and fixed in number; a generous cap just guards against a
// misbehaving peer forcing an unbounded allocation.
const maxFrameBody = 1 << 20

// maxFDs bounds how many file descriptors a single frame may carry.
const maxFDs = 16

// Frame is one control-channel message. ResourceID names which
// client-scoped resource (e.g. a ClientNode) the message targets; Seq is
// set on notifications that expect an async reply.
type Frame struct {
	ResourceID uint32          `json:"resource_id"`
	Method     string          `json:"method"`
	Seq        uint32          `json:"seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Channel wraps a net.UnixConn with frame-at-a-time read/write and
// SCM_RIGHTS fd passing.
type Channel struct {
	conn *net.UnixConn

	writeMu sync.Mutex
}

// NewChannel wraps an already-connected unix socket.
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

// FD returns the channel's underlying file descriptor, for registering
// with an event loop.
func (c *Channel) FD() (int, error) {
	raw, err := c.conn.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int

	err = raw.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1, err
	}

	return fd, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Send writes a frame with no accompanying file descriptors.
func (c *Channel) Send(f Frame) error {
	return c.SendWithFDs(f, nil)
}

// SendWithFDs writes a frame and, if fds is non-empty, attaches it as
// SCM_RIGHTS ancillary data on the same underlying sendmsg call so the
// kernel delivers it atomically with the frame's first bytes.
func (c *Channel) SendWithFDs(f Frame, fds []int) error {
	body, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "rpc: marshal frame")
	}

	if len(body) > maxFrameBody {
		return errors.Errorf("rpc: frame body too large (%d bytes)", len(body))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	buf := append(header, body...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(fds) == 0 {
		_, err := ioeagain.Writer{Writer: c.conn}.Write(buf)
		return err
	}

	oob := unix.UnixRights(fds...)

	_, _, err = c.conn.WriteMsgUnix(buf, oob, nil)

	return err
}

// ReadMessage reads the next frame and any file descriptors carried with
// its first bytes.
func (c *Channel) ReadMessage() (Frame, []int, error) {
	header := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(header, oob)
	if err != nil {
		return Frame{}, nil, err
	}

	for n < len(header) {
		extra := make([]byte, len(header)-n)

		m, err := ioeagain.Reader{Reader: c.conn}.Read(extra)
		if err != nil {
			return Frame{}, nil, err
		}

		copy(header[n:], extra[:m])
		n += m
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Frame{}, nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length > maxFrameBody {
		return Frame{}, nil, errors.Errorf("rpc: frame body too large (%d bytes)", length)
	}

	body := make([]byte, length)

	_, err = io.ReadFull(ioeagain.Reader{Reader: c.conn}, body)
	if err != nil {
		return Frame{}, nil, err
	}

	var f Frame

	err = json.Unmarshal(body, &f)
	if err != nil {
		return Frame{}, nil, errors.Wrap(err, "rpc: unmarshal frame")
	}

	return f, fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}

	var fds []int

	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}

		fds = append(fds, got...)
	}

	return fds, nil
}

// PeerCredentials returns the credentials of the process on the other end
// of conn, the same SO_PEERCRED lookup devlxd's credential-passed socket
// relies on to authenticate callers.
func PeerCredentials(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		cred *unix.Ucred
		cerr error
	)

	err = raw.Control(func(fd uintptr) {
		cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}

	return cred, cerr
}
