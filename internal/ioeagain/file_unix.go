//go:build linux

// Package ioeagain wraps an io.Reader/io.Writer so that transient EAGAIN and
// EINTR errors from the underlying syscall are retried transparently,
// instead of surfacing as spurious read/write failures on the data-fd and
// control-channel sockets.
package ioeagain

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Reader retries Read on EAGAIN/EINTR.
type Reader struct {
	io.Reader
}

// Read implements io.Reader, retrying transient errno values.
func (r Reader) Read(p []byte) (int, error) {
	for {
		n, err := r.Reader.Read(p)
		if err == nil || !isRetryable(err) {
			return n, err
		}
	}
}

// Writer retries Write on EAGAIN/EINTR.
type Writer struct {
	io.Writer
}

// Write implements io.Writer, retrying transient errno values.
func (w Writer) Write(p []byte) (int, error) {
	for {
		n, err := w.Writer.Write(p)
		if err == nil || !isRetryable(err) {
			return n, err
		}
	}
}

// isRetryable reports whether err wraps EAGAIN or EINTR, however deep: a
// bare errno, an os.SyscallError, or an os.PathError.
func isRetryable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
