package clientnode

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/loop"
	"github.com/streamnode/brokerd/internal/logger"
	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/transport"
)

// wakeupToken is the 8-byte value written to a peer-notify fd to signal it.
var wakeupToken = [8]byte{1, 0, 0, 0, 0, 0, 0, 0}

// wakeupBridge owns the data-read fd source and, on readability,
// drains the from-client ring and dispatches to the installed Node
// callbacks.
type wakeupBridge struct {
	proxy *Proxy

	readFD  int
	writeFD int // the fd this side writes to wake the client

	gone int32 // set once err|hup observed; the from-client ring is no longer drained and no further wakeups are written
}

func newWakeupBridge(p *Proxy, readFD, writeFD int) *wakeupBridge {
	b := &wakeupBridge{proxy: p, readFD: readFD, writeFD: writeFD}

	p.signalPeer = b.signal

	return b
}

// signal writes the wakeup token to the peer-notify fd once. A failed write
// is not retried: EAGAIN and EINTR are ignored and any other error is
// logged.
func (b *wakeupBridge) signal() {
	if atomic.LoadInt32(&b.gone) != 0 {
		return
	}

	_, err := unix.Write(b.writeFD, wakeupToken[:])
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		logger.Warn("clientnode: wakeup write failed", logger.Ctx{"err": err})
	}
}

// onReadable is the loop.IOCallback registered for the data-read fd.
func (b *wakeupBridge) onReadable(fd int, revents loop.IOMask) {
	if revents&(loop.Err|loop.Hup) != 0 {
		atomic.StoreInt32(&b.gone, 1)

		logger.Info("clientnode: data fd closed by peer", logger.Ctx{"resource_id": b.proxy.resourceID})

		return
	}

	if revents&loop.In == 0 {
		return
	}

	var buf [8]byte

	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return
	}

	if atomic.LoadInt32(&b.gone) != 0 {
		return
	}

	b.drain()
}

func (b *wakeupBridge) drain() {
	b.proxy.mu.Lock()
	t := b.proxy.transport
	cb := b.proxy.callbacks
	userData := b.proxy.userData
	b.proxy.mu.Unlock()

	if t == nil {
		return
	}

	for {
		_, ok := t.FromClient.NextEvent()
		if !ok {
			return
		}

		ev := t.FromClient.ParseEvent()

		switch ev.TypeID {
		case transport.TypeHaveOutput:
			b.dispatchHaveOutput(t, cb, userData)
		case transport.TypeNeedInput:
			if cb.NeedInput != nil {
				cb.NeedInput(userData)
			}
		case transport.TypeReuseBuffer:
			if cb.ReuseBuffer != nil {
				cb.ReuseBuffer(ev.PortID, ev.BufferID, userData)
			}
		default:
			logger.Warn("clientnode: unrecognized event type on from-client ring", logger.Ctx{"type_id": ev.TypeID})
		}
	}
}

func (b *wakeupBridge) dispatchHaveOutput(t *transport.Transport, cb node.Callbacks, userData any) {
	b.proxy.mu.Lock()

	for i, prt := range b.proxy.table.ports[node.Output] {
		if prt.io == nil {
			continue
		}

		slot := t.OutputIO(uint32(i))
		*prt.io = slot.Get()
	}

	b.proxy.mu.Unlock()

	if cb.HaveOutput != nil {
		cb.HaveOutput(userData)
	}
}
