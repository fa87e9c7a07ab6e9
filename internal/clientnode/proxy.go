// Package clientnode implements the client-node subsystem: a server-side
// proxy that represents a node whose processing runs in a remote client
// process. It is the load-bearing core of this repository — see proxy.go,
// memreg.go, port.go, wakeup.go, and clientnode.go
// for the owning entity and its lifecycle.
package clientnode

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/streamnode/brokerd/internal/brokererr"
	"github.com/streamnode/brokerd/internal/logger"
	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/pod"
	"github.com/streamnode/brokerd/internal/rpc"
	"github.com/streamnode/brokerd/internal/transport"
)

// Proxy implements node.Node: every call either returns synchronously
// or emits a control message to the owning client and returns a node.Async
// handle.
type Proxy struct {
	mu sync.Mutex

	resourceID uint32
	ch         *rpc.Channel

	table *portTable

	// maxPorts is the client-declared per-direction port capacity from the
	// most recent node_update carrying the respective change bit; zero
	// means no declared capacity beyond node.MaxPorts. AddPort enforces
	// this as an additional ceiling on top of the hard array bound.
	maxPorts [2]uint32

	seq uint64

	transport *transport.Transport

	// hasResource mirrors the owning ClientNode's Resourced state. Several
	// operations degrade to a synchronous no-op when it is false.
	hasResource bool

	callbacks node.Callbacks
	userData  any

	// signalPeer wakes the client's data loop by writing the 8-byte
	// wakeup token to the peer-notify fd. Installed by the
	// owning ClientNode once the data fds exist.
	signalPeer func()
}

func newProxy(resourceID uint32, ch *rpc.Channel) *Proxy {
	return &Proxy{
		resourceID: resourceID,
		ch:         ch,
		table:      newPortTable(),
	}
}

func (p *Proxy) nextSeq() uint32 {
	return uint32(atomic.AddUint64(&p.seq, 1) - 1)
}

func (p *Proxy) send(f Frame) error {
	if p.ch == nil {
		return nil
	}

	return p.ch.Send(f)
}

// Frame is an alias so memreg.go/proxy.go don't need to re-import rpc for
// the type name at every call site.
type Frame = rpc.Frame

// setTransport installs the transport pointer: the main loop writes
// configuration before any data-loop activity is possible.
func (p *Proxy) setTransport(t *transport.Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transport = t
}

func (p *Proxy) setResourced(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hasResource = v
}

// applyCapacity stores the client-declared per-direction port capacity
// under the respective node_update change_mask bits.
func (p *Proxy) applyCapacity(mask nodeChangeMask, maxInputPorts, maxOutputPorts uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if mask&NodeChangeMaxInputPorts != 0 {
		p.maxPorts[node.Input] = maxInputPorts
	}

	if mask&NodeChangeMaxOutputPorts != 0 {
		p.maxPorts[node.Output] = maxOutputPorts
	}
}

// GetProps implements node.Node.
func (p *Proxy) GetProps() (pod.Props, error) {
	return nil, brokererr.ErrNotImplemented
}

// SetProps implements node.Node.
func (p *Proxy) SetProps(pod.Props) error {
	return brokererr.ErrNotImplemented
}

// SendCommand implements node.Node.
func (p *Proxy) SendCommand(cmd node.Command) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasResource {
		return node.ResultOK, nil
	}

	payload, err := json.Marshal(cmd.Args)
	if err != nil {
		return nil, errors.Wrap(brokererr.ErrInvalidArgs, err.Error())
	}

	if cmd.Type == node.CommandClockUpdate {
		seq := p.nextSeq()

		err := p.send(Frame{ResourceID: p.resourceID, Method: "node_command", Seq: seq, Payload: payload})
		if err != nil {
			return nil, err
		}

		return node.ResultOK, nil
	}

	seq := p.nextSeq()

	err = p.send(Frame{ResourceID: p.resourceID, Method: "node_command", Seq: seq, Payload: payload})
	if err != nil {
		return nil, err
	}

	if cmd.Type == node.CommandStart {
		p.injectLocked(transport.NeedInput())
	}

	return node.Async{Seq: seq}, nil
}

// SetCallbacks implements node.Node.
func (p *Proxy) SetCallbacks(cb node.Callbacks, userData any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.callbacks = cb
	p.userData = userData

	return nil
}

// GetNPorts implements node.Node.
func (p *Proxy) GetNPorts() (nInput, nOutput uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.table.portCounts[node.Input], p.table.portCounts[node.Output]
}

// GetPortIDs implements node.Node.
func (p *Proxy) GetPortIDs(dir node.Direction) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []uint32

	for i, prt := range p.table.ports[dir] {
		if prt.valid() {
			ids = append(ids, uint32(i))
		}
	}

	return ids
}

// AddPort implements node.Node.
func (p *Proxy) AddPort(dir node.Direction, portID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max := p.maxPorts[dir]; max != 0 && portID >= max {
		return brokererr.ErrInvalidPort
	}

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return err
	}

	if prt.valid() {
		return brokererr.ErrInvalidPort
	}

	prt.clear()
	prt.state = portConfigured
	p.table.portCounts[dir]++

	return nil
}

// RemovePort implements node.Node.
func (p *Proxy) RemovePort(dir node.Direction, portID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.uninitPortLocked(dir, portID)
}

func (p *Proxy) uninitPortLocked(dir node.Direction, portID uint32) error {
	prt, err := p.table.get(dir, portID)
	if err != nil {
		return err
	}

	if !prt.valid() {
		return brokererr.ErrInvalidPort
	}

	prt.clear()
	p.table.portCounts[dir]--

	return nil
}

// PortEnumFormats implements node.Node.
func (p *Proxy) PortEnumFormats(dir node.Direction, portID uint32, filter *pod.Format, index uint32) (*pod.Format, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return nil, err
	}

	if !prt.valid() {
		return nil, brokererr.ErrInvalidPort
	}

	return prt.enumFormats(filter, index)
}

// setFormatNotify is the wire payload for the set_format notification.
type setFormatNotify struct {
	Seq       uint32 `json:"seq"`
	Direction string `json:"direction"`
	Port      uint32 `json:"port"`
	Flags     uint32 `json:"flags"`
	Format    any    `json:"format"`
}

// PortSetFormat implements node.Node: the proxy does not
// validate the format itself; it forwards to the client and returns an
// async handle.
func (p *Proxy) PortSetFormat(dir node.Direction, portID uint32, flags uint32, format *pod.Format) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return nil, err
	}

	if !prt.valid() {
		return nil, brokererr.ErrInvalidPort
	}

	if !p.hasResource {
		return node.ResultOK, nil
	}

	seq := p.nextSeq()

	payload, err := json.Marshal(setFormatNotify{
		Seq:       seq,
		Direction: dirName(dir),
		Port:      portID,
		Flags:     flags,
		Format:    format,
	})
	if err != nil {
		return nil, err
	}

	err = p.send(Frame{ResourceID: p.resourceID, Method: "set_format", Seq: seq, Payload: payload})
	if err != nil {
		return nil, err
	}

	return node.Async{Seq: seq}, nil
}

// PortGetFormat implements node.Node.
func (p *Proxy) PortGetFormat(dir node.Direction, portID uint32) (*pod.Format, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return nil, err
	}

	if !prt.valid() {
		return nil, brokererr.ErrInvalidPort
	}

	if prt.format == nil {
		return nil, brokererr.ErrNoFormat
	}

	return prt.format.Copy(), nil
}

// PortGetInfo implements node.Node.
func (p *Proxy) PortGetInfo(dir node.Direction, portID uint32) (*pod.PortInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return nil, err
	}

	if !prt.valid() {
		return nil, brokererr.ErrInvalidPort
	}

	return prt.info.Copy(), nil
}

// PortUseBuffers implements node.Node.
func (p *Proxy) PortUseBuffers(dir node.Direction, portID uint32, buffers []*node.Buffer) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return nil, err
	}

	if !prt.valid() {
		return nil, brokererr.ErrInvalidPort
	}

	if len(buffers) > node.MaxBuffers {
		return nil, brokererr.ErrInvalidArgs
	}

	if prt.format == nil {
		return nil, brokererr.ErrNoFormat
	}

	if !p.hasResource {
		prt.buffers = make([]proxyBuffer, len(buffers))
		if len(buffers) > 0 {
			prt.state = portBuffered
		} else {
			prt.state = portConfigured
		}

		return node.ResultOK, nil
	}

	mirrored, seq, err := p.registerBuffers(dir, portID, buffers)
	if err != nil {
		return nil, err
	}

	prt.buffers = mirrored
	if len(mirrored) > 0 {
		prt.state = portBuffered
	} else {
		prt.state = portConfigured
	}

	return node.Async{Seq: seq}, nil
}

// PortAllocBuffers implements node.Node. Not implemented,
// except that an absent format still takes priority as the reported
// error.
func (p *Proxy) PortAllocBuffers(dir node.Direction, portID uint32, params []*pod.AllocParam, buffers []*node.Buffer) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return nil, err
	}

	if !prt.valid() {
		return nil, brokererr.ErrInvalidPort
	}

	if prt.format == nil {
		return nil, brokererr.ErrNoFormat
	}

	return nil, brokererr.ErrNotImplemented
}

// PortSetIO implements node.Node.
func (p *Proxy) PortSetIO(dir node.Direction, portID uint32, io *node.PortIO) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prt, err := p.table.get(dir, portID)
	if err != nil {
		return err
	}

	if !prt.valid() {
		return brokererr.ErrInvalidPort
	}

	prt.io = io

	return nil
}

// PortReuseBuffer implements node.Node: runs on the data loop.
func (p *Proxy) PortReuseBuffer(portID uint32, bufferID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.table.valid(node.Output, portID) {
		return brokererr.ErrInvalidPort
	}

	p.injectLocked(transport.ReuseBufferEvent(portID, bufferID))

	return nil
}

// ProcessInput implements node.Node: runs on the data loop.
func (p *Proxy) ProcessInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport == nil {
		return brokererr.ErrInvalidArgs
	}

	hadWork := false

	for i, prt := range p.table.ports[node.Input] {
		if prt.state != portBuffered || prt.io == nil {
			continue
		}

		slot := p.transport.InputIO(uint32(i))
		slot.Set(*prt.io)
		prt.io.Status = node.StatusOK
		hadWork = true
	}

	if hadWork {
		p.injectLocked(transport.HaveOutput())
	}

	return nil
}

// ProcessOutput implements node.Node: runs on the data loop.
// The caller's io slot is swapped, not copied, with the transport's output
// slot.
func (p *Proxy) ProcessOutput() (node.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport == nil {
		return node.ResultOK, brokererr.ErrInvalidArgs
	}

	for i, prt := range p.table.ports[node.Output] {
		if prt.state != portBuffered || prt.io == nil {
			continue
		}

		if prt.io.BufferID != node.InvalidBufferID {
			p.injectLocked(transport.ReuseBufferEvent(uint32(i), prt.io.BufferID))
		}

		slot := p.transport.OutputIO(uint32(i))
		prev := slot.Get()
		slot.Set(*prt.io)
		*prt.io = prev

		if prt.io.Status == node.StatusNeedBuffer {
			p.injectLocked(transport.NeedInput())
		}
	}

	return node.ResultHaveBuffer, nil
}

// injectLocked appends ev to the to-client ring. Caller holds p.mu. Ring
// exhaustion is logged and dropped on the data path rather
// than propagated (realtime code must not block).
func (p *Proxy) injectLocked(ev transport.Event) {
	if p.transport == nil {
		return
	}

	err := p.transport.ToClient.AddEvent(ev)
	if err != nil {
		logger.Warn("clientnode: to-client ring full, dropping event", logger.Ctx{
			"resource_id": p.resourceID,
			"event_type":  ev.TypeID,
		})

		return
	}

	p.signalLocked()
}

func (p *Proxy) signalLocked() {
	if p.signalPeer != nil {
		p.signalPeer()
	}
}
