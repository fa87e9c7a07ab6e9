// Package transport implements the client-node transport ring: a
// single memfd-backed shared-memory region holding per-port PortIO slots
// and one lock-free SPSC event ring per direction. The region is published
// to the owning client once and then driven purely by atomic index
// operations on both sides — no locks on the data path.
package transport

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/streamnode/brokerd/internal/memblock"
	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/typemap"
)

// ringSlots is the per-ring capacity, in slots. The event set per tick is
// small (a handful), so a modest power of two
// leaves generous headroom without the ring ever needing to be resized.
const ringSlots = 64

// slotBodySize covers the widest event payload, ReuseBuffer's two uint32
// fields.
const slotBodySize = 8

// slotSize is {type u32, size u32, body}.
const slotSize = 4 + 4 + slotBodySize

const ringHeaderSize = 8 // write index u32 + read index u32

const ioSlotSize = 16 // status i32, buffer_id u32, offset u32, size u32

var (
	// TypeNeedInput, TypeHaveOutput, and TypeReuseBuffer are the event type
	// ids, drawn from the process-wide type map rather than hardcoded.
	TypeNeedInput   = typemap.Global.Intern(typemap.EventNeedInput)
	TypeHaveOutput  = typemap.Global.Intern(typemap.EventHaveOutput)
	TypeReuseBuffer = typemap.Global.Intern(typemap.EventReuseBuffer)
)

// ErrRingFull is returned by AddEvent when the producer has outrun the
// consumer. Reimplementers may either size rings to the peak
// (the default here) or surface this and let the caller retry.
var ErrRingFull = errors.New("transport: ring full")

// Event is one control-plane event carried by a ring.
type Event struct {
	TypeID   uint32
	PortID   uint32
	BufferID uint32
}

// NeedInput builds a NeedInput event (no payload fields are meaningful).
func NeedInput() Event { return Event{TypeID: TypeNeedInput} }

// HaveOutput builds a HaveOutput event (no payload fields are meaningful).
func HaveOutput() Event { return Event{TypeID: TypeHaveOutput} }

// ReuseBufferEvent builds a ReuseBuffer event for the given port/buffer.
func ReuseBufferEvent(portID, bufferID uint32) Event {
	return Event{TypeID: TypeReuseBuffer, PortID: portID, BufferID: bufferID}
}

// Ring is a single-producer/single-consumer fixed-width event ring backed
// by a window of shared memory. The write/read indices are plain uint32
// counters (not masked until use), so wraparound comparison uses
// subtraction rather than equality.
type Ring struct {
	writeIdx *uint32
	readIdx  *uint32
	slots    []byte // ringSlots * slotSize bytes
}

func newRing(window []byte) *Ring {
	return &Ring{
		writeIdx: (*uint32)(unsafe.Pointer(&window[0])),
		readIdx:  (*uint32)(unsafe.Pointer(&window[4])),
		slots:    window[ringHeaderSize : ringHeaderSize+ringSlots*slotSize],
	}
}

func windowSize() int {
	return ringHeaderSize + ringSlots*slotSize
}

// AddEvent copies ev into the next slot and publishes the new write index
// with release ordering. Called only from the ring's single producer.
func (r *Ring) AddEvent(ev Event) error {
	w := atomic.LoadUint32(r.writeIdx)
	read := atomic.LoadUint32(r.readIdx)

	if w-read >= ringSlots {
		return ErrRingFull
	}

	slot := r.slots[(w%ringSlots)*slotSize : (w%ringSlots)*slotSize+slotSize]

	le32(slot[0:4], ev.TypeID)
	le32(slot[4:8], slotBodySize)
	le32(slot[8:12], ev.PortID)
	le32(slot[12:16], ev.BufferID)

	atomic.StoreUint32(r.writeIdx, w+1)

	return nil
}

// NextEvent reports whether an unread event is available, without
// consuming it.
func (r *Ring) NextEvent() (typeID uint32, ok bool) {
	w := atomic.LoadUint32(r.writeIdx)
	read := atomic.LoadUint32(r.readIdx)

	if read == w {
		return 0, false
	}

	slot := r.slots[(read%ringSlots)*slotSize : (read%ringSlots)*slotSize+slotSize]

	return deLE32(slot[0:4]), true
}

// ParseEvent copies the next event's body out and advances the read index
// with release ordering. Call only after NextEvent reports ok.
func (r *Ring) ParseEvent() Event {
	read := atomic.LoadUint32(r.readIdx)
	slot := r.slots[(read%ringSlots)*slotSize : (read%ringSlots)*slotSize+slotSize]

	ev := Event{
		TypeID:   deLE32(slot[0:4]),
		PortID:   deLE32(slot[8:12]),
		BufferID: deLE32(slot[12:16]),
	}

	atomic.StoreUint32(r.readIdx, read+1)

	return ev
}

func le32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func deLE32(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}

// IOSlot is a view over one PortIO record inside the transport's shared
// I/O slot arrays. Reads/writes are plain (not atomic): the discipline is
// that visibility is established by the ring wakeup, not by the
// slot accesses themselves.
type IOSlot struct {
	window []byte
}

// Get decodes the slot's current contents.
func (s IOSlot) Get() node.PortIO {
	return node.PortIO{
		Status:   node.IOStatus(int32(deLE32(s.window[0:4]))),
		BufferID: deLE32(s.window[4:8]),
		Range: node.Range{
			Offset: deLE32(s.window[8:12]),
			Size:   deLE32(s.window[12:16]),
		},
	}
}

// Set encodes io into the slot.
func (s IOSlot) Set(io node.PortIO) {
	le32(s.window[0:4], uint32(int32(io.Status)))
	le32(s.window[4:8], io.BufferID)
	le32(s.window[8:12], io.Range.Offset)
	le32(s.window[12:16], io.Range.Size)
}

// Transport is the shared-memory region: a
// header, two PortIO slot arrays, and the to-client/from-client event
// rings.
type Transport struct {
	block *memblock.Block

	nInputs, nOutputs *uint32

	inputIO, outputIO []IOSlot

	// ToClient carries events the proxy injects for the client to consume
	// (NeedInput/HaveOutput/ReuseBuffer as commands). FromClient carries
	// events the client injects for the wakeup bridge to dispatch to the
	// Node callbacks.
	ToClient, FromClient *Ring
}

// Alloc creates and maps a new Transport. Both PortIO slot arrays always
// hold node.MaxPorts entries; nInputs/nOutputs are only checked against
// that bound and stamped into the header, not used to size the region.
func Alloc(nInputs, nOutputs uint32) (*Transport, error) {
	if nInputs > node.MaxPorts || nOutputs > node.MaxPorts {
		return nil, errors.Errorf("transport: port count exceeds max (%d/%d)", nInputs, nOutputs)
	}

	headerSize := 8
	inputIOSize := int(node.MaxPorts) * ioSlotSize
	outputIOSize := int(node.MaxPorts) * ioSlotSize
	ringSize := windowSize()

	total := headerSize + inputIOSize + outputIOSize + 2*ringSize

	block, err := memblock.Alloc("clientnode-transport", total, memblock.Flags{})
	if err != nil {
		return nil, errors.Wrap(err, "transport: alloc backing store")
	}

	t := &Transport{block: block}

	data := block.Data

	t.nInputs = (*uint32)(unsafe.Pointer(&data[0]))
	t.nOutputs = (*uint32)(unsafe.Pointer(&data[4]))

	atomic.StoreUint32(t.nInputs, nInputs)
	atomic.StoreUint32(t.nOutputs, nOutputs)

	off := headerSize

	t.inputIO = make([]IOSlot, node.MaxPorts)
	for i := range t.inputIO {
		t.inputIO[i] = IOSlot{window: data[off : off+ioSlotSize]}
		off += ioSlotSize
	}

	t.outputIO = make([]IOSlot, node.MaxPorts)
	for i := range t.outputIO {
		t.outputIO[i] = IOSlot{window: data[off : off+ioSlotSize]}
		off += ioSlotSize
	}

	t.ToClient = newRing(data[off : off+ringSize])
	off += ringSize

	t.FromClient = newRing(data[off : off+ringSize])

	return t, nil
}

// FD returns the memfd backing this transport, for publishing to the
// client in the `transport{memfd, offset, size}` notification.
func (t *Transport) FD() int { return t.block.FD }

// Size returns the mapped region's total byte size.
func (t *Transport) Size() int { return t.block.Size() }

// InputIO returns the transport's I/O slot for an input port.
func (t *Transport) InputIO(port uint32) IOSlot { return t.inputIO[port] }

// OutputIO returns the transport's I/O slot for an output port.
func (t *Transport) OutputIO(port uint32) IOSlot { return t.outputIO[port] }

// SetPortCounts stamps the current port counts into the shared header.
func (t *Transport) SetPortCounts(nInputs, nOutputs uint32) {
	atomic.StoreUint32(t.nInputs, nInputs)
	atomic.StoreUint32(t.nOutputs, nOutputs)
}

// Free releases the transport's backing memory. Idempotent.
func (t *Transport) Free() {
	if t == nil || t.block == nil {
		return
	}

	t.block.Free()
}
