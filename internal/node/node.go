// Package node defines the generic Node interface the client-node core
// implements, along with the buffer/command/callback types that cross the
// boundary between a Node and its caller. The interface itself belongs to
// the wider server; this package is the minimal definition needed to make
// the core concrete and compilable on its own.
package node

import (
	"github.com/streamnode/brokerd/internal/pod"
)

// Direction is a port's data direction.
type Direction int

const (
	// Input is a consuming port.
	Input Direction = iota
	// Output is a producing port.
	Output
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Input {
		return "input"
	}

	return "output"
}

// MaxPorts is the per-direction port count limit.
const MaxPorts = 64

// MaxBuffers is the per-port buffer count limit.
const MaxBuffers = 64

// MaxMetas and MaxDatas are the embedded fixed-capacity array sizes for a
// ProxyBuffer's mirrored metadata/data arrays.
const (
	MaxMetas = 4
	MaxDatas = 4
)

// Range describes a byte range within a PortIO slot's buffer.
type Range struct {
	Offset uint32
	Size   uint32
}

// IOStatus is the status field of a PortIO slot.
type IOStatus int32

const (
	// StatusEmpty indicates no buffer is currently referenced.
	StatusEmpty IOStatus = iota
	// StatusOK indicates the slot holds a valid buffer reference.
	StatusOK
	// StatusNeedBuffer indicates the consumer needs a new buffer.
	StatusNeedBuffer
	// StatusHaveBuffer indicates a produced buffer is ready for the peer.
	StatusHaveBuffer
)

// InvalidBufferID marks "no buffer" in a PortIO slot.
const InvalidBufferID = ^uint32(0)

// PortIO is the small fixed record shared between a node and its scheduler
// on the data path. Its lifetime is owned by the caller; the core must
// never dereference a nil slot.
type PortIO struct {
	Status   IOStatus
	BufferID uint32
	Range    Range
}

// MetaType distinguishes the kind of metadata attached to a buffer.
type MetaType int

const (
	// MetaInvalid marks an unrecognized metadata kind.
	MetaInvalid MetaType = iota
	// MetaShared is the required metadata naming the buffer's backing fd.
	MetaShared
)

// Meta is one metadata entry on a Buffer.
type Meta struct {
	Type MetaType

	// Shared fields, valid when Type == MetaShared.
	FD     int
	Size   uint32
	Offset uint32
	Flags  uint32
}

// DataType distinguishes the kind of data descriptor attached to a buffer
// during memory registration.
type DataType int

const (
	// DataInvalid marks a descriptor type the core does not understand.
	DataInvalid DataType = iota
	// DataDmaBuf is a DMA-BUF file descriptor.
	DataDmaBuf
	// DataMemFd is a memfd file descriptor.
	DataMemFd
	// DataMemPtr is an offset into the buffer's own Shared block.
	DataMemPtr
	// DataID is a rewritten descriptor naming a registered memory id.
	DataID
)

// Data is one data descriptor on a Buffer. Depending on Type, only a subset
// of the fields is meaningful:
//   - DmaBuf/MemFd: FD, Flags, MapOffset, MaxSize.
//   - MemPtr: Pointer holds a byte offset within the buffer's Shared block.
//   - ID: Pointer holds the registered memory id.
type Data struct {
	Type      DataType
	FD        int
	Flags     uint32
	MapOffset uint32
	MaxSize   uint32
	Pointer   uint64
}

// Buffer is the caller-provided buffer description passed to
// PortUseBuffers/PortAllocBuffers.
type Buffer struct {
	Metas []Meta
	Datas []Data
}

// CommandType distinguishes a node command.
type CommandType int

const (
	// CommandGeneric is any command forwarded as-is.
	CommandGeneric CommandType = iota
	// CommandStart starts the node's data flow.
	CommandStart
	// CommandPause pauses the node's data flow.
	CommandPause
	// CommandClockUpdate carries a clock update. It is forwarded with its
	// own sequence number like any other command, but SendCommand returns
	// ResultOK for it instead of an Async handle.
	CommandClockUpdate
)

// Command is a command sent to a node via SendCommand.
type Command struct {
	Type CommandType
	Args map[string]any
}

// Result is the synchronous outcome of an operation that doesn't return an
// error or an Async handle.
type Result int

const (
	// ResultOK indicates synchronous success with no further data.
	ResultOK Result = iota
	// ResultHaveBuffer is ProcessOutput's synchronous "produced a buffer"
	// outcome.
	ResultHaveBuffer
)

// Async is returned instead of an error to indicate that the authoritative
// result will arrive later, correlated by Seq.
type Async struct {
	Seq uint32
}

// AsyncComplete is the event payload delivered to Callbacks.Event when a
// client's reply to an outstanding async operation arrives.
type AsyncComplete struct {
	Seq    uint32
	Result error
}

// Event is the tagged payload forwarded to Callbacks.Event, either an
// AsyncComplete or an arbitrary client-originated event.
type Event struct {
	AsyncComplete *AsyncComplete
	Raw           any
}

// Callbacks is the set of functions a Node invokes on its owner. The
// client-node core's proxy stores exactly one such set, installed via
// SetCallbacks, and its wakeup bridge invokes HaveOutput/NeedInput/
// ReuseBuffer directly from the data loop.
type Callbacks struct {
	HaveOutput  func(userData any)
	NeedInput   func(userData any)
	ReuseBuffer func(portID, bufferID uint32, userData any)
	Event       func(ev Event, userData any)
}

// Node is the generic node interface the rest of the server speaks. The
// client-node core's proxy is one implementation of this interface whose
// actual processing happens in a remote client process.
type Node interface {
	GetProps() (pod.Props, error)
	SetProps(pod.Props) error

	SendCommand(cmd Command) (any, error)

	SetCallbacks(cb Callbacks, userData any) error

	GetNPorts() (nInput, nOutput uint32)
	GetPortIDs(dir Direction) []uint32

	AddPort(dir Direction, port uint32) error
	RemovePort(dir Direction, port uint32) error

	PortEnumFormats(dir Direction, port uint32, filter *pod.Format, index uint32) (*pod.Format, error)
	PortSetFormat(dir Direction, port uint32, flags uint32, format *pod.Format) (any, error)
	PortGetFormat(dir Direction, port uint32) (*pod.Format, error)
	PortGetInfo(dir Direction, port uint32) (*pod.PortInfo, error)

	PortUseBuffers(dir Direction, port uint32, buffers []*Buffer) (any, error)
	PortAllocBuffers(dir Direction, port uint32, params []*pod.AllocParam, buffers []*Buffer) (any, error)
	PortSetIO(dir Direction, port uint32, io *PortIO) error
	PortReuseBuffer(port uint32, bufferID uint32) error

	ProcessInput() error
	ProcessOutput() (Result, error)
}
