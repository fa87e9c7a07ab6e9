package clientnode

import (
	"github.com/streamnode/brokerd/internal/brokererr"
	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/pod"
)

// portState is the per-port lifecycle state: Unused -> Configured ->
// Buffered, and back down on format/buffer removal.
type portState int

const (
	portUnused portState = iota
	portConfigured
	portBuffered
)

// changeMask selects which fields update_port touches, mirroring the
// client's port_update change_mask.
type changeMask uint32

const (
	ChangePossibleFormats changeMask = 1 << iota
	ChangeFormat
	ChangeProps
	ChangeInfo
)

// proxyBuffer is the server's owned mirror of one client-supplied buffer.
type proxyBuffer struct {
	original    *node.Buffer
	mirrored    *node.Buffer
	memID       uint32
	offset      uint32
	size        uint32
	outstanding bool
}

// port is one (direction, index) slot in the proxy's port table.
type port struct {
	state portState

	possibleFormats []*pod.Format
	format          *pod.Format
	props           pod.Props
	info            *pod.PortInfo

	io *node.PortIO

	buffers []proxyBuffer
	nextMem uint32
}

func (p *port) valid() bool {
	return p.state != portUnused
}

func (p *port) clear() {
	*p = port{}
}

// updatePort applies the masked subset of fields and returns whether this
// call transitioned the port from Unused (the caller increments the
// direction's port counter exactly on that transition).
func (p *port) updatePort(mask changeMask, possibleFormats []*pod.Format, format *pod.Format, props pod.Props, info *pod.PortInfo) (firstUse bool) {
	firstUse = p.state == portUnused
	if firstUse {
		p.state = portConfigured
	}

	if mask&ChangePossibleFormats != 0 {
		p.possibleFormats = copyFormats(possibleFormats)
	}

	if mask&ChangeFormat != 0 {
		p.format = format.Copy()

		if p.format == nil && p.state == portBuffered {
			p.buffers = nil
			p.state = portConfigured
		}
	}

	if mask&ChangeProps != 0 {
		p.props = props.Copy()
	}

	if mask&ChangeInfo != 0 {
		p.info = info.Copy()
	}

	return firstUse
}

func copyFormats(in []*pod.Format) []*pod.Format {
	if in == nil {
		return nil
	}

	out := make([]*pod.Format, len(in))
	for i, f := range in {
		out[i] = f.Copy()
	}

	return out
}

func (p *port) enumFormats(filter *pod.Format, index uint32) (*pod.Format, error) {
	for i := index; int(i) < len(p.possibleFormats); i++ {
		f := p.possibleFormats[i]
		if f.Matches(filter) {
			return f.Copy(), nil
		}
	}

	return nil, brokererr.ErrEnumEnd
}

// portTable holds the fixed-size per-direction port arrays.
type portTable struct {
	ports      [2][]*port
	portCounts [2]uint32
}

func newPortTable() *portTable {
	t := &portTable{}

	for d := 0; d < 2; d++ {
		t.ports[d] = make([]*port, node.MaxPorts)
		for i := range t.ports[d] {
			t.ports[d][i] = &port{}
		}
	}

	return t
}

func (t *portTable) get(dir node.Direction, id uint32) (*port, error) {
	if id >= node.MaxPorts {
		return nil, brokererr.ErrInvalidPort
	}

	return t.ports[dir][id], nil
}

func (t *portTable) valid(dir node.Direction, id uint32) bool {
	if id >= node.MaxPorts {
		return false
	}

	return t.ports[dir][id].valid()
}
