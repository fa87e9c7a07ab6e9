package clientnode

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/streamnode/brokerd/internal/brokererr"
	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/rpc"
)

// addMemNotify is the wire payload for the add_mem notification.
type addMemNotify struct {
	Direction string `json:"direction"`
	Port      uint32 `json:"port"`
	ID        uint32 `json:"id"`
	Type      string `json:"type"`
	Flags     uint32 `json:"flags"`
	Offset    uint32 `json:"offset"`
	Size      uint32 `json:"size"`
}

type useBuffersEntry struct {
	MemID  uint32 `json:"mem_id"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

type useBuffersNotify struct {
	Seq       uint32            `json:"seq"`
	Direction string            `json:"direction"`
	Port      uint32            `json:"port"`
	Count     uint32            `json:"count"`
	Entries   []useBuffersEntry `json:"entries"`
}

// registerBuffers is the memory registry: it frees any previously
// registered block for the port, validates every incoming buffer has
// Shared metadata, emits one add_mem notification per registered memory
// block, rewrites DmaBuf/MemFd descriptors to Id and MemPtr descriptors to
// a relative offset, then emits the enumerating use_buffers notification.
func (p *Proxy) registerBuffers(dir node.Direction, portID uint32, buffers []*node.Buffer) ([]proxyBuffer, uint32, error) {
	prt, err := p.table.get(dir, portID)
	if err != nil {
		return nil, 0, err
	}

	// Step 1: free any previously allocated block for this port. Fixed
	// shared-memory blocks aren't owned by the registry itself (the fds
	// are the client's own), so "free" here just drops the table; nothing
	// to munmap/close on this side.
	prt.buffers = nil
	prt.nextMem = 0

	mirrored := make([]proxyBuffer, len(buffers))

	for i, b := range buffers {
		if len(b.Metas) > node.MaxMetas || len(b.Datas) > node.MaxDatas {
			return nil, 0, errors.Wrap(brokererr.ErrInvalidArgs, "clientnode: buffer exceeds meta/data capacity")
		}

		shared := findShared(b.Metas)
		if shared == nil {
			return nil, 0, errors.Wrap(brokererr.ErrInternal, "clientnode: buffer missing Shared metadata")
		}

		mb := proxyBuffer{
			original: b,
			mirrored: &node.Buffer{
				Metas: cloneMetas(b.Metas),
				Datas: make([]node.Data, len(b.Datas)),
			},
		}

		memID := prt.nextMem
		prt.nextMem++

		mb.memID = memID

		err := p.notifyAddMem(dir, portID, memID, node.DataMemFd, shared.FD, shared.Flags, shared.Offset, shared.Size)
		if err != nil {
			return nil, 0, err
		}

		var accOffset uint32

		for j, d := range b.Datas {
			switch d.Type {
			case node.DataDmaBuf, node.DataMemFd:
				id := prt.nextMem
				prt.nextMem++

				err := p.notifyAddMem(dir, portID, id, d.Type, d.FD, d.Flags, d.MapOffset, d.MaxSize)
				if err != nil {
					return nil, 0, err
				}

				mb.mirrored.Datas[j] = node.Data{Type: node.DataID, Pointer: uint64(id)}
			case node.DataMemPtr:
				mb.mirrored.Datas[j] = node.Data{Type: node.DataMemPtr, Pointer: uint64(accOffset)}
				accOffset += d.MaxSize
			default:
				mb.mirrored.Datas[j] = node.Data{Type: node.DataInvalid}
			}
		}

		mb.offset = 0
		mb.size = shared.Size
		mirrored[i] = mb
	}

	seq := p.nextSeq()

	entries := make([]useBuffersEntry, len(mirrored))
	for i, mb := range mirrored {
		entries[i] = useBuffersEntry{MemID: mb.memID, Offset: mb.offset, Size: mb.size}
	}

	payload, err := json.Marshal(useBuffersNotify{
		Seq:       seq,
		Direction: dirName(dir),
		Port:      portID,
		Count:     uint32(len(entries)),
		Entries:   entries,
	})
	if err != nil {
		return nil, 0, err
	}

	err = p.send(rpc.Frame{ResourceID: p.resourceID, Method: "use_buffers", Seq: seq, Payload: payload})
	if err != nil {
		return nil, 0, err
	}

	return mirrored, seq, nil
}

func (p *Proxy) notifyAddMem(dir node.Direction, portID, id uint32, typ node.DataType, fd int, flags, offset, size uint32) error {
	payload, err := json.Marshal(addMemNotify{
		Direction: dirName(dir),
		Port:      portID,
		ID:        id,
		Type:      dataTypeName(typ),
		Flags:     flags,
		Offset:    offset,
		Size:      size,
	})
	if err != nil {
		return err
	}

	return p.send(rpc.Frame{ResourceID: p.resourceID, Method: "add_mem", Payload: payload})
}

func findShared(metas []node.Meta) *node.Meta {
	for i := range metas {
		if metas[i].Type == node.MetaShared {
			return &metas[i]
		}
	}

	return nil
}

func cloneMetas(in []node.Meta) []node.Meta {
	out := make([]node.Meta, len(in))
	copy(out, in)

	return out
}

func dirName(dir node.Direction) string {
	if dir == node.Input {
		return "input"
	}

	return "output"
}

func dataTypeName(t node.DataType) string {
	switch t {
	case node.DataDmaBuf:
		return "dma_buf"
	case node.DataMemFd:
		return "mem_fd"
	case node.DataMemPtr:
		return "mem_ptr"
	case node.DataID:
		return "id"
	default:
		return "invalid"
	}
}
