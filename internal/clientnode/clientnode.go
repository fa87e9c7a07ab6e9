package clientnode

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/logger"
	"github.com/streamnode/brokerd/internal/loop"
	"github.com/streamnode/brokerd/internal/node"
	"github.com/streamnode/brokerd/internal/pod"
	"github.com/streamnode/brokerd/internal/rpc"
	"github.com/streamnode/brokerd/internal/transport"
)

// State is the ClientNode lifecycle state.
type State int

const (
	StateNew State = iota
	StateInitialised
	StateResourced
	StateDestroying
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialised:
		return "initialised"
	case StateResourced:
		return "resourced"
	case StateDestroying:
		return "destroying"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// DestroyedNotify fires once a ClientNode finishes destruction, letting
// its owner drop the resource from whatever registry holds it.
type DestroyedNotify func(resourceID uint32)

// ClientNode is the owned entity created when a client issues "create
// client-node" on its session. It owns the proxy, the transport, the
// data-fd pair, and drives the lifecycle state machine.
type ClientNode struct {
	mu sync.Mutex

	// diagID is a process-unique diagnostic id, distinct from resourceID
	// (which is only unique within the owning client's sequence space) —
	// useful in logs once multiple clients are in play.
	diagID uuid.UUID

	resourceID uint32
	dispatcher *rpc.Dispatcher
	mainLoop   *loop.Loop
	dataLoop   *loop.Loop

	proxy *Proxy

	state State

	initialised bool
	resourced   bool

	transport *transport.Transport

	dataFDWrite int // server writes here, client reads the other half
	dataFDRead  int // server reads here (registered with dataLoop), client writes the other half
	peerRead    int // handed to client: it reads here (paired with dataFDWrite)
	peerWrite   int // handed to client: it writes here (paired with dataFDRead)

	bridge     *wakeupBridge
	dataSource loop.Source
	hasSource  bool

	onDestroyed DestroyedNotify
}

// New creates a ClientNode in state New. dataFDWrite/dataFDRead/peerRead/
// peerWrite are the two eventfd pairs backing the wakeup bridge: the
// process keeps dataFDWrite+dataFDRead and hands peerRead+peerWrite to
// the client.
func New(resourceID uint32, ch *rpc.Channel, dispatcher *rpc.Dispatcher, mainLoop, dataLoop *loop.Loop, fds WakeupFDs, onDestroyed DestroyedNotify) *ClientNode {
	proxy := newProxy(resourceID, ch)

	cn := &ClientNode{
		diagID:      uuid.New(),
		resourceID:  resourceID,
		dispatcher:  dispatcher,
		mainLoop:    mainLoop,
		dataLoop:    dataLoop,
		proxy:       proxy,
		state:       StateNew,
		dataFDWrite: fds.SelfWrite,
		dataFDRead:  fds.SelfRead,
		peerRead:    fds.PeerRead,
		peerWrite:   fds.PeerWrite,
		onDestroyed: onDestroyed,
	}

	cn.bridge = newWakeupBridge(proxy, fds.SelfRead, fds.SelfWrite)

	cn.registerHandlers()

	return cn
}

// WakeupFDs groups the four fd numbers involved in one ClientNode's
// two-eventfd wakeup channel.
type WakeupFDs struct {
	SelfWrite int
	SelfRead  int
	PeerRead  int
	PeerWrite int
}

// Node returns the generic Node interface implementation the rest of the
// server should hold.
func (cn *ClientNode) Node() node.Node { return cn.proxy }

// State returns the current lifecycle state.
func (cn *ClientNode) State() State {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	return cn.state
}

// Snapshot is a point-in-time, read-only view of a ClientNode for
// introspection surfaces (the admin HTTP listing).
type Snapshot struct {
	ResourceID  uint32 `json:"resource_id"`
	DiagID      string `json:"diag_id"`
	State       string `json:"state"`
	Initialised bool   `json:"initialised"`
	Resourced   bool   `json:"resourced"`
	NumInputs   uint32 `json:"num_inputs"`
	NumOutputs  uint32 `json:"num_outputs"`
}

// Snapshot returns the current state of this ClientNode for introspection.
func (cn *ClientNode) Snapshot() Snapshot {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	s := Snapshot{
		ResourceID:  cn.resourceID,
		DiagID:      cn.diagID.String(),
		State:       cn.state.String(),
		Initialised: cn.initialised,
		Resourced:   cn.resourced,
	}

	if cn.proxy != nil {
		cn.proxy.mu.Lock()
		s.NumInputs = cn.proxy.table.portCounts[node.Input]
		s.NumOutputs = cn.proxy.table.portCounts[node.Output]
		cn.proxy.mu.Unlock()
	}

	return s
}

// BindResource transitions toward Resourced: a resource is bound to a
// client and control messages may flow. Entering Resourced before
// Initialised is permitted.
func (cn *ClientNode) BindResource() {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	cn.resourced = true
	cn.proxy.setResourced(true)

	if cn.state == StateNew || cn.state == StateInitialised {
		cn.state = StateResourced
	}

	cn.maybeSendTransportLocked()
}

// Initialise allocates the transport, stamps nInputs/nOutputs into its
// header as the port counts, and notifies the client. The transport always
// has room for node.MaxPorts ports per direction; it is not sized down to
// nInputs/nOutputs, which only have to fit within that bound.
func (cn *ClientNode) Initialise(nInputs, nOutputs uint32) error {
	t, err := transport.Alloc(nInputs, nOutputs)
	if err != nil {
		return err
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()

	cn.transport = t
	cn.proxy.setTransport(t)
	cn.initialised = true

	if cn.state == StateNew {
		cn.state = StateInitialised
	}

	if cn.dataLoop != nil && !cn.hasSource {
		src, err := cn.dataLoop.AddIO(cn.dataFDRead, loop.In|loop.Err|loop.Hup, false, cn.bridge.onReadable)
		if err == nil {
			cn.dataSource = src
			cn.hasSource = true
		} else {
			logger.Warn("clientnode: failed to register data source", logger.Ctx{"resource_id": cn.resourceID, "err": err})
		}
	}

	cn.maybeSendTransportLocked()

	return nil
}

type transportNotify struct {
	Offset int `json:"offset"`
	Size   int `json:"size"`
}

// maybeSendTransportLocked emits the transport notification once both
// Initialised and Resourced have happened, whichever order they arrive
// in; the notification is deferred until both are true. Caller holds
// cn.mu.
func (cn *ClientNode) maybeSendTransportLocked() {
	if !cn.initialised || !cn.resourced || cn.transport == nil {
		return
	}

	payload, err := json.Marshal(transportNotify{Offset: 0, Size: cn.transport.Size()})
	if err != nil {
		logger.Error("clientnode: marshal transport notify failed", logger.Ctx{"err": err})
		return
	}

	fds := []int{cn.transport.FD(), cn.peerRead, cn.peerWrite}

	err = cn.proxy.ch.SendWithFDs(rpc.Frame{ResourceID: cn.resourceID, Method: "transport", Payload: payload}, fds)
	if err != nil {
		logger.Warn("clientnode: send transport notify failed", logger.Ctx{"resource_id": cn.resourceID, "err": err})
	}
}

// Destroy tears the ClientNode down. Idempotent: repeated calls after the
// first are a no-op.
func (cn *ClientNode) Destroy() {
	cn.mu.Lock()

	if cn.state == StateDestroying || cn.state == StateFreed {
		cn.mu.Unlock()
		return
	}

	cn.state = StateDestroying

	if cn.dispatcher != nil {
		cn.dispatcher.Unregister(cn.resourceID)
	}

	if cn.hasSource && cn.dataLoop != nil {
		cn.dataLoop.DestroySource(cn.dataSource)
		cn.hasSource = false
	}

	cn.transport.Free()
	cn.transport = nil

	closeIfValid(cn.dataFDWrite)
	closeIfValid(cn.dataFDRead)
	closeIfValid(cn.peerRead)
	closeIfValid(cn.peerWrite)

	cn.dataFDWrite, cn.dataFDRead, cn.peerRead, cn.peerWrite = -1, -1, -1, -1

	cn.state = StateFreed

	resourceID := cn.resourceID
	notify := cn.onDestroyed

	cn.mu.Unlock()

	if notify != nil {
		notify(resourceID)
	}

	logger.Info("clientnode: destroyed", logger.Ctx{"resource_id": resourceID, "diag_id": cn.diagID})
}

func closeIfValid(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

// registerHandlers wires the reverse operations a client may invoke on
// this resource.
func (cn *ClientNode) registerHandlers() {
	if cn.dispatcher == nil {
		return
	}

	cn.dispatcher.Register(cn.resourceID, "node_update", cn.handleNodeUpdate)
	cn.dispatcher.Register(cn.resourceID, "port_update", cn.handlePortUpdate)
	cn.dispatcher.Register(cn.resourceID, "event", cn.handleEvent)
	cn.dispatcher.Register(cn.resourceID, "destroy", cn.handleDestroy)
	cn.dispatcher.Register(cn.resourceID, "async_complete", cn.handleAsyncComplete)
}

// nodeChangeMask selects which fields node_update touches, mirroring the
// client's node_update change_mask.
type nodeChangeMask uint32

const (
	NodeChangeMaxInputPorts nodeChangeMask = 1 << iota
	NodeChangeMaxOutputPorts
	NodeChangeProps
)

type nodeUpdatePayload struct {
	ChangeMask     uint32         `json:"change_mask"`
	MaxInputPorts  uint32         `json:"max_input_ports"`
	MaxOutputPorts uint32         `json:"max_output_ports"`
	Props          map[string]any `json:"props"`
}

func (cn *ClientNode) handleNodeUpdate(f rpc.Frame, _ []int) {
	var payload nodeUpdatePayload

	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		logger.Warn("clientnode: bad node_update payload", logger.Ctx{"err": err})
		return
	}

	// The declared capacities become an additional ceiling AddPort
	// enforces alongside node.MaxPorts; they don't resize the transport,
	// which is fixed at create time and has no protocol path to
	// republish mid-session.
	cn.proxy.applyCapacity(nodeChangeMask(payload.ChangeMask), payload.MaxInputPorts, payload.MaxOutputPorts)

	logger.Debug("clientnode: node_update", logger.Ctx{
		"resource_id": cn.resourceID,
		"max_inputs":  payload.MaxInputPorts,
		"max_outputs": payload.MaxOutputPorts,
	})
}

type portUpdatePayload struct {
	Direction       string         `json:"direction"`
	Port            uint32         `json:"port"`
	ChangeMask      uint32         `json:"change_mask"`
	PossibleFormats []*pod.Format  `json:"possible_formats"`
	Format          *pod.Format    `json:"format"`
	Props           map[string]any `json:"props"`
	Info            *pod.PortInfo  `json:"info"`
}

func (cn *ClientNode) handlePortUpdate(f rpc.Frame, _ []int) {
	var payload portUpdatePayload

	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		logger.Warn("clientnode: bad port_update payload", logger.Ctx{"err": err})
		return
	}

	dir := node.Input
	if payload.Direction == "output" {
		dir = node.Output
	}

	cn.proxy.mu.Lock()
	defer cn.proxy.mu.Unlock()

	prt, err := cn.proxy.table.get(dir, payload.Port)
	if err != nil {
		return
	}

	// A zero change_mask means removal: it triggers uninit_port rather than
	// updating the port's format/props/info.
	if payload.ChangeMask == 0 {
		_ = cn.proxy.uninitPortLocked(dir, payload.Port)
		return
	}

	firstUse := prt.updatePort(changeMask(payload.ChangeMask), payload.PossibleFormats, payload.Format, pod.Props(payload.Props), payload.Info)
	if firstUse {
		cn.proxy.table.portCounts[dir]++
	}
}

func (cn *ClientNode) handleEvent(f rpc.Frame, _ []int) {
	cn.proxy.mu.Lock()
	cb := cn.proxy.callbacks
	userData := cn.proxy.userData
	cn.proxy.mu.Unlock()

	if cb.Event == nil {
		return
	}

	var raw any

	_ = json.Unmarshal(f.Payload, &raw)

	cb.Event(node.Event{Raw: raw}, userData)
}

func (cn *ClientNode) handleDestroy(rpc.Frame, []int) {
	cn.Destroy()
}

type asyncCompletePayload struct {
	Seq    uint32 `json:"seq"`
	Result string `json:"result"`
}

func (cn *ClientNode) handleAsyncComplete(f rpc.Frame, _ []int) {
	var payload asyncCompletePayload

	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		logger.Warn("clientnode: bad async_complete payload", logger.Ctx{"err": err})
		return
	}

	cn.proxy.mu.Lock()
	cb := cn.proxy.callbacks
	userData := cn.proxy.userData
	cn.proxy.mu.Unlock()

	if cb.Event == nil {
		return
	}

	var resErr error
	if payload.Result != "" && payload.Result != "ok" {
		resErr = errString(payload.Result)
	}

	cb.Event(node.Event{AsyncComplete: &node.AsyncComplete{Seq: payload.Seq, Result: resErr}}, userData)
}

type errString string

func (e errString) Error() string { return string(e) }
