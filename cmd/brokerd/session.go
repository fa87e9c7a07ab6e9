package main

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/access"
	"github.com/streamnode/brokerd/internal/admin"
	"github.com/streamnode/brokerd/internal/clientnode"
	"github.com/streamnode/brokerd/internal/logger"
	"github.com/streamnode/brokerd/internal/rpc"
)

// sessionControlResource is the reserved resourceID every connection's
// create/destroy-client-node control messages are addressed to; real
// ClientNode resource ids are allocated starting at 1, the client's own
// sequence space.
const sessionControlResource = 0

// session is one connected client: its control channel, dispatcher, and
// the set of ClientNodes it owns.
type session struct {
	daemon *Daemon
	conn   *net.UnixConn
	ch     *rpc.Channel
	disp   *rpc.Dispatcher

	nextID uint32

	mu    sync.Mutex
	nodes map[uint32]*clientnode.ClientNode
}

func newSession(d *Daemon, conn *net.UnixConn) *session {
	ch := rpc.NewChannel(conn)

	s := &session{
		daemon: d,
		conn:   conn,
		ch:     ch,
		disp:   rpc.NewDispatcher(ch),
		nodes:  make(map[uint32]*clientnode.ClientNode),
	}

	s.disp.Register(sessionControlResource, "create_client_node", s.handleCreateClientNode)
	s.disp.Register(sessionControlResource, "destroy_client_node", s.handleDestroyClientNode)

	return s
}

func (s *session) serve() {
	defer s.closeAll()
	defer s.conn.Close()

	creds, err := rpc.PeerCredentials(s.conn)
	if err != nil {
		logger.Warn("brokerd: peer credential lookup failed", logger.Ctx{"err": err})
		return
	}

	verdict, err := s.daemon.access.Check(context.Background(), access.Request{ClientID: formatPid(creds.Pid)})
	if err != nil || !verdict.Allowed {
		logger.Warn("brokerd: connection rejected by access check", logger.Ctx{"pid": creds.Pid, "err": err})
		return
	}

	logger.Info("brokerd: client connected", logger.Ctx{"pid": creds.Pid, "uid": creds.Uid})

	for {
		if err := s.disp.ServeOne(); err != nil {
			return
		}
	}
}

func (s *session) closeAll() {
	s.mu.Lock()
	nodes := make([]*clientnode.ClientNode, 0, len(s.nodes))
	for _, cn := range s.nodes {
		nodes = append(nodes, cn)
	}
	s.mu.Unlock()

	for _, cn := range nodes {
		cn.Destroy()
	}

	logger.Info("brokerd: client disconnected", logger.Ctx{})
}

type createClientNodePayload struct {
	NumInputs  uint32 `json:"num_inputs"`
	NumOutputs uint32 `json:"num_outputs"`
}

type clientNodeCreatedNotify struct {
	ResourceID uint32 `json:"resource_id"`
}

// handleCreateClientNode allocates a resource id in the client's own
// sequence space, builds the eventfd wakeup pair, and replies with the
// assigned resource id so the client can address it on future frames.
func (s *session) handleCreateClientNode(f rpc.Frame, _ []int) {
	var payload createClientNodePayload

	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		logger.Warn("brokerd: bad create_client_node payload", logger.Ctx{"err": err})
		return
	}

	id := atomic.AddUint32(&s.nextID, 1)

	fds, err := newWakeupFDs()
	if err != nil {
		logger.Warn("brokerd: failed to allocate wakeup fds", logger.Ctx{"err": err})
		return
	}

	cn := clientnode.New(id, s.ch, s.disp, s.daemon.mainLoop, s.daemon.dataLoop, fds, s.onNodeDestroyed)

	if err := cn.Initialise(payload.NumInputs, payload.NumOutputs); err != nil {
		logger.Warn("brokerd: failed to initialise client node", logger.Ctx{"resource_id": id, "err": err})
		return
	}

	cn.BindResource()

	s.mu.Lock()
	s.nodes[id] = cn
	s.mu.Unlock()

	s.daemon.registerNode(id, cn)
	s.daemon.adminSrv.Publish(admin.Event{Type: "node_created", ResourceID: id})

	body, err := json.Marshal(clientNodeCreatedNotify{ResourceID: id})
	if err != nil {
		return
	}

	if err := s.ch.Send(rpc.Frame{ResourceID: sessionControlResource, Method: "client_node_created", Payload: body}); err != nil {
		logger.Warn("brokerd: failed to notify client of new node", logger.Ctx{"resource_id": id, "err": err})
	}
}

type destroyClientNodePayload struct {
	ResourceID uint32 `json:"resource_id"`
}

func (s *session) handleDestroyClientNode(f rpc.Frame, _ []int) {
	var payload destroyClientNodePayload

	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		logger.Warn("brokerd: bad destroy_client_node payload", logger.Ctx{"err": err})
		return
	}

	s.mu.Lock()
	cn, ok := s.nodes[payload.ResourceID]
	s.mu.Unlock()

	if !ok {
		return
	}

	cn.Destroy()
}

// onNodeDestroyed is the ClientNode's DestroyedNotify: it removes the node
// from both this session's and the daemon's registries.
func (s *session) onNodeDestroyed(resourceID uint32) {
	s.mu.Lock()
	delete(s.nodes, resourceID)
	s.mu.Unlock()

	s.daemon.unregisterNode(resourceID)
	s.daemon.adminSrv.Publish(admin.Event{Type: "node_destroyed", ResourceID: resourceID})
}

// newWakeupFDs allocates the two eventfd objects backing a ClientNode's
// wakeup channel, duplicating each so the locally retained fd and the one
// handed to the client (in production via SCM_RIGHTS) are independently
// closable, matching the shape internal/clientnode's own tests use.
func newWakeupFDs() (clientnode.WakeupFDs, error) {
	a, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return clientnode.WakeupFDs{}, err
	}

	b, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(a)
		return clientnode.WakeupFDs{}, err
	}

	peerA, err := unix.Dup(a)
	if err != nil {
		_ = unix.Close(a)
		_ = unix.Close(b)
		return clientnode.WakeupFDs{}, err
	}

	peerB, err := unix.Dup(b)
	if err != nil {
		_ = unix.Close(a)
		_ = unix.Close(b)
		_ = unix.Close(peerA)
		return clientnode.WakeupFDs{}, err
	}

	return clientnode.WakeupFDs{
		SelfWrite: a,
		SelfRead:  b,
		PeerRead:  peerA,
		PeerWrite: peerB,
	}, nil
}

func formatPid(pid int32) string {
	return "pid:" + strconv.Itoa(int(pid))
}
