package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/streamnode/brokerd/internal/access"
	"github.com/streamnode/brokerd/internal/admin"
	"github.com/streamnode/brokerd/internal/clientnode"
	"github.com/streamnode/brokerd/internal/loop"
	"github.com/streamnode/brokerd/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Daemon owns the two event loops, the client listener, every live
// ClientNode across every connected client, and the admin HTTP surface.
type Daemon struct {
	socketPath string
	adminAddr  string

	mainLoop *loop.Loop
	dataLoop *loop.Loop

	listener *net.UnixListener
	adminSrv *admin.Server
	httpSrv  *http.Server

	access access.Checker

	mu    sync.Mutex
	nodes map[uint32]*clientnode.ClientNode

	cronRunner *cron.Cron

	wg sync.WaitGroup
}

func newDaemon(socketPath, adminAddr, sweepSchedule string) (*Daemon, error) {
	mainLoop, err := loop.New("main")
	if err != nil {
		return nil, errors.Wrap(err, "brokerd: create main loop")
	}

	dataLoop, err := loop.New("data")
	if err != nil {
		return nil, errors.Wrap(err, "brokerd: create data loop")
	}

	d := &Daemon{
		socketPath: socketPath,
		adminAddr:  adminAddr,
		mainLoop:   mainLoop,
		dataLoop:   dataLoop,
		access:     access.AllowAll{},
		nodes:      make(map[uint32]*clientnode.ClientNode),
	}

	d.adminSrv = admin.NewServer(d.nodeList)
	d.httpSrv = &http.Server{Addr: adminAddr, Handler: d.adminSrv}

	d.cronRunner = cron.New()
	if _, err := d.cronRunner.AddFunc(sweepSchedule, d.sweepOrphans); err != nil {
		return nil, errors.Wrap(err, "brokerd: schedule orphan sweep")
	}

	return d, nil
}

// serve starts both loops, the client listener, the admin HTTP surface,
// and the sweep cron, blocking until the listener fails or is closed.
func (d *Daemon) serve() error {
	_ = os.Remove(d.socketPath)

	if dir := os.Getenv("BROKERD_SOCKET_DIR"); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	addr, err := net.ResolveUnixAddr("unix", d.socketPath)
	if err != nil {
		return errors.Wrap(err, "brokerd: resolve socket address")
	}

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return errors.Wrap(err, "brokerd: listen on control socket")
	}

	d.listener = listener

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.mainLoop.Run() }()
	go func() { defer d.wg.Done(); d.dataLoop.Run() }()

	d.cronRunner.Start()

	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("brokerd: admin HTTP server stopped", logger.Ctx{"err": err})
		}
	}()

	logger.Info("brokerd listening", logger.Ctx{"socket": d.socketPath, "admin": d.adminAddr})

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			return err
		}

		d.wg.Add(1)

		go func() {
			defer d.wg.Done()
			newSession(d, conn).serve()
		}()
	}
}

func (d *Daemon) shutdown() {
	if d.listener != nil {
		_ = d.listener.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = d.httpSrv.Shutdown(ctx)

	d.cronRunner.Stop()

	d.mu.Lock()
	nodes := make([]*clientnode.ClientNode, 0, len(d.nodes))
	for _, cn := range d.nodes {
		nodes = append(nodes, cn)
	}
	d.mu.Unlock()

	for _, cn := range nodes {
		cn.Destroy()
	}

	d.mainLoop.Stop()
	d.dataLoop.Stop()

	d.wg.Wait()

	d.mainLoop.Close()
	d.dataLoop.Close()
}

func (d *Daemon) registerNode(id uint32, cn *clientnode.ClientNode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nodes[id] = cn
}

func (d *Daemon) unregisterNode(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.nodes, id)
}

func (d *Daemon) nodeList() []admin.NodeInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := make([]admin.NodeInfo, 0, len(d.nodes))

	for _, cn := range d.nodes {
		s := cn.Snapshot()
		list = append(list, admin.NodeInfo{
			ResourceID:  s.ResourceID,
			DiagID:      s.DiagID,
			State:       s.State,
			Initialised: s.Initialised,
			Resourced:   s.Resourced,
			NumInputs:   s.NumInputs,
			NumOutputs:  s.NumOutputs,
		})
	}

	return list
}

// sweepOrphans is a defensive diagnostic: destruction is idempotent and
// every code path that removes a node from d.nodes also calls Destroy
// first, so a node lingering here in the Freed state should never happen.
// Cheap to check; logs loudly if it ever does.
func (d *Daemon) sweepOrphans() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, cn := range d.nodes {
		if cn.State() == clientnode.StateFreed {
			logger.Warn("brokerd: orphaned freed node still registered", logger.Ctx{"resource_id": id})
			delete(d.nodes, id)
		}
	}
}
