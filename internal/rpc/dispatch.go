package rpc

import (
	"sync"

	"github.com/streamnode/brokerd/internal/logger"
)

// Handler processes one inbound frame addressed to a resource.
type Handler func(f Frame, fds []int)

// Dispatcher routes inbound frames from a Channel to per-resource handler
// tables, the same shape lxd-agent's operations/events handlers use to
// route inbound messages by name rather than threading a giant switch
// through the read loop.
type Dispatcher struct {
	ch *Channel

	mu    sync.RWMutex
	table map[uint32]map[string]Handler
}

// NewDispatcher wraps ch with per-resource method routing.
func NewDispatcher(ch *Channel) *Dispatcher {
	return &Dispatcher{
		ch:    ch,
		table: make(map[uint32]map[string]Handler),
	}
}

// Register installs a handler for method on resourceID. Registering again
// for the same pair replaces the previous handler.
func (d *Dispatcher) Register(resourceID uint32, method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	methods, ok := d.table[resourceID]
	if !ok {
		methods = make(map[string]Handler)
		d.table[resourceID] = methods
	}

	methods[method] = h
}

// Unregister removes every handler for resourceID, called when a resource
// is freed.
func (d *Dispatcher) Unregister(resourceID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.table, resourceID)
}

// ServeOne reads and dispatches a single inbound frame. It is meant to be
// driven by an event loop's IO callback when the channel's fd is readable.
func (d *Dispatcher) ServeOne() error {
	f, fds, err := d.ch.ReadMessage()
	if err != nil {
		return err
	}

	d.mu.RLock()
	h, ok := d.table[f.ResourceID][f.Method]
	d.mu.RUnlock()

	if !ok {
		logger.Warn("rpc: no handler for inbound frame", logger.Ctx{
			"resource_id": f.ResourceID,
			"method":      f.Method,
		})

		return nil
	}

	h(f, fds)

	return nil
}

// Channel returns the underlying channel, for sending notifications back
// to the peer from within a handler.
func (d *Dispatcher) Channel() *Channel {
	return d.ch
}
