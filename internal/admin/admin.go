// Package admin is a read-only introspection surface: a node listing
// endpoint and a mirrored event stream, neither of which the core depends
// on.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/streamnode/brokerd/internal/logger"
)

// NodeInfo is one row of the /1.0/nodes listing. Defined here rather than
// imported from internal/clientnode so this package never depends on the
// core it's introspecting; the caller (cmd/brokerd) adapts
// clientnode.Snapshot into this shape.
type NodeInfo struct {
	ResourceID  uint32 `json:"resource_id"`
	DiagID      string `json:"diag_id"`
	State       string `json:"state"`
	Initialised bool   `json:"initialised"`
	Resourced   bool   `json:"resourced"`
	NumInputs   uint32 `json:"num_inputs"`
	NumOutputs  uint32 `json:"num_outputs"`
}

// NodeLister returns the current set of live nodes. Called fresh on every
// /1.0/nodes request; the caller is responsible for its own locking.
type NodeLister func() []NodeInfo

// Server is the admin HTTP surface: GET /1.0/nodes and GET /1.0/events.
type Server struct {
	router *mux.Router
	nodes  NodeLister
	hub    *eventHub
}

// NewServer builds a Server backed by the given node lister. Publish
// events onto it with Publish once the daemon's own operation/lifecycle
// code observes them.
func NewServer(nodes NodeLister) *Server {
	s := &Server{
		nodes: nodes,
		hub:   newEventHub(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/1.0/nodes", s.handleNodes).Methods(http.MethodGet)
	r.HandleFunc("/1.0/events", s.handleEvents).Methods(http.MethodGet)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publish broadcasts an event to every connected /1.0/events listener.
func (s *Server) Publish(ev Event) {
	s.hub.publish(ev)
}

type nodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	var list []NodeInfo
	if s.nodes != nil {
		list = s.nodes()
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(nodesResponse{Nodes: list}); err != nil {
		logger.Warn("admin: encode nodes response failed", logger.Ctx{"err": err})
	}
}
