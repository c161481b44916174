// Package runtime provides the single explicit Runtime value that
// replaces the original pbsm project's process-wide singletons
// (Policy::getInstance(), CommunicationHandler::getInstance()) per
// spec.md §9's re-architecture note: no hidden global state, a Runtime
// is constructed once at startup and passed explicitly to every Var.
package runtime

import (
	"fmt"
	"log/slog"

	"github.com/claudioscordino/pbsm-go/internal/barrier"
	"github.com/claudioscordino/pbsm-go/internal/coherence"
	"github.com/claudioscordino/pbsm-go/internal/dispatch"
	"github.com/claudioscordino/pbsm-go/internal/registry"
	"github.com/claudioscordino/pbsm-go/internal/stats"
	"github.com/claudioscordino/pbsm-go/internal/transport"
)

// Config describes how to bring up a Runtime.
type Config struct {
	NodeID   int
	Hosts    []string // addrs indexed by node id; Hosts[NodeID] is unused for dialing
	BasePort int      // default 2000, per spec.md §6.3
	Logger   *slog.Logger
}

// Runtime owns every coherence-protocol collaborator for one node.
type Runtime struct {
	nodeID   int
	numNodes int
	log      *slog.Logger

	transport *transport.Transport
	registry  *registry.Registry
	engine    *coherence.Engine
	barrier   *barrier.Coordinator
	dispatch  *dispatch.Dispatcher
	stats     *stats.Counters
}

// New dials/accepts every peer connection, builds the coherence engine
// and barrier coordinator, and starts the receiver dispatcher. It blocks
// until every ordered-pair channel is established.
func New(cfg Config) (*Runtime, error) {
	if cfg.NodeID < 0 || cfg.NodeID >= len(cfg.Hosts) {
		return nil, fmt.Errorf("runtime: node id %d out of range for %d hosts", cfg.NodeID, len(cfg.Hosts))
	}
	basePort := cfg.BasePort
	if basePort == 0 {
		basePort = 2000
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	tr, err := transport.Dial(cfg.NodeID, basePort, cfg.Hosts, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: establishing transport: %w", err)
	}

	reg := registry.New()
	st := stats.New()
	numNodes := len(cfg.Hosts)
	eng := coherence.New(cfg.NodeID, numNodes, reg, tr, st, log)
	bar := barrier.New(cfg.NodeID, numNodes, tr, log)
	disp := dispatch.New(tr, eng, bar, log)
	disp.Start()

	rt := &Runtime{
		nodeID:    cfg.NodeID,
		numNodes:  numNodes,
		log:       log,
		transport: tr,
		registry:  reg,
		engine:    eng,
		barrier:   bar,
		dispatch:  disp,
		stats:     st,
	}
	log.Info("runtime started", "node", cfg.NodeID, "nodes", numNodes, "master", cfg.NodeID == 0)
	return rt, nil
}

// NodeID returns this node's id.
func (rt *Runtime) NodeID() int { return rt.nodeID }

// NumNodes returns the total node count.
func (rt *Runtime) NumNodes() int { return rt.numNodes }

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.log }

// Engine returns the coherence engine, for use by the variable proxy.
func (rt *Runtime) Engine() *coherence.Engine { return rt.engine }

// Barrier blocks until every node has called Barrier with the same id.
func (rt *Runtime) Barrier(id uint32) error {
	return rt.barrier.Enter(id)
}

// Stats returns a point-in-time snapshot of protocol counters.
func (rt *Runtime) Stats() stats.Snapshot {
	return rt.stats.Snapshot()
}

// Close tears down every peer connection and waits for receiver
// goroutines to exit.
func (rt *Runtime) Close() error {
	err := rt.transport.Close()
	rt.dispatch.Wait()
	return err
}
