// Package barrier implements the master-coordinated barrier protocol
// (component C5): a master-side counting semaphore per barrier id,
// slave-side waits, and the unblock broadcast.
//
// Grounded on original_source/src/policy.cpp's
// thread_wait_master_barrier/thread_wait_slave_barrier. Unlike the
// original (and unlike the literal spec.md §4.3 minimal design), the
// slave side here is keyed by barrier id too: spec.md §9 Open Question 1
// explicitly flags the single shared slave condition variable as unsafe
// for a second barrier entered before the first BARRIER_UNBLOCK arrives,
// and this implementation resolves that rather than reproducing the bug.
package barrier

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/claudioscordino/pbsm-go/internal/transport"
	"github.com/claudioscordino/pbsm-go/internal/wire"
)

const masterNodeID = 0

// Coordinator drives barrier entry/release for one node.
type Coordinator struct {
	selfID   int
	numNodes int
	tr       *transport.Transport
	log      *slog.Logger

	mu sync.Mutex
	// master-only: barrier id -> remaining count, with waiters parked on cond
	masterWaiting map[uint32]*masterEntry
	// slave-only: barrier id -> a condition slaves wait/are woken on
	slaveWaiting map[uint32]*slaveEntry
}

type masterEntry struct {
	counter int
	cond    *sync.Cond
}

type slaveEntry struct {
	unblocked bool
	cond      *sync.Cond
}

// New builds a Coordinator for node selfID among numNodes total nodes.
func New(selfID, numNodes int, tr *transport.Transport, log *slog.Logger) *Coordinator {
	return &Coordinator{
		selfID:        selfID,
		numNodes:      numNodes,
		tr:            tr,
		log:           log,
		masterWaiting: make(map[uint32]*masterEntry),
		slaveWaiting:  make(map[uint32]*slaveEntry),
	}
}

// Enter blocks the calling goroutine until every node has entered the
// barrier identified by id.
func (c *Coordinator) Enter(id uint32) error {
	if c.selfID == masterNodeID {
		return c.enterAsMaster(id)
	}
	return c.enterAsSlave(id)
}

func (c *Coordinator) enterAsMaster(id uint32) error {
	c.mu.Lock()
	e := c.getOrCreateMasterEntry(id)
	e.counter--
	if e.counter > 0 {
		e.cond.Wait()
	}
	delete(c.masterWaiting, id)
	c.mu.Unlock()

	return c.broadcastUnblock(id)
}

func (c *Coordinator) enterAsSlave(id uint32) error {
	c.mu.Lock()
	e := c.getOrCreateSlaveEntry(id)
	e.unblocked = false
	c.mu.Unlock()

	h := wire.BarrierHeader(wire.BarrierBlock, id)
	p, ok := c.tr.Peer(masterNodeID)
	if !ok {
		return fmt.Errorf("barrier: no channel to master")
	}
	if err := p.Send(wire.Encode(h)); err != nil {
		return fmt.Errorf("barrier: send BARRIER_BLOCK: %w", err)
	}

	c.mu.Lock()
	for !e.unblocked {
		e.cond.Wait()
	}
	delete(c.slaveWaiting, id)
	c.mu.Unlock()
	return nil
}

// HandleBlock processes an incoming BARRIER_BLOCK from a slave. It must
// never block waiting for other slaves — that would deadlock the
// receiver goroutine that called it (spec §4.3).
func (c *Coordinator) HandleBlock(id uint32) {
	if c.selfID != masterNodeID {
		c.log.Error("received BARRIER_BLOCK but not master", "barrier", id)
		return
	}
	c.mu.Lock()
	e := c.getOrCreateMasterEntry(id)
	e.counter--
	if e.counter == 0 {
		e.cond.Broadcast()
	}
	c.mu.Unlock()
}

// HandleUnblock processes an incoming BARRIER_UNBLOCK from the master.
func (c *Coordinator) HandleUnblock(id uint32) {
	if c.selfID == masterNodeID {
		c.log.Error("received BARRIER_UNBLOCK but is master", "barrier", id)
		return
	}
	c.mu.Lock()
	e := c.getOrCreateSlaveEntry(id)
	e.unblocked = true
	e.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Coordinator) getOrCreateMasterEntry(id uint32) *masterEntry {
	e, ok := c.masterWaiting[id]
	if !ok {
		e = &masterEntry{counter: c.numNodes}
		e.cond = sync.NewCond(&c.mu)
		c.masterWaiting[id] = e
	}
	return e
}

func (c *Coordinator) getOrCreateSlaveEntry(id uint32) *slaveEntry {
	e, ok := c.slaveWaiting[id]
	if !ok {
		e = &slaveEntry{}
		e.cond = sync.NewCond(&c.mu)
		c.slaveWaiting[id] = e
	}
	return e
}

func (c *Coordinator) broadcastUnblock(id uint32) error {
	h := wire.BarrierHeader(wire.BarrierUnblock, id)
	var firstErr error
	for _, nodeID := range c.tr.Peers() {
		p, ok := c.tr.Peer(nodeID)
		if !ok {
			continue
		}
		if err := p.Send(wire.Encode(h)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("barrier: broadcast BARRIER_UNBLOCK to node %d: %w", nodeID, err)
		}
	}
	return firstErr
}
