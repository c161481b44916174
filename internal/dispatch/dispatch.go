// Package dispatch implements the receiver dispatcher (component C6):
// one goroutine per remote node, decoding headers (and, for
// SET_NEW_VALUE, the trailing payload) off that peer's channel and
// routing them to the coherence engine or the barrier coordinator.
//
// Grounded on original_source/src/policy.cpp's Policy::receive_messages
// loop and on the teacher's per-connection goroutine in
// amyhu910-6.5840-dsm/dsm/central.go's initializeRPC accept loop.
package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/claudioscordino/pbsm-go/internal/barrier"
	"github.com/claudioscordino/pbsm-go/internal/coherence"
	"github.com/claudioscordino/pbsm-go/internal/transport"
	"github.com/claudioscordino/pbsm-go/internal/wire"
)

// Dispatcher owns one receiver goroutine per remote peer.
type Dispatcher struct {
	tr      *transport.Transport
	engine  *coherence.Engine
	barrier *barrier.Coordinator
	log     *slog.Logger

	wg sync.WaitGroup
}

// New builds a Dispatcher; call Start to spawn the receiver goroutines.
func New(tr *transport.Transport, engine *coherence.Engine, bar *barrier.Coordinator, log *slog.Logger) *Dispatcher {
	return &Dispatcher{tr: tr, engine: engine, barrier: bar, log: log}
}

// Start spawns one receiver goroutine per remote node currently known to
// the transport. A task exits only when its channel is torn down.
func (d *Dispatcher) Start() {
	for _, nodeID := range d.tr.Peers() {
		nodeID := nodeID
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.receiveLoop(nodeID)
		}()
	}
}

// Wait blocks until every receiver goroutine has exited (transport torn
// down on every channel).
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) receiveLoop(nodeID int) {
	peer, ok := d.tr.Peer(nodeID)
	if !ok {
		d.log.Error("dispatch: no channel for peer, receiver exiting", "node", nodeID)
		return
	}

	for {
		headerBuf := make([]byte, wire.HeaderSize)
		if err := peer.Recv(headerBuf); err != nil {
			if errors.Is(err, io.EOF) {
				d.log.Info("dispatch: peer channel closed, receiver exiting", "node", nodeID)
			} else {
				d.log.Warn("dispatch: recv header failed, receiver exiting", "node", nodeID, "err", err)
			}
			return
		}

		h, err := wire.Decode(headerBuf)
		if err != nil {
			d.log.Error("dispatch: malformed header, receiver exiting", "node", nodeID, "err", err)
			return
		}

		var payload []byte
		if size := d.engine.PayloadSize(h); size > 0 {
			payload = make([]byte, size)
			if err := peer.Recv(payload); err != nil {
				d.log.Warn("dispatch: recv value payload failed, receiver exiting", "node", nodeID, "var", h.ID, "err", err)
				return
			}
		}

		d.route(nodeID, h, payload)
	}
}

func (d *Dispatcher) route(fromNode int, h wire.Header, payload []byte) {
	switch h.Type {
	case wire.BarrierBlock:
		d.barrier.HandleBlock(h.ID)
	case wire.BarrierUnblock:
		d.barrier.HandleUnblock(h.ID)
	default:
		d.engine.Dispatch(fromNode, h, payload)
	}
}
