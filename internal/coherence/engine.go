// Package coherence implements the per-variable coherence state machine
// (component C4): the local-access hooks exposed to the variable proxy,
// and the message handlers dispatched by the per-remote receiver tasks.
//
// Grounded on original_source/src/policy.cpp (Policy::before_local_read,
// Policy::before_local_write, Policy::receive_messages) and on
// amyhu910-6.5840-dsm/ivy/central.go's handleReadWrite/invalidateCaches
// for the owner/copyset/invalidate shape, adapted from synchronous
// RPC-and-block into asynchronous message-send-then-condition-wait.
package coherence

import (
	"fmt"
	"log/slog"

	"github.com/claudioscordino/pbsm-go/internal/registry"
	"github.com/claudioscordino/pbsm-go/internal/stats"
	"github.com/claudioscordino/pbsm-go/internal/transport"
	"github.com/claudioscordino/pbsm-go/internal/wire"
)

// DefaultMaxRedirectHops bounds the SET_NEW_OWNER redirect chain before
// the engine starts logging at error level (spec §9, Open Question 3).
// It does not abort the wait — no cancellation primitive exists.
const DefaultMaxRedirectHops = 64

// Engine drives the coherence protocol for one node.
type Engine struct {
	selfID          int
	numNodes        int
	reg             *registry.Registry
	tr              *transport.Transport
	st              *stats.Counters
	log             *slog.Logger
	maxRedirectHops int
}

// New builds an Engine for node selfID among numNodes total nodes.
func New(selfID, numNodes int, reg *registry.Registry, tr *transport.Transport, st *stats.Counters, log *slog.Logger) *Engine {
	return &Engine{
		selfID:          selfID,
		numNodes:        numNodes,
		reg:             reg,
		tr:              tr,
		st:              st,
		log:             log,
		maxRedirectHops: DefaultMaxRedirectHops,
	}
}

// Register creates the protocol record for a newly declared variable.
// On node 0 the initial state is OWNER_SHARED; on every other node it is
// REMOTE_CACHED with remote_owner = 0. No network traffic happens here
// (spec §3, Lifecycle/Creation).
func (e *Engine) Register(id uint32, value registry.ValueCodec) *registry.Variable {
	var v *registry.Variable
	if e.selfID == 0 {
		v = registry.NewVariable(id, value, registry.OwnerShared, 0)
	} else {
		v = registry.NewVariable(id, value, registry.RemoteCached, 0)
	}
	e.reg.Insert(v)
	return v
}

// Unregister broadcasts the variable's final value to every peer (as
// last writer seen, no acknowledgement required) and removes its entry
// (spec §3, Lifecycle/Destruction).
func (e *Engine) Unregister(id uint32, finalBytes []byte) error {
	defer e.reg.Remove(id)
	h := wire.NewValueHeader(id, len(finalBytes))
	return e.broadcastValue(h, finalBytes)
}

// BeforeLocalRead implements the before_local_read hook (spec §4.2).
func (e *Engine) BeforeLocalRead(id uint32) error {
	v, ok := e.reg.Lookup(id)
	if !ok {
		return fmt.Errorf("coherence: before_local_read: unknown variable %d", id)
	}

	v.Mu.Lock()
	if v.State != registry.RemoteStale {
		v.Mu.Unlock()
		return nil
	}
	owner := v.RemoteOwner
	v.RedirectHops = 0
	v.Mu.Unlock()

	if err := e.sendAskCurrentValue(id, owner); err != nil {
		e.log.Warn("before_local_read: failed to send ASK_CURRENT_VALUE", "var", id, "owner", owner, "err", err)
		return err
	}

	v.Mu.Lock()
	for v.State == registry.RemoteStale {
		v.AwaitValue.Wait()
	}
	v.Mu.Unlock()
	return nil
}

// BeforeLocalWrite implements the before_local_write hook (spec §4.2).
func (e *Engine) BeforeLocalWrite(id uint32) error {
	v, ok := e.reg.Lookup(id)
	if !ok {
		return fmt.Errorf("coherence: before_local_write: unknown variable %d", id)
	}

	v.Mu.Lock()
	switch v.State {
	case registry.RemoteCached, registry.RemoteStale:
		owner := v.RemoteOwner
		v.RedirectHops = 0
		v.GrantReceived = false
		v.Mu.Unlock()

		if err := e.sendRequestOwnership(id, owner); err != nil {
			e.log.Warn("before_local_write: failed to send REQUEST_OWNERSHIP", "var", id, "owner", owner, "err", err)
			return err
		}

		v.Mu.Lock()
		for !v.GrantReceived {
			v.AwaitGrant.Wait()
		}
		v.State = registry.OwnerExclusive
		v.Mu.Unlock()

	case registry.OwnerShared:
		v.PendingInvalidations = e.numNodes - 1
		v.Mu.Unlock()

		if err := e.broadcastInvalidate(id); err != nil {
			e.log.Warn("before_local_write: failed to broadcast INVALIDATE_COPY", "var", id, "err", err)
			return err
		}

		v.Mu.Lock()
		for v.PendingInvalidations > 0 {
			v.AwaitInvalidationsZero.Wait()
		}
		v.State = registry.OwnerExclusive
		v.Mu.Unlock()

	case registry.OwnerExclusive:
		v.Mu.Unlock()
	}
	return nil
}

// AfterLocalWrite implements the after_local_write hook. Per spec §9
// Open Question 4, the protocol allows a write to take effect without
// telling anyone only because the owner is guaranteed OWNER_EXCLUSIVE
// (no cached copies anywhere); this asserts that invariant rather than
// staying a silent no-op.
func (e *Engine) AfterLocalWrite(id uint32) {
	v, ok := e.reg.Lookup(id)
	if !ok {
		return
	}
	v.Mu.Lock()
	defer v.Mu.Unlock()
	if v.State != registry.OwnerExclusive {
		e.log.Error("after_local_write: invariant violated, not exclusive owner", "var", id, "state", v.State)
	}
}

// Dispatch routes one decoded message to its handler. payload is only
// meaningful (and non-nil) when h.Type is wire.SetNewValue; the
// dispatcher is responsible for reading it from the same channel before
// calling Dispatch, per spec §4.5.
func (e *Engine) Dispatch(fromNode int, h wire.Header, payload []byte) {
	e.st.RecordReceived(h.Type)
	switch h.Type {
	case wire.RequestOwnership:
		e.handleRequestOwnership(fromNode, h)
	case wire.GrantOwnership:
		e.handleGrantOwnership(h)
	case wire.SetNewOwner:
		e.handleSetNewOwner(h)
	case wire.AskCurrentValue:
		e.handleAskCurrentValue(fromNode, h)
	case wire.SetNewValue:
		e.handleSetNewValue(h, payload)
	case wire.InvalidateCopy:
		e.handleInvalidateCopy(h)
	case wire.InvalidateCopyAck:
		e.handleInvalidateCopyAck(h)
	default:
		e.log.Error("dispatch: unknown message type", "type", uint8(h.Type), "from", fromNode)
	}
}

// PayloadSize reports how many additional bytes the dispatcher must read
// from the same channel immediately after this header.
func (e *Engine) PayloadSize(h wire.Header) int {
	if h.Type == wire.SetNewValue {
		return h.SizePayload()
	}
	return 0
}

func (e *Engine) handleRequestOwnership(fromNode int, h wire.Header) {
	v, ok := e.reg.Lookup(h.ID)
	if !ok {
		e.log.Debug("REQUEST_OWNERSHIP for unknown variable, dropping", "var", h.ID, "from", fromNode)
		return
	}
	requester := h.NodePayload()

	v.Mu.Lock()
	if v.State.IsOwner() {
		v.State = registry.RemoteStale
		v.RemoteOwner = requester
		v.Mu.Unlock()
		e.st.RecordOwnershipTransfer()
		if err := e.sendTo(requester, wire.RequestHeader(wire.GrantOwnership, h.ID, e.selfID)); err != nil {
			e.log.Warn("failed to send GRANT_OWNERSHIP", "var", h.ID, "to", requester, "err", err)
		}
		return
	}
	believedOwner := v.RemoteOwner
	v.Mu.Unlock()
	if err := e.sendTo(requester, wire.RedirectHeader(h.ID, believedOwner)); err != nil {
		e.log.Warn("failed to send SET_NEW_OWNER redirect", "var", h.ID, "to", requester, "err", err)
	}
}

func (e *Engine) handleGrantOwnership(h wire.Header) {
	v, ok := e.reg.Lookup(h.ID)
	if !ok {
		e.log.Debug("GRANT_OWNERSHIP for unknown variable, dropping", "var", h.ID)
		return
	}
	v.Mu.Lock()
	v.GrantReceived = true
	v.AwaitGrant.Broadcast()
	v.Mu.Unlock()
}

func (e *Engine) handleSetNewOwner(h wire.Header) {
	v, ok := e.reg.Lookup(h.ID)
	if !ok {
		e.log.Debug("SET_NEW_OWNER for unknown variable, dropping", "var", h.ID)
		return
	}
	newOwner := h.NodePayload()

	v.Mu.Lock()
	v.State = registry.RemoteStale
	v.RemoteOwner = newOwner
	v.RedirectHops++
	hops := v.RedirectHops
	v.Mu.Unlock()

	if hops > e.maxRedirectHops {
		e.log.Error("redirect chain exceeded max hops", "var", h.ID, "hops", hops, "max", e.maxRedirectHops)
	}
	e.st.RecordRedirectHop()

	// The waiter (before_local_read or before_local_write) remains
	// blocked: it will be released when GRANT_OWNERSHIP or
	// SET_NEW_VALUE eventually arrives from the real owner.
	if err := e.sendTo(newOwner, wire.RequestHeader(wire.RequestOwnership, h.ID, e.selfID)); err != nil {
		e.log.Warn("failed to re-send REQUEST_OWNERSHIP after redirect", "var", h.ID, "to", newOwner, "err", err)
	}
}

func (e *Engine) handleAskCurrentValue(fromNode int, h wire.Header) {
	v, ok := e.reg.Lookup(h.ID)
	if !ok {
		e.log.Debug("ASK_CURRENT_VALUE for unknown variable, dropping", "var", h.ID, "from", fromNode)
		return
	}
	requester := h.NodePayload()

	v.Mu.Lock()
	if v.State.IsOwner() {
		v.State = registry.OwnerShared
		data := v.Value.GetBytes()
		v.Mu.Unlock()
		if err := e.sendValueTo(requester, wire.NewValueHeader(h.ID, len(data)), data); err != nil {
			e.log.Warn("failed to send SET_NEW_VALUE", "var", h.ID, "to", requester, "err", err)
		}
		return
	}
	believedOwner := v.RemoteOwner
	v.Mu.Unlock()
	if err := e.sendTo(requester, wire.RedirectHeader(h.ID, believedOwner)); err != nil {
		e.log.Warn("failed to send SET_NEW_OWNER redirect", "var", h.ID, "to", requester, "err", err)
	}
}

func (e *Engine) handleSetNewValue(h wire.Header, payload []byte) {
	v, ok := e.reg.Lookup(h.ID)
	if !ok {
		e.log.Debug("SET_NEW_VALUE for unknown variable, dropping", "var", h.ID)
		return
	}
	v.Mu.Lock()
	v.Value.SetBytes(payload)
	v.State = registry.RemoteCached
	v.AwaitValue.Broadcast()
	v.Mu.Unlock()
}

func (e *Engine) handleInvalidateCopy(h wire.Header) {
	v, ok := e.reg.Lookup(h.ID)
	requester := h.NodePayload()
	if ok {
		v.Mu.Lock()
		v.State = registry.RemoteStale
		v.Mu.Unlock()
	} else {
		e.log.Debug("INVALIDATE_COPY for unknown variable, acking anyway", "var", h.ID)
	}
	if err := e.sendTo(requester, wire.RequestHeader(wire.InvalidateCopyAck, h.ID, e.selfID)); err != nil {
		e.log.Warn("failed to send INVALIDATE_COPY_ACK", "var", h.ID, "to", requester, "err", err)
	}
}

func (e *Engine) handleInvalidateCopyAck(h wire.Header) {
	v, ok := e.reg.Lookup(h.ID)
	if !ok {
		e.log.Debug("INVALIDATE_COPY_ACK for unknown variable, dropping", "var", h.ID)
		return
	}
	v.Mu.Lock()
	v.PendingInvalidations--
	if v.PendingInvalidations <= 0 {
		v.AwaitInvalidationsZero.Broadcast()
	}
	v.Mu.Unlock()
}

// --- send helpers ---

func (e *Engine) sendTo(nodeID int, h wire.Header) error {
	if nodeID == e.selfID {
		e.log.Error("attempted to send to self, dropping", "type", h.Type, "var", h.ID)
		return nil
	}
	p, ok := e.tr.Peer(nodeID)
	if !ok {
		return fmt.Errorf("coherence: no peer channel to node %d", nodeID)
	}
	e.st.RecordSent(h.Type)
	return p.Send(wire.Encode(h))
}

func (e *Engine) sendValueTo(nodeID int, h wire.Header, payload []byte) error {
	if nodeID == e.selfID {
		e.log.Error("attempted to send value to self, dropping", "var", h.ID)
		return nil
	}
	p, ok := e.tr.Peer(nodeID)
	if !ok {
		return fmt.Errorf("coherence: no peer channel to node %d", nodeID)
	}
	e.st.RecordSent(h.Type)
	return p.SendAll(wire.Encode(h), payload)
}

func (e *Engine) sendAskCurrentValue(id uint32, owner int) error {
	return e.sendTo(owner, wire.RequestHeader(wire.AskCurrentValue, id, e.selfID))
}

func (e *Engine) sendRequestOwnership(id uint32, owner int) error {
	return e.sendTo(owner, wire.RequestHeader(wire.RequestOwnership, id, e.selfID))
}

func (e *Engine) broadcastInvalidate(id uint32) error {
	h := wire.RequestHeader(wire.InvalidateCopy, id, e.selfID)
	var firstErr error
	for _, nodeID := range e.tr.Peers() {
		if err := e.sendTo(nodeID, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) broadcastValue(h wire.Header, payload []byte) error {
	var firstErr error
	for _, nodeID := range e.tr.Peers() {
		if err := e.sendValueTo(nodeID, h, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
