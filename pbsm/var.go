// Package pbsm is the user-facing API of the DSM runtime: Var[T], a
// generic handle over a coherence-tracked value, replacing the original
// project's shared<T> operator-overloading proxy
// (original_source/include/shared.hpp) per spec.md §9's first
// re-architecture note. The core protocol only ever sees bytes and a
// fixed size; no operator overloading is required in Go.
package pbsm

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/claudioscordino/pbsm-go/internal/registry"
	"github.com/claudioscordino/pbsm-go/internal/runtime"
)

// Var is a shared variable of type T, coherent across every node backed
// by the same Runtime. T is framed to bytes one of two ways: the
// fast path, fixed-width types encoding/binary already knows how to lay
// out (integers of explicit width, floats, bool, arrays/structs
// thereof), or, for everything else, T (or *T) implementing
// encoding.BinaryMarshaler/BinaryUnmarshaler. This is the Go equivalent
// of the fixed-size byte buffer §6.4 requires, extended with the
// marshaler fallback §6.4 promises for non-trivial T. Plain int/uint are
// platform-width and accepted by neither path — use int32/int64 etc.
//
// The value itself is protected by the same per-variable mutex the
// coherence engine uses to serialize state transitions (rv.Mu), exactly
// as the value slot lives inside var_data in spec.md §3 — there is no
// separate lock to keep in sync with protocol state.
type Var[T any] struct {
	rt    *runtime.Runtime
	id    uint32
	rv    *registry.Variable
	value T
}

// Declare registers a new shared variable identified by token (normally
// the result of Site()) with initial value init. It must be called with
// the same token, in the same order, on every node — spec.md §3 assumes
// this symmetry and performs no network traffic at creation.
func Declare[T any](rt *runtime.Runtime, token string, init T) (*Var[T], error) {
	v := &Var[T]{rt: rt, id: hashToken(token), value: init}
	if !v.encodable() {
		return nil, fmt.Errorf("pbsm: type %T is neither a fixed-width encoding/binary type nor an encoding.BinaryMarshaler/BinaryUnmarshaler", init)
	}
	v.rv = rt.Engine().Register(v.id, v)
	return v, nil
}

// encodable reports whether value can be framed as bytes via either the
// fixed-width fast path or the marshaler fallback.
func (v *Var[T]) encodable() bool {
	if binary.Size(v.value) >= 0 {
		return true
	}
	_, marshals := any(&v.value).(encoding.BinaryMarshaler)
	_, unmarshals := any(&v.value).(encoding.BinaryUnmarshaler)
	return marshals && unmarshals
}

// Get returns the current value, refreshing it from the owner first if
// this node's copy is stale (before_local_read, spec.md §4.2).
func (v *Var[T]) Get() T {
	if err := v.rt.Engine().BeforeLocalRead(v.id); err != nil {
		v.rt.Logger().Warn("pbsm: Get: before_local_read failed", "var", v.id, "err", err)
	}
	v.rv.Mu.Lock()
	defer v.rv.Mu.Unlock()
	return v.value
}

// Set writes a new value, acquiring ownership (and invalidating any
// cached copies) first if necessary (before_local_write/after_local_write,
// spec.md §4.2).
func (v *Var[T]) Set(val T) {
	for {
		if err := v.rt.Engine().BeforeLocalWrite(v.id); err != nil {
			v.rt.Logger().Warn("pbsm: Set: before_local_write failed", "var", v.id, "err", err)
			v.rv.Mu.Lock()
			break
		}
		v.rv.Mu.Lock()
		// Ownership can move to another node between BeforeLocalWrite
		// returning and the lock being retaken; write only as exclusive owner.
		if v.rv.State == registry.OwnerExclusive {
			break
		}
		v.rv.Mu.Unlock()
	}
	v.value = val
	v.rv.Mu.Unlock()
	v.rt.Engine().AfterLocalWrite(v.id)
}

// Destroy publishes the final value to every peer and removes the
// variable's protocol record (spec.md §3, Lifecycle/Destruction). No
// further Get/Set calls are valid afterwards.
func (v *Var[T]) Destroy() error {
	v.rv.Mu.Lock()
	final := v.getBytesLocked()
	v.rv.Mu.Unlock()
	return v.rt.Engine().Unregister(v.id, final)
}

// ID returns the variable's stable source-site hash.
func (v *Var[T]) ID() uint32 { return v.id }

// GetBytes implements registry.ValueCodec. The coherence engine always
// calls this with v.rv.Mu already held.
func (v *Var[T]) GetBytes() []byte {
	return v.getBytesLocked()
}

func (v *Var[T]) getBytesLocked() []byte {
	if m, ok := any(&v.value).(encoding.BinaryMarshaler); ok {
		b, err := m.MarshalBinary()
		if err != nil {
			v.rt.Logger().Error("pbsm: GetBytes: MarshalBinary failed", "var", v.id, "err", err)
			return nil
		}
		return b
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v.value); err != nil {
		v.rt.Logger().Error("pbsm: GetBytes: encode failed", "var", v.id, "err", err)
		return nil
	}
	return buf.Bytes()
}

// SetBytes implements registry.ValueCodec. The coherence engine always
// calls this with v.rv.Mu already held.
func (v *Var[T]) SetBytes(b []byte) {
	if u, ok := any(&v.value).(encoding.BinaryUnmarshaler); ok {
		if err := u.UnmarshalBinary(b); err != nil {
			v.rt.Logger().Error("pbsm: SetBytes: UnmarshalBinary failed", "var", v.id, "err", err)
		}
		return
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v.value); err != nil {
		v.rt.Logger().Error("pbsm: SetBytes: decode failed", "var", v.id, "err", err)
	}
}

// Size implements registry.ValueCodec. The coherence engine always calls
// this with v.rv.Mu already held.
func (v *Var[T]) Size() int {
	return len(v.getBytesLocked())
}

var _ registry.ValueCodec = (*Var[int32])(nil)
