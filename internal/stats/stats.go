// Package stats holds lightweight counters for protocol events: messages
// sent/received by type, ownership transfers, and redirect hops. It has
// no analogue in the original pbsm project (which only had DEBUG/WARNING
// log lines for these events) — basic counters are not excluded by any
// spec Non-goal, so this fills that observability gap.
package stats

import (
	"sync/atomic"

	"github.com/claudioscordino/pbsm-go/internal/wire"
)

// Counters is a snapshot-friendly set of atomic counters.
type Counters struct {
	sent     [10]atomic.Int64
	received [10]atomic.Int64

	ownershipTransfers atomic.Int64
	redirectHops       atomic.Int64
}

// New returns a zeroed Counters.
func New() *Counters { return &Counters{} }

func (c *Counters) RecordSent(t wire.MsgType) {
	if int(t) < len(c.sent) {
		c.sent[t].Add(1)
	}
}

func (c *Counters) RecordReceived(t wire.MsgType) {
	if int(t) < len(c.received) {
		c.received[t].Add(1)
	}
}

func (c *Counters) RecordOwnershipTransfer() { c.ownershipTransfers.Add(1) }

func (c *Counters) RecordRedirectHop() { c.redirectHops.Add(1) }

// Snapshot is a point-in-time, plain-data copy of Counters suitable for
// logging or JSON encoding.
type Snapshot struct {
	SentByType     map[string]int64
	ReceivedByType map[string]int64
	OwnershipTransfers int64
	RedirectHops       int64
}

// Snapshot reads every counter into a Snapshot.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		SentByType:     make(map[string]int64),
		ReceivedByType: make(map[string]int64),
	}
	for i := 1; i < len(c.sent); i++ {
		t := wire.MsgType(i)
		if v := c.sent[i].Load(); v != 0 {
			s.SentByType[t.String()] = v
		}
		if v := c.received[i].Load(); v != 0 {
			s.ReceivedByType[t.String()] = v
		}
	}
	s.OwnershipTransfers = c.ownershipTransfers.Load()
	s.RedirectHops = c.redirectHops.Load()
	return s
}
