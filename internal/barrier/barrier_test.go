package barrier

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claudioscordino/pbsm-go/internal/transport"
	"github.com/claudioscordino/pbsm-go/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// findFreeBasePort probes for n consecutive free loopback ports.
func findFreeBasePort(t *testing.T, n int) int {
	t.Helper()
	for base := 27000; base < 60000; base += 97 {
		lns := make([]net.Listener, 0, n)
		ok := true
		for i := 0; i < n; i++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
			if err != nil {
				ok = false
				break
			}
			lns = append(lns, ln)
		}
		for _, ln := range lns {
			ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("no free port range found")
	return 0
}

func dialPair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	base := findFreeBasePort(t, 2)
	hosts := []string{"127.0.0.1", "127.0.0.1"}
	type result struct {
		tr  *transport.Transport
		err error
	}
	ch0 := make(chan result, 1)
	ch1 := make(chan result, 1)
	go func() {
		tr, err := transport.Dial(0, base, hosts, discardLogger())
		ch0 <- result{tr, err}
	}()
	go func() {
		tr, err := transport.Dial(1, base, hosts, discardLogger())
		ch1 <- result{tr, err}
	}()
	r0 := <-ch0
	r1 := <-ch1
	require.NoError(t, r0.err)
	require.NoError(t, r1.err)
	t.Cleanup(func() {
		r0.tr.Close()
		r1.tr.Close()
	})
	return r0.tr, r1.tr
}

// TestHandleBlockReleasesMasterAtZero exercises the master-side counter
// directly: the master's own Enter decrements once, and each simulated
// slave BARRIER_BLOCK decrements the rest, releasing exactly at zero.
func TestHandleBlockReleasesMasterAtZero(t *testing.T) {
	tr, _ := dialPair(t)
	c := New(0, 3, tr, discardLogger())

	done := make(chan error, 1)
	go func() { done <- c.Enter(42) }()

	// Give Enter a chance to register the barrier entry before the
	// simulated slave blocks arrive.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.masterWaiting[42]
		return ok
	}, time.Second, time.Millisecond)

	c.HandleBlock(42)
	select {
	case <-done:
		t.Fatal("master unblocked before every slave reported in")
	case <-time.After(50 * time.Millisecond):
	}

	c.HandleBlock(42)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("master did not unblock once every slave reported in")
	}
}

// TestBarrierRoundTripTwoNodes drives BARRIER_BLOCK/BARRIER_UNBLOCK over a
// real TCP pair: the slave's Enter must not return until the master's
// unblock broadcast actually arrives.
func TestBarrierRoundTripTwoNodes(t *testing.T) {
	tr0, tr1 := dialPair(t)
	master := New(0, 2, tr0, discardLogger())
	slave := New(1, 2, tr1, discardLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make([]error, 2)
	go func() { defer wg.Done(); errs[0] = master.Enter(7) }()
	go func() { defer wg.Done(); errs[1] = slave.Enter(7) }()

	peerAtMaster, ok := tr0.Peer(1)
	require.True(t, ok)
	headerBuf := make([]byte, wire.HeaderSize)
	require.NoError(t, peerAtMaster.Recv(headerBuf))
	h, err := wire.Decode(headerBuf)
	require.NoError(t, err)
	require.Equal(t, wire.BarrierBlock, h.Type)
	master.HandleBlock(h.ID)

	peerAtSlave, ok := tr1.Peer(0)
	require.True(t, ok)
	require.NoError(t, peerAtSlave.Recv(headerBuf))
	h, err = wire.Decode(headerBuf)
	require.NoError(t, err)
	require.Equal(t, wire.BarrierUnblock, h.Type)
	slave.HandleUnblock(h.ID)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier round trip did not complete")
	}
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

// TestSecondBarrierAfterFirstCompletes confirms keying slave waits by
// barrier id lets a node enter a second, distinct barrier immediately
// after the first releases, without residual state from the first.
func TestSecondBarrierAfterFirstCompletes(t *testing.T) {
	tr0, tr1 := dialPair(t)
	master := New(0, 2, tr0, discardLogger())
	slave := New(1, 2, tr1, discardLogger())

	runOne := func(id uint32) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); require.NoError(t, master.Enter(id)) }()
		go func() { defer wg.Done(); require.NoError(t, slave.Enter(id)) }()

		peerAtMaster, _ := tr0.Peer(1)
		headerBuf := make([]byte, wire.HeaderSize)
		require.NoError(t, peerAtMaster.Recv(headerBuf))
		h, err := wire.Decode(headerBuf)
		require.NoError(t, err)
		master.HandleBlock(h.ID)

		peerAtSlave, _ := tr1.Peer(0)
		require.NoError(t, peerAtSlave.Recv(headerBuf))
		h, err = wire.Decode(headerBuf)
		require.NoError(t, err)
		slave.HandleUnblock(h.ID)

		wg.Wait()
	}

	runOne(1)
	runOne(2)

	master.mu.Lock()
	require.Len(t, master.masterWaiting, 0)
	master.mu.Unlock()
	slave.mu.Lock()
	require.Len(t, slave.slaveWaiting, 0)
	slave.mu.Unlock()
}
