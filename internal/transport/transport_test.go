package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// findFreeBasePort probes for n consecutive free loopback ports.
func findFreeBasePort(t *testing.T, n int) int {
	t.Helper()
	for base := 21000; base < 60000; base += 97 {
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

func dialCluster(t *testing.T, n int) []*Transport {
	t.Helper()
	basePort := findFreeBasePort(t, n)
	hosts := make([]string, n)
	for i := range hosts {
		hosts[i] = "127.0.0.1"
	}

	results := make([]*Transport, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, err := Dial(i, basePort, hosts, testLogger())
			results[i] = tr
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "node %d", i)
	}
	t.Cleanup(func() {
		for _, tr := range results {
			tr.Close()
		}
	})
	return results
}

func TestDialEstablishesFullMesh(t *testing.T) {
	trs := dialCluster(t, 3)
	for i, tr := range trs {
		require.Len(t, tr.Peers(), 2, "node %d", i)
		for j := range trs {
			if j == i {
				continue
			}
			_, ok := tr.Peer(j)
			require.True(t, ok, "node %d missing peer %d", i, j)
		}
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	trs := dialCluster(t, 2)

	p01, ok := trs[0].Peer(1)
	require.True(t, ok)
	require.NoError(t, p01.Send([]byte("hello")))

	p10, ok := trs[1].Peer(0)
	require.True(t, ok)
	buf := make([]byte, 5)
	require.NoError(t, p10.Recv(buf))
	require.Equal(t, "hello", string(buf))
}

func TestSendAllIsAtomic(t *testing.T) {
	trs := dialCluster(t, 2)

	p01, _ := trs[0].Peer(1)
	p10, _ := trs[1].Peer(0)

	done := make(chan struct{})
	go func() {
		require.NoError(t, p01.SendAll([]byte("AAAA"), []byte("BBBBBBBB")))
		close(done)
	}()
	<-done

	buf := make([]byte, 12)
	require.NoError(t, p10.Recv(buf))
	require.Equal(t, "AAAABBBBBBBB", string(buf))
}
