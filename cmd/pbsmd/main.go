// Command pbsmd starts one node of the pbsm distributed shared memory
// runtime. It replaces the original project's hand-rolled os.Args
// scanning (amyhu910-6.5840-dsm/main.go's -c/-p/-h dispatch) with the
// stdlib flag package, the way every CLI entrypoint in this corpus is
// actually built.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/claudioscordino/pbsm-go/internal/membership"
	"github.com/claudioscordino/pbsm-go/internal/runtime"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pbsmd", flag.ContinueOnError)
	nodeID := fs.Int("node", -1, "this node's id, in [0, N-1]; node 0 is the master")
	hostsPath := fs.String("hosts", "/etc/pbsm/hosts.conf", "path to the membership file, one address per line")
	basePort := fs.Int("port", 2000, "base TCP port; node i listens on port+i")
	debug := fs.Bool("debug", false, "dump protocol counters to stderr on exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *nodeID < 0 {
		log.Error("missing or invalid -node flag")
		return 1
	}

	hosts, err := membership.Load(*hostsPath)
	if err != nil {
		log.Error("failed to load membership", "err", err)
		return 1
	}

	rt, err := runtime.New(runtime.Config{
		NodeID:   *nodeID,
		Hosts:    hosts,
		BasePort: *basePort,
		Logger:   log,
	})
	if err != nil {
		log.Error("failed to start runtime", "err", err)
		return 1
	}
	defer func() {
		if *debug {
			fmt.Fprintf(os.Stderr, "%+v\n", rt.Stats())
		}
		log.Info("exiting")
		_ = rt.Close()
	}()

	log.Info("node ready", "node", rt.NodeID(), "nodes", rt.NumNodes())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)
	return 0
}
