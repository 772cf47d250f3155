// Command agent runs the on-vehicle telemetry edge agent: ingestion from
// bus readers, campaign-driven buffering and store-and-forward, and
// S3 upload. Modeled on the teacher's cmd/authn/main.go: parse config,
// wire subsystems, install a signal handler, run until told to stop.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetedge/agent/cmn/nlog"
)

func main() {
	cfg, err := NewEnvConfigSource().Load()
	if err != nil {
		nlog.Errorf("agent: load config: %v", err)
		nlog.Flush()
		os.Exit(1)
	}

	a, err := newAgent(cfg)
	if err != nil {
		nlog.Errorf("agent: startup failed: %v", err)
		nlog.Flush()
		os.Exit(1)
	}

	stop := make(chan struct{})
	a.Start(stop)
	nlog.Infof("agent: running (root=%s)", cfg.Root)

	exitCode := waitForSignal()
	close(stop)
	a.Shutdown()
	os.Exit(exitCode)
}

// waitForSignal blocks until either a normal termination signal (exit 0)
// or SIGUSR1 (graceful fatal exit, per §6.5) arrives.
func waitForSignal() int {
	term := make(chan os.Signal, 1)
	signal.Notify(term, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	fatal := make(chan os.Signal, 1)
	signal.Notify(fatal, syscall.SIGUSR1)

	select {
	case <-term:
		nlog.Infof("agent: shutting down")
		return 0
	case <-fatal:
		nlog.Errorf("agent: received SIGUSR1, fatal shutdown")
		return 1
	}
}
