// Command loomd runs a loom scheduler core as a standalone process: it
// wires a SQLite-backed store to a loom.Core, serves Prometheus metrics,
// and blocks until told to shut down. The job-submission RPC surface is
// an external collaborator (spec's own words) and is not part of this
// binary; loomd is the engine plus its ambient operational surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
