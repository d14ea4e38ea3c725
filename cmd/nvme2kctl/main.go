// Command nvme2kctl is the operator-facing front end for the driver core
// (spec.md §6): it wires hostservices.Services to either a real UIO-backed
// NVMe controller or the in-memory simulator, drives Init/Shutdown, and
// issues the SCSI/ATA surface the controller translates. Modeled on the
// teacher's cmd/smartctl, upgraded from flag to cobra the same way the rest
// of the ambient stack was upgraded (see DESIGN.md).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
