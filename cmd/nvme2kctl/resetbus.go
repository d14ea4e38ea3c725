package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// resetBusCmd exercises the same shutdown-then-reinitialize path a port
// driver takes on a SCSI BUS DEVICE RESET (spec.md §4.8's Non-goals exclude
// modeling the bus-reset SRB itself, but the underlying shutdown/init cycle
// it would trigger is exactly what Shutdown/Init already implement).
var resetBusCmd = &cobra.Command{
	Use:   "reset-bus",
	Short: "Cycle the controller through shutdown and re-init",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openDevice()
		if err != nil {
			return err
		}
		defer s.teardown()

		if err := s.ctx.Init(cmd.Context()); err != nil {
			return fmt.Errorf("nvme2kctl: initial init: %w", err)
		}
		if err := s.ctx.Shutdown(cmd.Context()); err != nil {
			return fmt.Errorf("nvme2kctl: shutdown: %w", err)
		}
		if err := s.ctx.Init(cmd.Context()); err != nil {
			return fmt.Errorf("nvme2kctl: re-init: %w", err)
		}
		fmt.Println("bus reset complete, controller ready")
		return s.ctx.Shutdown(cmd.Context())
	},
}
