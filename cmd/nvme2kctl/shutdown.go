package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Bring the controller up, then drive a clean shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openDevice()
		if err != nil {
			return err
		}
		defer s.teardown()

		if err := s.ctx.Init(cmd.Context()); err != nil {
			return fmt.Errorf("nvme2kctl: init: %w", err)
		}
		if err := s.ctx.Shutdown(cmd.Context()); err != nil {
			return fmt.Errorf("nvme2kctl: shutdown: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}
