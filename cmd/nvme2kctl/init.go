package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvme2k-go/nvme2k/bitutil"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bring the controller up and print the Identify summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openDevice()
		if err != nil {
			return err
		}
		defer s.teardown()

		if err := s.ctx.Init(cmd.Context()); err != nil {
			return fmt.Errorf("nvme2kctl: init: %w", err)
		}
		defer s.ctx.Shutdown(cmd.Context())

		ic := s.ctx.IdentifyController()
		ns := s.ctx.IdentifyNamespace()

		fmt.Printf("Serial Number:     %s\n", ic.SerialNumber)
		fmt.Printf("Model Number:      %s\n", ic.ModelNumber)
		fmt.Printf("Firmware Revision: %s\n", ic.FirmwareRev)
		fmt.Printf("Namespace LBAs:    %d (block size %d)\n", ns.LBACount, ns.BlockSize)
		fmt.Printf("Namespace Size:    %s\n", bitutil.FormatBytes(ns.LBACount*uint64(ns.BlockSize)))
		return nil
	},
}
