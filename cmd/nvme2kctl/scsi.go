package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/scsi"
)

var (
	scsiLBA    uint32
	scsiBlocks uint16
	scsiPage   uint8
	scsiPC     bool
)

// scsiCmd groups one subcommand per SCSI opcode this driver translates
// (spec.md §4.9), mirroring the teacher's cmd/smartctl shape of one flag set
// per device operation, generalized to one cobra command per opcode.
var scsiCmd = &cobra.Command{
	Use:   "scsi",
	Short: "Issue a single SCSI command through StartIO",
}

func init() {
	rwFlags := func(c *cobra.Command) {
		c.Flags().Uint32Var(&scsiLBA, "lba", 0, "starting logical block address")
		c.Flags().Uint16Var(&scsiBlocks, "blocks", 1, "block count")
	}
	readCmd := &cobra.Command{Use: "read", Short: "READ(10)", RunE: scsiReadWrite(scsi.OpRead10)}
	writeCmd := &cobra.Command{Use: "write", Short: "WRITE(10)", RunE: scsiReadWrite(scsi.OpWrite10)}
	rwFlags(readCmd)
	rwFlags(writeCmd)

	modeSenseCmd := &cobra.Command{Use: "mode-sense", Short: "MODE SENSE(10)", RunE: scsiModeSense}
	modeSenseCmd.Flags().Uint8Var(&scsiPage, "page", 0x3F, "mode page code")
	modeSenseCmd.Flags().BoolVar(&scsiPC, "long", true, "use MODE SENSE(10) instead of MODE SENSE(6)")

	scsiCmd.AddCommand(
		&cobra.Command{Use: "inquiry", Short: "INQUIRY", RunE: scsiInquiry},
		&cobra.Command{Use: "read-capacity", Short: "READ CAPACITY(10)", RunE: scsiReadCapacity},
		readCmd,
		writeCmd,
		&cobra.Command{Use: "sync-cache", Short: "SYNCHRONIZE CACHE(10)", RunE: scsiSyncCache},
		modeSenseCmd,
		&cobra.Command{Use: "log-sense", Short: "LOG SENSE (Informational Exceptions page)", RunE: scsiLogSense},
		&cobra.Command{Use: "read-defect-data", Short: "READ DEFECT DATA(10)", RunE: scsiReadDefectData},
	)
}

func scsiInquiry(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		req := hostservices.NewRequest()
		req.Cdb = []byte{scsi.OpInquiry, 0, 0, 0, scsi.InquiryReplyLen, 0}
		req.Data = make([]byte, scsi.InquiryReplyLen)
		req.Sense = make([]byte, 18)
		return runSync(s, req, "INQUIRY", func() {
			fmt.Printf("Vendor:  %s\n", req.Data[8:16])
			fmt.Printf("Product: %s\n", req.Data[16:32])
		})
	})
}

func scsiReadCapacity(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		req := hostservices.NewRequest()
		req.Cdb = []byte{scsi.OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		req.Data = make([]byte, 8)
		req.Sense = make([]byte, 18)
		return runSync(s, req, "READ CAPACITY(10)", func() {
			lastLBA := uint32(req.Data[0])<<24 | uint32(req.Data[1])<<16 | uint32(req.Data[2])<<8 | uint32(req.Data[3])
			blockLen := uint32(req.Data[4])<<24 | uint32(req.Data[5])<<16 | uint32(req.Data[6])<<8 | uint32(req.Data[7])
			fmt.Printf("Last LBA: %d, block length: %d\n", lastLBA, blockLen)
		})
	})
}

func scsiReadWrite(opcode uint8) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return initAndRun(cmd, func(s *session) error {
			req := hostservices.NewRequest()
			req.Cdb = buildCDB10(opcode, scsiLBA, scsiBlocks)
			req.Data = make([]byte, int(scsiBlocks)*512)
			req.Sense = make([]byte, 18)
			name := "READ(10)"
			if opcode == scsi.OpWrite10 {
				name = "WRITE(10)"
				for i := range req.Data {
					req.Data[i] = 0xA5
				}
			}
			// Read/Write complete asynchronously through the IO queue
			// (spec.md §4.9): submit, then drain PollIO until resolved.
			if err := s.ctx.StartIO(req); err != nil {
				return err
			}
			if err := pollUntilDone(cmd.Context(), req, s.ctx.PollIO); err != nil {
				return err
			}
			if req.Status() != hostservices.StatusSuccess {
				return fmt.Errorf("nvme2kctl: %s failed: %s", name, req.Status())
			}
			if opcode == scsi.OpRead10 {
				fmt.Println(hex.Dump(req.Data))
			} else {
				fmt.Println("write complete")
			}
			return nil
		})
	}
}

func scsiSyncCache(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		req := hostservices.NewRequest()
		req.Cdb = []byte{scsi.OpSynchronizeCache, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		req.Sense = make([]byte, 18)
		if err := s.ctx.StartIO(req); err != nil {
			return err
		}
		if err := pollUntilDone(cmd.Context(), req, s.ctx.PollIO); err != nil {
			return err
		}
		if req.Status() != hostservices.StatusSuccess {
			return fmt.Errorf("nvme2kctl: SYNCHRONIZE CACHE(10) failed: %s", req.Status())
		}
		fmt.Println("cache flushed")
		return nil
	})
}

func scsiModeSense(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		req := hostservices.NewRequest()
		var opcode uint8 = scsi.OpModeSense10
		if !scsiPC {
			opcode = scsi.OpModeSense6
		}
		req.Cdb = make([]byte, 10)
		if opcode == scsi.OpModeSense6 {
			req.Cdb = make([]byte, 6)
		}
		req.Cdb[0] = opcode
		req.Cdb[2] = scsiPage & 0x3F
		req.Data = make([]byte, 256)
		req.Sense = make([]byte, 18)
		return runSync(s, req, "MODE SENSE", func() {
			fmt.Println(hex.Dump(req.Data))
		})
	})
}

func scsiLogSense(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		req := hostservices.NewRequest()
		req.Cdb = []byte{scsi.OpLogSense, 0, 0x2F, 0, 0, 0, 0, 0, 0, 0}
		req.Data = make([]byte, 64)
		req.Sense = make([]byte, 18)
		// LOG SENSE completes asynchronously through a Get Log Page admin
		// command (spec.md §4.9): submit, then drain PollAdmin until resolved.
		if err := s.ctx.StartIO(req); err != nil {
			return err
		}
		if err := pollUntilDone(cmd.Context(), req, s.ctx.PollAdmin); err != nil {
			return err
		}
		if req.Status() != hostservices.StatusSuccess {
			return fmt.Errorf("nvme2kctl: LOG SENSE failed: %s", req.Status())
		}
		fmt.Println(hex.Dump(req.Data))
		return nil
	})
}

func scsiReadDefectData(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		req := hostservices.NewRequest()
		req.Cdb = []byte{scsi.OpReadDefectData10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		req.Data = make([]byte, 8)
		req.Sense = make([]byte, 18)
		return runSync(s, req, "READ DEFECT DATA(10)", func() {
			fmt.Println(hex.Dump(req.Data))
		})
	})
}

// runSync issues req, which the controller resolves synchronously
// (INQUIRY/READ CAPACITY/MODE SENSE/READ DEFECT DATA never submit
// an NVMe command — spec.md §4.9), then calls onSuccess.
func runSync(s *session, req hostservices.Request, name string, onSuccess func()) error {
	if err := s.ctx.StartIO(req); err != nil {
		return err
	}
	if req.Status() != hostservices.StatusSuccess {
		return fmt.Errorf("nvme2kctl: %s failed: %s", name, req.Status())
	}
	onSuccess()
	return nil
}
