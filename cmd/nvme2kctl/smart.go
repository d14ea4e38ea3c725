package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvme2k-go/nvme2k/ata"
	"github.com/nvme2k-go/nvme2k/controller"
	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/scsi"
)

// smartCmd groups the two SMART entry points spec.md §4.10 describes: SAT
// ATA PASS-THROUGH(16) and the legacy SRB_IO_CONTROL/SENDCMDINPARAMS
// surface. Both pretty-print through ata.FormatSMARTAttributes, the
// equivalent of the teacher's own PrintSMART.
var smartCmd = &cobra.Command{
	Use:   "smart",
	Short: "Read SMART data via ata-passthrough or the legacy ioctl surface",
}

func init() {
	smartCmd.AddCommand(
		&cobra.Command{Use: "ata-passthrough", Short: "SAT ATA PASS-THROUGH(16) SMART READ DATA", RunE: smartATAPassThrough},
		&cobra.Command{Use: "ioctl", Short: "Legacy SRB_IO_CONTROL SMART READ DATA", RunE: smartIOCTL},
	)
}

func smartATAPassThrough(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		req := hostservices.NewRequest()
		req.Cdb = smartReadDataCDB16()
		req.Data = make([]byte, ata.ATASmartLogSize)
		req.Sense = make([]byte, 18)

		if err := s.ctx.StartIO(req); err != nil {
			return err
		}
		if err := pollUntilDone(cmd.Context(), req, s.ctx.PollAdmin); err != nil {
			return err
		}
		if req.Status() != hostservices.StatusSuccess {
			return fmt.Errorf("nvme2kctl: SMART READ DATA failed: %s", req.Status())
		}
		fmt.Print(ata.FormatSMARTAttributes(req.Data))
		return nil
	})
}

func smartIOCTL(cmd *cobra.Command, args []string) error {
	return initAndRun(cmd, func(s *session) error {
		const headerLen = 28
		req := hostservices.NewRequest()
		req.Func = controller.FuncIOControl
		req.Data = make([]byte, headerLen+ata.ATASmartLogSize)
		req.Sense = make([]byte, 18)

		binary.LittleEndian.PutUint32(req.Data[0:4], headerLen)
		copy(req.Data[4:12], ata.IOCTLSignature[:])
		// SENDCMDINPARAMS IDE register image: command/feature/cylinder
		// registers selecting SMART READ DATA (spec.md §4.10).
		req.Data[headerLen+11] = ata.CmdSMART
		req.Data[headerLen+5] = ata.SMARTReadData
		req.Data[headerLen+8] = 0x4F
		req.Data[headerLen+9] = 0xC2

		if err := s.ctx.StartIO(req); err != nil {
			return err
		}
		if err := pollUntilDone(cmd.Context(), req, s.ctx.PollAdmin); err != nil {
			return err
		}
		if req.Status() != hostservices.StatusSuccess {
			return fmt.Errorf("nvme2kctl: SMART READ DATA (ioctl) failed: %s", req.Status())
		}
		fmt.Print(ata.FormatSMARTAttributes(req.Data[headerLen:]))
		return nil
	})
}

// smartReadDataCDB16 builds an ATA PASS-THROUGH(16) CDB (opcode 0x85)
// carrying the SMART READ DATA signature over the PIO Data-In protocol,
// mirroring controller_test.go's buildSMARTReadDataCDB16.
func smartReadDataCDB16() []byte {
	cdb := make([]byte, 16)
	cdb[0] = scsi.OpATAPassThru16
	cdb[1] = ata.ProtoPIODataIn << 1
	cdb[4] = ata.SMARTReadData
	cdb[10] = 0x4F
	cdb[12] = 0xC2
	cdb[14] = ata.CmdSMART
	return cdb
}

// pollUntilDone calls poll (PollIO or PollAdmin) until req leaves the
// pending state or the context is done, mirroring how a real port driver's
// DPC loop drains completions after an interrupt.
func pollUntilDone(ctx context.Context, req hostservices.Request, poll func() int) error {
	for req.Status() == hostservices.StatusPending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		poll()
		if req.Status() == hostservices.StatusPending {
			time.Sleep(100 * time.Microsecond)
		}
	}
	return nil
}
