package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/scsi"
)

var (
	stressWorkers int
	stressRounds  int
)

// tracker is the subset of a hostservices.Services backend that lets a
// caller register a tagged request so a later GetSRB (driven from PollIO)
// can recover it. Neither sim.Device nor uio.Device exposes this through the
// hostservices.Services interface itself, since a real port driver's SRB
// table lives entirely on the host side of that boundary.
type tracker interface {
	TrackRequest(hostservices.Request)
}

// stressCmd fans W workers out across errgroup, each driving its own
// ORDERED-tagged write/read pair on a distinct queue tag. The controller's
// queue pair and PRP pool are not safe for concurrent access from multiple
// goroutines (spec.md §4.2's admission gate covers only the untagged slot),
// so a mutex serializes each request's submit-then-poll critical section;
// golang.org/x/sync/errgroup supplies the concurrent work generation and
// first-error propagation around that serialized core.
var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Drive concurrent tagged write/read round trips",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openDevice()
		if err != nil {
			return err
		}
		defer s.teardown()

		trk, ok := s.svc.(tracker)
		if !ok {
			return fmt.Errorf("nvme2kctl: backend does not support tagged request tracking")
		}

		if err := s.ctx.Init(cmd.Context()); err != nil {
			return fmt.Errorf("nvme2kctl: init: %w", err)
		}
		defer s.ctx.Shutdown(context.Background())

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(cmd.Context())

		for w := 0; w < stressWorkers; w++ {
			tag := uint16(w + 1)
			g.Go(func() error {
				for round := 0; round < stressRounds; round++ {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					if err := stressRoundTrip(s, trk, &mu, tag, uint32(round)); err != nil {
						return fmt.Errorf("worker tag %d round %d: %w", tag, round, err)
					}
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Printf("stress complete: %d workers x %d rounds\n", stressWorkers, stressRounds)
		return nil
	},
}

func init() {
	stressCmd.Flags().IntVar(&stressWorkers, "workers", 4, "number of concurrent tagged workers")
	stressCmd.Flags().IntVar(&stressRounds, "rounds", 16, "write/read round trips per worker")
}

// stressRoundTrip submits one ORDERED-tagged write followed by a read of the
// same LBA, polling PollIO inline until both resolve.
func stressRoundTrip(s *session, trk tracker, mu *sync.Mutex, tag uint16, round uint32) error {
	lba := uint64(tag)*1024 + uint64(round)

	wreq := hostservices.NewRequest()
	wreq.Cdb = buildCDB10(scsi.OpWrite10, uint32(lba), 1)
	wreq.Data = make([]byte, 512)
	wreq.Sense = make([]byte, 18)
	wreq.Action = hostservices.QueueActionOrdered
	wreq.Tag = tag
	for i := range wreq.Data {
		wreq.Data[i] = byte(tag)
	}
	trk.TrackRequest(wreq)

	if err := submitAndWait(s, mu, wreq); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	rreq := hostservices.NewRequest()
	rreq.Cdb = buildCDB10(scsi.OpRead10, uint32(lba), 1)
	rreq.Data = make([]byte, 512)
	rreq.Sense = make([]byte, 18)
	rreq.Action = hostservices.QueueActionOrdered
	rreq.Tag = tag
	trk.TrackRequest(rreq)

	return submitAndWait(s, mu, rreq)
}

// submitAndWait holds mu for the full submit-then-drain lifecycle of one
// request so two workers never touch the shared queue pair or PRP pool at
// the same instant.
func submitAndWait(s *session, mu *sync.Mutex, req hostservices.Request) error {
	mu.Lock()
	defer mu.Unlock()
	if err := s.ctx.StartIO(req); err != nil {
		return err
	}
	return pollUntilDone(context.Background(), req, s.ctx.PollIO)
}

// buildCDB10 builds a 10-byte READ(10)/WRITE(10) CDB, matching
// controller_test.go's helper of the same name and signature.
func buildCDB10(opcode uint8, lba uint32, blocks uint16) []byte {
	return []byte{
		opcode, 0,
		byte(lba >> 24), byte(lba >> 16), byte(lba >> 8), byte(lba),
		0,
		byte(blocks >> 8), byte(blocks),
		0,
	}
}
