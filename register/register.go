// Package register implements the NVMe register/capability layer: typed
// 32/64-bit MMIO accessors, CAP parsing, doorbell offset math, and the
// controller enable/disable/ready-wait sequences (spec.md §4.4, §6.3).
package register

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nvme2k-go/nvme2k/bitutil"
)

// Register byte offsets from BAR0 (spec.md §6.3).
const (
	CAP   = 0x00
	VS    = 0x08
	INTMS = 0x0C
	INTMC = 0x10
	CC    = 0x14
	CSTS  = 0x1C
	AQA   = 0x24
	ASQ   = 0x28
	ACQ   = 0x30
	DBS   = 0x1000
)

// CC (Controller Configuration) bits.
const (
	CCEnable   uint32 = 1 << 0
	CCCssNVM   uint32 = 0
	CCAmsRR    uint32 = 0
	CCShnNone  uint32 = 0x0 << 14
	CCShnNorm  uint32 = 0x1 << 14
	CCShnAbrt  uint32 = 0x2 << 14
	CCShnMask  uint32 = 0x3 << 14
	CCIOSQES   uint32 = 6 << 16
	CCIOCQES   uint32 = 4 << 20
	ccMPSShift        = 7
)

// CSTS (Controller Status) bits.
const (
	CSTSRdy      uint32 = 1 << 0
	CSTSCfs      uint32 = 1 << 1
	CSTSShstMask uint32 = 0x3 << 2
	CSTSShstComplete uint32 = 0x2 << 2
)

// PCICommand is the PCI Configuration Space Command register offset, and
// PCICommandIntxDisable its bit 10 (spec.md §4.7): firmware may leave this
// set, which masks legacy/MSI interrupts at the PCI level regardless of
// INTMS/INTMC, so it must be cleared once the controller reaches Ready.
const (
	PCICommand            uint16 = 0x04
	PCICommandIntxDisable uint16 = 1 << 10
)

// MMIO is the subset of hostservices.Services this layer needs.
type MMIO interface {
	MMIORead32(offset uint64) uint32
	MMIOWrite32(offset uint64, value uint32)
	MMIORead64(offset uint64) uint64
	MMIOWrite64(offset uint64, value uint64)
	StallMicroseconds(usec uint32)
}

// Capabilities holds the CAP register fields this driver needs (spec.md §3).
type Capabilities struct {
	MQES  uint32 // Maximum Queue Entries Supported (CAP bits 15:0)
	DSTRD uint32 // Doorbell stride (CAP bits 35:32)
}

// ReadCapabilities parses CAP into the fields this driver needs.
func ReadCapabilities(m MMIO) Capabilities {
	cap64 := m.MMIORead64(CAP)
	return Capabilities{
		MQES:  uint32(cap64 & 0xFFFF),
		DSTRD: uint32((cap64 >> 32) & 0xF),
	}
}

// DoorbellStride returns 4 << DSTRD, in bytes.
func (c Capabilities) DoorbellStride() uint32 {
	return 4 << c.DSTRD
}

// DoorbellOffset computes the MMIO offset of queue qid's SQ or CQ doorbell
// (spec.md §4.4, §6.3): DBS + (2*qid + is_cq) * DSTRD.
func (c Capabilities) DoorbellOffset(qid uint16, isCQ bool) uint64 {
	idx := uint64(2*uint32(qid))
	if isCQ {
		idx++
	}
	return DBS + idx*uint64(c.DoorbellStride())
}

// MPS returns the MPS field value (log2(pageSize)-12) for CC (spec.md §4.4).
func MPS(pageSize int) uint32 {
	return uint32(bitutil.Log2(uint(pageSize))-12) << ccMPSShift
}

// ErrTimeout is returned by WaitReady when CSTS.RDY does not reach the
// requested value within the budget.
type ErrTimeout struct{ Target bool }

func (e ErrTimeout) Error() string {
	if e.Target {
		return "register: timed out waiting for CSTS.RDY=1"
	}
	return "register: timed out waiting for CSTS.RDY=0"
}

// WaitReady polls CSTS.RDY at 1ms granularity against a budget (5s default
// per spec.md §4.4), additionally honoring ctx cancellation between ticks.
func WaitReady(ctx context.Context, m MMIO, target bool, budget time.Duration) error {
	if budget <= 0 {
		budget = 5 * time.Second
	}
	op := func() (struct{}, error) {
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		rdy := m.MMIORead32(CSTS)&CSTSRdy != 0
		if rdy == target {
			return struct{}{}, nil
		}
		m.StallMicroseconds(1000)
		return struct{}{}, errNotYet
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(0)),
		backoff.WithMaxElapsedTime(budget),
	)
	if err != nil {
		return ErrTimeout{Target: target}
	}
	return nil
}

var errNotYet = errRetry{}

type errRetry struct{}

func (errRetry) Error() string { return "register: not ready yet" }
