// Package queue implements NVMe Queue Pair ring geometry: submission,
// phase-tracked completion draining, and doorbell bookkeeping (spec.md §4.3).
package queue

import (
	"encoding/binary"
	"fmt"
)

// SQEntrySize and CQEntrySize are the fixed wire sizes (spec.md §3).
const (
	SQEntrySize = 64
	CQEntrySize = 16
)

// ErrFull is returned by Submit when the ring has no free slot.
var ErrFull = fmt.Errorf("queue: submission queue full")

// Doorbell is the minimal doorbell-writing collaborator a Pair needs; it is
// satisfied by hostservices.Services via a small adapter in the controller
// package, keeping this package free of any host-services dependency.
type Doorbell interface {
	WriteSQDoorbell(qid uint16, value uint32)
	WriteCQDoorbell(qid uint16, value uint32)
}

// Pair is one admin or IO NVMe queue pair.
type Pair struct {
	QID  uint16
	Size int // power of two
	bits uint
	mask int

	sq     []byte // Size * SQEntrySize
	sqPhys uint64
	cq     []byte // Size * CQEntrySize
	cqPhys uint64

	sqHead int
	sqTail int

	cqHeadMonotonic int // never wraps
}

// log2 of a power of two.
func log2(x int) uint {
	n := uint(0)
	for (1 << n) < x {
		n++
	}
	return n
}

// New constructs a Pair over caller-allocated, already zeroed SQ/CQ buffers.
// size must be a power of two. Initial state matches spec.md §4.3: sqHead ==
// sqTail == 0, cqHead == size (so the first expected phase bit is 1, the
// controller's reset-state assumption).
func New(qid uint16, size int, sq []byte, sqPhys uint64, cq []byte, cqPhys uint64) (*Pair, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("queue: size %d is not a power of two", size)
	}
	if len(sq) != size*SQEntrySize {
		return nil, fmt.Errorf("queue: sq buffer must be %d bytes, got %d", size*SQEntrySize, len(sq))
	}
	if len(cq) != size*CQEntrySize {
		return nil, fmt.Errorf("queue: cq buffer must be %d bytes, got %d", size*CQEntrySize, len(cq))
	}
	return &Pair{
		QID: qid, Size: size, bits: log2(size), mask: size - 1,
		sq: sq, sqPhys: sqPhys, cq: cq, cqPhys: cqPhys,
		cqHeadMonotonic: size,
	}, nil
}

// SQPhys and CQPhys return the ring base physical addresses.
func (p *Pair) SQPhys() uint64 { return p.sqPhys }
func (p *Pair) CQPhys() uint64 { return p.cqPhys }

// Submit copies a 64-byte command into the next SQ slot and advances the
// tail, returning ErrFull if doing so would make the tail catch the head
// (spec.md §4.3 step 2, and invariant 6 of spec.md §8).
func (p *Pair) Submit(cmd [SQEntrySize]byte, db Doorbell) error {
	nextTail := (p.sqTail + 1) & p.mask
	if nextTail == p.sqHead {
		return ErrFull
	}
	copy(p.sq[p.sqTail*SQEntrySize:], cmd[:])
	p.sqTail = nextTail
	db.WriteSQDoorbell(p.QID, uint32(p.sqTail))
	return nil
}

// CQE is a decoded NVMe completion queue entry (spec.md §3).
type CQE struct {
	DW0        uint32
	DW1        uint32
	SQHead     uint16
	SQID       uint16
	CID        uint16
	StatusWord uint16
	StatusCode uint8
	Phase      uint8
}

func parseCQE(raw []byte) CQE {
	status := binary.LittleEndian.Uint16(raw[14:16])
	return CQE{
		DW0:        binary.LittleEndian.Uint32(raw[0:4]),
		DW1:        binary.LittleEndian.Uint32(raw[4:8]),
		SQHead:     binary.LittleEndian.Uint16(raw[8:10]),
		SQID:       binary.LittleEndian.Uint16(raw[10:12]),
		CID:        binary.LittleEndian.Uint16(raw[12:14]),
		StatusWord: status,
		StatusCode: uint8((status >> 1) & 0xFF),
		Phase:      uint8(status & 1),
	}
}

// DrainCompletions walks the CQ from the current monotonic head until the
// phase bit no longer matches the expected phase, invoking handler once per
// entry and advancing the CQ doorbell after each one (spec.md §4.3). It
// returns the number of entries drained.
func (p *Pair) DrainCompletions(db Doorbell, handler func(cqe CQE)) int {
	n := 0
	for {
		idx := p.cqHeadMonotonic & p.mask
		want := uint8((p.cqHeadMonotonic >> p.bits) & 1)

		raw := p.cq[idx*CQEntrySize : idx*CQEntrySize+CQEntrySize]
		cqe := parseCQE(raw)
		if cqe.Phase != want {
			break
		}

		p.sqHead = int(cqe.SQHead)
		p.cqHeadMonotonic++
		n++

		handler(cqe)

		db.WriteCQDoorbell(p.QID, uint32(p.cqHeadMonotonic&p.mask))
	}
	return n
}

// SizeBits exposes size_bits (log2(Size)) for tests asserting phase math.
func (p *Pair) SizeBits() uint { return p.bits }

// Head/Tail expose sq_head/sq_tail for tests and stats.
func (p *Pair) SQHead() int { return p.sqHead }
func (p *Pair) SQTail() int { return p.sqTail }

// CQHeadMonotonic exposes the monotonic CQ head for tests.
func (p *Pair) CQHeadMonotonic() int { return p.cqHeadMonotonic }

// Reset restores sq_head/sq_tail to 0 and cq_head to Size, per the shutdown
// state machine's final step (spec.md §4.8 step 7).
func (p *Pair) Reset() {
	p.sqHead = 0
	p.sqTail = 0
	p.cqHeadMonotonic = p.Size
}
