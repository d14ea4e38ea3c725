// Package nvmecmd builds NVMe Submission Queue Entries and the
// scatter-gather PRP plumbing that backs multi-page transfers (spec.md §4.5,
// the Command Builder / Submitter component).
package nvmecmd

import "encoding/binary"

// Admin and NVM command opcodes (spec.md §4.5, §6.3).
const (
	OpDeleteSQ    uint8 = 0x00
	OpCreateSQ    uint8 = 0x01
	OpGetLogPage  uint8 = 0x02
	OpDeleteCQ    uint8 = 0x04
	OpCreateCQ    uint8 = 0x05
	OpIdentify    uint8 = 0x06
	OpFlush       uint8 = 0x00
	OpWrite       uint8 = 0x01
	OpRead        uint8 = 0x02
)

// Identify CNS values.
const (
	CNSNamespace  uint32 = 0x00
	CNSController uint32 = 0x01
)

// Create I/O Queue CDW11 flag bits.
const (
	QueuePhysContig uint32 = 1 << 0
	QueueIRQEnabled uint32 = 1 << 1
)

// Command Dword 0 transfer-type flags.
const (
	FlagPRP uint8 = 0x00
)

// SQE is a decoded view of the 64-byte NVMe Submission Queue Entry
// (spec.md §3). Encode/Decode are the only places that touch the raw byte
// layout; every command builder in this package returns an SQE.
type SQE struct {
	Opcode uint8
	Flags  uint8
	CID    uint16
	NSID   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// Encode packs the SQE into its exact 64-byte little-endian wire layout.
func (c SQE) Encode() [64]byte {
	var buf [64]byte
	le := binary.LittleEndian

	cdw0 := uint32(c.Opcode) | uint32(c.Flags)<<8 | uint32(c.CID)<<16
	le.PutUint32(buf[0:4], cdw0)
	le.PutUint32(buf[4:8], c.NSID)
	// buf[8:16] reserved (CDW2/CDW3)
	le.PutUint64(buf[16:24], c.MPTR)
	le.PutUint64(buf[24:32], c.PRP1)
	le.PutUint64(buf[32:40], c.PRP2)
	le.PutUint32(buf[40:44], c.CDW10)
	le.PutUint32(buf[44:48], c.CDW11)
	le.PutUint32(buf[48:52], c.CDW12)
	le.PutUint32(buf[52:56], c.CDW13)
	le.PutUint32(buf[56:60], c.CDW14)
	le.PutUint32(buf[60:64], c.CDW15)
	return buf
}

// Decode unpacks a 64-byte SQE wire buffer (used by the simulator backend,
// which plays the controller side of the wire).
func Decode(buf [64]byte) SQE {
	le := binary.LittleEndian
	cdw0 := le.Uint32(buf[0:4])
	return SQE{
		Opcode: uint8(cdw0),
		Flags:  uint8(cdw0 >> 8),
		CID:    uint16(cdw0 >> 16),
		NSID:   le.Uint32(buf[4:8]),
		MPTR:   le.Uint64(buf[16:24]),
		PRP1:   le.Uint64(buf[24:32]),
		PRP2:   le.Uint64(buf[32:40]),
		CDW10:  le.Uint32(buf[40:44]),
		CDW11:  le.Uint32(buf[44:48]),
		CDW12:  le.Uint32(buf[48:52]),
		CDW13:  le.Uint32(buf[52:56]),
		CDW14:  le.Uint32(buf[56:60]),
		CDW15:  le.Uint32(buf[60:64]),
	}
}
