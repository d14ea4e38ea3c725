package ata

import (
	"bytes"
	"encoding/binary"
)

// IOCTLSignature is the fixed 8-byte signature legacy callers stamp into
// SRB_IO_CONTROL.Signature to select this driver's SMART/IDENTIFY IOCTL
// surface (spec.md §4.10).
var IOCTLSignature = [8]byte{'S', 'C', 'S', 'I', 'D', 'I', 'S', 'K'}

// SRBIOControl is the fixed SRB_IO_CONTROL header every legacy IOCTL
// request carries ahead of its SENDCMDINPARAMS/OUTPARAMS payload.
type SRBIOControl struct {
	HeaderLength uint32
	Signature    [8]byte
	Timeout      uint32
	ControlCode  uint32
	ReturnCode   uint32
	Length       uint32
}

const srbIOControlSize = 4 + 8 + 4 + 4 + 4 + 4

// DecodeSRBIOControl parses the fixed SRB_IO_CONTROL header.
func DecodeSRBIOControl(buf []byte) SRBIOControl {
	var h SRBIOControl
	h.HeaderLength = binary.LittleEndian.Uint32(buf[0:4])
	copy(h.Signature[:], buf[4:12])
	h.Timeout = binary.LittleEndian.Uint32(buf[12:16])
	h.ControlCode = binary.LittleEndian.Uint32(buf[16:20])
	h.ReturnCode = binary.LittleEndian.Uint32(buf[20:24])
	h.Length = binary.LittleEndian.Uint32(buf[24:28])
	return h
}

// HasSCSIDiskSignature reports whether h carries the recognized signature.
func (h SRBIOControl) HasSCSIDiskSignature() bool {
	return bytes.Equal(h.Signature[:], IOCTLSignature[:])
}

// Legacy IOCTL control codes this driver honors (spec.md §4.10): only
// ATA_SMART_CMD and ATA_IDENTIFY_DEVICE are handled, matching the same two
// command families SAT ATA PASS-THROUGH recognizes above.
const (
	IOCTLATASMARTCmd        uint32 = 0x0007C088
	IOCTLATAIdentifyDevice  uint32 = 0x0007C0A0
)

// SendCmdInParams is the fixed portion of SENDCMDINPARAMS this driver reads
// (the IDE register image that selects the ATA command/sub-feature).
type SendCmdInParams struct {
	Command  uint8
	Features uint8
	LBAMid   uint8 // cylinder low
	LBAHigh  uint8 // cylinder high
}

// SendCmdInParams byte offsets within the fixed structure (irDriveRegs
// starts after a 4-byte buffer-size header and a 1-byte drive-number byte).
const (
	sendCmdFeaturesOff = 5
	sendCmdSectorCountOff = 6
	sendCmdSectorNumberOff = 7
	sendCmdCylLowOff = 8
	sendCmdCylHighOff = 9
	sendCmdCommandOff = 11
)

// DecodeSendCmdInParams parses the IDE register image.
func DecodeSendCmdInParams(buf []byte) SendCmdInParams {
	return SendCmdInParams{
		Command:  buf[sendCmdCommandOff],
		Features: buf[sendCmdFeaturesOff],
		LBAMid:   buf[sendCmdCylLowOff],
		LBAHigh:  buf[sendCmdCylHighOff],
	}
}

// AsPassThru adapts a legacy SendCmdInParams into the same PassThru shape
// the SAT handlers consume, so both surfaces share one recognizer set.
func (p SendCmdInParams) AsPassThru() PassThru {
	return PassThru{Command: p.Command, Feature: p.Features, LBAMid: p.LBAMid, LBAHigh: p.LBAHigh}
}

// ControlCodeFor returns the IOCTL control code for a recognized command,
// and ok=false for anything this driver doesn't handle (spec.md §4.10:
// "unknown control codes return unhandled").
func ControlCodeFor(p PassThru) (code uint32, ok bool) {
	switch {
	case p.Command == CmdSMART:
		return IOCTLATASMARTCmd, true
	case p.Command == CmdIdentifyDevice:
		return IOCTLATAIdentifyDevice, true
	default:
		return 0, false
	}
}
