// Package scsi implements the SCSI-to-NVMe translation layer of spec.md
// §4.9: CDB decoding and response synthesis for the legacy block-storage
// command set this driver fronts. Every function here is pure byte
// plumbing; the root controller package supplies the NVMe submission and
// cached identify/namespace state these handlers need to decide Busy vs.
// Pending vs. Error.
package scsi

import (
	"encoding/binary"
	"fmt"

	"github.com/nvme2k-go/nvme2k/bitutil"
)

// Opcodes this layer recognizes (spec.md §4.9).
const (
	OpTestUnitReady    = 0x00
	OpRead6            = 0x08
	OpWrite6           = 0x0A
	OpInquiry          = 0x12
	OpModeSense6       = 0x1A
	OpStartStop        = 0x1B
	OpReadCapacity10   = 0x25
	OpRead10           = 0x28
	OpWrite10          = 0x2A
	OpVerify10         = 0x2F
	OpSynchronizeCache = 0x35
	OpReadDefectData10 = 0x37
	OpLogSense         = 0x4D
	OpModeSense10      = 0x5A
	OpATAPassThru16    = 0x85
	OpATAPassThru12    = 0xA1
)

// CDB types mirror the teacher's fixed-width command descriptor blocks.
type CDB6 [6]byte
type CDB10 [10]byte
type CDB16 [16]byte

// InquiryReplyLen is the minimum standard INQUIRY response length.
const InquiryReplyLen = 36

// spc3Version, responseDataFmt2 and cmdQueBit are the fixed fields of the standard
// INQUIRY response this driver always returns (spec.md §4.9).
const (
	spc3Version       = 0x05
	responseDataFmt2  = 0x02
	cmdQueBit         = 0x02
)

// DecodeRead6/Write6 extract {lba, blocks} from a 6-byte CDB (21-bit LBA,
// 8-bit block count where 0 means 256 blocks per SCSI-2, but this driver
// treats 0 as "0 blocks requested" is never issued by its own test paths —
// callers pass the raw value through).
func DecodeCDB6(cdb CDB6) (lba uint32, blocks uint8) {
	lba = uint32(cdb[1]&0x1F)<<16 | uint32(cdb[2])<<8 | uint32(cdb[3])
	blocks = cdb[4]
	return
}

// DecodeCDB10 extracts {lba, blocks} from a 10-byte CDB.
func DecodeCDB10(cdb CDB10) (lba uint32, blocks uint16) {
	lba = binary.BigEndian.Uint32(cdb[2:6])
	blocks = binary.BigEndian.Uint16(cdb[7:9])
	return
}

// LUNOutcome is the result of the Path/Target/LUN admission filter.
type LUNOutcome int

const (
	LUNAccept LUNOutcome = iota
	LUNInvalid
	LUNSelectionTimeout
)

// CheckPathTargetLUN implements spec.md §4.9's filter: (0,0,0) accepted;
// (0,0,lun!=0) is an illegal-request error; anything else is a selection
// timeout (no such device on this path/target).
func CheckPathTargetLUN(path, target, lun uint8) LUNOutcome {
	if path != 0 || target != 0 {
		return LUNSelectionTimeout
	}
	if lun != 0 {
		return LUNInvalid
	}
	return LUNAccept
}

// BuildInquiry builds the 36-byte standard INQUIRY response (spec.md §4.9).
// model and firmware are the cached Identify Controller strings; model's
// leading spaces are skipped before slicing Vendor(8)/Product(16).
func BuildInquiry(model, firmware string) [InquiryReplyLen]byte {
	var buf [InquiryReplyLen]byte
	buf[2] = spc3Version
	buf[3] = responseDataFmt2
	buf[4] = InquiryReplyLen - 5 // additional length
	buf[7] = cmdQueBit

	trimmed := bitutil.TrimLeadingSpaces([]byte(model))
	copy(buf[8:16], bitutil.PadRight(trimmed, 8))
	copy(buf[16:32], bitutil.PadRight(trimmed, 16))
	copy(buf[32:36], bitutil.PadRight([]byte(firmware), 4))
	return buf
}

// BuildReadCapacity10 builds the 8-byte big-endian READ CAPACITY(10)
// response: last_lba = lbaCount-1 (saturated to 0xFFFFFFFF), block_size.
// Pass lbaCount=0 for "namespace not yet identified", which yields the
// saturated defaults (spec.md §4.9).
func BuildReadCapacity10(lbaCount uint64, blockSize uint32) [8]byte {
	var buf [8]byte
	if blockSize == 0 {
		blockSize = 512
	}
	var lastLBA uint32
	if lbaCount == 0 {
		lastLBA = 0xFFFFFFFF
	} else {
		l := lbaCount - 1
		if l > 0xFFFFFFFF {
			lastLBA = 0xFFFFFFFF
		} else {
			lastLBA = uint32(l)
		}
	}
	binary.BigEndian.PutUint32(buf[0:4], lastLBA)
	binary.BigEndian.PutUint32(buf[4:8], blockSize)
	return buf
}

// ModeSense page codes (spec.md §4.9).
const (
	ModePageCaching = 0x08
	ModePageControl = 0x0A
	ModePagePower   = 0x1A
	ModePageIEC     = 0x1C
)

// ErrUnsupportedModePage is returned for a mode page this driver doesn't
// synthesize; the caller returns SCSI Invalid Request.
type ErrUnsupportedModePage struct{ Page uint8 }

func (e ErrUnsupportedModePage) Error() string {
	return fmt.Sprintf("scsi: unsupported mode page %#x", e.Page)
}

// BuildModePage synthesizes one mode page's body (spec.md §4.9). changeable
// selects the Changeable-Values page control, which always returns zeros
// (not page-code/length, which stay as the page's own identity).
func BuildModePage(page uint8, changeable bool) ([]byte, error) {
	switch page {
	case ModePageCaching:
		buf := make([]byte, 20)
		buf[0] = ModePageCaching
		buf[1] = 18
		if !changeable {
			buf[2] = 0x04 // WCE=1, RCD=0
			binary.BigEndian.PutUint16(buf[12:14], 0xFFFF)
			binary.BigEndian.PutUint16(buf[14:16], 0xFFFF)
		}
		return buf, nil
	case ModePageControl:
		buf := make([]byte, 12)
		buf[0] = ModePageControl
		buf[1] = 10
		// QERR=0, restricted reordering; all other bits already zero.
		return buf, nil
	case ModePagePower:
		buf := make([]byte, 12)
		buf[0] = ModePagePower
		buf[1] = 10
		// all timers zero either way
		return buf, nil
	case ModePageIEC:
		buf := make([]byte, 12)
		buf[0] = ModePageIEC
		buf[1] = 10
		if !changeable {
			buf[2] = 0x08           // DEXCPT=0, EWASC=1(bit3)
			buf[3] = 0x06           // MRIE = report-on-request
			buf[8] = 0x00
			buf[9] = 0x00
			buf[10] = 0x00
			buf[11] = 0x01 // report count = 1
		}
		return buf, nil
	default:
		return nil, ErrUnsupportedModePage{Page: page}
	}
}

// BuildModeSenseHeader6 builds the 4-byte MODE SENSE(6) header, optionally
// followed by an 8-byte block descriptor (density 0, 24-bit block count
// saturated to 0xFFFFFF, 4-byte block length).
func BuildModeSenseHeader6(pagesLen int, withBlockDescriptor bool, lbaCount uint64, blockSize uint32) []byte {
	descLen := 0
	if withBlockDescriptor {
		descLen = 8
	}
	hdr := make([]byte, 4+descLen)
	hdr[0] = byte(3 + descLen + pagesLen) // mode data length (excludes itself)
	// byte1 medium type = 0
	hdr[2] = 0 // device-specific parameter, WP=0
	hdr[3] = byte(descLen)
	if withBlockDescriptor {
		writeBlockDescriptor(hdr[4:12], lbaCount, blockSize)
	}
	return hdr
}

// BuildModeSenseHeader10 is the 10-byte MODE SENSE(10) equivalent.
func BuildModeSenseHeader10(pagesLen int, withBlockDescriptor bool, lbaCount uint64, blockSize uint32) []byte {
	descLen := 0
	if withBlockDescriptor {
		descLen = 8
	}
	hdr := make([]byte, 8+descLen)
	total := uint16(6 + descLen + pagesLen)
	binary.BigEndian.PutUint16(hdr[0:2], total)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(descLen))
	if withBlockDescriptor {
		writeBlockDescriptor(hdr[8:16], lbaCount, blockSize)
	}
	return hdr
}

func writeBlockDescriptor(buf []byte, lbaCount uint64, blockSize uint32) {
	var count uint32
	if lbaCount > 0xFFFFFF {
		count = 0xFFFFFF
	} else {
		count = uint32(lbaCount)
	}
	buf[0] = count >> 16 & 0xFF
	buf[1] = count >> 8 & 0xFF
	buf[2] = count & 0xFF
	buf[3] = 0 // density code
	buf[4] = byte(blockSize >> 16)
	buf[5] = byte(blockSize >> 8)
	buf[6] = byte(blockSize)
	_ = buf[7]
}

// BuildReadDefectData10 always returns the empty-list response (spec.md
// §4.9): a 4-byte header echoing the PLIST/GLIST/format request bits with
// defect list length 0.
func BuildReadDefectData10(plist, glist bool, format uint8) [4]byte {
	var buf [4]byte
	b := format & 0x07
	if plist {
		b |= 0x10
	}
	if glist {
		b |= 0x08
	}
	buf[1] = b
	// buf[2:4] defect list length = 0
	return buf
}

// Immediate is the Success/Busy outcome of a non-data-transferring opcode
// that completes synchronously without touching NVMe (spec.md §4.9's
// TEST UNIT READY/START STOP/VERIFY/FLUSH_QUEUE/ABORT/RESET group).
type Immediate int

const (
	ImmediateSuccess Immediate = iota
	ImmediateBusy
)

// ImmediateOutcome reports whether opcode completes immediately and, if so,
// its outcome. ready is the controller's init_complete flag (only
// TEST UNIT READY cares).
func ImmediateOutcome(opcode uint8, ready bool) (Immediate, bool) {
	switch opcode {
	case OpTestUnitReady:
		if !ready {
			return ImmediateBusy, true
		}
		return ImmediateSuccess, true
	case OpStartStop, OpVerify10:
		return ImmediateSuccess, true
	default:
		return 0, false
	}
}

// InformationalExceptionsPage synthesizes the minimal SCSI Informational
// Exceptions log page (0x2F) body LOG SENSE returns once its backing NVMe
// Get Log Page completes: one log parameter (code 0x0000) carrying the
// ASC/ASCQ pair, 0/0 when triggered is false.
func InformationalExceptionsPage(triggered bool, asc, ascq uint8) []byte {
	buf := make([]byte, 4+4+2)
	buf[0] = 0x2F
	binary.BigEndian.PutUint16(buf[2:4], 6) // page length: 4-byte param header + 2 bytes data
	// parameter code 0x0000 at buf[4:6]
	buf[6] = 0x01 // flags: DU=0,DS=0,TSD=0,ETC=0,TMC=0,FMT_AND_LNK=01, list=format=binary
	buf[7] = 2    // parameter length = 2 (asc, ascq)
	if triggered {
		buf[8] = asc
		buf[9] = ascq
	}
	return buf
}
