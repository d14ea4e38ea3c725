// Package ata implements the SMART/SAT/IOCTL translation layer of spec.md
// §4.10: SAT ATA PASS-THROUGH CDB decode, the legacy "SCSIDISK" IOCTL
// surface, and the NVMe-SMART-log/Identify→ATA-SMART/ATA-IDENTIFY-DEVICE
// mappings. Grounded on the teacher's ata.go/sat.go ATA constant tables and
// IdentifyDeviceData layout, rewritten as explicit little-endian byte
// plumbing instead of a raw struct overlay.
package ata

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nvme2k-go/nvme2k/bitutil"
)

// ATA command bytes this layer recognizes (spec.md §4.10).
const (
	CmdSMART          = 0xB0
	CmdIdentifyDevice = 0xEC
)

// ATA SMART sub-features (the "feature" register value under CmdSMART).
const (
	SMARTReadData  = 0xD0
	SMARTReadLog   = 0xD5
	SMARTEnable    = 0xD8
	SMARTDisable   = 0xD9
	SMARTReturnStatus = 0xDA
)

// SAT protocol field values this driver accepts (spec.md §4.10); any other
// protocol is Invalid Request.
const (
	ProtoPIODataIn       = 0x04
	ProtoUDMADataIn      = 0x06
	ProtoDeviceDiagnostic = 0x08
)

// PassThru is the decoded subset of a SAT ATA PASS-THROUGH 12/16 CDB that
// this driver inspects.
type PassThru struct {
	Protocol uint8
	Feature  uint8
	Command  uint8
	LBAMid   uint8
	LBAHigh  uint8
}

// DecodeATAPassThru12 decodes a 12-byte ATA PASS-THROUGH(12) CDB (opcode
// 0xA1). Byte layout: [0]=opcode [1]=multiple_count:3|protocol:4|extend:1
// [2]=flags [3]=features [4]=sector_count [5]=lba_low [6]=lba_mid
// [7]=lba_high [8]=device [9]=command [10]=reserved [11]=control.
func DecodeATAPassThru12(cdb [12]byte) PassThru {
	return PassThru{
		Protocol: (cdb[1] >> 1) & 0x0F,
		Feature:  cdb[3],
		LBAMid:   cdb[6],
		LBAHigh:  cdb[7],
		Command:  cdb[9],
	}
}

// DecodeATAPassThru16 decodes a 16-byte ATA PASS-THROUGH(16) CDB (opcode
// 0x85). Byte layout: [0]=opcode [1]=multiple_count:3|protocol:4|extend:1
// [2]=flags [3]=features(ext hi, unused here) [4]=features [5]=sector_count
// ext hi [6]=sector_count [7]=lba_low ext hi [8]=lba_low [9]=lba_mid ext hi
// [10]=lba_mid [11]=lba_high ext hi [12]=lba_high [13]=device [14]=command
// [15]=control.
func DecodeATAPassThru16(cdb [16]byte) PassThru {
	return PassThru{
		Protocol: (cdb[1] >> 1) & 0x0F,
		Feature:  cdb[4],
		LBAMid:   cdb[10],
		LBAHigh:  cdb[12],
		Command:  cdb[14],
	}
}

// AcceptedProtocol reports whether p.Protocol is one of the three this
// driver honors (spec.md §4.10); anything else is Invalid Request.
func AcceptedProtocol(p uint8) bool {
	return p == ProtoPIODataIn || p == ProtoUDMADataIn || p == ProtoDeviceDiagnostic
}

// IsSMARTReadData reports the specific SMART READ DATA signature spec.md
// §4.10 requires: command B0h, feature D0h, cylinder registers 0x4F/0xC2.
func IsSMARTReadData(p PassThru) bool {
	return p.Command == CmdSMART && p.Feature == SMARTReadData && p.LBAMid == 0x4F && p.LBAHigh == 0xC2
}

// IsSMARTReadLog reports the SMART READ LOG signature (command B0h, feature
// D5h): spec.md §4.10 says this always returns zeroed 512 bytes.
func IsSMARTReadLog(p PassThru) bool {
	return p.Command == CmdSMART && p.Feature == SMARTReadLog
}

// IsSMARTReturnStatus reports the SMART RETURN STATUS signature (command
// B0h, feature DAh): spec.md §4.10 says this always reports "passing"
// (cylinders 0x4F/0xC2).
func IsSMARTReturnStatus(p PassThru) bool {
	return p.Command == CmdSMART && p.Feature == SMARTReturnStatus
}

// IsSMARTEnableDisable reports the SMART ENABLE/DISABLE signatures, which
// succeed without effect (spec.md §4.10).
func IsSMARTEnableDisable(p PassThru) bool {
	return p.Command == CmdSMART && (p.Feature == SMARTEnable || p.Feature == SMARTDisable)
}

// IsIdentifyDevice reports the ATA IDENTIFY DEVICE signature (command ECh).
func IsIdentifyDevice(p PassThru) bool {
	return p.Command == CmdIdentifyDevice
}

// ErrUnsupportedCommand is returned when none of the recognized ATA
// PASS-THROUGH signatures match; the caller returns SCSI Invalid Request.
type ErrUnsupportedCommand struct{ PassThru PassThru }

func (e ErrUnsupportedCommand) Error() string {
	return fmt.Sprintf("ata: unsupported ATA PASS-THROUGH command=%#x feature=%#x", e.PassThru.Command, e.PassThru.Feature)
}

// --- NVMe SMART Log → ATA SMART attribute table (spec.md §4.10) ---

// NVMe SMART Log (512 bytes, NVMe base spec) byte offsets this driver reads.
const (
	nvmeSmartOffTemperature    = 1  // 2 bytes, Kelvin
	nvmeSmartOffAvailSpare     = 3  // 1 byte, percentage
	nvmeSmartOffPercentUsed    = 5  // 1 byte, percentage
	nvmeSmartOffDataUnitsRead  = 32 // 16 bytes
	nvmeSmartOffDataUnitsWrite = 48 // 16 bytes
	nvmeSmartOffPowerCycles    = 96
	nvmeSmartOffPowerOnHours   = 112
	nvmeSmartOffUnsafeShutdown = 128
	nvmeSmartOffMediaErrors    = 144
)

// low8 reads the low 64 bits of a 128-bit little-endian field — enough
// range for every counter this driver surfaces as a 32/48-bit ATA
// attribute raw value.
func low8(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[0:8])
}

// writeAttr writes one 12-byte SMART attribute table entry: id, flags(2),
// value, worst, raw(6).
func writeAttr(buf []byte, id uint8, value, worst uint8, raw uint64) {
	buf[0] = id
	// flags left at 0: this driver doesn't distinguish pre-fail/online bits
	buf[3] = value
	buf[4] = worst
	for i := 0; i < 6; i++ {
		buf[5+i] = byte(raw >> (8 * i))
	}
}

// ATASmartLogSize is the fixed size of the synthesized ATA SMART data
// structure (spec.md §4.10).
const ATASmartLogSize = 512

// BuildATASmartFromNVMe maps an NVMe SMART log's fields into the 512-byte
// ATA SMART attribute table spec.md §4.10 describes, skipping any attribute
// whose NVMe source is zero, and appending the fixed 8-bit checksum.
func BuildATASmartFromNVMe(nvmeSmart []byte) [ATASmartLogSize]byte {
	var out [ATASmartLogSize]byte
	binary.LittleEndian.PutUint16(out[0:2], 0x0010) // version

	type attr struct {
		id    uint8
		raw   uint64
		value uint8
	}

	tempK := binary.LittleEndian.Uint16(nvmeSmart[nvmeSmartOffTemperature : nvmeSmartOffTemperature+2])
	tempC := int(tempK) - 273
	availSpare := nvmeSmart[nvmeSmartOffAvailSpare]
	percentUsed := nvmeSmart[nvmeSmartOffPercentUsed]
	powerOnHours := low8(nvmeSmart[nvmeSmartOffPowerOnHours:])
	powerCycles := low8(nvmeSmart[nvmeSmartOffPowerCycles:])
	dataUnitsRead := low8(nvmeSmart[nvmeSmartOffDataUnitsRead:])
	dataUnitsWrite := low8(nvmeSmart[nvmeSmartOffDataUnitsWrite:])
	unsafeShutdowns := low8(nvmeSmart[nvmeSmartOffUnsafeShutdown:])
	mediaErrors := low8(nvmeSmart[nvmeSmartOffMediaErrors:])

	var attrs []attr
	addIfNonZero := func(id uint8, raw uint64, value uint8) {
		if raw != 0 {
			attrs = append(attrs, attr{id: id, raw: raw, value: value})
		}
	}

	addIfNonZero(9, powerOnHours, 100)
	addIfNonZero(12, powerCycles, 100)
	if tempK != 0 {
		attrs = append(attrs, attr{id: 194, raw: uint64(tempC), value: uint8(200 - tempC)})
	}
	if percentUsed != 0 {
		attrs = append(attrs, attr{id: 173, raw: uint64(percentUsed), value: 100 - percentUsed})
	}
	if availSpare != 0 {
		attrs = append(attrs, attr{id: 170, raw: uint64(availSpare), value: availSpare})
	}
	addIfNonZero(199, mediaErrors, 100)
	addIfNonZero(192, unsafeShutdowns, 100)
	addIfNonZero(241, dataUnitsWrite, 100)
	addIfNonZero(242, dataUnitsRead, 100)
	attrs = append(attrs, attr{id: 7, raw: 0, value: 100})  // Seek Error Rate, zero
	attrs = append(attrs, attr{id: 3, raw: 0, value: 100})  // Spin-Up Time, zero
	addIfNonZero(4, powerCycles, 100)                       // Start/Stop Count

	const attrTableOff = 2
	for i, a := range attrs {
		if i >= 30 {
			break
		}
		off := attrTableOff + i*12
		writeAttr(out[off:off+12], a.id, a.value, a.value, a.raw)
	}

	const (
		offlineStatusOff    = 362
		smartCapabilityOff  = 370
		errLogCapabilityOff = 372
	)
	out[offlineStatusOff] = 0
	binary.LittleEndian.PutUint16(out[smartCapabilityOff:smartCapabilityOff+2], 0x0003)
	out[errLogCapabilityOff] = 0x01

	var sum byte
	for i := 0; i < ATASmartLogSize-1; i++ {
		sum += out[i]
	}
	out[ATASmartLogSize-1] = byte(0x100 - int(sum))
	return out
}

// --- NVMe → ATA IDENTIFY DEVICE (spec.md §4.10) ---

// IdentifyGeometry is the subset of cached Identify Controller/Namespace
// fields the ATA IDENTIFY DEVICE synthesis needs.
type IdentifyGeometry struct {
	SerialNumber string
	ModelNumber  string
	FirmwareRev  string
	LBACount     uint64
	SMARTEnabled bool
}

// BuildATAIdentifyDevice synthesizes the 512-byte (256-word) ATA IDENTIFY
// DEVICE structure spec.md §4.10 describes: byte-swapped ASCII strings,
// CHS geometry (16 heads, 63 sectors/track), LBA-28 saturated at
// 0x0FFFFFFF, LBA-48 = g.LBACount, SMART/48-bit-LBA command-set bits set,
// SMART-enabled bit reflecting g.SMARTEnabled.
func BuildATAIdentifyDevice(g IdentifyGeometry) [ATASmartLogSize]byte {
	words := make([]uint16, ATASmartLogSize/2)

	words[0] = 0x0040 // general config: fixed, non-removable ATA device

	cylinders := g.LBACount / (16 * 63)
	if cylinders > 16383 {
		cylinders = 16383
	}
	words[1] = uint16(cylinders)
	words[3] = 16 // heads
	words[6] = 63 // sectors per track

	writeSwappedASCIIWords(words[10:20], g.SerialNumber) // 20 bytes
	writeSwappedASCIIWords(words[23:27], g.FirmwareRev)  // 8 bytes
	writeSwappedASCIIWords(words[27:47], g.ModelNumber)  // 40 bytes

	words[49] = 1 << 9 // LBA supported
	words[53] = 0x06   // words 64-70 and 88 valid

	lba28 := g.LBACount
	if lba28 > 0x0FFFFFFF {
		lba28 = 0x0FFFFFFF
	}
	words[60] = uint16(lba28)
	words[61] = uint16(lba28 >> 16)

	words[80] = 1 << 7 // major version: ATA/ATAPI-7
	words[81] = 0x0028 // minor version

	var smartBit uint16
	if g.SMARTEnabled {
		smartBit = 1 << 0
	}
	words[82] = 1 << 0 // SMART feature set supported
	words[83] = 1<<10 | 1<<14 // 48-bit address feature set supported, word valid
	words[85] = smartBit
	words[86] = 1 << 10

	words[100] = uint16(g.LBACount)
	words[101] = uint16(g.LBACount >> 16)
	words[102] = uint16(g.LBACount >> 32)
	words[103] = uint16(g.LBACount >> 48)

	var out [ATASmartLogSize]byte
	for i, w := range words {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], w)
	}
	return out
}

// writeSwappedASCIIWords packs s into words with the ATA byte-swapped
// string convention: bitutil.SwapBytes flips each adjacent byte pair of the
// space-padded source, so a little-endian uint16 read of the swapped bytes
// lands each character high-byte-first within its word.
func writeSwappedASCIIWords(words []uint16, s string) {
	b := bitutil.SwapBytes(bitutil.PadRight([]byte(s), len(words)*2))
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
}

// FormatSMARTAttributes renders a BuildATASmartFromNVMe table as the
// "ID VALUE WORST RAW" lines the teacher's PrintSMART prints for a real ATA
// device, skipping any table slot with id 0 (BuildATASmartFromNVMe leaves
// unused slots zeroed).
func FormatSMARTAttributes(buf []byte) string {
	const attrTableOff = 2
	const attrSize = 12
	const attrCount = 30

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-4s %-5s %-5s %s\n", "ID", "VALUE", "WORST", "RAW")
	for i := 0; i < attrCount; i++ {
		off := attrTableOff + i*attrSize
		if off+attrSize > len(buf) {
			break
		}
		id := buf[off]
		if id == 0 {
			continue
		}
		value := buf[off+3]
		worst := buf[off+4]
		var raw uint64
		for b := 0; b < 6; b++ {
			raw |= uint64(buf[off+5+b]) << (8 * b)
		}
		fmt.Fprintf(&sb, "%-4d %-5d %-5d %d\n", id, value, worst, raw)
	}
	return sb.String()
}
