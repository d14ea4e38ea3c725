// Package sim implements an in-memory NVMe device: it plays the controller
// side of the wire so the driver core can be exercised and tested without
// real hardware (spec.md's Host Services trait, concretely implemented
// here rather than as a Windows miniport callback table). It implements
// hostservices.Services directly.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/nvmecmd"
	"github.com/nvme2k-go/nvme2k/register"
)

// region is one AllocateUncachedRegion grant, tracked so PhysicalAddress and
// the device-side queue/PRP resolution can translate a virt slice or a raw
// physical address back to real memory.
type region struct {
	virt []byte
	phys uint64
}

func (r region) contains(virt []byte) bool {
	if len(virt) == 0 || len(r.virt) == 0 {
		return false
	}
	lo := uintptr(unsafe.Pointer(&r.virt[0]))
	hi := lo + uintptr(len(r.virt))
	p := uintptr(unsafe.Pointer(&virt[0]))
	return p >= lo && p < hi
}

func (r region) virtAt(phys uint64, length int) ([]byte, bool) {
	if phys < r.phys || phys+uint64(length) > r.phys+uint64(len(r.virt)) {
		return nil, false
	}
	off := phys - r.phys
	return r.virt[off : off+uint64(length)], true
}

// queueRing is the device-side view of one queue pair's shared memory.
type queueRing struct {
	sq, cq    []byte
	size      int
	sizeBits  uint
	sqHead    int // device's read position into sq
	cqTail    int // device's monotonic write position into cq
}

func log2(x int) uint {
	n := uint(0)
	for (1 << n) < x {
		n++
	}
	return n
}

// Device is the simulated NVMe controller.
type Device struct {
	mu sync.Mutex

	regions  []region
	nextPhys uint64

	cap32Lo, cap32Hi uint32 // CAP register halves
	vs               uint32
	intms            uint32
	cc               uint32
	csts             uint32
	aqa              uint32
	asqLo, asqHi     uint32
	acqLo, acqHi     uint32
	pciCmd           uint16

	admin *queueRing
	io    *queueRing

	pendingIOCQPhys uint64
	pendingIOCQSize int

	// Canned identify/log data, mutable by test setup via SetIdentify*/SetSmartLog.
	identifyController [4096]byte
	identifyNamespace  [4096]byte
	smartLog           [512]byte
	namespace          []byte
	blockSize          uint32

	srbs map[srbKey]hostservices.Request

	timerCB  func()
	timerSet bool
}

type srbKey struct {
	path, target, lun uint8
	tag               uint16
}

// New constructs a Device with MQES=63 (64 entries max) and DSTRD=0, a
// default 1 MiB namespace at 512-byte blocks, and zeroed identify/SMART
// data (callers fill these in with SetIdentifyController etc. before
// init, as a real device would report its own values).
func New() *Device {
	d := &Device{
		cap32Lo:   63, // MQES = 63 (64 entries)
		namespace: make([]byte, 1<<20),
		blockSize: 512,
		srbs:      make(map[srbKey]hostservices.Request),
		nextPhys:  0x1000_0000,
	}
	return d
}

// SetIdentifyController / SetIdentifyNamespace / SetSMARTLog let tests and
// the CLI seed the canned admin data the simulated device reports.
func (d *Device) SetIdentifyController(b [4096]byte) { d.identifyController = b }
func (d *Device) SetIdentifyNamespace(b [4096]byte)  { d.identifyNamespace = b }
func (d *Device) SetSMARTLog(b [512]byte)            { d.smartLog = b }

// SetNamespace replaces the backing namespace buffer and block size.
func (d *Device) SetNamespace(data []byte, blockSize uint32) {
	d.namespace = data
	d.blockSize = blockSize
}

// --- hostservices.Services: MMIO ---

func (d *Device) MMIORead32(offset uint64) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case register.CAP:
		return d.cap32Lo
	case register.CAP + 4:
		return d.cap32Hi
	case register.VS:
		return d.vs
	case register.INTMS, register.INTMC:
		return d.intms
	case register.CC:
		return d.cc
	case register.CSTS:
		return d.csts
	case register.AQA:
		return d.aqa
	case register.ASQ:
		return d.asqLo
	case register.ASQ + 4:
		return d.asqHi
	case register.ACQ:
		return d.acqLo
	case register.ACQ + 4:
		return d.acqHi
	default:
		return 0
	}
}

func (d *Device) MMIOWrite32(offset uint64, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= register.DBS {
		d.handleDoorbellLocked(offset, value)
		return
	}

	switch offset {
	case register.INTMS:
		d.intms |= value
	case register.INTMC:
		d.intms &^= value
	case register.CC:
		d.onCCWriteLocked(value)
	case register.AQA:
		d.aqa = value
	case register.ASQ:
		d.asqLo = value
	case register.ASQ + 4:
		d.asqHi = value
	case register.ACQ:
		d.acqLo = value
	case register.ACQ + 4:
		d.acqHi = value
	}
}

func (d *Device) MMIORead64(offset uint64) uint64 {
	lo := d.MMIORead32(offset)
	hi := d.MMIORead32(offset + 4)
	return uint64(lo) | uint64(hi)<<32
}

func (d *Device) MMIOWrite64(offset uint64, value uint64) {
	d.MMIOWrite32(offset, uint32(value))
	d.MMIOWrite32(offset+4, uint32(value>>32))
}

func (d *Device) onCCWriteLocked(value uint32) {
	wasEnabled := d.cc&register.CCEnable != 0
	d.cc = value
	enabled := value&register.CCEnable != 0

	if enabled && !wasEnabled {
		d.csts |= register.CSTSRdy
		d.setupAdminQueueLocked()
	}
	if !enabled && wasEnabled {
		d.csts &^= register.CSTSRdy
		d.admin = nil
	}

	shn := value & register.CCShnMask
	if shn == register.CCShnNorm || shn == register.CCShnAbrt {
		d.csts = (d.csts &^ register.CSTSShstMask) | register.CSTSShstComplete
	}
}

func (d *Device) setupAdminQueueLocked() {
	asq := uint64(d.asqLo) | uint64(d.asqHi)<<32
	acq := uint64(d.acqLo) | uint64(d.acqHi)<<32
	size := int(d.aqa&0xFFF) + 1

	sqVirt, ok1 := d.resolvePhysLocked(asq, size*64)
	cqVirt, ok2 := d.resolvePhysLocked(acq, size*16)
	if !ok1 || !ok2 {
		return
	}
	d.admin = &queueRing{sq: sqVirt, cq: cqVirt, size: size, sizeBits: log2(size), cqTail: size}
}

func (d *Device) resolvePhysLocked(phys uint64, length int) ([]byte, bool) {
	for _, r := range d.regions {
		if v, ok := r.virtAt(phys, length); ok {
			return v, true
		}
	}
	return nil, false
}

func (d *Device) handleDoorbellLocked(offset uint64, value uint32) {
	caps := register.Capabilities{DSTRD: 0}
	stride := caps.DoorbellStride()
	idx := (offset - register.DBS) / uint64(stride)
	qid := uint16(idx / 2)
	isCQ := idx%2 == 1

	if isCQ {
		return // CQ doorbell is informational for this simulator
	}

	var ring *queueRing
	var qidForCQE uint16
	if qid == 0 {
		ring = d.admin
		qidForCQE = 0
	} else {
		ring = d.io
		qidForCQE = 1
	}
	if ring == nil {
		return
	}
	d.processSubmissionsLocked(ring, qidForCQE, int(value))
}

// --- Command execution ---

func (d *Device) processSubmissionsLocked(ring *queueRing, qid uint16, newTail int) {
	mask := ring.size - 1
	for ring.sqHead != newTail {
		raw := [64]byte{}
		copy(raw[:], ring.sq[ring.sqHead*64:ring.sqHead*64+64])
		sqe := nvmecmd.Decode(raw)
		ring.sqHead = (ring.sqHead + 1) & mask

		status := d.execute(qid, sqe)
		d.completeLocked(ring, qid, sqe.CID, status)
	}
}

func (d *Device) completeLocked(ring *queueRing, qid uint16, cid uint16, statusCode uint8) {
	idx := ring.cqTail & (ring.size - 1)
	phase := uint8((ring.cqTail >> ring.sizeBits) & 1)
	statusWord := uint16(statusCode)<<1 | uint16(phase)

	buf := ring.cq[idx*16 : idx*16+16]
	binary.LittleEndian.PutUint16(buf[8:10], uint16(ring.sqHead))
	binary.LittleEndian.PutUint16(buf[10:12], qid)
	binary.LittleEndian.PutUint16(buf[12:14], cid)
	binary.LittleEndian.PutUint16(buf[14:16], statusWord)
	ring.cqTail++
}

// execute runs one decoded SQE against simulated device state and returns
// its NVMe status code (0 == success).
func (d *Device) execute(qid uint16, sqe nvmecmd.SQE) uint8 {
	if qid == 0 {
		return d.executeAdmin(sqe)
	}
	return d.executeIO(sqe)
}

func (d *Device) executeAdmin(sqe nvmecmd.SQE) uint8 {
	switch sqe.Opcode {
	case nvmecmd.OpIdentify:
		var src []byte
		if sqe.CDW10&0xFF == nvmecmd.CNSController {
			src = d.identifyController[:]
		} else {
			src = d.identifyNamespace[:]
		}
		dst, ok := d.resolvePhysLocked(sqe.PRP1, len(src))
		if !ok {
			return 0x02 // invalid field
		}
		copy(dst, src)
		return 0

	case nvmecmd.OpCreateCQ:
		qidArg := uint16(sqe.CDW10)
		size := int(sqe.CDW10>>16) + 1
		d.pendingIOCQPhys = sqe.PRP1
		d.pendingIOCQSize = size
		_ = qidArg
		return 0

	case nvmecmd.OpCreateSQ:
		size := int(sqe.CDW10>>16) + 1
		cqVirt, ok1 := d.resolvePhysLocked(d.pendingIOCQPhys, d.pendingIOCQSize*16)
		sqVirt, ok2 := d.resolvePhysLocked(sqe.PRP1, size*64)
		if !ok1 || !ok2 {
			return 0x02
		}
		d.io = &queueRing{sq: sqVirt, cq: cqVirt, size: size, sizeBits: log2(size), cqTail: size}
		return 0

	case nvmecmd.OpDeleteSQ:
		d.io = nil
		return 0

	case nvmecmd.OpDeleteCQ:
		return 0

	case nvmecmd.OpGetLogPage:
		lid := uint8(sqe.CDW10)
		if lid != 0x02 {
			return 0x02
		}
		dst, ok := d.resolvePhysLocked(sqe.PRP1, len(d.smartLog))
		if !ok {
			return 0x02
		}
		copy(dst, d.smartLog[:])
		return 0

	default:
		return 0x01 // invalid opcode
	}
}

func (d *Device) executeIO(sqe nvmecmd.SQE) uint8 {
	switch sqe.Opcode {
	case nvmecmd.OpFlush:
		return 0
	case nvmecmd.OpRead, nvmecmd.OpWrite:
		lba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
		blocks := int(sqe.CDW12) + 1
		length := blocks * int(d.blockSize)
		start := lba * uint64(d.blockSize)
		if start+uint64(length) > uint64(len(d.namespace)) {
			return 0x80 // LBA out of range (vendor-ish, any nonzero is "error" to the driver)
		}
		buf, ok := d.resolveTransferLocked(sqe, length)
		if !ok {
			return 0x02
		}
		if sqe.Opcode == nvmecmd.OpWrite {
			copy(d.namespace[start:start+uint64(length)], buf)
		} else {
			copy(buf, d.namespace[start:start+uint64(length)])
		}
		return 0
	default:
		return 0x01
	}
}

// resolveTransferLocked resolves a command's PRP1/PRP2(+list) description
// back into a single contiguous view for the simulator's convenience. Real
// hardware DMAs scatter/gather; since sim and driver share one address
// space, every PRP chunk here resolves to a slice of the *same* backing
// array the driver's buffer lives in, so chunks are already contiguous —
// resolving PRP1 alone is enough whenever that's true, which it is for
// every 4 KiB-page-aligned buffer AllocateUncachedRegion hands out.
func (d *Device) resolveTransferLocked(sqe nvmecmd.SQE, length int) ([]byte, bool) {
	return d.resolvePhysLocked(sqe.PRP1, length)
}

// --- hostservices.Services: PCI config ---

func (d *Device) PCIConfigReadU8(offset uint16) uint8   { return uint8(d.pciConfigRead(offset)) }
func (d *Device) PCIConfigReadU16(offset uint16) uint16 { return uint16(d.pciConfigRead(offset)) }
func (d *Device) PCIConfigReadU32(offset uint16) uint32 { return d.pciConfigRead(offset) }

func (d *Device) pciConfigRead(offset uint16) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset == 0x04 {
		return uint32(d.pciCmd)
	}
	return 0
}

func (d *Device) PCIConfigWriteU16(offset uint16, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset == 0x04 {
		d.pciCmd = value
	}
}

func (d *Device) PCIConfigWriteU32(offset uint16, value uint32) {
	d.PCIConfigWriteU16(offset, uint16(value))
}

// --- hostservices.Services: memory ---

func (d *Device) PhysicalAddress(virt []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.regions {
		if r.contains(virt) {
			off := uintptr(unsafe.Pointer(&virt[0])) - uintptr(unsafe.Pointer(&r.virt[0]))
			return r.phys + uint64(off), nil
		}
	}
	return 0, hostservices.ErrNotMapped{}
}

func (d *Device) AllocateUncachedRegion(totalSize int) ([]byte, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	virt := make([]byte, totalSize)
	phys := d.nextPhys
	d.nextPhys += uint64(totalSize)
	d.regions = append(d.regions, region{virt: virt, phys: phys})
	return virt, phys, nil
}

// --- hostservices.Services: timing / notification / debug ---

func (d *Device) StallMicroseconds(uint32) {}

func (d *Device) RegisterTimer(cb func(), _ uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timerCB, d.timerSet = cb, true
}

func (d *Device) CancelTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timerSet = false
}

// FireTimer lets a test simulate the fallback timer expiring.
func (d *Device) FireTimer() {
	d.mu.Lock()
	cb, set := d.timerCB, d.timerSet
	d.mu.Unlock()
	if set {
		cb()
	}
}

func (d *Device) NotifyRequestComplete(req hostservices.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := srbKey{path: req.Path(), target: req.Target(), lun: req.LUN(), tag: req.QueueTag()}
	delete(d.srbs, key)
}

func (d *Device) NotifyNextRequest()   {}
func (d *Device) NotifyNextLURequest() {}

func (d *Device) GetSRB(path, target, lun uint8, tag uint16) (hostservices.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.srbs[srbKey{path: path, target: target, lun: lun, tag: tag}]
	return req, ok
}

// TrackRequest registers req so a later GetSRB(path, target, lun, tag) call
// (from the completion dispatcher) recovers it — mirroring how a real port
// driver's SRB table works. Tests and the CLI call this at submission time.
func (d *Device) TrackRequest(req hostservices.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tag := req.QueueTag()
	if req.QueueAction() == hostservices.QueueActionNone && tag == hostservices.Untagged {
		tag = hostservices.Untagged
	}
	key := srbKey{path: req.Path(), target: req.Target(), lun: req.LUN(), tag: tag}
	d.srbs[key] = req
}

func (d *Device) DebugPrint(level int, format string, args ...any) {
	_ = level
	_ = fmt.Sprintf(format, args...)
}

var _ hostservices.Services = (*Device)(nil)
