//go:build linux

// Package uio implements hostservices.Services against a real PCIe NVMe
// controller via Linux's UIO (Userspace I/O) framework: BAR0 is mmap'd
// through /sys/class/uio/uioN/device/resource0, PCI config space is
// accessed through the sibling config file, and DMA-capable memory is
// resolved to physical addresses by walking /proc/self/pagemap — the
// userspace-driver technique in place of the kernel ioctl boundary the
// teacher's ata.go/sgio.go/ioctl.go used (spec.md §6). This backend is not
// exercised by the test suite; hostservices/sim plays that role instead.
package uio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvme2k-go/nvme2k/hostservices"
)

const pageSize = 4096

// region is one AllocateUncachedRegion grant, tracked the same way
// hostservices/sim tracks its grants so PhysicalAddress can translate a
// request's data buffer back to the physical address the controller put in
// a command's PRP1/PRP2.
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

type srbKey struct {
	path, target, lun uint8
	tag               uint16
}

// Device is one open NVMe controller reached through a UIO device node.
type Device struct {
	mu sync.Mutex

	bar     []byte
	pagemap *os.File
	config  *os.File

	regions []region

	timerCB  func()
	timerSet bool
	timer    *time.Timer

	srbs map[srbKey]hostservices.Request
}

// Open maps uioPath's (e.g. "/sys/class/uio/uio0") BAR0 resource and opens
// its PCI config-space file.
func Open(uioPath string) (*Device, error) {
	resFile, err := os.OpenFile(uioPath+"/device/resource0", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: opening resource0: %w", err)
	}
	defer resFile.Close()

	fi, err := resFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("uio: stat resource0: %w", err)
	}

	bar, err := unix.Mmap(int(resFile.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("uio: mmap resource0: %w", err)
	}

	configFile, err := os.OpenFile(uioPath+"/device/config", os.O_RDWR, 0)
	if err != nil {
		_ = unix.Munmap(bar)
		return nil, fmt.Errorf("uio: opening config: %w", err)
	}

	pagemap, err := os.Open("/proc/self/pagemap")
	if err != nil {
		configFile.Close()
		_ = unix.Munmap(bar)
		return nil, fmt.Errorf("uio: opening pagemap: %w", err)
	}

	return &Device{
		bar:     bar,
		pagemap: pagemap,
		config:  configFile,
		srbs:    make(map[srbKey]hostservices.Request),
	}, nil
}

// Close unmaps BAR0 and releases the config/pagemap file handles.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pagemap.Close()
	d.config.Close()
	return unix.Munmap(d.bar)
}

// --- hostservices.Services: MMIO ---

func (d *Device) MMIORead32(offset uint64) uint32 {
	return binary.LittleEndian.Uint32(d.bar[offset : offset+4])
}

func (d *Device) MMIOWrite32(offset uint64, value uint32) {
	binary.LittleEndian.PutUint32(d.bar[offset:offset+4], value)
}

func (d *Device) MMIORead64(offset uint64) uint64 {
	return binary.LittleEndian.Uint64(d.bar[offset : offset+8])
}

func (d *Device) MMIOWrite64(offset uint64, value uint64) {
	binary.LittleEndian.PutUint64(d.bar[offset:offset+8], value)
}

// --- hostservices.Services: PCI config space ---

func (d *Device) PCIConfigReadU8(offset uint16) uint8 {
	var b [1]byte
	d.config.ReadAt(b[:], int64(offset))
	return b[0]
}

func (d *Device) PCIConfigReadU16(offset uint16) uint16 {
	var b [2]byte
	d.config.ReadAt(b[:], int64(offset))
	return binary.LittleEndian.Uint16(b[:])
}

func (d *Device) PCIConfigReadU32(offset uint16) uint32 {
	var b [4]byte
	d.config.ReadAt(b[:], int64(offset))
	return binary.LittleEndian.Uint32(b[:])
}

func (d *Device) PCIConfigWriteU16(offset uint16, value uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	d.config.WriteAt(b[:], int64(offset))
}

func (d *Device) PCIConfigWriteU32(offset uint16, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	d.config.WriteAt(b[:], int64(offset))
}

// --- hostservices.Services: DMA memory ---

// AllocateUncachedRegion mmaps a new anonymous, page-locked region for
// queue rings / PRP pages (spec.md §4.1). Linux has no portable
// uncached-mapping syscall for ordinary user memory, so this backend relies
// on mlock to keep the mapping resident and physically stable instead — the
// controller never assumes true write-combining behavior, only that a
// physical address stays valid once handed to PhysicalAddress.
func (d *Device) AllocateUncachedRegion(totalSize int) ([]byte, uint64, error) {
	size := (totalSize + pageSize - 1) &^ (pageSize - 1)
	virt, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("uio: mmap dma region: %w", err)
	}
	if err := unix.Mlock(virt); err != nil {
		_ = unix.Munmap(virt)
		return nil, 0, fmt.Errorf("uio: mlock dma region: %w", err)
	}

	phys, err := d.resolvePagemap(virt)
	if err != nil {
		_ = unix.Munlock(virt)
		_ = unix.Munmap(virt)
		return nil, 0, err
	}

	d.mu.Lock()
	d.regions = append(d.regions, region{virt: virt, phys: phys})
	d.mu.Unlock()

	return virt, phys, nil
}

// resolvePagemap translates virt's first byte to a physical address via
// /proc/self/pagemap (Documentation/admin-guide/mm/pagemap.rst): each
// 8-byte entry's low 55 bits are the page frame number when bit 63 (page
// present) is set.
func (d *Device) resolvePagemap(virt []byte) (uint64, error) {
	if len(virt) == 0 {
		return 0, fmt.Errorf("uio: cannot resolve empty region")
	}
	vaddr := uintptr(unsafe.Pointer(&virt[0]))

	var entry [8]byte
	if _, err := d.pagemap.ReadAt(entry[:], int64(vaddr/pageSize)*8); err != nil {
		return 0, fmt.Errorf("uio: reading pagemap: %w", err)
	}
	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&(1<<63) == 0 {
		return 0, fmt.Errorf("uio: page not resident")
	}
	pfn := raw & ((1 << 55) - 1)
	return pfn*pageSize + uint64(vaddr%pageSize), nil
}

// PhysicalAddress resolves a buffer previously returned by
// AllocateUncachedRegion (or a subslice of one) to its physical address.
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

// --- hostservices.Services: timing / notification / debug ---

func (d *Device) StallMicroseconds(usec uint32) {
	time.Sleep(time.Duration(usec) * time.Microsecond)
}

func (d *Device) RegisterTimer(cb func(), usec uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timerCB, d.timerSet = cb, true
	d.timer = time.AfterFunc(time.Duration(usec)*time.Microsecond, func() {
		d.mu.Lock()
		set := d.timerSet
		d.mu.Unlock()
		if set {
			cb()
		}
	})
}

func (d *Device) CancelTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timerSet = false
	if d.timer != nil {
		d.timer.Stop()
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

// TrackRequest registers req so a later GetSRB recovers it, mirroring a
// real port driver's SRB table (same convention hostservices/sim uses).
func (d *Device) TrackRequest(req hostservices.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := srbKey{path: req.Path(), target: req.Target(), lun: req.LUN(), tag: req.QueueTag()}
	d.srbs[key] = req
}

func (d *Device) DebugPrint(level int, format string, args ...any) {
	if level > 1 {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

var _ hostservices.Services = (*Device)(nil)
