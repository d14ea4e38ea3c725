// Package arena implements the Uncached Arena: a bump allocator over a
// single physically contiguous region, used for DMA-visible buffers (queue
// rings, the PRP/scratch region, Identify payloads). See spec.md §4.1.
package arena

import "fmt"

// PageSize is the fixed host page size this design is pinned to (spec.md §3).
const PageSize = 4096

// ErrOutOfMemory is returned when the region is exhausted.
type ErrOutOfMemory struct {
	Requested, Available int
}

func (e ErrOutOfMemory) Error() string {
	return fmt.Sprintf("arena: out of memory: requested %d bytes, %d available", e.Requested, e.Available)
}

// Arena is a monotonic bump allocator over region[0:len(region)]. It never
// frees individual blocks; the whole region is reclaimed implicitly when the
// owning controller tears down.
type Arena struct {
	region     []byte
	regionPhys uint64
	offset     int
}

// New wraps a caller-allocated, physically contiguous region. regionPhys is
// the physical address of region[0].
func New(region []byte, regionPhys uint64) *Arena {
	return &Arena{region: region, regionPhys: regionPhys}
}

// Allocate returns a sub-slice of the region and the corresponding physical
// address, aligning the start offset up to alignment (which must be a power
// of two). The caller is responsible for zeroing the returned buffer.
func (a *Arena) Allocate(size int, alignment int) (virt []byte, phys uint64, err error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, 0, fmt.Errorf("arena: alignment %d is not a power of two", alignment)
	}

	aligned := (a.offset + alignment - 1) &^ (alignment - 1)
	if aligned+size > len(a.region) {
		return nil, 0, ErrOutOfMemory{Requested: size, Available: len(a.region) - aligned}
	}

	virt = a.region[aligned : aligned+size]
	phys = a.regionPhys + uint64(aligned)
	a.offset = aligned + size
	return virt, phys, nil
}

// MustAllocate is Allocate but panics on failure; used during Context
// construction where an allocation failure is a programmer error (region
// sized too small for the fixed queue/PRP layout), not a runtime condition.
func (a *Arena) MustAllocate(size int, alignment int) (virt []byte, phys uint64) {
	virt, phys, err := a.Allocate(size, alignment)
	if err != nil {
		panic(err)
	}
	return virt, phys
}

// Used returns the number of bytes allocated so far.
func (a *Arena) Used() int { return a.offset }

// Cap returns the total size of the backing region.
func (a *Arena) Cap() int { return len(a.region) }

// PhysAddr returns the physical address of the arena's base.
func (a *Arena) PhysAddr() uint64 { return a.regionPhys }
