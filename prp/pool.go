// Package prp implements the PRP Page Pool: a fixed 10-slot bitmap allocator
// over an aliased scratch region, shared between multi-page I/O transfers
// and admin Identify/Get-Log-Page payloads (spec.md §4.2).
package prp

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/nvme2k-go/nvme2k/cid"
)

// PageSize is the size of one PRP pool page / PRP list page.
const PageSize = 4096

// Count is the fixed number of pages in the pool (spec.md §3: SG_LIST_PAGES).
const Count = int(cid.SGListPages)

// EntriesPerList is the number of u64 physical addresses a single PRP list
// page can hold (spec.md §3): 512 entries * 4KiB == 2MiB max reach.
const EntriesPerList = PageSize / 8

// None is the sentinel "no page borrowed" value for the Per-Request
// Extension's prp_page field (spec.md §3).
const None uint8 = 0xFF

// Pool is the fixed 10-page bitmap allocator. Before init completes, the
// same region doubles as Identify/Get-Log-Page scratch (spec.md §4.2); the
// owner chooses which page to hand to admin commands directly, the bitmap
// only governs pages lent out for multi-page I/O PRP lists.
type Pool struct {
	virt      []byte // Count * PageSize bytes
	phys      uint64
	bitmap    uint16
	depth     int
	highWater int
}

// New wraps a Count*PageSize region.
func New(virt []byte, phys uint64) *Pool {
	if len(virt) != Count*PageSize {
		panic(fmt.Sprintf("prp: region must be exactly %d bytes, got %d", Count*PageSize, len(virt)))
	}
	return &Pool{virt: virt, phys: phys}
}

// Acquire scans the bitmap low-to-high and returns the first clear slot, or
// ok=false if all Count slots are in use.
func (p *Pool) Acquire() (index uint8, ok bool) {
	inverted := ^p.bitmap
	if inverted == 0 {
		return 0, false
	}
	// Only the low Count bits are meaningful.
	inverted &= (1 << uint(Count)) - 1
	if inverted == 0 {
		return 0, false
	}
	idx := bits.TrailingZeros16(inverted)
	p.bitmap |= 1 << uint(idx)
	p.depth++
	if p.depth > p.highWater {
		p.highWater = p.depth
	}
	return uint8(idx), true
}

// Release returns a previously-acquired page to the pool. Releasing an
// already-free index is a no-op (defensive: completion paths must never
// double-release into a negative depth).
func (p *Pool) Release(index uint8) {
	bit := uint16(1) << uint(index)
	if p.bitmap&bit == 0 {
		return
	}
	p.bitmap &^= bit
	p.depth--
}

// Virt returns the page's backing buffer.
func (p *Pool) Virt(index uint8) []byte {
	return p.virt[int(index)*PageSize : int(index)*PageSize+PageSize]
}

// Phys returns the page's physical address.
func (p *Pool) Phys(index uint8) uint64 {
	return p.phys + uint64(index)*PageSize
}

// Depth returns the number of pages currently on loan.
func (p *Pool) Depth() int { return p.depth }

// HighWatermark returns the maximum depth ever observed.
func (p *Pool) HighWatermark() int { return p.highWater }

// WriteListEntry writes physical address addr as the i'th little-endian u64
// entry of a PRP list page.
func WriteListEntry(page []byte, i int, addr uint64) {
	binary.LittleEndian.PutUint64(page[i*8:i*8+8], addr)
}
