package nvmecmd

import (
	"fmt"

	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/prp"
)

// PRPResult is the outcome of building the PRP1/PRP2 (or PRP1 + PRP list)
// description of a host scatter-gather buffer (spec.md §4.5).
type PRPResult struct {
	PRP1     uint64
	PRP2     uint64
	ListPage uint8 // prp.None if no list page was borrowed
}

// ErrDataTooLarge is returned when a transfer would need more than one PRP
// list page (more than prp.EntriesPerList*4096 bytes beyond the first page).
type ErrDataTooLarge struct{ Len int }

func (e ErrDataTooLarge) Error() string {
	return fmt.Sprintf("nvmecmd: transfer of %d bytes exceeds one PRP list page's reach", e.Len)
}

// BuildPRP resolves data's physical layout into PRP1/PRP2 per the three-way
// branch in spec.md §4.5: single page, two pages (PRP1+PRP2 direct), or a
// PRP list page borrowed from pool for three or more pages.
func BuildPRP(svc hostservices.Services, pool *prp.Pool, data []byte) (PRPResult, error) {
	if len(data) == 0 {
		return PRPResult{ListPage: prp.None}, nil
	}

	phys, err := svc.PhysicalAddress(data)
	if err != nil {
		return PRPResult{}, err
	}

	offsetInPage := int(phys & 0xFFF)
	firstPageBytes := prp.PageSize - offsetInPage

	if len(data) <= firstPageBytes {
		return PRPResult{PRP1: phys, ListPage: prp.None}, nil
	}

	if len(data) <= firstPageBytes+prp.PageSize {
		phys2, err := svc.PhysicalAddress(data[firstPageBytes:])
		if err != nil {
			return PRPResult{}, err
		}
		return PRPResult{PRP1: phys, PRP2: phys2, ListPage: prp.None}, nil
	}

	remaining := len(data) - firstPageBytes
	numEntries := (remaining + prp.PageSize - 1) / prp.PageSize
	if numEntries > prp.EntriesPerList {
		return PRPResult{}, ErrDataTooLarge{Len: len(data)}
	}

	idx, ok := pool.Acquire()
	if !ok {
		return PRPResult{}, fmt.Errorf("nvmecmd: PRP list page pool exhausted")
	}
	listPage := pool.Virt(idx)

	off := firstPageBytes
	for i := 0; i < numEntries; i++ {
		end := off + prp.PageSize
		if end > len(data) {
			end = len(data)
		}
		chunkPhys, err := svc.PhysicalAddress(data[off:end])
		if err != nil {
			pool.Release(idx)
			return PRPResult{}, err
		}
		prp.WriteListEntry(listPage, i, chunkPhys)
		off = end
	}

	return PRPResult{PRP1: phys, PRP2: pool.Phys(idx), ListPage: idx}, nil
}
