package nvmecmd

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/prp"
)

// fakeServices is a minimal hostservices.Services stub whose PhysicalAddress
// resolves any subslice of base to basePhys + its byte offset within base,
// exactly like a real identity-mapped host buffer. Every other method panics:
// BuildPRP only ever calls PhysicalAddress.
type fakeServices struct {
	base     []byte
	basePhys uint64
}

func (f *fakeServices) PhysicalAddress(virt []byte) (uint64, error) {
	off := uintptr(unsafe.Pointer(&virt[0])) - uintptr(unsafe.Pointer(&f.base[0]))
	return f.basePhys + uint64(off), nil
}

func (f *fakeServices) MMIORead32(uint64) uint32                                { panic("unused") }
func (f *fakeServices) MMIOWrite32(uint64, uint32)                              { panic("unused") }
func (f *fakeServices) MMIORead64(uint64) uint64                                { panic("unused") }
func (f *fakeServices) MMIOWrite64(uint64, uint64)                             { panic("unused") }
func (f *fakeServices) PCIConfigReadU8(uint16) uint8                            { panic("unused") }
func (f *fakeServices) PCIConfigReadU16(uint16) uint16                          { panic("unused") }
func (f *fakeServices) PCIConfigReadU32(uint16) uint32                          { panic("unused") }
func (f *fakeServices) PCIConfigWriteU16(uint16, uint16)                        { panic("unused") }
func (f *fakeServices) PCIConfigWriteU32(uint16, uint32)                        { panic("unused") }
func (f *fakeServices) StallMicroseconds(uint32)                                { panic("unused") }
func (f *fakeServices) RegisterTimer(func(), uint32)                            { panic("unused") }
func (f *fakeServices) CancelTimer()                                            { panic("unused") }
func (f *fakeServices) NotifyRequestComplete(hostservices.Request)              { panic("unused") }
func (f *fakeServices) NotifyNextRequest()                                      { panic("unused") }
func (f *fakeServices) NotifyNextLURequest()                                    { panic("unused") }
func (f *fakeServices) GetSRB(uint8, uint8, uint8, uint16) (hostservices.Request, bool) {
	panic("unused")
}
func (f *fakeServices) DebugPrint(int, string, ...any) { panic("unused") }
func (f *fakeServices) AllocateUncachedRegion(int) ([]byte, uint64, error) {
	panic("unused")
}

var _ hostservices.Services = (*fakeServices)(nil)

func newTestPool() *prp.Pool {
	return prp.New(make([]byte, prp.Count*prp.PageSize), 0x9000_0000)
}

func TestBuildPRPSinglePage(t *testing.T) {
	base := make([]byte, 3*prp.PageSize)
	svc := &fakeServices{base: base, basePhys: 0x1000_0000} // page-aligned
	pool := newTestPool()

	data := base[0:512]
	res, err := BuildPRP(svc, pool, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000_0000), res.PRP1)
	assert.Equal(t, uint64(0), res.PRP2)
	assert.Equal(t, prp.None, res.ListPage)
	assert.Equal(t, 0, pool.Depth())
}

func TestBuildPRPTwoPagesDirect(t *testing.T) {
	base := make([]byte, 3*prp.PageSize)
	svc := &fakeServices{base: base, basePhys: 0x1000_0000}
	pool := newTestPool()

	// offset 0, spans exactly into the second page: PRP1 + PRP2 direct,
	// no list page borrowed.
	data := base[0 : prp.PageSize+100]
	res, err := BuildPRP(svc, pool, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000_0000), res.PRP1)
	assert.Equal(t, uint64(0x1000_0000+prp.PageSize), res.PRP2)
	assert.Equal(t, prp.None, res.ListPage)
	assert.Equal(t, 0, pool.Depth())
}

// TestBuildPRPThreePageSpan reproduces spec.md §8's scenario 3: a buffer
// starting at physical offset 4000 (0xFA0) within its first page and
// spanning 8192 bytes, reaching into a third page. first_page_bytes = 96,
// so it must take the PRP-list branch with a 2-entry list at PRP2.
func TestBuildPRPThreePageSpan(t *testing.T) {
	basePhys := uint64(0x2000_0000)
	base := make([]byte, 4*prp.PageSize)
	svc := &fakeServices{base: base, basePhys: basePhys}
	pool := newTestPool()

	const startOffset = 4000 // 0xFA0, within page 0
	data := base[startOffset : startOffset+8192]

	res, err := BuildPRP(svc, pool, data)
	require.NoError(t, err)

	wantPRP1 := basePhys + startOffset
	assert.Equal(t, wantPRP1, res.PRP1)
	require.NotEqual(t, prp.None, res.ListPage)
	assert.Equal(t, pool.Phys(res.ListPage), res.PRP2)
	assert.Equal(t, 1, pool.Depth())

	listPage := pool.Virt(res.ListPage)
	// first_page_bytes = 4096-4000 = 96; remaining = 8192-96 = 8096,
	// ceil(8096/4096) = 2 entries, at pages 1 and 2 beyond the buffer start.
	entry0 := le64(listPage[0:8])
	entry1 := le64(listPage[8:16])
	assert.Equal(t, basePhys+4096, entry0)
	assert.Equal(t, basePhys+8192, entry1)
}

func TestBuildPRPEmptyBuffer(t *testing.T) {
	pool := newTestPool()
	res, err := BuildPRP(&fakeServices{base: make([]byte, 1), basePhys: 0}, pool, nil)
	require.NoError(t, err)
	assert.Equal(t, prp.None, res.ListPage)
	assert.Equal(t, uint64(0), res.PRP1)
}

func TestBuildPRPRejectsOversizedTransferWithoutLeakingListPage(t *testing.T) {
	// A buffer too large for a single PRP list page's reach must fail
	// cleanly without leaking a pool slot.
	base := make([]byte, 1)
	svc := &fakeServices{base: base, basePhys: 0}
	pool := newTestPool()

	huge := make([]byte, prp.EntriesPerList*prp.PageSize+prp.PageSize+1)
	_, err := BuildPRP(svc, pool, huge)
	require.Error(t, err)
	assert.Equal(t, 0, pool.Depth())
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func TestSQEEncodeSize(t *testing.T) {
	var s SQE
	buf := s.Encode()
	assert.Equal(t, 64, len(buf))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(buf))
}
