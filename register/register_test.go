package register

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMMIO struct {
	regs map[uint64]uint64
	csts uint32
}

func newFakeMMIO() *fakeMMIO { return &fakeMMIO{regs: map[uint64]uint64{}} }

func (f *fakeMMIO) MMIORead32(offset uint64) uint32 {
	if offset == CSTS {
		return f.csts
	}
	return uint32(f.regs[offset])
}
func (f *fakeMMIO) MMIOWrite32(offset uint64, value uint32) { f.regs[offset] = uint64(value) }
func (f *fakeMMIO) MMIORead64(offset uint64) uint64         { return f.regs[offset] }
func (f *fakeMMIO) MMIOWrite64(offset uint64, value uint64) { f.regs[offset] = value }
func (f *fakeMMIO) StallMicroseconds(usec uint32)           {}

func TestReadCapabilities(t *testing.T) {
	m := newFakeMMIO()
	// MQES=63, DSTRD=1
	m.regs[CAP] = uint64(63) | (uint64(1) << 32)
	caps := ReadCapabilities(m)
	assert.Equal(t, uint32(63), caps.MQES)
	assert.Equal(t, uint32(1), caps.DSTRD)
	assert.Equal(t, uint32(8), caps.DoorbellStride())
}

func TestDoorbellOffset(t *testing.T) {
	caps := Capabilities{DSTRD: 0}
	assert.Equal(t, uint64(DBS), caps.DoorbellOffset(0, false))
	assert.Equal(t, uint64(DBS+4), caps.DoorbellOffset(0, true))
	assert.Equal(t, uint64(DBS+8), caps.DoorbellOffset(1, false))
	assert.Equal(t, uint64(DBS+12), caps.DoorbellOffset(1, true))
}

func TestMPS(t *testing.T) {
	assert.Equal(t, uint32(0)<<7, MPS(4096))
}

func TestWaitReadySucceeds(t *testing.T) {
	m := newFakeMMIO()
	m.csts = CSTSRdy
	err := WaitReady(context.Background(), m, true, time.Second)
	require.NoError(t, err)
}

func TestWaitReadyTimesOut(t *testing.T) {
	m := newFakeMMIO() // csts never becomes ready
	err := WaitReady(context.Background(), m, true, 20*time.Millisecond)
	require.Error(t, err)
	var to ErrTimeout
	assert.ErrorAs(t, err, &to)
	assert.True(t, to.Target)
}

func TestWaitReadyHonorsContextCancellation(t *testing.T) {
	m := newFakeMMIO()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitReady(ctx, m, true, time.Second)
	require.Error(t, err)
}
