package queue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDoorbell struct {
	sqWrites []uint32
	cqWrites []uint32
}

func (f *fakeDoorbell) WriteSQDoorbell(qid uint16, value uint32) { f.sqWrites = append(f.sqWrites, value) }
func (f *fakeDoorbell) WriteCQDoorbell(qid uint16, value uint32) { f.cqWrites = append(f.cqWrites, value) }

func newTestPair(t *testing.T, size int) *Pair {
	t.Helper()
	sq := make([]byte, size*SQEntrySize)
	cq := make([]byte, size*CQEntrySize)
	p, err := New(1, size, sq, 0x1000, cq, 0x2000)
	require.NoError(t, err)
	return p
}

func writeCQE(cq []byte, idx int, cid uint16, statusCode uint8, phase uint8, sqHead uint16) {
	off := idx * CQEntrySize
	binary.LittleEndian.PutUint16(cq[off+8:off+10], sqHead)
	binary.LittleEndian.PutUint16(cq[off+12:off+14], cid)
	status := (uint16(statusCode) << 1) | uint16(phase)
	binary.LittleEndian.PutUint16(cq[off+14:off+16], status)
}

func TestInitialStateAndFirstPhase(t *testing.T) {
	p := newTestPair(t, 8)
	assert.Equal(t, 0, p.SQHead())
	assert.Equal(t, 0, p.SQTail())
	assert.Equal(t, 8, p.CQHeadMonotonic())

	db := &fakeDoorbell{}
	var cmd [SQEntrySize]byte
	require.NoError(t, p.Submit(cmd, db))

	// Post a completion with phase=1: the controller's reset state, and the
	// first entry the driver must accept (spec.md §8 boundary behavior).
	writeCQE(p.cq, 0, 42, 0, 1, 1)

	var got []CQE
	n := p.DrainCompletions(db, func(c CQE) { got = append(got, c) })
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(42), got[0].CID)
	assert.Equal(t, 1, p.SQHead()) // sq_head updated from completion field
}

func TestQueueFullGuard(t *testing.T) {
	p := newTestPair(t, 4)
	db := &fakeDoorbell{}
	var cmd [SQEntrySize]byte

	// size=4: can hold at most size-1 == 3 outstanding before Full.
	require.NoError(t, p.Submit(cmd, db))
	require.NoError(t, p.Submit(cmd, db))
	require.NoError(t, p.Submit(cmd, db))
	err := p.Submit(cmd, db)
	assert.ErrorIs(t, err, ErrFull)
	assert.NotEqual(t, p.SQHead(), p.SQTail())
}

func TestDoorbellWrapsToZero(t *testing.T) {
	size := 4
	p := newTestPair(t, size)
	db := &fakeDoorbell{}

	for i := 0; i < size-1; i++ {
		writeCQE(p.cq, i, uint16(i), 0, 1, uint16(i+1))
	}
	p.DrainCompletions(db, func(CQE) {})

	// After consuming entries 0..size-2 the monotonic head sits at
	// size + (size-1); its masked index is size-1, not yet wrapped. Drain
	// one more synthetic phase-1 entry at slot size-1 to force the wrap.
	writeCQE(p.cq, size-1, 99, 0, 1, uint16(size))
	p.DrainCompletions(db, func(CQE) {})

	assert.Equal(t, uint32(0), db.cqWrites[len(db.cqWrites)-1])
}

func TestPhaseToggleAcrossWrap(t *testing.T) {
	size := 2
	p := newTestPair(t, size)
	db := &fakeDoorbell{}

	writeCQE(p.cq, 0, 1, 0, 1, 1)
	writeCQE(p.cq, 1, 2, 0, 1, 2)
	n := p.DrainCompletions(db, func(CQE) {})
	assert.Equal(t, 2, n)

	// Next lap expects phase 0.
	writeCQE(p.cq, 0, 3, 0, 0, 3)
	var got []CQE
	n = p.DrainCompletions(db, func(c CQE) { got = append(got, c) })
	assert.Equal(t, 1, n)
	assert.Equal(t, uint16(3), got[0].CID)
}

func TestReset(t *testing.T) {
	p := newTestPair(t, 8)
	db := &fakeDoorbell{}
	var cmd [SQEntrySize]byte
	p.Submit(cmd, db)
	writeCQE(p.cq, 0, 1, 0, 1, 1)
	p.DrainCompletions(db, func(CQE) {})

	p.Reset()
	assert.Equal(t, 0, p.SQHead())
	assert.Equal(t, 0, p.SQTail())
	assert.Equal(t, 8, p.CQHeadMonotonic())
}
