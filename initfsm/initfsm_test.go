package initfsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme2k-go/nvme2k/cid"
)

func TestHappyPathReachesReady(t *testing.T) {
	m := New()
	assert.Equal(t, PostEnable, m.State())

	s, err := m.Advance(cid.AdminCIDCreateIOCQ, true)
	require.NoError(t, err)
	assert.Equal(t, CreatedIoCq, s)

	s, err = m.Advance(cid.AdminCIDCreateIOSQ, true)
	require.NoError(t, err)
	assert.Equal(t, CreatedIoSq, s)

	s, err = m.Advance(cid.AdminCIDIdentifyCtrl, true)
	require.NoError(t, err)
	assert.Equal(t, IdentifiedController, s)

	s, err = m.Advance(cid.AdminCIDIdentifyNamespace, true)
	require.NoError(t, err)
	assert.Equal(t, IdentifiedNamespace, s)

	s, err = m.Advance(0, true) // Ready's transition carries no CID wait
	require.NoError(t, err)
	assert.Equal(t, Ready, s)
	assert.True(t, m.Done())
}

func TestNonSuccessAborts(t *testing.T) {
	m := New()
	_, err := m.Advance(cid.AdminCIDCreateIOCQ, false)
	require.Error(t, err)
	var aborted ErrAborted
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, PostEnable, m.State()) // unchanged
}

func TestUnexpectedCIDIsRejected(t *testing.T) {
	m := New()
	_, err := m.Advance(cid.AdminCIDIdentifyCtrl, true) // out of order
	require.Error(t, err)
	var bad ErrUnexpectedCID
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, PostEnable, m.State())
}

func TestAdvanceAfterReadyPanics(t *testing.T) {
	m := New()
	m.Advance(cid.AdminCIDCreateIOCQ, true)
	m.Advance(cid.AdminCIDCreateIOSQ, true)
	m.Advance(cid.AdminCIDIdentifyCtrl, true)
	m.Advance(cid.AdminCIDIdentifyNamespace, true)
	m.Advance(0, true)
	assert.Panics(t, func() { m.Advance(0, true) })
}

func TestParseIdentifyController(t *testing.T) {
	data := make([]byte, 4096)
	copy(data[icOffSN:], []byte("SERIAL0123456789AB\x00"))
	copy(data[icOffMN:], []byte("nvme2k model                           \x00"))
	copy(data[icOffFR:], []byte("1.0.0\x00\x00\x00"))
	data[icOffNN] = 1

	ic := ParseIdentifyController(data)
	assert.Equal(t, "SERIAL0123456789AB", ic.SerialNumber)
	assert.Equal(t, uint32(1), ic.NamespaceCount)
}

func TestParseIdentifyNamespaceDefaultBlockSize(t *testing.T) {
	data := make([]byte, 4096)
	// NSZE = 1,000,000 blocks
	for i, b := range []byte{0x40, 0x42, 0x0F, 0, 0, 0, 0, 0} {
		data[inOffNSZE+i] = b
	}
	data[inOffFLBAS] = 9 // 1<<9 == 512

	ns := ParseIdentifyNamespace(data)
	assert.Equal(t, uint64(1000000), ns.LBACount)
	assert.Equal(t, uint32(512), ns.BlockSize)
}

func TestParseIdentifyNamespaceFlbasZeroDefaultsTo512(t *testing.T) {
	data := make([]byte, 4096)
	data[inOffFLBAS] = 0 // 1<<0 == 1, must default to 512
	ns := ParseIdentifyNamespace(data)
	assert.Equal(t, uint32(512), ns.BlockSize)
}
