package controller

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme2k-go/nvme2k/ata"
	"github.com/nvme2k-go/nvme2k/config"
	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/hostservices/sim"
	"github.com/nvme2k-go/nvme2k/logging"
	"github.com/nvme2k-go/nvme2k/metrics"
	"github.com/nvme2k-go/nvme2k/scsi"
)

// newTestController builds a Device seeded with canned Identify/SMART/
// namespace data and a Context wired to it, mirroring the five-step admin
// init chain an end-to-end scenario drives.
func newTestController(t *testing.T) (*Context, *sim.Device) {
	t.Helper()

	d := sim.New()

	var ic [4096]byte
	copy(ic[4:24], "SERIAL0001          ")
	copy(ic[24:64], "nvme2k simulated controller             ")
	copy(ic[64:72], "1.0     ")
	d.SetIdentifyController(ic)

	ns := make([]byte, 1<<20)
	for i := range ns {
		ns[i] = byte(i)
	}
	d.SetNamespace(ns, 512)

	var in [4096]byte
	binary.LittleEndian.PutUint64(in[0:8], 2048) // NSZE: 1 MiB at 512-byte blocks
	d.SetIdentifyNamespace(in)

	var smart [512]byte
	smart[0] = 0x01 // something non-zero so BuildATASmartFromNVMe has data to map
	d.SetSMARTLog(smart)

	cfg := config.Default()
	cfg.AdminQueueSize = 16
	cfg.IOQueueSize = 16

	log, err := logging.New()
	require.NoError(t, err)
	stats := metrics.New()

	c, err := New(d, cfg, log, stats)
	require.NoError(t, err)

	require.NoError(t, c.Init(context.Background()))
	require.True(t, c.InitComplete())

	return c, d
}

// TestNewDoesNotPanicOnRegionSize guards regionSize against undercounting
// the page-alignment padding arena.Allocate inserts between New's five
// sequential allocations: a too-small region makes the PRP pool's
// MustAllocate panic with arena.ErrOutOfMemory.
func TestNewDoesNotPanicOnRegionSize(t *testing.T) {
	d := sim.New()
	cfg := config.Default()
	cfg.AdminQueueSize = 16
	cfg.IOQueueSize = 16

	log, err := logging.New()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err := New(d, cfg, log, metrics.New())
		require.NoError(t, err)
	})
}

func TestInitReachesReady(t *testing.T) {
	c, _ := newTestController(t)
	assert.True(t, c.InitComplete())
	assert.NotEmpty(t, c.IdentifyController().SerialNumber)
}

func TestInquiryReturnsCachedIdentify(t *testing.T) {
	c, _ := newTestController(t)

	req := hostservices.NewRequest()
	req.Cdb = []byte{scsi.OpInquiry, 0, 0, 0, 36, 0}
	req.Data = make([]byte, 36)

	require.NoError(t, c.StartIO(req))
	assert.Equal(t, hostservices.StatusSuccess, req.Status())
	assert.Equal(t, uint8(0x00), req.SCSIStatus())
}

func TestReadCapacity10ReportsNamespaceGeometry(t *testing.T) {
	c, _ := newTestController(t)

	req := hostservices.NewRequest()
	req.Cdb = []byte{scsi.OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	req.Data = make([]byte, 8)

	require.NoError(t, c.StartIO(req))
	assert.Equal(t, hostservices.StatusSuccess, req.Status())

	lastLBA := uint32(req.Data[0])<<24 | uint32(req.Data[1])<<16 | uint32(req.Data[2])<<8 | uint32(req.Data[3])
	assert.Equal(t, c.IdentifyNamespace().LBACount-1, uint64(lastLBA))
}

func TestUntaggedWriteThenReadRoundTrip(t *testing.T) {
	c, d := newTestController(t)

	writeVirt, _, err := d.AllocateUncachedRegion(512)
	require.NoError(t, err)
	for i := range writeVirt {
		writeVirt[i] = 0xAB
	}

	wreq := hostservices.NewRequest()
	wreq.Cdb = buildCDB10(scsi.OpWrite10, 5, 1)
	wreq.Data = writeVirt

	require.NoError(t, c.StartIO(wreq))
	require.Equal(t, hostservices.StatusPending, wreq.Status())

	n := c.PollIO()
	require.Equal(t, 1, n)
	assert.Equal(t, hostservices.StatusSuccess, wreq.Status())

	readVirt, _, err := d.AllocateUncachedRegion(512)
	require.NoError(t, err)

	rreq := hostservices.NewRequest()
	rreq.Cdb = buildCDB10(scsi.OpRead10, 5, 1)
	rreq.Data = readVirt

	require.NoError(t, c.StartIO(rreq))
	require.Equal(t, hostservices.StatusPending, rreq.Status())

	n = c.PollIO()
	require.Equal(t, 1, n)
	assert.Equal(t, hostservices.StatusSuccess, rreq.Status())
	assert.Equal(t, writeVirt, readVirt)
}

func TestFallbackTimerFiringCompletesRequest(t *testing.T) {
	c, d := newTestController(t)

	writeVirt, _, err := d.AllocateUncachedRegion(512)
	require.NoError(t, err)

	req := hostservices.NewRequest()
	req.Cdb = buildCDB10(scsi.OpWrite10, 5, 1)
	req.Data = writeVirt

	require.NoError(t, c.StartIO(req))
	require.Equal(t, hostservices.StatusPending, req.Status())
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stats.FallbackTimerArmed))

	// No real interrupt arrives; the port driver's fallback timer fires
	// instead and drains the completion itself (spec.md §5).
	d.FireTimer()
	assert.Equal(t, hostservices.StatusSuccess, req.Status())
	assert.Equal(t, 0, c.PollIO()) // already drained by the timer callback
}

func TestFallbackTimerDisarmsAfterStabilityThreshold(t *testing.T) {
	c, d := newTestController(t)

	for i := 0; i < c.cfg.FallbackTimerStabilityThreshold; i++ {
		c.Interrupt()
	}

	writeVirt, _, err := d.AllocateUncachedRegion(512)
	require.NoError(t, err)
	req := hostservices.NewRequest()
	req.Cdb = buildCDB10(scsi.OpWrite10, 5, 1)
	req.Data = writeVirt

	require.NoError(t, c.StartIO(req))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.stats.FallbackTimerArmed),
		"once stable, a new submission must not re-arm the fallback timer")
}

func TestUntaggedSingletonRejectsSecondRequest(t *testing.T) {
	c, d := newTestController(t)

	buf1, _, err := d.AllocateUncachedRegion(512)
	require.NoError(t, err)
	buf2, _, err := d.AllocateUncachedRegion(512)
	require.NoError(t, err)

	req1 := hostservices.NewRequest()
	req1.Cdb = buildCDB10(scsi.OpRead10, 0, 1)
	req1.Data = buf1
	require.NoError(t, c.StartIO(req1))
	require.Equal(t, hostservices.StatusPending, req1.Status())

	// Second untagged request arrives before PollIO drains the first's
	// completion: the single untagged slot is still occupied.
	req2 := hostservices.NewRequest()
	req2.Cdb = buildCDB10(scsi.OpRead10, 1, 1)
	req2.Data = buf2
	require.NoError(t, c.StartIO(req2))
	assert.Equal(t, hostservices.StatusBusy, req2.Status())

	c.PollIO()
	assert.Equal(t, hostservices.StatusSuccess, req1.Status())
}

func TestOrderedTaggedWriteFencesAndCompletes(t *testing.T) {
	c, d := newTestController(t)

	buf, _, err := d.AllocateUncachedRegion(512)
	require.NoError(t, err)

	req := hostservices.NewRequest()
	req.Cdb = buildCDB10(scsi.OpWrite10, 2, 1)
	req.Data = buf
	req.Action = hostservices.QueueActionOrdered
	req.Tag = 7
	req.PathID, req.TargetID, req.LUNID = 0, 0, 0

	d.TrackRequest(req)

	require.NoError(t, c.StartIO(req))
	require.Equal(t, hostservices.StatusPending, req.Status())

	n := c.PollIO()
	require.Equal(t, 2, n) // fence and write both drain; the fence's completion resolves no request
	assert.Equal(t, hostservices.StatusSuccess, req.Status())
}

func TestSMARTReadDataViaATAPassThru16(t *testing.T) {
	c, _ := newTestController(t)

	req := hostservices.NewRequest()
	req.Cdb = buildSMARTReadDataCDB16()
	req.Data = make([]byte, ata.ATASmartLogSize)

	require.NoError(t, c.StartIO(req))
	require.Equal(t, hostservices.StatusPending, req.Status())

	n := c.PollAdmin()
	require.Equal(t, 1, n)
	assert.Equal(t, hostservices.StatusSuccess, req.Status())
}

func TestIdentifyDeviceViaATAPassThru16(t *testing.T) {
	c, _ := newTestController(t)

	req := hostservices.NewRequest()
	req.Cdb = buildIdentifyDeviceCDB16()
	req.Data = make([]byte, ata.ATASmartLogSize)

	require.NoError(t, c.StartIO(req))
	assert.Equal(t, hostservices.StatusSuccess, req.Status())
}

func TestShutdownAfterInitCompletes(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.False(t, c.InitComplete())
}

func TestShutdownWithoutInitDoesNotPanic(t *testing.T) {
	d := sim.New()
	cfg := config.Default()
	cfg.AdminQueueSize = 16
	cfg.IOQueueSize = 16

	log, err := logging.New()
	require.NoError(t, err)

	c, err := New(d, cfg, log, metrics.New())
	require.NoError(t, err)

	assert.NoError(t, c.Shutdown(context.Background()))
}

// buildCDB10 builds a 10-byte READ(10)/WRITE(10) CDB for the given opcode,
// LBA, and block count.
func buildCDB10(opcode uint8, lba uint32, blocks uint16) []byte {
	return []byte{
		opcode, 0,
		byte(lba >> 24), byte(lba >> 16), byte(lba >> 8), byte(lba),
		0,
		byte(blocks >> 8), byte(blocks),
		0,
	}
}

// buildSMARTReadDataCDB16 builds an ATA PASS-THROUGH(16) CDB (opcode 0x85)
// carrying the SMART READ DATA signature (command B0h, feature D0h,
// cylinder registers 0x4F/0xC2) over the PIO Data-In protocol.
func buildSMARTReadDataCDB16() []byte {
	cdb := make([]byte, 16)
	cdb[0] = scsi.OpATAPassThru16
	cdb[1] = ata.ProtoPIODataIn << 1
	cdb[4] = ata.SMARTReadData
	cdb[10] = 0x4F // LBA mid
	cdb[12] = 0xC2 // LBA high
	cdb[14] = ata.CmdSMART
	return cdb
}

// buildIdentifyDeviceCDB16 builds an ATA PASS-THROUGH(16) CDB carrying the
// IDENTIFY DEVICE signature (command ECh).
func buildIdentifyDeviceCDB16() []byte {
	cdb := make([]byte, 16)
	cdb[0] = scsi.OpATAPassThru16
	cdb[1] = ata.ProtoPIODataIn << 1
	cdb[14] = ata.CmdIdentifyDevice
	return cdb
}
