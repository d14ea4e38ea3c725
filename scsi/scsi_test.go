package scsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPathTargetLUN(t *testing.T) {
	assert.Equal(t, LUNAccept, CheckPathTargetLUN(0, 0, 0))
	assert.Equal(t, LUNInvalid, CheckPathTargetLUN(0, 0, 1))
	assert.Equal(t, LUNSelectionTimeout, CheckPathTargetLUN(1, 0, 0))
	assert.Equal(t, LUNSelectionTimeout, CheckPathTargetLUN(0, 1, 0))
}

func TestDecodeCDB10(t *testing.T) {
	cdb := CDB10{OpRead10, 0, 0x00, 0x00, 0x01, 0x00, 0, 0x00, 0x08, 0}
	lba, blocks := DecodeCDB10(cdb)
	assert.Equal(t, uint32(0x100), lba)
	assert.Equal(t, uint16(8), blocks)
}

func TestDecodeCDB6(t *testing.T) {
	cdb := CDB6{OpRead6, 0x01, 0x00, 0x02, 4, 0}
	lba, blocks := DecodeCDB6(cdb)
	assert.Equal(t, uint32(0x10002), lba)
	assert.Equal(t, uint8(4), blocks)
}

func TestBuildInquiry(t *testing.T) {
	buf := BuildInquiry("   nvme2k virtual disk              ", "1.0.0\x00\x00\x00")
	assert.Equal(t, byte(0), buf[0])
	assert.Equal(t, byte(spc3Version), buf[2])
	assert.Equal(t, byte(responseDataFmt2), buf[3])
	assert.Equal(t, byte(InquiryReplyLen-5), buf[4])
	assert.Equal(t, byte(cmdQueBit), buf[7])
	assert.Equal(t, "nvme2k v", string(buf[8:16]))
}

func TestBuildReadCapacity10(t *testing.T) {
	buf := BuildReadCapacity10(1000, 512)
	assert.Equal(t, []byte{0, 0, 0x03, 0xE7}, buf[0:4])
	assert.Equal(t, []byte{0, 0, 0x02, 0x00}, buf[4:8])
}

func TestBuildReadCapacity10NotIdentifiedSaturates(t *testing.T) {
	buf := BuildReadCapacity10(0, 0)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf[0:4])
	assert.Equal(t, []byte{0, 0, 0x02, 0x00}, buf[4:8])
}

func TestBuildModePageUnsupported(t *testing.T) {
	_, err := BuildModePage(0x3F, false)
	require.Error(t, err)
	var uerr ErrUnsupportedModePage
	require.ErrorAs(t, err, &uerr)
}

func TestBuildModePageChangeableIsZeroed(t *testing.T) {
	buf, err := BuildModePage(ModePageCaching, true)
	require.NoError(t, err)
	assert.Equal(t, byte(ModePageCaching), buf[0])
	for _, b := range buf[2:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestBuildModeSenseHeader6WithDescriptor(t *testing.T) {
	hdr := BuildModeSenseHeader6(20, true, 1000, 512)
	assert.Len(t, hdr, 12)
	assert.Equal(t, byte(8), hdr[3]) // block descriptor length
}

func TestBuildReadDefectData10(t *testing.T) {
	buf := BuildReadDefectData10(true, true, 0x03)
	assert.Equal(t, byte(0x1B), buf[1])
	assert.Equal(t, byte(0), buf[2])
	assert.Equal(t, byte(0), buf[3])
}

func TestImmediateOutcomeTURBusyUntilReady(t *testing.T) {
	outcome, handled := ImmediateOutcome(OpTestUnitReady, false)
	assert.True(t, handled)
	assert.Equal(t, ImmediateBusy, outcome)

	outcome, handled = ImmediateOutcome(OpTestUnitReady, true)
	assert.True(t, handled)
	assert.Equal(t, ImmediateSuccess, outcome)
}

func TestImmediateOutcomeUnhandledOpcode(t *testing.T) {
	_, handled := ImmediateOutcome(OpRead10, true)
	assert.False(t, handled)
}

func TestInformationalExceptionsPage(t *testing.T) {
	buf := InformationalExceptionsPage(true, 0x5D, 0x10)
	assert.Equal(t, byte(0x2F), buf[0])
	assert.Equal(t, byte(0x5D), buf[8])
	assert.Equal(t, byte(0x10), buf[9])

	quiet := InformationalExceptionsPage(false, 0x5D, 0x10)
	assert.Equal(t, byte(0), quiet[8])
}
