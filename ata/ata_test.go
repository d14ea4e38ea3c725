package ata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeATAPassThru16SMARTReadData(t *testing.T) {
	var cdb [16]byte
	cdb[0] = 0x85
	cdb[1] = ProtoPIODataIn << 1
	cdb[4] = SMARTReadData
	cdb[10] = 0x4F
	cdb[12] = 0xC2
	cdb[14] = CmdSMART

	p := DecodeATAPassThru16(cdb)
	assert.True(t, AcceptedProtocol(p.Protocol))
	assert.True(t, IsSMARTReadData(p))
	assert.False(t, IsSMARTReadLog(p))
}

func TestDecodeATAPassThru12IdentifyDevice(t *testing.T) {
	var cdb [12]byte
	cdb[0] = 0xA1
	cdb[1] = ProtoPIODataIn << 1
	cdb[9] = CmdIdentifyDevice

	p := DecodeATAPassThru12(cdb)
	assert.True(t, IsIdentifyDevice(p))
}

func TestAcceptedProtocolRejectsUnknown(t *testing.T) {
	assert.False(t, AcceptedProtocol(0x01)) // hard reset, not honored
}

func TestBuildATASmartFromNVMeChecksum(t *testing.T) {
	nvmeSmart := make([]byte, 512)
	// temperature = 25C = 298K
	nvmeSmart[nvmeSmartOffTemperature] = byte(298 & 0xFF)
	nvmeSmart[nvmeSmartOffTemperature+1] = byte(298 >> 8)
	nvmeSmart[nvmeSmartOffPowerOnHours] = 100 // 100 power-on hours

	out := BuildATASmartFromNVMe(nvmeSmart)

	var sum byte
	for i := 0; i < 511; i++ {
		sum += out[i]
	}
	assert.Equal(t, byte(0x100-int(sum)), out[511])
	assert.Equal(t, uint16(0x0010), uint16(out[0])|uint16(out[1])<<8)
}

func TestBuildATASmartFromNVMeSkipsZeroAttributes(t *testing.T) {
	nvmeSmart := make([]byte, 512) // everything zero
	out := BuildATASmartFromNVMe(nvmeSmart)
	// attribute table starts at offset 2; with every source zero except the
	// always-present zero-valued attributes (7, 3), id 9 (power-on-hours)
	// must not appear anywhere in the table.
	found9 := false
	for i := 0; i < 30; i++ {
		off := 2 + i*12
		if out[off] == 9 {
			found9 = true
		}
	}
	assert.False(t, found9)
}

func TestBuildATASmartFromNVMePercentUsedAttribute(t *testing.T) {
	nvmeSmart := make([]byte, 512)
	nvmeSmart[nvmeSmartOffPercentUsed] = 5 // PercentageUsed = 5

	out := BuildATASmartFromNVMe(nvmeSmart)

	const attrTableOff = 2
	found := false
	for i := 0; i < 30; i++ {
		off := attrTableOff + i*12
		if out[off] != 173 {
			continue
		}
		found = true
		assert.Equal(t, byte(95), out[off+3], "attribute 173 current value is 100-PercentageUsed")
		var raw uint64
		for b := 0; b < 6; b++ {
			raw |= uint64(out[off+5+b]) << (8 * b)
		}
		assert.Equal(t, uint64(5), raw, "attribute 173 raw is the NVMe PercentageUsed value itself")
	}
	assert.True(t, found, "attribute 173 must be present when PercentageUsed is non-zero")
}

func TestBuildATAIdentifyDeviceGeometryAndCaps(t *testing.T) {
	g := IdentifyGeometry{
		SerialNumber: "SN12345",
		ModelNumber:  "nvme2k virtual disk",
		FirmwareRev:  "1.0.0",
		LBACount:     2000000,
		SMARTEnabled: true,
	}
	out := BuildATAIdentifyDevice(g)

	lba48 := uint64(out[200]) | uint64(out[201])<<8 | uint64(out[202])<<16 | uint64(out[203])<<24
	assert.Equal(t, uint64(2000000), lba48)

	smartWord82 := uint16(out[164]) | uint16(out[165])<<8
	assert.Equal(t, uint16(1), smartWord82&1)
}

func TestBuildATAIdentifyDeviceSMARTDisabled(t *testing.T) {
	g := IdentifyGeometry{LBACount: 100}
	out := BuildATAIdentifyDevice(g)
	smartWord85 := uint16(out[170]) | uint16(out[171])<<8
	assert.Equal(t, uint16(0), smartWord85&1)
}
