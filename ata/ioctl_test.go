package ata

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildSRBHeader(sig [8]byte) []byte {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf[0:4], 28)
	copy(buf[4:12], sig[:])
	binary.LittleEndian.PutUint32(buf[16:20], 0x0007C088)
	return buf
}

func TestDecodeSRBIOControlRecognizesSignature(t *testing.T) {
	h := DecodeSRBIOControl(buildSRBHeader(IOCTLSignature))
	assert.True(t, h.HasSCSIDiskSignature())
	assert.Equal(t, uint32(0x0007C088), h.ControlCode)
}

func TestDecodeSRBIOControlRejectsWrongSignature(t *testing.T) {
	var wrong [8]byte
	copy(wrong[:], "OTHERSIG")
	h := DecodeSRBIOControl(buildSRBHeader(wrong))
	assert.False(t, h.HasSCSIDiskSignature())
}

func TestDecodeSendCmdInParams(t *testing.T) {
	buf := make([]byte, 16)
	buf[sendCmdFeaturesOff] = SMARTReadData
	buf[sendCmdCylLowOff] = 0x4F
	buf[sendCmdCylHighOff] = 0xC2
	buf[sendCmdCommandOff] = CmdSMART

	p := DecodeSendCmdInParams(buf)
	pt := p.AsPassThru()
	assert.True(t, IsSMARTReadData(pt))
}

func TestControlCodeForKnownAndUnknown(t *testing.T) {
	_, ok := ControlCodeFor(PassThru{Command: CmdSMART})
	assert.True(t, ok)
	_, ok = ControlCodeFor(PassThru{Command: CmdIdentifyDevice})
	assert.True(t, ok)
	_, ok = ControlCodeFor(PassThru{Command: 0x99})
	assert.False(t, ok)
}
