package cid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaggedRoundTrip(t *testing.T) {
	for _, tag := range []uint16{0, 1, 7, 8191} {
		raw := Tagged(tag)
		d := Decode(raw)
		assert.Equal(t, KindTagged, d.Kind)
		assert.Equal(t, tag, d.Value)
	}
}

func TestUntaggedRoundTrip(t *testing.T) {
	for _, seq := range []uint16{0, 1, 4095} {
		raw := Untagged(seq)
		d := Decode(raw)
		assert.Equal(t, KindUntagged, d.Kind)
		assert.Equal(t, seq, d.Value)
	}
}

func TestOrderedFlushRoundTrip(t *testing.T) {
	raw := OrderedFlush(7)
	d := Decode(raw)
	assert.Equal(t, KindOrderedFlush, d.Kind)
	assert.Equal(t, uint16(7), d.Value)
}

func TestAdminGetLogPageRoundTrip(t *testing.T) {
	for i := uint16(0); i < SGListPages; i++ {
		raw := AdminGetLogPage(i)
		d := Decode(raw)
		assert.Equal(t, KindAdminGetLog, d.Kind)
		assert.Equal(t, i, d.Value)
	}
}

func TestAdminInitCIDs(t *testing.T) {
	for _, c := range []uint16{AdminCIDCreateIOCQ, AdminCIDCreateIOSQ, AdminCIDIdentifyNamespace, AdminCIDIdentifyCtrl, AdminCIDReserved5} {
		d := Decode(c)
		assert.Equal(t, KindAdminInit, d.Kind)
		assert.Equal(t, c, d.Value)
	}
}

func TestShutdownCIDs(t *testing.T) {
	assert.Equal(t, KindShutdownDeleteSQ, Decode(ShutdownCIDDeleteSQ).Kind)
	assert.Equal(t, KindShutdownDeleteCQ, Decode(ShutdownCIDDeleteCQ).Kind)
}

// Tagged and untagged domains must never collide: bit 15 is the sole
// discriminator (spec.md §8 invariant 5).
func TestTaggedAndUntaggedDomainsDisjoint(t *testing.T) {
	for tag := uint16(0); tag < 100; tag++ {
		assert.NotEqual(t, Tagged(tag), Untagged(tag))
	}
}

func TestNextUntaggedSeqWraps(t *testing.T) {
	assert.Equal(t, uint16(1), NextUntaggedSeq(0))
	assert.Equal(t, uint16(0), NextUntaggedSeq(UntaggedSeqWrap-1))
}
