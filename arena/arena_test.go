package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAligned(t *testing.T) {
	region := make([]byte, 16*PageSize)
	a := New(region, 0x1000_0000)

	v1, p1, err := a.Allocate(4096, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000_0000), p1)
	assert.Len(t, v1, 4096)

	// A sub-page allocation still gets page alignment when requested.
	v2, p2, err := a.Allocate(100, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000_1000), p2)
	assert.Len(t, v2, 100)
}

func TestOffsetsStrictlyIncreasing(t *testing.T) {
	region := make([]byte, 16*PageSize)
	a := New(region, 0)

	_, p1, _ := a.Allocate(64, 8)
	_, p2, _ := a.Allocate(64, 8)
	assert.Less(t, p1, p2)
}

func TestAllocationsDoNotStraddleRegionEnd(t *testing.T) {
	region := make([]byte, 4096)
	a := New(region, 0)

	_, _, err := a.Allocate(4096, 4096)
	require.NoError(t, err)

	_, _, err = a.Allocate(1, 1)
	require.Error(t, err)
	var oom ErrOutOfMemory
	assert.ErrorAs(t, err, &oom)
}

func TestAlignmentMustBePowerOfTwo(t *testing.T) {
	region := make([]byte, 4096)
	a := New(region, 0)

	_, _, err := a.Allocate(16, 3)
	require.Error(t, err)
}
