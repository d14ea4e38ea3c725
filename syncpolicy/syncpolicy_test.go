package syncpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoOpAlwaysAcquires(t *testing.T) {
	p := NoOp()
	assert.True(t, p.TryAcquire())
	assert.True(t, p.TryAcquire())
	p.Release()
	assert.True(t, p.TryAcquire())
}

func TestCASMutualExclusion(t *testing.T) {
	p := CAS()
	assert.True(t, p.TryAcquire())
	assert.False(t, p.TryAcquire()) // already held
	p.Release()
	assert.True(t, p.TryAcquire())
}

func TestNewSelectsByName(t *testing.T) {
	_, okCAS := New("cas").(*cas)
	assert.True(t, okCAS)
	assert.NotPanics(t, func() { New("none").TryAcquire() })
	assert.NotPanics(t, func() { New("").TryAcquire() })
}
