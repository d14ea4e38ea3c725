package shutdownfsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullSequenceWithIOQueues(t *testing.T) {
	m := New()
	assert.Equal(t, StepMaskIRQs, m.Step())

	assert.Equal(t, StepCheckReady, m.AdvanceMaskIRQs())
	assert.Equal(t, StepDeleteIOSQ, m.AdvanceCheckReady(true))

	submit, next := m.AdvanceDeleteIOSQ(true, true)
	assert.True(t, submit)
	assert.Equal(t, StepDeleteIOCQ, next)

	submit, next = m.AdvanceDeleteIOCQ(true)
	assert.True(t, submit)
	assert.Equal(t, StepSetSHN, next)

	assert.Equal(t, StepClearEnable, m.AdvanceSetSHN())
	assert.Equal(t, StepResetState, m.AdvanceClearEnable())
	assert.Equal(t, StepDone, m.AdvanceResetState())
	assert.True(t, m.Done())
}

func TestNotReadySkipsToResetState(t *testing.T) {
	m := New()
	m.AdvanceMaskIRQs()
	next := m.AdvanceCheckReady(false)
	assert.Equal(t, StepResetState, next)
	assert.Equal(t, StepDone, m.AdvanceResetState())
}

func TestDeleteStepsSkipSubmitWhenNotApplicable(t *testing.T) {
	m := New()
	m.AdvanceMaskIRQs()
	m.AdvanceCheckReady(true)

	submit, next := m.AdvanceDeleteIOSQ(false, true) // init never completed
	assert.False(t, submit)
	assert.Equal(t, StepDeleteIOCQ, next)

	submit, next = m.AdvanceDeleteIOCQ(false) // IO CQ never created
	assert.False(t, submit)
	assert.Equal(t, StepSetSHN, next)
}

func TestOutOfOrderAdvancePanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.AdvanceCheckReady(true) })
}

func TestResetStateOutOfOrderPanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.AdvanceResetState() })
}
