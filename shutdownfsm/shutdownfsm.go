// Package shutdownfsm implements the seven-step shutdown sequence of
// spec.md §4.8 as a small decision table: each step's "what should happen
// next" logic is pure and testable here, while the root controller package
// performs the actual register pokes, command submissions, and polling.
package shutdownfsm

// Step names one of the seven shutdown steps.
type Step int

const (
	StepMaskIRQs Step = iota
	StepCheckReady
	StepDeleteIOSQ
	StepDeleteIOCQ
	StepSetSHN
	StepClearEnable
	StepResetState
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepMaskIRQs:
		return "mask-irqs"
	case StepCheckReady:
		return "check-ready"
	case StepDeleteIOSQ:
		return "delete-io-sq"
	case StepDeleteIOCQ:
		return "delete-io-cq"
	case StepSetSHN:
		return "set-shn"
	case StepClearEnable:
		return "clear-enable"
	case StepResetState:
		return "reset-state"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// Machine tracks progress through the shutdown sequence. The caller drives
// it by calling the step-specific Advance* method for the current Step(),
// in the order the seven steps dictate.
type Machine struct {
	step Step
}

// New returns a Machine at StepMaskIRQs.
func New() *Machine { return &Machine{step: StepMaskIRQs} }

// Step returns the current step.
func (m *Machine) Step() Step { return m.step }

// Done reports whether the sequence reached StepDone.
func (m *Machine) Done() bool { return m.step == StepDone }

// AdvanceMaskIRQs is step 1: mask IRQs unconditionally, then move to the
// CSTS.RDY check.
func (m *Machine) AdvanceMaskIRQs() Step {
	m.requireStep(StepMaskIRQs)
	m.step = StepCheckReady
	return m.step
}

// AdvanceCheckReady is step 2: if CSTS.RDY == 0, the controller never came
// up (or already shut down) — skip straight to step 7.
func (m *Machine) AdvanceCheckReady(rdy bool) Step {
	m.requireStep(StepCheckReady)
	if !rdy {
		m.step = StepResetState
	} else {
		m.step = StepDeleteIOSQ
	}
	return m.step
}

// AdvanceDeleteIOSQ is step 3: submit Delete-SQ(qid=1) only if init
// completed and the IO SQ exists; either way, move to step 4. submit tells
// the caller whether to actually issue the command and poll for its
// completion before calling AdvanceDeleteIOCQ.
func (m *Machine) AdvanceDeleteIOSQ(initComplete, ioSQExists bool) (submit bool, next Step) {
	m.requireStep(StepDeleteIOSQ)
	submit = initComplete && ioSQExists
	m.step = StepDeleteIOCQ
	return submit, m.step
}

// AdvanceDeleteIOCQ is step 4: submit Delete-CQ(qid=1) only if the IO CQ
// exists; either way, move to step 5.
func (m *Machine) AdvanceDeleteIOCQ(ioCQExists bool) (submit bool, next Step) {
	m.requireStep(StepDeleteIOCQ)
	submit = ioCQExists
	m.step = StepSetSHN
	return submit, m.step
}

// AdvanceSetSHN is step 5: write CC.SHN=normal and poll CSTS.SHST==complete,
// then move to step 6.
func (m *Machine) AdvanceSetSHN() Step {
	m.requireStep(StepSetSHN)
	m.step = StepClearEnable
	return m.step
}

// AdvanceClearEnable is step 6: clear CC.EN, wait CSTS.RDY=0, zero
// AQA/ASQ/ACQ, then move to step 7.
func (m *Machine) AdvanceClearEnable() Step {
	m.requireStep(StepClearEnable)
	m.step = StepResetState
	return m.step
}

// AdvanceResetState is step 7: reset software queue state, clear locks and
// the untagged slot, clear init_complete. Terminal.
func (m *Machine) AdvanceResetState() Step {
	if m.step != StepResetState {
		panic("shutdownfsm: AdvanceResetState called out of order, at " + m.step.String())
	}
	m.step = StepDone
	return m.step
}

func (m *Machine) requireStep(want Step) {
	if m.step != want {
		panic("shutdownfsm: Advance called out of order: at " + m.step.String() + ", expected " + want.String())
	}
}
