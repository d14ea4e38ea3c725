// Package initfsm implements the five-state controller initialization
// sequence of spec.md §4.7: Create I/O CQ, Create I/O SQ, Identify
// Controller, Identify Namespace, then Ready — driven by successful admin
// completions and carrying the Identify byte-parsing this chain produces.
package initfsm

import (
	"encoding/binary"
	"fmt"

	"github.com/nvme2k-go/nvme2k/cid"
)

// State is one step of the init sequence.
type State int

const (
	PostEnable State = iota
	CreatedIoCq
	CreatedIoSq
	IdentifiedController
	IdentifiedNamespace
	Ready
)

func (s State) String() string {
	switch s {
	case PostEnable:
		return "post-enable"
	case CreatedIoCq:
		return "created-io-cq"
	case CreatedIoSq:
		return "created-io-sq"
	case IdentifiedController:
		return "identified-controller"
	case IdentifiedNamespace:
		return "identified-namespace"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// nextCID is the admin-init CID each state expects to see complete next,
// per the fixed ordering in spec.md §3/§4.7 (the fixed CIDs 1..5 are not
// issued in numeric order — they're issued in the state-machine's order).
var nextCID = map[State]uint16{
	PostEnable:            cid.AdminCIDCreateIOCQ,
	CreatedIoCq:           cid.AdminCIDCreateIOSQ,
	CreatedIoSq:           cid.AdminCIDIdentifyCtrl,
	IdentifiedController:  cid.AdminCIDIdentifyNamespace,
}

var nextState = map[State]State{
	PostEnable:           CreatedIoCq,
	CreatedIoCq:          CreatedIoSq,
	CreatedIoSq:          IdentifiedController,
	IdentifiedController: IdentifiedNamespace,
}

// ErrAborted is returned by Advance when an admin-init command completes
// with a non-success status: the chain aborts and init_complete stays false
// (spec.md §4.6's "Non-success aborts the chain" rule).
type ErrAborted struct {
	State State
	CID   uint16
}

func (e ErrAborted) Error() string {
	return fmt.Sprintf("initfsm: admin command cid=%#x failed while in state %s", e.CID, e.State)
}

// ErrUnexpectedCID is returned when a completion doesn't match the CID the
// current state is waiting on — a protocol-level confusion the caller
// should treat as fatal to the init attempt.
type ErrUnexpectedCID struct {
	State    State
	Got      uint16
	Expected uint16
}

func (e ErrUnexpectedCID) Error() string {
	return fmt.Sprintf("initfsm: state %s expected cid=%#x, got cid=%#x", e.State, e.Expected, e.Got)
}

// Machine tracks progress through the init sequence.
type Machine struct {
	state State
}

// New returns a Machine at PostEnable, the state immediately after
// CC.EN is set and the controller reaches CSTS.RDY=1.
func New() *Machine { return &Machine{state: PostEnable} }

// State returns the current step.
func (m *Machine) State() State { return m.state }

// Done reports whether the chain reached Ready.
func (m *Machine) Done() bool { return m.state == Ready }

// Advance applies one admin-init completion. IdentifiedNamespace's single
// successor (Ready) carries no further CID wait, so calling Advance again
// once Done is a caller error and panics rather than silently no-opping.
func (m *Machine) Advance(completedCID uint16, success bool) (State, error) {
	if m.state == IdentifiedNamespace {
		if !success {
			return m.state, ErrAborted{State: m.state, CID: completedCID}
		}
		m.state = Ready
		return m.state, nil
	}

	expected, ok := nextCID[m.state]
	if !ok {
		panic("initfsm: Advance called after Ready")
	}
	if completedCID != expected {
		return m.state, ErrUnexpectedCID{State: m.state, Got: completedCID, Expected: expected}
	}
	if !success {
		return m.state, ErrAborted{State: m.state, CID: completedCID}
	}
	m.state = nextState[m.state]
	return m.state, nil
}

// IdentifyController holds the fields spec.md §4.7 step 3 extracts from the
// 4096-byte Identify Controller data structure.
type IdentifyController struct {
	SerialNumber   string // 20 bytes, trimmed at first NUL
	ModelNumber    string // 40 bytes, trimmed at first NUL
	FirmwareRev    string // 8 bytes, trimmed at first NUL
	NamespaceCount uint32 // NN
}

// Identify Controller data structure byte offsets (NVMe base spec).
const (
	icOffSN = 4
	icLenSN = 20
	icOffMN = 24
	icLenMN = 40
	icOffFR = 64
	icLenFR = 8
	icOffNN = 516
)

// ParseIdentifyController extracts SN/MN/FR/NN from a 4096-byte Identify
// Controller buffer.
func ParseIdentifyController(data []byte) IdentifyController {
	return IdentifyController{
		SerialNumber:   nulTrim(data[icOffSN : icOffSN+icLenSN]),
		ModelNumber:    nulTrim(data[icOffMN : icOffMN+icLenMN]),
		FirmwareRev:    nulTrim(data[icOffFR : icOffFR+icLenFR]),
		NamespaceCount: binary.LittleEndian.Uint32(data[icOffNN : icOffNN+4]),
	}
}

func nulTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// IdentifyNamespace holds the fields spec.md §4.7 step 4 extracts from the
// 4096-byte Identify Namespace data structure.
type IdentifyNamespace struct {
	LBACount  uint64 // NSZE
	BlockSize uint32
}

// Identify Namespace data structure byte offsets (NVMe base spec).
const (
	inOffNSZE  = 0
	inOffFLBAS = 26
)

// ParseIdentifyNamespace extracts NSZE/FLBAS and computes block_size =
// 1 << (FLBAS & 0x0F), defaulting to 512 when that comes out to 1 or less
// (spec.md §4.7 step 4).
func ParseIdentifyNamespace(data []byte) IdentifyNamespace {
	nsze := binary.LittleEndian.Uint64(data[inOffNSZE : inOffNSZE+8])
	flbas := data[inOffFLBAS]
	blockSize := uint32(1) << (flbas & 0x0F)
	if blockSize <= 1 {
		blockSize = 512
	}
	return IdentifyNamespace{LBACount: nsze, BlockSize: blockSize}
}
