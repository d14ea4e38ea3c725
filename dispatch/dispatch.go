// Package dispatch implements the pure completion-dispatch table of
// spec.md §4.6: classifying a drained completion queue entry's CID and
// status code into the action the controller must take, independent of any
// particular host-request storage (that glue lives in the root controller
// package, which owns hostservices.Services).
package dispatch

import "github.com/nvme2k-go/nvme2k/cid"

// Action is what the controller must do with a drained completion.
type Action int

const (
	// ActionAdminInit advances the init state machine (spec.md §4.7).
	ActionAdminInit Action = iota
	// ActionShutdownStep logs and continues; no host request involved.
	ActionShutdownStep
	// ActionGetLogPage is a Get-Log-Page admin completion: recover the
	// pending request by its PRP page index, free the page, format the
	// SMART/log response.
	ActionGetLogPage
	// ActionIORequest resolves a tagged or untagged host I/O completion.
	ActionIORequest
	// ActionOrderedFlushFence is the synthetic fence-Flush CID: silently
	// consumed, resolves no request.
	ActionOrderedFlushFence
)

// Result is the fully classified outcome of one drained completion.
type Result struct {
	Action     Action
	StatusCode uint8
	Success    bool

	// AdminInitCID is valid when Action == ActionAdminInit.
	AdminInitCID uint16
	// ShutdownCID is valid when Action == ActionShutdownStep.
	ShutdownCID uint16
	// PRPIndex is valid when Action == ActionGetLogPage.
	PRPIndex uint16
	// Tag and Untagged are valid when Action == ActionIORequest: Untagged
	// is true when the completion carries the non-tagged flag (bit 15), in which
	// case Tag holds the untagged rolling-sequence value rather than a
	// SCSI queue tag.
	Tag      uint16
	Untagged bool
}

// Classify applies spec.md §4.6's CID dispatch table to one drained
// completion (raw CID plus the NVMe status code already extracted by the
// queue package from the completion's status word).
func Classify(rawCID uint16, statusCode uint8) Result {
	d := cid.Decode(rawCID)
	r := Result{StatusCode: statusCode, Success: statusCode == 0}

	switch d.Kind {
	case cid.KindAdminInit:
		r.Action = ActionAdminInit
		r.AdminInitCID = rawCID
	case cid.KindShutdownDeleteSQ, cid.KindShutdownDeleteCQ:
		r.Action = ActionShutdownStep
		r.ShutdownCID = rawCID
	case cid.KindAdminGetLog:
		r.Action = ActionGetLogPage
		r.PRPIndex = d.Value
	case cid.KindOrderedFlush:
		r.Action = ActionOrderedFlushFence
	case cid.KindUntagged:
		r.Action = ActionIORequest
		r.Tag = d.Value
		r.Untagged = true
	case cid.KindTagged:
		r.Action = ActionIORequest
		r.Tag = d.Value
		r.Untagged = false
	}
	return r
}

// Autosense is the fixed sense triple written on an I/O completion's
// hardware-error path (spec.md §4.6).
type Autosense struct {
	SenseKey uint8
	ASC      uint8
	ASCQ     uint8
}

// HardwareErrorSense is Sense Key 0x04 Hardware Error, ASC 0x44 Internal
// Target Failure, written when an IO CID completes with a non-zero status
// code and a sense buffer is available.
var HardwareErrorSense = Autosense{SenseKey: 0x04, ASC: 0x44, ASCQ: 0x00}

// FillFixedSense packs a minimal fixed-format (0x70) sense buffer per the
// triple above, truncating to whatever room buf provides (spec.md §4.9's
// sense buffers are caller-sized).
func (a Autosense) FillFixedSense(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = 0x70 // fixed format, current errors, valid bit left clear
	if len(buf) > 2 {
		buf[2] = a.SenseKey
	}
	if len(buf) > 7 {
		buf[7] = 10 // additional sense length
	}
	if len(buf) > 12 {
		buf[12] = a.ASC
	}
	if len(buf) > 13 {
		buf[13] = a.ASCQ
	}
}
