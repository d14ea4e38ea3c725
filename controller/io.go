package controller

import (
	"github.com/nvme2k-go/nvme2k/ata"
	"github.com/nvme2k-go/nvme2k/cid"
	"github.com/nvme2k-go/nvme2k/dispatch"
	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/nvmecmd"
	"github.com/nvme2k-go/nvme2k/prp"
	"github.com/nvme2k-go/nvme2k/scsi"
)

// Legacy SRB function codes this driver recognizes for req.Function()
// (spec.md §4.10): FuncExecuteSCSI is a normal CDB request, FuncIOControl
// carries an SRB_IO_CONTROL header ahead of a SENDCMDINPARAMS payload in
// DataBuffer rather than a CDB.
const (
	FuncExecuteSCSI uint8 = 0x00
	FuncIOControl   uint8 = 0x01
)

// StartIO is the driver's single request-submission entry point (spec.md
// §4.9, §6): admission-filter the path/target/LUN, then dispatch by
// function/opcode. Synchronous outcomes (errors, cached data, immediate
// SCSI replies) complete req before returning; Read/Write/Synchronize
// Cache/Get Log Page submit an NVMe command and complete later through
// PollIO/PollAdmin.
func (c *Context) StartIO(req hostservices.Request) error {
	outcome := scsi.CheckPathTargetLUN(req.Path(), req.Target(), req.LUN())
	switch outcome {
	case scsi.LUNSelectionTimeout:
		return c.completeSync(req, hostservices.StatusSelectionTimeout, 0)
	case scsi.LUNInvalid:
		return c.completeSyncCheckCondition(req, dispatch.Autosense{SenseKey: 0x05, ASC: 0x25, ASCQ: 0x00})
	}

	if req.Function() == FuncIOControl {
		return c.startIOCTL(req)
	}
	return c.startSCSI(req)
}

func (c *Context) completeSync(req hostservices.Request, status hostservices.RequestStatus, scsiStatus uint8) error {
	req.SetStatus(status)
	req.SetSCSIStatus(scsiStatus)
	c.svc.NotifyRequestComplete(req)
	return nil
}

// sense constructs an ad-hoc Autosense triple inline at call sites that
// don't already have a named one (spec.md §4.9's per-opcode error paths).
func sense(key, asc, ascq uint8) dispatch.Autosense {
	return dispatch.Autosense{SenseKey: key, ASC: asc, ASCQ: ascq}
}

func (c *Context) completeSyncCheckCondition(req hostservices.Request, s dispatch.Autosense) error {
	req.SetStatus(hostservices.StatusError)
	req.SetSCSIStatus(0x02)
	s.FillFixedSense(req.SenseBuffer())
	c.svc.NotifyRequestComplete(req)
	return nil
}

func (c *Context) startSCSI(req hostservices.Request) error {
	cdb := req.CDB()
	if len(cdb) == 0 {
		return c.completeSyncCheckCondition(req, sense(0x05, 0x20, 0x00)) // invalid command operation code
	}
	opcode := cdb[0]

	if imm, ok := scsi.ImmediateOutcome(opcode, c.initComplete); ok {
		if imm == scsi.ImmediateBusy {
			return c.completeSync(req, hostservices.StatusBusy, 0x08)
		}
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)
	}

	switch opcode {
	case scsi.OpInquiry:
		out := scsi.BuildInquiry(c.identCtrl.ModelNumber, c.identCtrl.FirmwareRev)
		copy(req.DataBuffer(), out[:])
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	case scsi.OpReadCapacity10:
		out := scsi.BuildReadCapacity10(c.identNS.LBACount, c.identNS.BlockSize)
		copy(req.DataBuffer(), out[:])
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	case scsi.OpModeSense6, scsi.OpModeSense10:
		return c.startModeSense(req, opcode)

	case scsi.OpLogSense:
		return c.startLogSense(req)

	case scsi.OpReadDefectData10:
		out := scsi.BuildReadDefectData10(false, false, 0)
		copy(req.DataBuffer(), out[:])
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	case scsi.OpRead6, scsi.OpRead10, scsi.OpWrite6, scsi.OpWrite10:
		return c.startReadWrite(req, opcode)

	case scsi.OpSynchronizeCache:
		return c.startFlush(req)

	case scsi.OpATAPassThru12, scsi.OpATAPassThru16:
		return c.startATAPassThru(req, opcode)

	default:
		return c.completeSyncCheckCondition(req, sense(0x05, 0x20, 0x00))
	}
}

func (c *Context) startModeSense(req hostservices.Request, opcode uint8) error {
	cdb := req.CDB()
	page := cdb[2] & 0x3F

	body, err := scsi.BuildModePage(page, cdb[2]&0xC0 == 0x40)
	if err != nil {
		return c.completeSyncCheckCondition(req, sense(0x05, 0x24, 0x00)) // invalid field in CDB
	}

	var header []byte
	if opcode == scsi.OpModeSense6 {
		header = scsi.BuildModeSenseHeader6(len(body), true, c.identNS.LBACount, c.identNS.BlockSize)
	} else {
		header = scsi.BuildModeSenseHeader10(len(body), true, c.identNS.LBACount, c.identNS.BlockSize)
	}

	out := append(header, body...)
	n := copy(req.DataBuffer(), out)
	_ = n
	return c.completeSync(req, hostservices.StatusSuccess, 0x00)
}

// startLogSense only backs the Informational Exceptions page (spec.md
// §4.9): it submits NVMe Get Log Page 0x02 and completes asynchronously
// once resolveGetLogPageCompletion formats the reply, rather than
// fabricating the page synchronously.
func (c *Context) startLogSense(req hostservices.Request) error {
	cdb := req.CDB()
	page := cdb[2] & 0x3F
	if page != 0x2F {
		return c.completeSyncCheckCondition(req, sense(0x05, 0x24, 0x00))
	}
	return c.submitGetLogPage(req, getLogPurposeLogSenseIE)
}

func (c *Context) startReadWrite(req hostservices.Request, opcode uint8) error {
	var lba uint32
	var blocks uint32
	switch opcode {
	case scsi.OpRead6, scsi.OpWrite6:
		var b8 uint8
		var c6 scsi.CDB6
		copy(c6[:], req.CDB())
		lba, b8 = scsi.DecodeCDB6(c6)
		blocks = uint32(b8)
		if blocks == 0 {
			blocks = 256
		}
	default:
		var b16 uint16
		var c10 scsi.CDB10
		copy(c10[:], req.CDB())
		lba, b16 = scsi.DecodeCDB10(c10)
		blocks = uint32(b16)
	}

	write := opcode == scsi.OpWrite6 || opcode == scsi.OpWrite10
	return c.submitIORequest(req, write, uint64(lba), uint16(blocks))
}

// submitIORequest builds the PRP description for req's data buffer, submits
// the NVMe Read/Write command (wrapped in the ORDERED fence pair when
// req.QueueAction() demands it), and leaves completion to PollIO.
func (c *Context) submitIORequest(req hostservices.Request, write bool, lba uint64, blocks uint16) error {
	if !c.lock.TryAcquire() {
		return c.completeSync(req, hostservices.StatusBusy, 0x08)
	}
	defer c.lock.Release()

	var tag uint16
	untagged := req.QueueAction() == hostservices.QueueActionNone
	if untagged {
		if c.untaggedBusy {
			c.stats.UntaggedRejectedTotal.Inc()
			return c.completeSync(req, hostservices.StatusBusy, 0x08)
		}
		tag = c.nextUntaggedSeq()
	} else {
		tag = req.QueueTag()
	}

	result, err := nvmecmd.BuildPRP(c.svc, c.pool, req.DataBuffer())
	if err != nil {
		return c.completeSyncCheckCondition(req, sense(0x05, 0x1A, 0x00)) // parameter list length error
	}
	req.Extension().PRPPage = result.ListPage
	c.stats.SetPRPPoolDepth(c.pool.Depth(), c.pool.HighWatermark())

	var commandCID uint16
	if untagged {
		commandCID = cid.Untagged(tag)
	} else {
		commandCID = cid.Tagged(tag)
	}

	if req.QueueAction() == hostservices.QueueActionOrdered {
		fence := nvmecmd.BuildFlush(cid.OrderedFlush(tag))
		if err := c.io.Submit(fence.Encode(), c.doorbell()); err != nil {
			c.pool.Release(result.ListPage)
			req.Extension().PRPPage = prp.None
			return c.completeSync(req, hostservices.StatusBusy, 0x08)
		}
	}

	var sqe nvmecmd.SQE
	if write {
		sqe = nvmecmd.BuildWrite(commandCID, lba, blocks, result.PRP1, result.PRP2)
	} else {
		sqe = nvmecmd.BuildRead(commandCID, lba, blocks, result.PRP1, result.PRP2)
	}
	if err := c.io.Submit(sqe.Encode(), c.doorbell()); err != nil {
		if result.ListPage != prp.None {
			c.pool.Release(result.ListPage)
			req.Extension().PRPPage = prp.None
		}
		c.stats.QueueFullTotal.Inc()
		return c.completeSync(req, hostservices.StatusBusy, 0x08)
	}

	if untagged {
		c.untaggedBusy = true
		c.untaggedReq = req
		c.stats.SetUntaggedInFlight(true)
	}
	req.SetStatus(hostservices.StatusPending)
	c.armFallbackTimer()
	return nil
}

func (c *Context) startFlush(req hostservices.Request) error {
	if !c.lock.TryAcquire() {
		return c.completeSync(req, hostservices.StatusBusy, 0x08)
	}
	defer c.lock.Release()

	untagged := req.QueueAction() == hostservices.QueueActionNone
	var tag uint16
	if untagged {
		if c.untaggedBusy {
			c.stats.UntaggedRejectedTotal.Inc()
			return c.completeSync(req, hostservices.StatusBusy, 0x08)
		}
		tag = c.nextUntaggedSeq()
	} else {
		tag = req.QueueTag()
	}

	var commandCID uint16
	if untagged {
		commandCID = cid.Untagged(tag)
	} else {
		commandCID = cid.Tagged(tag)
	}
	sqe := nvmecmd.BuildFlush(commandCID)
	if err := c.io.Submit(sqe.Encode(), c.doorbell()); err != nil {
		c.stats.QueueFullTotal.Inc()
		return c.completeSync(req, hostservices.StatusBusy, 0x08)
	}

	if untagged {
		c.untaggedBusy = true
		c.untaggedReq = req
		c.stats.SetUntaggedInFlight(true)
	}
	req.SetStatus(hostservices.StatusPending)
	c.armFallbackTimer()
	return nil
}

// startATAPassThru handles SAT ATA PASS-THROUGH 12/16 (spec.md §4.10):
// IDENTIFY DEVICE answers synchronously from cached Identify state; SMART
// READ DATA submits a Get Log Page and completes asynchronously.
func (c *Context) startATAPassThru(req hostservices.Request, opcode uint8) error {
	var pt ata.PassThru
	if opcode == scsi.OpATAPassThru12 {
		var c12 [12]byte
		copy(c12[:], req.CDB())
		pt = ata.DecodeATAPassThru12(c12)
	} else {
		var c16 [16]byte
		copy(c16[:], req.CDB())
		pt = ata.DecodeATAPassThru16(c16)
	}
	if !ata.AcceptedProtocol(pt.Protocol) {
		return c.completeSyncCheckCondition(req, sense(0x05, 0x24, 0x00))
	}

	switch {
	case ata.IsIdentifyDevice(pt):
		geom := ata.IdentifyGeometry{
			SerialNumber: c.identCtrl.SerialNumber,
			ModelNumber:  c.identCtrl.ModelNumber,
			FirmwareRev:  c.identCtrl.FirmwareRev,
			LBACount:     c.identNS.LBACount,
			SMARTEnabled: c.cfg.SMARTEnabled,
		}
		out := ata.BuildATAIdentifyDevice(geom)
		copy(req.DataBuffer(), out[:])
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	case ata.IsSMARTReadData(pt):
		if !c.cfg.SMARTEnabled {
			return c.completeSyncCheckCondition(req, sense(0x05, 0x20, 0x00))
		}
		return c.submitSMARTReadData(req)

	case ata.IsSMARTReadLog(pt):
		buf := req.DataBuffer()
		if len(buf) > ata.ATASmartLogSize {
			buf = buf[:ata.ATASmartLogSize]
		}
		for i := range buf {
			buf[i] = 0
		}
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	case ata.IsSMARTReturnStatus(pt), ata.IsSMARTEnableDisable(pt):
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	default:
		// ata.ErrUnsupportedCommand{PassThru: pt} names the rejected command
		// for logging callers; the sense code itself is Invalid Command
		// Operation Code regardless of which ATA command it was.
		return c.completeSyncCheckCondition(req, sense(0x05, 0x20, 0x00))
	}
}

func (c *Context) submitSMARTReadData(req hostservices.Request) error {
	return c.submitGetLogPage(req, getLogPurposeSMART)
}

// submitGetLogPage acquires a PRP page, submits NVMe Get Log Page 0x02
// (SMART/Health Information), and leaves formatting the reply to
// resolveGetLogPageCompletion once the admin queue drains it (spec.md
// §4.9, §4.10): ATA SMART READ DATA and LOG SENSE's Informational
// Exceptions page share this one NVMe command but format it differently,
// distinguished by purpose.
func (c *Context) submitGetLogPage(req hostservices.Request, purpose getLogPurpose) error {
	idx, ok := c.pool.Acquire()
	if !ok {
		return c.completeSync(req, hostservices.StatusBusy, 0x08)
	}
	c.stats.SetPRPPoolDepth(c.pool.Depth(), c.pool.HighWatermark())

	sqe := nvmecmd.BuildGetLogPage(cid.AdminGetLogPage(uint16(idx)), 0x02, c.pool.Phys(idx))
	if err := c.admin.Submit(sqe.Encode(), c.doorbell()); err != nil {
		c.pool.Release(idx)
		c.stats.QueueFullTotal.Inc()
		return c.completeSync(req, hostservices.StatusBusy, 0x08)
	}
	c.pendingGetLog[idx] = pendingGetLogPage{req: req, purpose: purpose}
	req.SetStatus(hostservices.StatusPending)
	c.armFallbackTimer()
	return nil
}

func (c *Context) startIOCTL(req hostservices.Request) error {
	buf := req.DataBuffer()
	if len(buf) < 28 {
		return c.completeSyncCheckCondition(req, sense(0x05, 0x24, 0x00))
	}
	hdr := ata.DecodeSRBIOControl(buf)
	if !hdr.HasSCSIDiskSignature() {
		return c.completeSyncCheckCondition(req, sense(0x05, 0x20, 0x00))
	}

	params := ata.DecodeSendCmdInParams(buf[28:])
	pt := params.AsPassThru()
	pt.Protocol = ata.ProtoPIODataIn

	switch {
	case ata.IsIdentifyDevice(pt):
		geom := ata.IdentifyGeometry{
			SerialNumber: c.identCtrl.SerialNumber,
			ModelNumber:  c.identCtrl.ModelNumber,
			FirmwareRev:  c.identCtrl.FirmwareRev,
			LBACount:     c.identNS.LBACount,
			SMARTEnabled: c.cfg.SMARTEnabled,
		}
		out := ata.BuildATAIdentifyDevice(geom)
		copy(buf[28:], out[:])
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	case ata.IsSMARTReadData(pt):
		if !c.cfg.SMARTEnabled {
			return c.completeSyncCheckCondition(req, sense(0x05, 0x20, 0x00))
		}
		req.Extension().ReplyOffset = 28
		return c.submitSMARTReadData(req)

	case ata.IsSMARTReturnStatus(pt), ata.IsSMARTEnableDisable(pt):
		return c.completeSync(req, hostservices.StatusSuccess, 0x00)

	default:
		return c.completeSyncCheckCondition(req, sense(0x05, 0x20, 0x00))
	}
}
