package controller

import (
	"github.com/nvme2k-go/nvme2k/ata"
	"github.com/nvme2k-go/nvme2k/dispatch"
	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/prp"
	"github.com/nvme2k-go/nvme2k/queue"
	"github.com/nvme2k-go/nvme2k/scsi"
)

// PollIO drains whatever I/O completions are currently available and
// resolves the host requests they carry (spec.md §4.6). The port driver
// calls this from its interrupt/DPC path; the simulator backend completes
// commands synchronously, so a poll right after submission already sees
// them.
func (c *Context) PollIO() int {
	if c.io == nil {
		return 0
	}
	return c.io.DrainCompletions(c.doorbell(), c.handleIOCompletion)
}

// PollAdmin drains admin-queue completions outside the init/shutdown
// sequences: Get Log Page (SMART) completions land here.
func (c *Context) PollAdmin() int {
	if c.admin == nil {
		return 0
	}
	return c.admin.DrainCompletions(c.doorbell(), c.handleAdminCompletion)
}

func (c *Context) handleIOCompletion(cqe queue.CQE) {
	result := dispatch.Classify(cqe.CID, cqe.StatusCode)

	switch result.Action {
	case dispatch.ActionOrderedFlushFence:
		// Synthetic fence: resolves no host request (spec.md §4.6).
		return

	case dispatch.ActionIORequest:
		c.resolveIORequest(result)

	case dispatch.ActionAdminInit:
		// cid.Decode has no queue context, so tagged CIDs 1..5 decode as
		// admin-init CIDs; on the I/O queue they are plain queue tags.
		result.Tag, result.Untagged = cqe.CID, false
		c.resolveIORequest(result)

	case dispatch.ActionGetLogPage:
		// Likewise untagged sequences 0x10..0x19 decode as Get Log Page CIDs.
		result.Tag, result.Untagged = cqe.CID&0x3FFF, true
		c.resolveIORequest(result)

	default:
		c.log.Event("unexpected-action-on-io-queue", "io-completion", cqe.CID, 1, cqe.StatusCode)
	}
}

func (c *Context) resolveIORequest(result dispatch.Result) {
	var req hostservices.Request
	var ok bool

	if result.Untagged {
		req, ok = c.untaggedReq, c.untaggedBusy
	} else {
		req, ok = c.svc.GetSRB(c.path, c.target, c.lun, result.Tag)
	}
	if !ok {
		c.stats.DoubleCompletionsTotal.Inc()
		return
	}

	if result.Success {
		req.SetStatus(hostservices.StatusSuccess)
		req.SetSCSIStatus(0x00)
	} else {
		req.SetStatus(hostservices.StatusError)
		req.SetSCSIStatus(0x02) // CHECK CONDITION
		dispatch.HardwareErrorSense.FillFixedSense(req.SenseBuffer())
		c.stats.HardwareErrorsTotal.Inc()
	}

	if page := req.Extension().PRPPage; page != prp.None {
		c.pool.Release(page)
		req.Extension().PRPPage = prp.None
		c.stats.SetPRPPoolDepth(c.pool.Depth(), c.pool.HighWatermark())
	}

	if result.Untagged {
		c.untaggedBusy = false
		c.untaggedReq = nil
		c.stats.SetUntaggedInFlight(false)
	}

	c.stats.CompletionsTotal.WithLabelValues("io").Inc()
	c.svc.NotifyRequestComplete(req)
}

func (c *Context) handleAdminCompletion(cqe queue.CQE) {
	result := dispatch.Classify(cqe.CID, cqe.StatusCode)

	switch result.Action {
	case dispatch.ActionGetLogPage:
		c.resolveGetLogPageCompletion(result)
	default:
		c.log.Event("unexpected-action-on-admin-queue", "admin-completion", cqe.CID, 0, cqe.StatusCode)
	}
}

// resolveGetLogPageCompletion resolves a drained Get Log Page 0x02
// completion (spec.md §4.9, §4.10): the pending slot's purpose selects
// whether the returned log is formatted as an ATA SMART attribute table or
// a SCSI Informational Exceptions page.
func (c *Context) resolveGetLogPageCompletion(result dispatch.Result) {
	idx := uint8(result.PRPIndex)
	pending := c.pendingGetLog[idx]
	c.pendingGetLog[idx] = pendingGetLogPage{}
	req := pending.req
	if req == nil {
		c.stats.DoubleCompletionsTotal.Inc()
		return
	}

	if result.Success {
		logPage := c.pool.Virt(idx)
		switch pending.purpose {
		case getLogPurposeLogSenseIE:
			body := scsi.InformationalExceptionsPage(false, 0, 0)
			copy(req.DataBuffer(), body)
		default:
			out := ata.BuildATASmartFromNVMe(logPage)
			copy(req.DataBuffer()[req.Extension().ReplyOffset:], out[:])
		}
		req.SetStatus(hostservices.StatusSuccess)
		req.SetSCSIStatus(0x00)
	} else {
		req.SetStatus(hostservices.StatusError)
		req.SetSCSIStatus(0x02)
		dispatch.HardwareErrorSense.FillFixedSense(req.SenseBuffer())
		c.stats.HardwareErrorsTotal.Inc()
	}

	c.pool.Release(idx)
	c.stats.SetPRPPoolDepth(c.pool.Depth(), c.pool.HighWatermark())
	c.stats.CompletionsTotal.WithLabelValues("admin").Inc()
	c.svc.NotifyRequestComplete(req)
}
