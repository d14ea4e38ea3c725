package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nvme2k-go/nvme2k/cid"
	"github.com/nvme2k-go/nvme2k/dispatch"
	"github.com/nvme2k-go/nvme2k/initfsm"
	"github.com/nvme2k-go/nvme2k/nvmecmd"
	"github.com/nvme2k-go/nvme2k/queue"
	"github.com/nvme2k-go/nvme2k/register"
	"github.com/nvme2k-go/nvme2k/shutdownfsm"
)

// errRetry is returned by pollOne's inner op to request another backoff
// attempt; it never reaches the caller.
type errRetry struct{}

func (errRetry) Error() string { return "controller: no completion yet" }

// ErrInitTimeout/ErrShutdownTimeout are returned when a lifecycle step never
// observes the condition it is waiting for within budget.
type ErrInitTimeout struct{ Step string }

func (e ErrInitTimeout) Error() string { return "controller: init timed out waiting for " + e.Step }

type ErrShutdownTimeout struct{ Step string }

func (e ErrShutdownTimeout) Error() string {
	return "controller: shutdown timed out waiting for " + e.Step
}

// Init brings the controller from reset to Ready (spec.md §4.4, §4.7):
// enable the controller, wait CSTS.RDY, then drive the five-step admin-init
// chain (Create I/O CQ, Create I/O SQ, Identify Controller, Identify
// Namespace, then Ready).
func (c *Context) Init(ctx context.Context) error {
	c.caps = register.ReadCapabilities(c.svc)
	if err := c.cfg.Validate(int(c.caps.MQES) + 1); err != nil {
		return fmt.Errorf("controller: invalid config: %w", err)
	}

	if err := c.forceDisable(ctx); err != nil {
		return err
	}

	aqa := uint32(c.cfg.AdminQueueSize-1)<<16 | uint32(c.cfg.AdminQueueSize-1)
	c.svc.MMIOWrite32(register.AQA, aqa)
	c.svc.MMIOWrite64(register.ASQ, c.adminSQPhys)
	c.svc.MMIOWrite64(register.ACQ, c.adminCQPhys)

	cc := register.CCEnable | register.MPS(c.cfg.PageSize) | register.CCIOSQES | register.CCIOCQES
	c.svc.MMIOWrite32(register.CC, cc)

	if err := register.WaitReady(ctx, c.svc, true, c.cfg.InitBudget); err != nil {
		return err
	}

	admin, err := queue.New(0, c.cfg.AdminQueueSize, c.adminSQ, c.adminSQPhys, c.adminCQ, c.adminCQPhys)
	if err != nil {
		return fmt.Errorf("controller: admin queue: %w", err)
	}
	c.admin = admin
	c.initM = initfsm.New()

	scratch := c.pool.Virt(0)
	scratchPhys := c.pool.Phys(0)

	if err := c.submitAdmin(ctx, nvmecmd.BuildCreateIOCQ(cid.AdminCIDCreateIOCQ, ioQID, c.cfg.IOQueueSize, c.ioCQPhys)); err != nil {
		return err
	}
	if err := c.submitAdmin(ctx, nvmecmd.BuildCreateIOSQ(cid.AdminCIDCreateIOSQ, ioQID, c.cfg.IOQueueSize, c.ioSQPhys, ioQID)); err != nil {
		return err
	}
	io, err := queue.New(ioQID, c.cfg.IOQueueSize, c.ioSQ, c.ioSQPhys, c.ioCQ, c.ioCQPhys)
	if err != nil {
		return fmt.Errorf("controller: io queue: %w", err)
	}
	c.io = io

	if err := c.submitAdmin(ctx, nvmecmd.BuildIdentify(cid.AdminCIDIdentifyCtrl, 0, nvmecmd.CNSController, scratchPhys)); err != nil {
		return err
	}
	c.identCtrl = initfsm.ParseIdentifyController(scratch)

	if err := c.submitAdmin(ctx, nvmecmd.BuildIdentify(cid.AdminCIDIdentifyNamespace, 1, nvmecmd.CNSNamespace, scratchPhys)); err != nil {
		return err
	}
	c.identNS = initfsm.ParseIdentifyNamespace(scratch)

	if _, err := c.initM.Advance(0, true); err != nil {
		return err
	}
	c.initComplete = true

	cmd := c.svc.PCIConfigReadU16(register.PCICommand)
	c.svc.PCIConfigWriteU16(register.PCICommand, cmd&^register.PCICommandIntxDisable)
	c.svc.MMIOWrite32(register.INTMC, 1)

	c.log.Info("controller init complete")
	return nil
}

// forceDisable recovers from a controller firmware left enabled across a
// restart (spec.md §1(e), §4.7): mask IRQs, zero AQA/ASQ/ACQ, clear
// CC.EN/CC.SHN and wait for CSTS.RDY=0, retrying with a blunt CC=0 write if
// the controller is still ready, then re-mask IRQs since some controllers
// unmask vector 0 as a side effect of reset.
func (c *Context) forceDisable(ctx context.Context) error {
	c.svc.MMIOWrite32(register.INTMS, 0xFFFFFFFF)

	c.svc.MMIOWrite32(register.AQA, 0)
	c.svc.MMIOWrite64(register.ASQ, 0)
	c.svc.MMIOWrite64(register.ACQ, 0)

	cc := c.svc.MMIORead32(register.CC) &^ (register.CCEnable | register.CCShnMask)
	c.svc.MMIOWrite32(register.CC, cc)
	if err := register.WaitReady(ctx, c.svc, false, c.cfg.InitBudget); err != nil {
		// Still ready: the controller didn't respond to a clean disable.
		// Force it with a blunt CC=0 and wait once more.
		c.svc.MMIOWrite32(register.CC, 0)
		if err := register.WaitReady(ctx, c.svc, false, c.cfg.InitBudget); err != nil {
			return err
		}
	}

	c.svc.MMIOWrite32(register.INTMS, 0xFFFFFFFF)
	return nil
}

// submitAdmin submits cmd on the admin queue, waits for its matching
// completion, and advances initM; a non-success or out-of-sequence
// completion aborts the chain.
func (c *Context) submitAdmin(ctx context.Context, cmd interface{ Encode() [64]byte }) error {
	raw := cmd.Encode()
	if err := c.admin.Submit(raw, c.doorbell()); err != nil {
		return err
	}
	cqe, err := c.waitAdminCompletion(ctx, c.cfg.InitBudget)
	if err != nil {
		return err
	}
	result := dispatch.Classify(cqe.CID, cqe.StatusCode)
	if result.Action != dispatch.ActionAdminInit {
		return fmt.Errorf("controller: unexpected admin completion action %v during init", result.Action)
	}
	if _, err := c.initM.Advance(result.AdminInitCID, result.Success); err != nil {
		return err
	}
	return nil
}

// waitAdminCompletion polls the admin CQ until DrainCompletions surfaces at
// least one entry, returning the first one drained.
func (c *Context) waitAdminCompletion(ctx context.Context, budget time.Duration) (queue.CQE, error) {
	var got queue.CQE
	op := func() (struct{}, error) {
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		found := false
		c.admin.DrainCompletions(c.doorbell(), func(cqe queue.CQE) {
			if !found {
				got = cqe
				found = true
			}
		})
		if found {
			return struct{}{}, nil
		}
		c.svc.StallMicroseconds(1000)
		return struct{}{}, errRetry{}
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(0)),
		backoff.WithMaxElapsedTime(budget),
	)
	if err != nil {
		return queue.CQE{}, ErrInitTimeout{Step: "admin completion"}
	}
	return got, nil
}

// Shutdown drives the seven-step shutdown sequence (spec.md §4.8).
func (c *Context) Shutdown(ctx context.Context) error {
	c.shutdownM = shutdownfsm.New()

	c.svc.MMIOWrite32(register.INTMS, 0xFFFFFFFF)
	c.shutdownM.AdvanceMaskIRQs()

	rdy := c.svc.MMIORead32(register.CSTS)&register.CSTSRdy != 0
	c.shutdownM.AdvanceCheckReady(rdy)

	if c.shutdownM.Step() == shutdownfsm.StepDeleteIOSQ {
		submit, _ := c.shutdownM.AdvanceDeleteIOSQ(c.initComplete, c.io != nil)
		if submit {
			if err := c.submitShutdownStep(ctx, nvmecmd.BuildDeleteSQ(cid.ShutdownCIDDeleteSQ, ioQID)); err != nil {
				return err
			}
		}

		submit, _ = c.shutdownM.AdvanceDeleteIOCQ(c.io != nil)
		if submit {
			if err := c.submitShutdownStep(ctx, nvmecmd.BuildDeleteCQ(cid.ShutdownCIDDeleteCQ, ioQID)); err != nil {
				return err
			}
		}

		c.shutdownM.AdvanceSetSHN()
		shn := c.svc.MMIORead32(register.CC)&^register.CCShnMask | register.CCShnNorm
		c.svc.MMIOWrite32(register.CC, shn)
		if err := c.waitShutdownStatusComplete(ctx); err != nil {
			return err
		}
	}

	if c.shutdownM.Step() == shutdownfsm.StepClearEnable {
		c.shutdownM.AdvanceClearEnable()
		cc := c.svc.MMIORead32(register.CC) &^ register.CCEnable
		c.svc.MMIOWrite32(register.CC, cc)
		if err := register.WaitReady(ctx, c.svc, false, c.cfg.ShutdownBudget); err != nil {
			return err
		}
		c.svc.MMIOWrite32(register.AQA, 0)
		c.svc.MMIOWrite64(register.ASQ, 0)
		c.svc.MMIOWrite64(register.ACQ, 0)
	}

	c.shutdownM.AdvanceResetState()
	if c.admin != nil {
		c.admin.Reset()
	}
	if c.io != nil {
		c.io.Reset()
	}
	c.initComplete = false
	c.io = nil
	c.untaggedBusy = false
	c.untaggedReq = nil

	// Any Get Log Page (SMART/LOG SENSE) request still outstanding has no
	// chance of a completion once the admin queue is torn down: release its
	// borrowed PRP page so the next session's pool starts clean instead of
	// slowly leaking slots across repeated shutdown/init cycles.
	for idx := range c.pendingGetLog {
		if c.pendingGetLog[idx].req != nil {
			c.pool.Release(uint8(idx))
			c.pendingGetLog[idx] = pendingGetLogPage{}
		}
	}
	c.stats.SetPRPPoolDepth(c.pool.Depth(), c.pool.HighWatermark())

	// A fresh init session hasn't yet proven its own interrupt path, so the
	// fallback timer must re-arm from scratch rather than stay disarmed from
	// whatever stability the prior session reached (spec.md §5).
	c.fallbackArmed = true
	c.fallbackStability = 0
	c.stats.SetFallbackTimerArmed(false)

	return nil
}

func (c *Context) submitShutdownStep(ctx context.Context, cmd interface{ Encode() [64]byte }) error {
	raw := cmd.Encode()
	if err := c.admin.Submit(raw, c.doorbell()); err != nil {
		return err
	}
	cqe, err := c.waitAdminCompletion(ctx, time.Second)
	if err != nil {
		return ErrShutdownTimeout{Step: "delete queue"}
	}
	result := dispatch.Classify(cqe.CID, cqe.StatusCode)
	if result.Action != dispatch.ActionShutdownStep {
		return fmt.Errorf("controller: unexpected completion action %v during shutdown", result.Action)
	}
	return nil
}

func (c *Context) waitShutdownStatusComplete(ctx context.Context) error {
	op := func() (struct{}, error) {
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		csts := c.svc.MMIORead32(register.CSTS)
		if csts&register.CSTSShstMask == register.CSTSShstComplete {
			return struct{}{}, nil
		}
		c.svc.StallMicroseconds(1000)
		return struct{}{}, errRetry{}
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(0)),
		backoff.WithMaxElapsedTime(c.cfg.ShutdownBudget),
	)
	if err != nil {
		return ErrShutdownTimeout{Step: "CSTS.SHST complete"}
	}
	return nil
}
