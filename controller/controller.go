// Package controller is the driver core of spec.md: it owns the NVMe queue
// pairs, the PRP pool, the init/shutdown state machines, and the SCSI/ATA
// translation glue, driven entirely through the hostservices.Services trait
// so it never touches an OS API directly (spec.md §6).
package controller

import (
	"fmt"

	"github.com/nvme2k-go/nvme2k/arena"
	"github.com/nvme2k-go/nvme2k/cid"
	"github.com/nvme2k-go/nvme2k/config"
	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/initfsm"
	"github.com/nvme2k-go/nvme2k/logging"
	"github.com/nvme2k-go/nvme2k/metrics"
	"github.com/nvme2k-go/nvme2k/prp"
	"github.com/nvme2k-go/nvme2k/queue"
	"github.com/nvme2k-go/nvme2k/register"
	"github.com/nvme2k-go/nvme2k/shutdownfsm"
	"github.com/nvme2k-go/nvme2k/syncpolicy"
)

// ioQID is the single I/O queue pair this driver creates (spec.md §4.7:
// exactly one I/O SQ/CQ, qid 1).
const ioQID uint16 = 1

// getLogPurpose distinguishes why a pending Get Log Page admin command was
// submitted: ATA SMART READ DATA and SCSI LOG SENSE's Informational
// Exceptions page both read NVMe Get Log Page 0x02 (SMART/Health
// Information) but format its reply differently (spec.md §4.9, §4.10).
type getLogPurpose int

const (
	getLogPurposeSMART getLogPurpose = iota
	getLogPurposeLogSenseIE
)

// pendingGetLogPage is one in-flight Get Log Page slot, keyed by PRP pool
// index (spec.md §4.6): the host request waiting on it, and which surface
// its completion must format the reply for.
type pendingGetLogPage struct {
	req     hostservices.Request
	purpose getLogPurpose
}

// Context is the controller instance: one per adapter, mirroring the
// Windows miniport's per-adapter device extension (spec.md §3).
type Context struct {
	svc   hostservices.Services
	cfg   *config.Config
	log   *logging.Logger
	stats *metrics.Stats
	caps  register.Capabilities

	region []byte
	arena  *arena.Arena
	pool   *prp.Pool

	adminSQ, adminCQ         []byte
	adminSQPhys, adminCQPhys uint64
	ioSQ, ioCQ               []byte
	ioSQPhys, ioCQPhys       uint64

	admin *queue.Pair
	io    *queue.Pair

	initM        *initfsm.Machine
	shutdownM    *shutdownfsm.Machine
	initComplete bool

	identCtrl initfsm.IdentifyController
	identNS   initfsm.IdentifyNamespace

	lock syncpolicy.Policy

	// Single fixed LUN this driver exposes (spec.md §4.9): path 0, target 0,
	// LUN 0. GetSRB only carries a queue tag, so the controller must already
	// know which path/target/lun identity every completion belongs to.
	path, target, lun uint8

	untaggedBusy bool
	untaggedSeq  uint16
	untaggedReq  hostservices.Request

	pendingGetLog [prp.Count]pendingGetLogPage

	// fallbackArmed and fallbackStability implement spec.md §5's fallback
	// timer: armed after every submission until enough real interrupts
	// have arrived consecutively, at which point the driver trusts the
	// interrupt path and stops arming it.
	fallbackArmed     bool
	fallbackStability int
}

// regionSize is how New carves the single uncached region the controller
// allocates: admin SQ/CQ, I/O SQ/CQ, then the PRP pool (spec.md §4.1, §4.2),
// in the fixed order New allocates them. Each of New's MustAllocate calls
// page-aligns the *start* of its allocation, so this mirrors that bump
// allocator step by step rather than summing the raw byte counts, or the
// rounding gaps between allocations would be unaccounted for.
func regionSize(cfg *config.Config) int {
	sizes := []int{
		cfg.AdminQueueSize * queue.SQEntrySize,
		cfg.AdminQueueSize * queue.CQEntrySize,
		cfg.IOQueueSize * queue.SQEntrySize,
		cfg.IOQueueSize * queue.CQEntrySize,
		prp.Count * prp.PageSize,
	}
	offset := 0
	for _, size := range sizes {
		offset = (offset + arena.PageSize - 1) &^ (arena.PageSize - 1)
		offset += size
	}
	return offset
}

// New allocates the controller's fixed memory layout and returns an
// uninitialized Context; call Init to bring the controller up.
func New(svc hostservices.Services, cfg *config.Config, log *logging.Logger, stats *metrics.Stats) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller: invalid config: %w", err)
	}

	region, regionPhys, err := svc.AllocateUncachedRegion(regionSize(cfg))
	if err != nil {
		return nil, fmt.Errorf("controller: allocating uncached region: %w", err)
	}
	a := arena.New(region, regionPhys)

	adminSQ, adminSQPhys := a.MustAllocate(cfg.AdminQueueSize*queue.SQEntrySize, arena.PageSize)
	adminCQ, adminCQPhys := a.MustAllocate(cfg.AdminQueueSize*queue.CQEntrySize, arena.PageSize)
	ioSQ, ioSQPhys := a.MustAllocate(cfg.IOQueueSize*queue.SQEntrySize, arena.PageSize)
	ioCQ, ioCQPhys := a.MustAllocate(cfg.IOQueueSize*queue.CQEntrySize, arena.PageSize)
	prpVirt, prpPhys := a.MustAllocate(prp.Count*prp.PageSize, arena.PageSize)

	c := &Context{
		svc:         svc,
		cfg:         cfg,
		log:         log,
		stats:       stats,
		region:      region,
		arena:       a,
		pool:        prp.New(prpVirt, prpPhys),
		adminSQ:     adminSQ,
		adminCQ:     adminCQ,
		adminSQPhys: adminSQPhys,
		adminCQPhys: adminCQPhys,
		ioSQ:        ioSQ,
		ioCQ:        ioCQ,
		ioSQPhys:    ioSQPhys,
		ioCQPhys:    ioCQPhys,
		lock:          syncpolicy.New(cfg.SyncPolicy),
		untaggedReq:   nil,
		fallbackArmed: true,
	}
	return c, nil
}

// doorbell is the queue.Doorbell adapter over hostservices.Services.
type doorbell struct {
	svc  hostservices.Services
	caps register.Capabilities
}

func (d doorbell) WriteSQDoorbell(qid uint16, value uint32) {
	d.svc.MMIOWrite32(d.caps.DoorbellOffset(qid, false), value)
}

func (d doorbell) WriteCQDoorbell(qid uint16, value uint32) {
	d.svc.MMIOWrite32(d.caps.DoorbellOffset(qid, true), value)
}

func (c *Context) doorbell() doorbell { return doorbell{svc: c.svc, caps: c.caps} }

// InitComplete reports whether the init sequence reached Ready.
func (c *Context) InitComplete() bool { return c.initComplete }

// IdentifyController / IdentifyNamespace expose the cached Identify data the
// SCSI translation layer reports through INQUIRY/READ CAPACITY (spec.md
// §4.9).
func (c *Context) IdentifyController() initfsm.IdentifyController { return c.identCtrl }
func (c *Context) IdentifyNamespace() initfsm.IdentifyNamespace    { return c.identNS }

// Interrupt is the "interrupt entry" scheduling point a port driver calls
// from its ISR/DPC (spec.md §5): it cancels any outstanding fallback timer
// and drains both queues. Each call counts as a real interrupt toward the
// stability threshold; once enough have arrived consecutively the driver
// stops arming the fallback on future submissions.
func (c *Context) Interrupt() {
	c.svc.CancelTimer()
	c.PollAdmin()
	c.PollIO()

	if !c.fallbackArmed {
		return
	}
	c.fallbackStability++
	if c.fallbackStability >= c.cfg.FallbackTimerStabilityThreshold {
		c.fallbackArmed = false
		c.stats.SetFallbackTimerArmed(false)
	}
}

// armFallbackTimer registers a best-effort polling timer after a submission
// while the stability counter is still below threshold (spec.md §5). A real
// interrupt arriving first cancels the timer via Interrupt; the timer's own
// callback just polls both queues, so a spurious double-drain is harmless.
func (c *Context) armFallbackTimer() {
	if !c.fallbackArmed {
		return
	}
	c.stats.SetFallbackTimerArmed(true)
	c.svc.RegisterTimer(func() {
		c.PollAdmin()
		c.PollIO()
	}, c.cfg.FallbackTimerIntervalUsec)
}

func (c *Context) nextUntaggedSeq() uint16 {
	seq := c.untaggedSeq
	c.untaggedSeq = cid.NextUntaggedSeq(c.untaggedSeq)
	return seq
}
