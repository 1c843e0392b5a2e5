package classify

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/gate"
	"github.com/italolelis/download_gatekeeper/internal/logctx"
	"github.com/italolelis/download_gatekeeper/internal/policy"
	"github.com/italolelis/download_gatekeeper/internal/report"
	"github.com/italolelis/download_gatekeeper/internal/telemetry"
)

// checkState tracks one download's classification pass. A download has at
// most one pass; re-entering Begin while the pass is open only re-registers
// the completion waiter.
type checkState struct {
	complete  bool
	startedAt time.Time
}

// Coordinator owns the per-download request/response lifecycle with the
// classification service. Verdicts for the same download are applied in
// arrival order under one mutex; a stale verdict after resolution is a
// documented no-op.
type Coordinator struct {
	mu     sync.Mutex
	checks map[uint32]*checkState

	reg      *download.Registry
	gate     *gate.Gate
	svc      Service // nil when the feature is disabled
	policies policy.Source
	reporter report.Reporter
	tel      *telemetry.Telemetry

	scanTrustedSources bool

	// allowInsecure suppresses every blocking decision, verdict-driven and
	// local fallback alike. Config escape hatch.
	allowInsecure bool
}

func NewCoordinator(
	reg *download.Registry,
	g *gate.Gate,
	svc Service,
	policies policy.Source,
	reporter report.Reporter,
	tel *telemetry.Telemetry,
	scanTrustedSources bool,
	allowInsecure bool,
) *Coordinator {
	return &Coordinator{
		checks:             make(map[uint32]*checkState),
		reg:                reg,
		gate:               g,
		svc:                svc,
		policies:           policies,
		reporter:           reporter,
		tel:                tel,
		scanTrustedSources: scanTrustedSources,
		allowInsecure:      allowInsecure,
	}
}

// Begin starts (or re-joins) the classification pass for a download that
// wants to complete. Returns true when no check stands between the download
// and completion; returns false when onReady has been parked as the
// completion waiter. onReady may fire synchronously before Begin returns if
// the scanner answers inline.
func (c *Coordinator) Begin(ctx context.Context, id uint32, onReady func()) bool {
	logger := logctx.LoggerFromContext(ctx)

	rec, ok := c.reg.Get(id)
	if !ok {
		// Destroyed between scheduling and firing; nothing to wait for.
		return true
	}

	if !rec.RequireSafetyChecks {
		return true
	}

	if rec.FromTrustedSource && !c.scanTrustedSources {
		return true
	}

	c.mu.Lock()
	if st, exists := c.checks[id]; exists {
		if st.complete || rec.DangerType == download.UserValidated {
			c.mu.Unlock()

			return true
		}

		// A check is outstanding; park the waiter until it resolves.
		c.gate.Request(id, onReady)
		c.mu.Unlock()

		return false
	}

	c.checks[id] = &checkState{startedAt: time.Now()}

	if c.svc == nil {
		c.mu.Unlock()
		logger.Debug("classification service disabled, deciding locally")
		c.resolveLocally(ctx, id)

		return true
	}

	// Park the waiter in the same critical section that opens the check, so
	// a verdict arriving concurrently over the ingest surface cannot settle
	// the check first and strand the waiter. A synchronous verdict then
	// releases it through the same path as an async one.
	c.gate.Request(id, onReady)
	c.mu.Unlock()

	c.tel.ScanStarted()

	verdict, async, err := c.svc.Submit(ctx, rec)
	if err != nil {
		logger.Warn("scanner unavailable, falling back to local decision", "err", err)
		c.tel.RecordSystemError("scanner", "submit_failed")
		c.resolveLocally(ctx, id)

		return false
	}

	if async {
		logger.Debug("awaiting async verdict")

		return false
	}

	c.OnVerdict(ctx, id, verdict)

	return false
}

// AwaitingVerdict reports whether a completion waiter is parked for the
// download.
func (c *Coordinator) AwaitingVerdict(id uint32) bool {
	return c.gate.Pending(id)
}

// Resolved reports whether the download's classification pass has settled.
func (c *Coordinator) Resolved(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.checks[id]

	return ok && st.complete
}

// OnDownloadDestroyed drops all per-download state. The outstanding waiter,
// if any, is discarded unfired.
func (c *Coordinator) OnDownloadDestroyed(id uint32) {
	c.mu.Lock()
	delete(c.checks, id)
	c.mu.Unlock()

	c.gate.Drop(id)
}

// OnVerdict applies one verdict to one download and returns the resulting
// record snapshot. The boolean is false when the verdict was dropped
// (unknown download, or a state that no longer accepts verdicts).
func (c *Coordinator) OnVerdict(ctx context.Context, id uint32, v download.Verdict) (download.Record, bool) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.reg.Get(id)
	if !ok {
		logger.Debug("verdict for unknown download dropped", "verdict", v)

		return download.Record{}, false
	}

	// A download that is neither in progress nor actively scanning is done
	// taking verdicts; a late or duplicate one is a no-op.
	if rec.State != download.StateInProgress && !rec.IsActivelyScanning() {
		logger.Debug("stale verdict dropped", "verdict", v, "state", rec.State, "danger_type", rec.DangerType)

		return rec, false
	}

	pendingScan := false

	if rec.AcceptsVerdicts() {
		outcome := download.ClassifyVerdict(v, rec.FileDangerLevel)

		if outcome.RequestDeepScan {
			// No transition at all: the deep scan re-announces itself as
			// async_scanning, and a duplicate update here would fire two
			// resolution notifications for one check.
			c.startDeepScan(ctx, rec)

			return rec, true
		}

		rec = c.applyTransition(ctx, rec, v, outcome)
		pendingScan = outcome.PendingScan
	}

	if !pendingScan {
		c.settleLocked(id)
	}

	return rec, true
}

// applyTransition moves one download onto its new danger type, consulting
// the blocking matrix. Called with the coordinator lock held.
func (c *Coordinator) applyTransition(ctx context.Context, rec download.Record, v download.Verdict, outcome download.Outcome) download.Record {
	logger := logctx.LoggerFromContext(ctx)
	danger := outcome.DangerType

	// Save packages only take sensitive-content and scan-progress
	// transitions; other verdict flavors do not apply to them.
	if rec.IsSavePackage && !savePackageRelevant(danger) {
		danger = download.NotDangerous
	}

	restriction := c.policies.DownloadRestriction()
	fileTypeDangerous := rec.FileDangerLevel != download.FileTypeNotDangerous

	switch {
	case rec.OpenedWhileScanning && rec.IsActivelyScanning():
		// The file was opened during async scanning; the user can no longer
		// discard the download, so a non-benign verdict is surfaced as
		// opened-dangerous and the bypass is reported against the original
		// check. No blocking is attempted: the bytes are already consumed.
		if danger != download.NotDangerous {
			rec, _ = c.reg.Update(rec.ID, func(r *download.Record) {
				r.DangerType = download.DeepScannedOpenedDangerous
			})

			c.notifyBypass(ctx, rec, danger)
		} else {
			rec, _ = c.reg.Update(rec.ID, func(r *download.Record) {
				r.DangerType = danger
			})
		}

	case c.shouldBlock(danger, restriction, fileTypeDangerous, rec.RequireSafetyChecks):
		surfaced := policy.Surfaced(danger)
		if surfaced != danger {
			// The dangerous label is replaced by the block itself; keeping
			// it would double-count the verdict downstream.
			c.reportBlockedOnce(ctx, rec, v, danger, restriction)
		}

		c.tel.RecordBlock(restriction.String(), string(danger))
		logger.Info("download blocked",
			"danger_type", danger,
			"surfaced_danger_type", surfaced,
			"restriction", restriction.String(),
		)

		rec, _ = c.reg.Update(rec.ID, func(r *download.Record) {
			r.OnContentCheckCompleted(surfaced, download.InterruptFileBlocked)
		})

	default:
		rec, _ = c.reg.Update(rec.ID, func(r *download.Record) {
			r.OnContentCheckCompleted(danger, download.InterruptNone)
		})
	}

	c.tel.RecordVerdict(string(v), string(danger))

	return rec
}

// resolveLocally settles a check without the classification service. A
// download whose file type is intrinsically dangerous still gets a local
// dangerous-file decision; everything else passes. The download is never
// left pending because the service is unavailable.
func (c *Coordinator) resolveLocally(ctx context.Context, id uint32) {
	rec, ok := c.reg.Get(id)
	if ok &&
		rec.FileDangerLevel != download.FileTypeNotDangerous &&
		(rec.DangerType == download.NotDangerous || rec.DangerType == download.MaybeDangerousContent) {
		restriction := c.policies.DownloadRestriction()

		if c.shouldBlock(download.DangerousFile, restriction, true, rec.RequireSafetyChecks) {
			c.reportBlockedOnce(ctx, rec, "", download.DangerousFile, restriction)
			c.tel.RecordBlock(restriction.String(), string(download.DangerousFile))

			c.reg.Update(id, func(r *download.Record) {
				r.OnContentCheckCompleted(download.NotDangerous, download.InterruptFileBlocked)
			})
		} else {
			c.reg.Update(id, func(r *download.Record) {
				r.OnContentCheckCompleted(download.DangerousFile, download.InterruptNone)
			})
		}
	}

	c.mu.Lock()
	c.settleLocked(id)
	c.mu.Unlock()
}

// shouldBlock is the blocking matrix behind the insecure-downloads escape
// hatch.
func (c *Coordinator) shouldBlock(dt download.DangerType, restriction policy.Restriction, fileTypeDangerous, requireChecks bool) bool {
	if c.allowInsecure {
		return false
	}

	return policy.ShouldBlock(dt, restriction, fileTypeDangerous, requireChecks)
}

// settleLocked marks the pass complete and releases the completion waiter
// exactly once. Called with the coordinator lock held.
func (c *Coordinator) settleLocked(id uint32) {
	st, ok := c.checks[id]
	if !ok {
		st = &checkState{startedAt: time.Now()}
		c.checks[id] = st
	}

	if st.complete {
		return
	}

	st.complete = true
	c.tel.ScanSettled(time.Since(st.startedAt))

	if c.gate.Release(id) {
		c.tel.RecordCompletionReleased(false)
	}
}

func (c *Coordinator) startDeepScan(ctx context.Context, rec download.Record) {
	if c.svc == nil {
		return
	}

	if err := c.svc.StartDeepScan(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to start deep scan", "err", err)
		c.tel.RecordSystemError("scanner", "deep_scan_failed")
	}
}

func (c *Coordinator) notifyBypass(ctx context.Context, rec download.Record, danger download.DangerType) {
	logger := logctx.LoggerFromContext(ctx)

	if c.svc != nil {
		if err := c.svc.NotifyBypass(ctx, rec, danger); err != nil {
			logger.Error("failed to notify scanner of bypass", "err", err)
		}
	}

	if err := c.reporter.Report(ctx, report.Event{
		Kind:       report.KindBypass,
		DownloadID: rec.ID,
		GUID:       rec.GUID,
		TargetPath: rec.TargetPath,
		DangerType: danger,
		At:         time.Now(),
	}); err != nil {
		logger.Error("failed to report bypass", "err", err)
	}
}

// reportBlockedOnce emits the structured blocked-download report, at most
// once per download even when a later verdict re-blocks it.
func (c *Coordinator) reportBlockedOnce(ctx context.Context, rec download.Record, v download.Verdict, dt download.DangerType, restriction policy.Restriction) {
	logger := logctx.LoggerFromContext(ctx)

	var alreadyReported bool

	rec, ok := c.reg.Update(rec.ID, func(r *download.Record) {
		alreadyReported = r.BlockReported
		r.BlockReported = true
	})
	if !ok || alreadyReported {
		return
	}

	if err := c.reporter.Report(ctx, report.Event{
		Kind:        report.KindBlocked,
		DownloadID:  rec.ID,
		GUID:        rec.GUID,
		TargetPath:  rec.TargetPath,
		DangerType:  dt,
		Verdict:     v,
		Restriction: restriction.String(),
		At:          time.Now(),
	}); err != nil {
		logger.Error("failed to report blocked download", "err", err)
	}
}

func savePackageRelevant(dt download.DangerType) bool {
	switch dt {
	case download.SensitiveContentWarning, download.SensitiveContentBlock,
		download.AsyncScanning, download.AsyncLocalPasswordScanning,
		download.DeepScannedSafe, download.DeepScannedFailed,
		download.BlockedScanFailed:
		return true
	}

	return false
}
