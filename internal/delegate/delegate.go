// Package delegate composes the admission pipeline: the taxonomy, the
// blocking policy, the classification coordinator, the completion gate and
// the ephemeral warning scheduler, behind the surface the host download
// manager talks to.
package delegate

import (
	"context"
	"time"

	"github.com/italolelis/download_gatekeeper/internal/classify"
	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/logctx"
	"github.com/italolelis/download_gatekeeper/internal/policy"
	"github.com/italolelis/download_gatekeeper/internal/report"
	"github.com/italolelis/download_gatekeeper/internal/telemetry"
	"github.com/italolelis/download_gatekeeper/internal/warning"
)

// ConfirmationReason says why the host is asking the user about a target.
type ConfirmationReason string

const (
	ReasonSaveAs                 ConfirmationReason = "save_as"
	ReasonPreference             ConfirmationReason = "preference"
	ReasonTargetConflict         ConfirmationReason = "target_conflict"
	ReasonTargetNoSpace          ConfirmationReason = "target_no_space"
	ReasonTargetPathNotWriteable ConfirmationReason = "target_path_not_writeable"
	ReasonNameTooLong            ConfirmationReason = "name_too_long"
	ReasonUnexpected             ConfirmationReason = "unexpected"
)

// ConfirmationResult is the user's answer. Target acceptance does not
// proceed until one of these comes back.
type ConfirmationResult string

const (
	ResultConfirmed                   ConfirmationResult = "confirmed"
	ResultConfirmedWithDialog         ConfirmationResult = "confirmed_with_dialog"
	ResultContinueWithoutConfirmation ConfirmationResult = "continue_without_confirmation"
	ResultCanceled                    ConfirmationResult = "canceled"
	ResultFailed                      ConfirmationResult = "failed"
)

// ConfirmationUI prompts the user about a download target. The returned path
// replaces the record's target when non-empty.
type ConfirmationUI interface {
	RequestConfirmation(ctx context.Context, rec download.Record, reason ConfirmationReason) (ConfirmationResult, string, error)
}

// AutoConfirm accepts every target unchanged. Used when no UI is wired in.
type AutoConfirm struct{}

func (AutoConfirm) RequestConfirmation(_ context.Context, rec download.Record, _ ConfirmationReason) (ConfirmationResult, string, error) {
	return ResultContinueWithoutConfirmation, rec.TargetPath, nil
}

// Deobfuscator rewrites an obfuscated payload in place before the bytes may
// be released. A nil Deobfuscator means payloads are never obfuscated.
type Deobfuscator interface {
	Deobfuscate(ctx context.Context, rec download.Record) error
}

// Delegate is the orchestrator.
type Delegate struct {
	reg      *download.Registry
	coord    *classify.Coordinator
	sched    *warning.Scheduler
	reporter report.Reporter
	tel      *telemetry.Telemetry
	policies policy.Source

	confirmUI    ConfirmationUI
	deobfuscator Deobfuscator

	// allowInsecure disables blocking entirely. Config escape hatch.
	allowInsecure bool
}

type Option func(*Delegate)

func WithConfirmationUI(ui ConfirmationUI) Option {
	return func(d *Delegate) { d.confirmUI = ui }
}

func WithDeobfuscator(de Deobfuscator) Option {
	return func(d *Delegate) { d.deobfuscator = de }
}

func WithAllowInsecureDownloads(allow bool) Option {
	return func(d *Delegate) { d.allowInsecure = allow }
}

func New(
	reg *download.Registry,
	coord *classify.Coordinator,
	sched *warning.Scheduler,
	reporter report.Reporter,
	tel *telemetry.Telemetry,
	policies policy.Source,
	opts ...Option,
) *Delegate {
	d := &Delegate{
		reg:       reg,
		coord:     coord,
		sched:     sched,
		reporter:  reporter,
		tel:       tel,
		policies:  policies,
		confirmUI: AutoConfirm{},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Register adds a download to the pipeline's registry.
func (d *Delegate) Register(ctx context.Context, rec *download.Record) download.Record {
	d.reg.Add(rec)
	logctx.LoggerFromContext(ctx).Info("download registered",
		"id", rec.ID,
		"guid", rec.GUID,
		"target_path", rec.TargetPath,
	)

	return *rec
}

// DetermineIfReadyForCompletion decides whether the download's bytes may be
// released now. Returns true when they may; returns false after parking
// onReady, which fires exactly once when the outstanding obligation (a
// pending verdict, or a deobfuscation pass) resolves.
func (d *Delegate) DetermineIfReadyForCompletion(ctx context.Context, id uint32, onReady func()) bool {
	ctx = logctx.WithDownload(ctx, id, "")

	rec, ok := d.reg.Get(id)
	if !ok {
		return true
	}

	if rec.DangerType == download.UserValidated && rec.Obfuscated && d.deobfuscator != nil {
		// Claim the flag first so a second completion attempt does not run
		// the rewrite twice.
		rec, claimed := d.reg.Update(id, func(r *download.Record) {
			r.Obfuscated = false
		})
		if claimed {
			go d.deobfuscate(ctx, rec, onReady)

			return false
		}
	}

	return d.coord.Begin(ctx, id, func() {
		d.syncWarningTimer(ctx, id)
		onReady()
	})
}

func (d *Delegate) deobfuscate(ctx context.Context, rec download.Record, onReady func()) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("deobfuscating payload before completion", "guid", rec.GUID)

	if err := d.deobfuscator.Deobfuscate(ctx, rec); err != nil {
		logger.Error("deobfuscation failed", "err", err)
		d.tel.RecordSystemError("deobfuscator", "rewrite_failed")
	}

	onReady()
}

// CompletionPending reports whether an earlier completion request is still
// parked waiting on its verdict.
func (d *Delegate) CompletionPending(id uint32) bool {
	return d.coord.AwaitingVerdict(id)
}

// OnVerdict delivers one scanner verdict and keeps the warning timer in step
// with the resulting danger type.
func (d *Delegate) OnVerdict(ctx context.Context, id uint32, v download.Verdict) (download.Record, bool) {
	ctx = logctx.WithDownload(ctx, id, "")

	rec, applied := d.coord.OnVerdict(ctx, id, v)
	if applied {
		d.syncWarningTimer(ctx, id)
	}

	return rec, applied
}

// ShouldBlockFile is the policy matrix with the config escape hatch applied.
func (d *Delegate) ShouldBlockFile(dt download.DangerType, rec download.Record) bool {
	if d.allowInsecure {
		return false
	}

	return policy.ShouldBlock(
		dt,
		d.policies.DownloadRestriction(),
		rec.FileDangerLevel != download.FileTypeNotDangerous,
		rec.RequireSafetyChecks,
	)
}

// RequestConfirmation prompts the user about a target and applies a
// replacement path when one comes back.
func (d *Delegate) RequestConfirmation(ctx context.Context, id uint32, reason ConfirmationReason) (ConfirmationResult, error) {
	rec, ok := d.reg.Get(id)
	if !ok {
		return ResultFailed, nil
	}

	result, newPath, err := d.confirmUI.RequestConfirmation(ctx, rec, reason)
	if err != nil {
		return ResultFailed, err
	}

	switch result {
	case ResultCanceled:
		d.Cancel(ctx, id)
	case ResultConfirmed, ResultConfirmedWithDialog, ResultContinueWithoutConfirmation:
		if newPath != "" && newPath != rec.TargetPath {
			d.reg.Update(id, func(r *download.Record) {
				r.TargetPath = newPath
			})
		}
	}

	return result, nil
}

// OnDownloadOpened records that the user opened the file. Opening during an
// async scan changes how the eventual verdict is surfaced; opening a warned
// download counts as acting on the warning.
func (d *Delegate) OnDownloadOpened(ctx context.Context, id uint32) {
	ctx = logctx.WithDownload(ctx, id, "")
	logger := logctx.LoggerFromContext(ctx)

	rec, ok := d.reg.Update(id, func(r *download.Record) {
		if r.IsActivelyScanning() {
			r.OpenedWhileScanning = true
		}
	})
	if !ok {
		return
	}

	d.sched.Disarm(rec.GUID)

	if err := d.reporter.Report(ctx, report.Event{
		Kind:       report.KindOpened,
		DownloadID: rec.ID,
		GUID:       rec.GUID,
		TargetPath: rec.TargetPath,
		DangerType: rec.DangerType,
		At:         time.Now(),
	}); err != nil {
		logger.Error("failed to report download opened", "err", err)
	}
}

// ValidateDangerousDownload applies the user's decision to keep a dangerous
// download. The danger type becomes terminal and the warning timer is
// disarmed.
func (d *Delegate) ValidateDangerousDownload(ctx context.Context, id uint32) (download.Record, bool) {
	rec, ok := d.reg.Update(id, func(r *download.Record) {
		r.DangerType = download.UserValidated
	})
	if !ok {
		return download.Record{}, false
	}

	d.sched.Disarm(rec.GUID)
	logctx.LoggerFromContext(ctx).Info("dangerous download validated by user",
		"id", id, "guid", rec.GUID)

	return rec, true
}

// Cancel cancels a download on the user's behalf.
func (d *Delegate) Cancel(ctx context.Context, id uint32) {
	ctx = logctx.WithDownload(ctx, id, "")
	logger := logctx.LoggerFromContext(ctx)

	rec, ok := d.reg.Update(id, func(r *download.Record) {
		r.State = download.StateCancelled
	})
	if !ok {
		return
	}

	d.sched.Disarm(rec.GUID)
	d.coord.OnDownloadDestroyed(id)

	if err := d.reporter.Report(ctx, report.Event{
		Kind:       report.KindCanceled,
		DownloadID: rec.ID,
		GUID:       rec.GUID,
		TargetPath: rec.TargetPath,
		DangerType: rec.DangerType,
		At:         time.Now(),
	}); err != nil {
		logger.Error("failed to report cancellation", "err", err)
	}
}

// OnDownloadDestroyed removes every trace of a download. Parked waiters are
// dropped unfired; delayed tasks arriving later miss their lookups and
// no-op.
func (d *Delegate) OnDownloadDestroyed(ctx context.Context, id uint32) {
	rec, ok := d.reg.Get(id)
	if ok {
		d.sched.Disarm(rec.GUID)
	}

	d.coord.OnDownloadDestroyed(id)
	d.reg.Remove(id)
	logctx.LoggerFromContext(ctx).Debug("download destroyed", "id", id)
}

// OnManagerInitialized runs once when the host download manager comes up.
// Ephemeral warnings surviving from a previous session are cancelled
// immediately: they have outlived any reasonable lifetime.
func (d *Delegate) OnManagerInitialized(ctx context.Context) {
	d.sched.SweepAll(ctx)
}

// ScheduleEphemeralWarningTimeout arms the auto-cancel timer for a warned
// download. No-op unless the current danger type is an ephemeral warning.
func (d *Delegate) ScheduleEphemeralWarningTimeout(ctx context.Context, guid string) {
	rec, ok := d.reg.GetByGUID(guid)
	if !ok {
		return
	}

	d.sched.Arm(ctx, rec)
}

// CancelEphemeralWarningTimeout disarms the timer, if armed.
func (d *Delegate) CancelEphemeralWarningTimeout(guid string) {
	d.sched.Disarm(guid)
}

// syncWarningTimer keeps the timer consistent with the record's state: armed
// exactly while an in-progress download shows an ephemeral warning.
func (d *Delegate) syncWarningTimer(ctx context.Context, id uint32) {
	rec, ok := d.reg.Get(id)
	if !ok {
		return
	}

	if rec.State == download.StateInProgress && rec.DangerType.IsEphemeralWarning() {
		d.sched.Arm(ctx, rec)
	} else {
		d.sched.Disarm(rec.GUID)
	}
}
