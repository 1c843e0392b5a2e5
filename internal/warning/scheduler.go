// Package warning bounds the lifetime of ignorable download warnings. A
// warning the user can dismiss forever is armed with a timer; when it fires
// and the warning is still showing, the download is cancelled on the user's
// behalf.
package warning

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/logctx"
	"github.com/italolelis/download_gatekeeper/internal/report"
	"github.com/italolelis/download_gatekeeper/internal/telemetry"
)

// Scheduler arms at most one timer per download GUID. Timers are keyed by
// GUID rather than numeric id because ids are recycled across sessions while
// GUIDs are not; a timer firing after the download changed identity must hit
// nothing.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	reg      *download.Registry
	reporter report.Reporter
	tel      *telemetry.Telemetry
	lifetime time.Duration

	baseCtx context.Context
}

func NewScheduler(
	ctx context.Context,
	reg *download.Registry,
	reporter report.Reporter,
	tel *telemetry.Telemetry,
	lifetime time.Duration,
) *Scheduler {
	return &Scheduler{
		timers:   make(map[string]*time.Timer),
		reg:      reg,
		reporter: reporter,
		tel:      tel,
		lifetime: lifetime,
		baseCtx:  ctx,
	}
}

// Arm starts (or restarts) the auto-cancel timer for a download currently
// showing an ephemeral warning. Arming a GUID that already has a timer
// resets the clock.
func (s *Scheduler) Arm(ctx context.Context, rec download.Record) {
	if !rec.DangerType.IsEphemeralWarning() || rec.GUID == "" {
		return
	}

	logctx.LoggerFromContext(ctx).Debug("arming ephemeral warning timer",
		"guid", rec.GUID,
		"danger_type", rec.DangerType,
		"lifetime", s.lifetime,
	)

	guid := rec.GUID

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[guid]; ok {
		t.Stop()
	}

	s.timers[guid] = time.AfterFunc(s.lifetime, func() {
		s.expire(guid)
	})
}

// Disarm stops the timer for a GUID, if one is armed. Disarming an unknown
// GUID is a no-op, so callers can disarm unconditionally on every state
// change away from a warning.
func (s *Scheduler) Disarm(guid string) {
	s.mu.Lock()
	t, ok := s.timers[guid]
	if ok {
		t.Stop()
		delete(s.timers, guid)
	}
	s.mu.Unlock()

	if ok {
		s.tel.RecordWarningCancellation("disarmed")
	}
}

// Armed reports whether a timer is currently pending for the GUID.
func (s *Scheduler) Armed(guid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.timers[guid]

	return ok
}

// SweepAll cancels every in-progress download still showing an ephemeral
// warning. Runs once when the download manager initializes: warnings from a
// previous session have already outlived any reasonable lifetime.
func (s *Scheduler) SweepAll(ctx context.Context) int {
	swept := 0

	for _, rec := range s.reg.All() {
		if rec.State == download.StateInProgress && rec.DangerType.IsEphemeralWarning() {
			s.cancelExpired(ctx, rec.GUID)
			swept++
		}
	}

	if swept > 0 {
		logctx.LoggerFromContext(ctx).Info("swept stale ephemeral warnings", "count", swept)
	}

	return swept
}

// Stop discards all pending timers without cancelling their downloads. Used
// on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for guid, t := range s.timers {
		t.Stop()
		delete(s.timers, guid)
	}
}

// expire runs when a timer fires. The warning may have been acted on (or the
// download destroyed) between arming and firing, so every condition is
// re-checked against the live record.
func (s *Scheduler) expire(guid string) {
	s.mu.Lock()
	delete(s.timers, guid)
	s.mu.Unlock()

	s.cancelExpired(s.baseCtx, guid)
}

func (s *Scheduler) cancelExpired(ctx context.Context, guid string) {
	logger := logctx.LoggerFromContext(ctx)

	rec, ok := s.reg.GetByGUID(guid)
	if !ok {
		return
	}

	if rec.State != download.StateInProgress || !rec.DangerType.IsEphemeralWarning() {
		s.tel.RecordWarningCancellation("stale")

		return
	}

	rec, _ = s.reg.UpdateByGUID(guid, func(r *download.Record) {
		r.State = download.StateCancelled
	})

	logger.Info("ephemeral warning expired, download cancelled",
		"guid", guid,
		"danger_type", rec.DangerType,
	)
	s.tel.RecordWarningCancellation("timeout")

	if err := s.reporter.Report(ctx, report.Event{
		Kind:       report.KindCanceledByTimeout,
		DownloadID: rec.ID,
		GUID:       rec.GUID,
		TargetPath: rec.TargetPath,
		DangerType: rec.DangerType,
		At:         time.Now(),
	}); err != nil {
		logger.Error("failed to report timed-out warning", "err", err)
	}
}
