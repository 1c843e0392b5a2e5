package classify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/gate"
	"github.com/italolelis/download_gatekeeper/internal/policy"
	"github.com/italolelis/download_gatekeeper/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	submitFunc func(ctx context.Context, rec download.Record) (download.Verdict, bool, error)

	mu        sync.Mutex
	submits   int
	deepScans int
	bypasses  []download.DangerType
}

func (m *mockService) Submit(ctx context.Context, rec download.Record) (download.Verdict, bool, error) {
	m.mu.Lock()
	m.submits++
	m.mu.Unlock()

	if m.submitFunc != nil {
		return m.submitFunc(ctx, rec)
	}

	return "", true, nil
}

func (m *mockService) StartDeepScan(context.Context, download.Record) error {
	m.mu.Lock()
	m.deepScans++
	m.mu.Unlock()

	return nil
}

func (m *mockService) NotifyBypass(_ context.Context, _ download.Record, dt download.DangerType) error {
	m.mu.Lock()
	m.bypasses = append(m.bypasses, dt)
	m.mu.Unlock()

	return nil
}

type captureReporter struct {
	mu     sync.Mutex
	events []report.Event
}

func (c *captureReporter) Report(_ context.Context, ev report.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()

	return nil
}

func (c *captureReporter) byKind(kind report.Kind) []report.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []report.Event

	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

type fixture struct {
	reg      *download.Registry
	svc      *mockService
	reporter *captureReporter
	coord    *Coordinator
}

func newFixture(t *testing.T, svc *mockService, restriction policy.Restriction) *fixture {
	t.Helper()

	reg := download.NewRegistry()
	reporter := &captureReporter{}

	var service Service
	if svc != nil {
		service = svc
	}

	return &fixture{
		reg:      reg,
		svc:      svc,
		reporter: reporter,
		coord: NewCoordinator(
			reg,
			gate.New(),
			service,
			policy.StaticSource(restriction),
			reporter,
			nil,
			false,
			false,
		),
	}
}

func (f *fixture) addRecord(id uint32, mutate func(*download.Record)) download.Record {
	rec := download.NewRecord(id)
	rec.RequireSafetyChecks = true
	rec.TargetPath = "/downloads/payload.bin"

	if mutate != nil {
		mutate(rec)
	}

	f.reg.Add(rec)

	return *rec
}

func TestBeginSkipsWhenChecksNotRequired(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) { r.RequireSafetyChecks = false })

	ready := f.coord.Begin(context.Background(), 1, func() { t.Fatal("waiter must not be parked") })

	assert.True(t, ready)
	assert.Zero(t, f.svc.submits)
}

func TestBeginSkipsUnknownDownload(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)

	assert.True(t, f.coord.Begin(context.Background(), 404, func() {}))
}

func TestBeginSkipsTrustedSource(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) { r.FromTrustedSource = true })

	ready := f.coord.Begin(context.Background(), 1, func() { t.Fatal("waiter must not be parked") })

	assert.True(t, ready)
	assert.Zero(t, f.svc.submits)
}

func TestSynchronousSafeVerdictReleasesWaiter(t *testing.T) {
	svc := &mockService{
		submitFunc: func(context.Context, download.Record) (download.Verdict, bool, error) {
			return download.VerdictSafe, false, nil
		},
	}
	f := newFixture(t, svc, policy.RestrictNone)
	f.addRecord(1, nil)

	released := false
	ready := f.coord.Begin(context.Background(), 1, func() { released = true })

	assert.False(t, ready)
	assert.True(t, released)
	assert.True(t, f.coord.Resolved(1))

	rec, _ := f.reg.Get(1)
	assert.Equal(t, download.NotDangerous, rec.DangerType)
}

func TestAsyncScanHoldsWaiterUntilFinalVerdict(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, nil)

	released := 0
	ready := f.coord.Begin(context.Background(), 1, func() { released++ })
	require.False(t, ready)
	require.Zero(t, released)
	assert.True(t, f.coord.AwaitingVerdict(1))

	// Intermediate verdict keeps the waiter parked.
	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictAsyncScanning)
	require.True(t, applied)
	assert.Equal(t, download.AsyncScanning, rec.DangerType)
	assert.Zero(t, released)
	assert.False(t, f.coord.Resolved(1))

	// Final verdict releases it exactly once.
	rec, applied = f.coord.OnVerdict(context.Background(), 1, download.VerdictDeepScannedSafe)
	require.True(t, applied)
	assert.Equal(t, download.DeepScannedSafe, rec.DangerType)
	assert.Equal(t, 1, released)
	assert.True(t, f.coord.Resolved(1))
	assert.False(t, f.coord.AwaitingVerdict(1))

	// A duplicate final verdict changes nothing and fires nothing.
	rec, applied = f.coord.OnVerdict(context.Background(), 1, download.VerdictDangerous)
	require.True(t, applied)
	assert.Equal(t, download.DeepScannedSafe, rec.DangerType)
	assert.Equal(t, 1, released)
}

func TestVerdictForUnknownDownloadIsDropped(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)

	_, applied := f.coord.OnVerdict(context.Background(), 404, download.VerdictDangerous)

	assert.False(t, applied)
	assert.Empty(t, f.reporter.events)
}

func TestVerdictAfterInterruptIsDropped(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) {
		r.State = download.StateInterrupted
		r.DangerType = download.NotDangerous
	})

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictDangerous)

	assert.False(t, applied)
	assert.Equal(t, download.NotDangerous, rec.DangerType)
}

func TestBlockedVerdictInterruptsAndDowngrades(t *testing.T) {
	svc := &mockService{
		submitFunc: func(context.Context, download.Record) (download.Verdict, bool, error) {
			return "", true, nil
		},
	}
	f := newFixture(t, svc, policy.RestrictDangerousFiles)
	f.addRecord(1, nil)

	released := false
	require.False(t, f.coord.Begin(context.Background(), 1, func() { released = true }))

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictDangerous)
	require.True(t, applied)

	// The dangerous label never survives the block.
	assert.Equal(t, download.NotDangerous, rec.DangerType)
	assert.Equal(t, download.InterruptFileBlocked, rec.InterruptReason)
	assert.Equal(t, download.StateInterrupted, rec.State)
	assert.True(t, released)

	blocked := f.reporter.byKind(report.KindBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, download.VerdictDangerous, blocked[0].Verdict)
	assert.Equal(t, download.DangerousContent, blocked[0].DangerType)
	assert.Equal(t, "dangerous_files", blocked[0].Restriction)
}

func TestAlwaysBlockedVerdictKeepsItsDetail(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, nil)

	require.False(t, f.coord.Begin(context.Background(), 1, func() {}))

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictBlockedTooLarge)
	require.True(t, applied)

	assert.Equal(t, download.BlockedTooLarge, rec.DangerType)
	assert.Equal(t, download.StateInterrupted, rec.State)

	// No downgrade happened, so there is no separate blocked report.
	assert.Empty(t, f.reporter.byKind(report.KindBlocked))
}

func TestOpenedWhileScanningSurfacesBypass(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) {
		r.DangerType = download.AsyncScanning
		r.OpenedWhileScanning = true
	})

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictDangerous)
	require.True(t, applied)

	assert.Equal(t, download.DeepScannedOpenedDangerous, rec.DangerType)
	assert.Equal(t, download.StateInProgress, rec.State)

	require.Len(t, f.svc.bypasses, 1)
	assert.Equal(t, download.DangerousContent, f.svc.bypasses[0])

	bypass := f.reporter.byKind(report.KindBypass)
	require.Len(t, bypass, 1)
	assert.Equal(t, download.DangerousContent, bypass[0].DangerType)
}

func TestOpenedWhileScanningBenignVerdict(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) {
		r.DangerType = download.AsyncScanning
		r.OpenedWhileScanning = true
	})

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictSafe)
	require.True(t, applied)

	assert.Equal(t, download.NotDangerous, rec.DangerType)
	assert.Empty(t, f.svc.bypasses)
	assert.Empty(t, f.reporter.byKind(report.KindBypass))
}

func TestImmediateDeepScanMakesNoTransition(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, nil)

	released := false
	require.False(t, f.coord.Begin(context.Background(), 1, func() { released = true }))

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictImmediateDeepScan)
	require.True(t, applied)

	// Danger type untouched, waiter still parked, deep scan dispatched.
	assert.Equal(t, download.NotDangerous, rec.DangerType)
	assert.False(t, released)
	assert.False(t, f.coord.Resolved(1))
	assert.Equal(t, 1, f.svc.deepScans)
}

func TestAllowInsecureSuppressesVerdictBlocking(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictAllFiles)
	f.coord.allowInsecure = true
	f.addRecord(1, nil)

	released := false
	require.False(t, f.coord.Begin(context.Background(), 1, func() { released = true }))

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictSafe)
	require.True(t, applied)

	// all_files would interrupt even a safe verdict; the escape hatch lets
	// it through untouched.
	assert.Equal(t, download.NotDangerous, rec.DangerType)
	assert.Equal(t, download.InterruptNone, rec.InterruptReason)
	assert.Equal(t, download.StateInProgress, rec.State)
	assert.True(t, released)
	assert.Empty(t, f.reporter.byKind(report.KindBlocked))
}

func TestAllowInsecureSuppressesLocalFallbackBlocking(t *testing.T) {
	f := newFixture(t, nil, policy.RestrictDangerousFiles)
	f.coord.allowInsecure = true
	f.addRecord(1, func(r *download.Record) {
		r.FileDangerLevel = download.FileTypeDangerous
	})

	require.True(t, f.coord.Begin(context.Background(), 1, func() { t.Fatal("waiter must not be parked") }))

	rec, _ := f.reg.Get(1)
	assert.Equal(t, download.DangerousFile, rec.DangerType)
	assert.Equal(t, download.StateInProgress, rec.State)
	assert.Empty(t, f.reporter.byKind(report.KindBlocked))
}

func TestVerdictDuringSubmitReleasesWaiter(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.svc.submitFunc = func(ctx context.Context, rec download.Record) (download.Verdict, bool, error) {
		// The ingest surface can land the verdict before Submit returns; the
		// waiter must already be parked by then.
		f.coord.OnVerdict(ctx, rec.ID, download.VerdictSafe)

		return "", true, nil
	}
	f.addRecord(1, nil)

	released := false
	ready := f.coord.Begin(context.Background(), 1, func() { released = true })

	require.False(t, ready)
	assert.True(t, released)
	assert.True(t, f.coord.Resolved(1))
}

func TestScannerFailureFallsBackLocally(t *testing.T) {
	svc := &mockService{
		submitFunc: func(context.Context, download.Record) (download.Verdict, bool, error) {
			return "", false, errors.New("connection refused")
		},
	}
	f := newFixture(t, svc, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) {
		r.FileDangerLevel = download.FileTypeDangerous
	})

	released := false
	ready := f.coord.Begin(context.Background(), 1, func() { released = true })

	require.False(t, ready)
	assert.True(t, released)

	// Unavailable scanner plus intrinsically dangerous file type yields a
	// local dangerous-file decision instead of an open-ended wait.
	rec, _ := f.reg.Get(1)
	assert.Equal(t, download.DangerousFile, rec.DangerType)
	assert.Equal(t, download.StateInProgress, rec.State)
}

func TestScannerFailureFallbackBlocksUnderRestriction(t *testing.T) {
	svc := &mockService{
		submitFunc: func(context.Context, download.Record) (download.Verdict, bool, error) {
			return "", false, errors.New("connection refused")
		},
	}
	f := newFixture(t, svc, policy.RestrictDangerousFiles)
	f.addRecord(1, func(r *download.Record) {
		r.FileDangerLevel = download.FileTypeDangerous
	})

	released := false
	require.False(t, f.coord.Begin(context.Background(), 1, func() { released = true }))
	assert.True(t, released)

	rec, _ := f.reg.Get(1)
	assert.Equal(t, download.NotDangerous, rec.DangerType)
	assert.Equal(t, download.InterruptFileBlocked, rec.InterruptReason)
	assert.Len(t, f.reporter.byKind(report.KindBlocked), 1)
}

func TestDisabledServiceResolvesImmediately(t *testing.T) {
	f := newFixture(t, nil, policy.RestrictNone)
	f.addRecord(1, nil)

	ready := f.coord.Begin(context.Background(), 1, func() { t.Fatal("waiter must not be parked") })

	assert.True(t, ready)
	assert.True(t, f.coord.Resolved(1))

	rec, _ := f.reg.Get(1)
	assert.Equal(t, download.NotDangerous, rec.DangerType)
}

func TestDisabledServiceStillFlagsDangerousFileTypes(t *testing.T) {
	f := newFixture(t, nil, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) {
		r.FileDangerLevel = download.FileTypeDangerous
	})

	require.True(t, f.coord.Begin(context.Background(), 1, func() {}))

	rec, _ := f.reg.Get(1)
	assert.Equal(t, download.DangerousFile, rec.DangerType)
}

func TestRejoinAfterResolutionIsSynchronous(t *testing.T) {
	f := newFixture(t, nil, policy.RestrictNone)
	f.addRecord(1, nil)

	require.True(t, f.coord.Begin(context.Background(), 1, func() {}))

	// Second completion attempt finds the check already settled.
	assert.True(t, f.coord.Begin(context.Background(), 1, func() { t.Fatal("waiter must not be parked") }))
}

func TestDestroyedDownloadDropsWaiterUnfired(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, nil)

	require.False(t, f.coord.Begin(context.Background(), 1, func() { t.Fatal("waiter must never fire") }))

	f.coord.OnDownloadDestroyed(1)
	f.reg.Remove(1)

	_, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictSafe)
	assert.False(t, applied)
}

func TestSavePackageIgnoresIrrelevantVerdicts(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) {
		r.IsSavePackage = true
	})

	require.False(t, f.coord.Begin(context.Background(), 1, func() {}))

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictDangerousHost)
	require.True(t, applied)
	assert.Equal(t, download.NotDangerous, rec.DangerType)
}

func TestSavePackageTakesSensitiveVerdicts(t *testing.T) {
	f := newFixture(t, &mockService{}, policy.RestrictNone)
	f.addRecord(1, func(r *download.Record) {
		r.IsSavePackage = true
	})

	require.False(t, f.coord.Begin(context.Background(), 1, func() {}))

	rec, applied := f.coord.OnVerdict(context.Background(), 1, download.VerdictSensitiveContentBlock)
	require.True(t, applied)
	assert.Equal(t, download.SensitiveContentBlock, rec.DangerType)
	assert.Equal(t, download.StateInterrupted, rec.State)
}
