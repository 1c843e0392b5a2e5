package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	mu   sync.Mutex
	seen int
	fail bool
}

func (c *countingSink) Report(context.Context, Event) error {
	c.mu.Lock()
	c.seen++
	c.mu.Unlock()

	if c.fail {
		return errors.New("sink down")
	}

	return nil
}

func TestMultiDeliversToEverySink(t *testing.T) {
	a := &countingSink{}
	b := &countingSink{fail: true}
	c := &countingSink{}

	err := NewMulti(a, b, c).Report(context.Background(), Event{Kind: KindOpened})

	// One failing sink does not starve the others.
	require.Error(t, err)
	assert.Equal(t, 1, a.seen)
	assert.Equal(t, 1, b.seen)
	assert.Equal(t, 1, c.seen)
}

type memWriteRepo struct {
	records []storage.ReportRecord
}

func (m *memWriteRepo) AppendReport(_ context.Context, rec storage.ReportRecord) error {
	m.records = append(m.records, rec)

	return nil
}

func TestJournalReporterMapsEvents(t *testing.T) {
	repo := &memWriteRepo{}
	at := time.Now()

	err := NewJournalReporter(repo).Report(context.Background(), Event{
		Kind:        KindBlocked,
		DownloadID:  7,
		GUID:        "guid-7",
		TargetPath:  "/downloads/payload.bin",
		DangerType:  download.DangerousContent,
		Verdict:     download.VerdictDangerous,
		Restriction: "dangerous_files",
		At:          at,
	})
	require.NoError(t, err)

	require.Len(t, repo.records, 1)
	rec := repo.records[0]
	assert.Equal(t, "dangerous_download_blocked", rec.Kind)
	assert.Equal(t, uint32(7), rec.DownloadID)
	assert.Equal(t, "dangerous_content", rec.DangerType)
	assert.Equal(t, "dangerous", rec.Verdict)
	assert.Equal(t, at, rec.CreatedAt)
}

func TestDiscardDropsEverything(t *testing.T) {
	assert.NoError(t, Discard.Report(context.Background(), Event{Kind: KindBypass}))
}
