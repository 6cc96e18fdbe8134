package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
	"github.com/timepoint-ai/proteus-sub001/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBlobArchiver struct {
	settled  int64
	audits   int64
	evidence []uint64
	evErr    error
}

func (f *fakeBlobArchiver) ArchiveSettled(context.Context, time.Time) (int64, error) {
	return f.settled, nil
}

func (f *fakeBlobArchiver) ArchiveAudit(context.Context, time.Time) (int64, error) {
	return f.audits, nil
}

func (f *fakeBlobArchiver) ArchiveEvidence(_ context.Context, marketID uint64) error {
	if f.evErr != nil {
		return f.evErr
	}
	f.evidence = append(f.evidence, marketID)
	return nil
}

func TestArchiverRunExportsEvidencePerSettledMarket(t *testing.T) {
	markets := memory.NewMarketStore()
	past := time.Now().UTC().Add(-200 * 24 * time.Hour)
	require.NoError(t, markets.Upsert(context.Background(), domain.Market{
		ID: 1, SubjectHandle: "@nasa", EndTime: past, Resolved: true,
	}))
	require.NoError(t, markets.Upsert(context.Background(), domain.Market{
		ID: 2, SubjectHandle: "@spacex", EndTime: time.Now().UTC().Add(time.Hour),
	}))

	blob := &fakeBlobArchiver{settled: 1, audits: 4}
	a := NewArchiver(blob, markets, 90, testLogger())

	require.NoError(t, a.Run(context.Background()))
	require.Equal(t, []uint64{1}, blob.evidence)
}

func TestArchiverRunSkipsMissingEvidence(t *testing.T) {
	markets := memory.NewMarketStore()
	past := time.Now().UTC().Add(-200 * 24 * time.Hour)
	require.NoError(t, markets.Upsert(context.Background(), domain.Market{
		ID: 1, SubjectHandle: "@nasa", EndTime: past, Refunded: true,
	}))

	blob := &fakeBlobArchiver{evErr: domain.ErrNotFound}
	a := NewArchiver(blob, markets, 90, testLogger())

	require.NoError(t, a.Run(context.Background()))
	require.Empty(t, blob.evidence)
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	next, err := nextCronTime("0 3 * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 11, 3, 0, 0, 0, time.UTC), next)

	next, err = nextCronTime("0 3 1 * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), next)

	next, err = nextCronTime("15,45 * * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 10, 14, 45, 0, 0, time.UTC), next)

	_, err = nextCronTime("bogus", after)
	require.Error(t, err)
}

type fakeStallSource struct {
	reports []oracle.StallReport
}

func (f *fakeStallSource) SweepStalled(context.Context) []oracle.StallReport {
	return f.reports
}

type fakeAlerter struct {
	events []string
}

func (f *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	f.events = append(f.events, event)
	return nil
}

func TestSweeperAlertsPerStalledMarket(t *testing.T) {
	src := &fakeStallSource{reports: []oracle.StallReport{
		{MarketID: 1, Attestors: 2, RivalAttempts: 1, OpenSince: time.Now().Add(-time.Hour)},
		{MarketID: 2, Attestors: 1, OpenSince: time.Now().Add(-2 * time.Hour)},
	}}
	alerter := &fakeAlerter{}

	NewSweeper(src, alerter, testLogger()).Sweep(context.Background())
	require.Equal(t, []string{"market_stalled", "market_stalled"}, alerter.events)

	// No reports, no alerts.
	alerter.events = nil
	NewSweeper(&fakeStallSource{}, alerter, testLogger()).Sweep(context.Background())
	require.Empty(t, alerter.events)
}
