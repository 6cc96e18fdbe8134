package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/ledger"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	rep1    = common.HexToAddress("0x0000000000000000000000000000000000000011")
	rep2    = common.HexToAddress("0x0000000000000000000000000000000000000012")
	rep3    = common.HexToAddress("0x0000000000000000000000000000000000000013")
	rep4    = common.HexToAddress("0x0000000000000000000000000000000000000014")
	rogue   = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	evidence = domain.HashText("ipfs://evidence-bundle")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type stubRegistry struct {
	active map[common.Address]bool
	err    error
}

func (r *stubRegistry) IsActiveNode(_ context.Context, addr common.Address) (bool, error) {
	return r.active[addr], r.err
}

func (r *stubRegistry) ActiveNodes(_ context.Context) ([]common.Address, error) {
	var out []common.Address
	for a, ok := range r.active {
		if ok {
			out = append(out, a)
		}
	}
	return out, r.err
}

type recordingResolver struct {
	marketID uint64
	text     string
	calls    int
	err      error
}

func (r *recordingResolver) ResolveMarket(_ context.Context, marketID uint64, text string) error {
	r.calls++
	r.marketID = marketID
	r.text = text
	return r.err
}

type fixture struct {
	clock    *fakeClock
	ledger   *ledger.Ledger
	resolver *recordingResolver
	oracle   *Oracle
	market   domain.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := ledger.New(ledger.DefaultParams()).WithClock(clock.Now)
	reg := &stubRegistry{active: map[common.Address]bool{rep1: true, rep2: true, rep3: true, rep4: true}}
	resolver := &recordingResolver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(DefaultConfig(), reg, l, logger).WithResolver(resolver)

	m, err := l.CreateMarket(creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	st := new(big.Int).SetUint64(10_000_000_000_000_000)
	_, err = l.CreateSubmission(m.ID, rep1, "guess one", st)
	require.NoError(t, err)
	_, err = l.CreateSubmission(m.ID, rep2, "guess two", st)
	require.NoError(t, err)

	return &fixture{clock: clock, ledger: l, resolver: resolver, oracle: o, market: m}
}

func TestAttest_AuthorizationAndTiming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.oracle.Attest(ctx, f.market.ID, rogue, "the real post", evidence)
	require.ErrorIs(t, err, domain.ErrReporterNotAuthorized)

	_, err = f.oracle.Attest(ctx, f.market.ID, rep1, "the real post", evidence)
	require.ErrorIs(t, err, domain.ErrMarketNotEnded)

	_, err = f.oracle.Attest(ctx, 99, rep1, "the real post", evidence)
	require.ErrorIs(t, err, domain.ErrMarketNotFound)

	f.clock.Advance(25 * time.Hour)
	rec, err := f.oracle.Attest(ctx, f.market.ID, rep1, "the real post", evidence)
	require.NoError(t, err)
	require.Len(t, rec.Attestors, 1)
	require.False(t, rec.Reached)
}

func TestAttest_OncePerReporter(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(25 * time.Hour)
	ctx := context.Background()

	_, err := f.oracle.Attest(ctx, f.market.ID, rep1, "the real post", evidence)
	require.NoError(t, err)
	_, err = f.oracle.Attest(ctx, f.market.ID, rep1, "the real post", evidence)
	require.ErrorIs(t, err, domain.ErrAlreadyAttested)
}

func TestAttest_MismatchRejectedNotMerged(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(25 * time.Hour)
	ctx := context.Background()

	_, err := f.oracle.Attest(ctx, f.market.ID, rep1, "the real post", evidence)
	require.NoError(t, err)

	// Different text: rejected, tallied as a rival attempt.
	_, err = f.oracle.Attest(ctx, f.market.ID, rep2, "a different narrative", evidence)
	require.ErrorIs(t, err, domain.ErrAttestationMismatch)

	// Same text but different evidence: also a mismatch.
	_, err = f.oracle.Attest(ctx, f.market.ID, rep3, "the real post", domain.HashText("other-evidence"))
	require.ErrorIs(t, err, domain.ErrAttestationMismatch)

	rec, err := f.oracle.Record(f.market.ID)
	require.NoError(t, err)
	require.Len(t, rec.Attestors, 1)
	require.Equal(t, 1, rec.RivalAttempts[domain.HashText("a different narrative")])
	require.Equal(t, 1, rec.RivalAttempts[domain.HashText("the real post")])
	require.False(t, rec.Reached)
}

func TestAttest_QuorumTriggersResolution(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(25 * time.Hour)
	ctx := context.Background()

	for _, rep := range []common.Address{rep1, rep2} {
		rec, err := f.oracle.Attest(ctx, f.market.ID, rep, "the real post", evidence)
		require.NoError(t, err)
		require.False(t, rec.Reached)
		require.Zero(t, f.resolver.calls)
	}

	rec, err := f.oracle.Attest(ctx, f.market.ID, rep3, "the real post", evidence)
	require.NoError(t, err)
	require.True(t, rec.Reached)
	require.Equal(t, 1, f.resolver.calls)
	require.Equal(t, f.market.ID, f.resolver.marketID)
	require.Equal(t, "the real post", f.resolver.text)

	reporters, err := f.oracle.Reporters(ctx, f.market.ID)
	require.NoError(t, err)
	require.Equal(t, []common.Address{rep1, rep2, rep3}, reporters)
}

func TestAttest_ResolverFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(25 * time.Hour)
	ctx := context.Background()
	f.resolver.err = errors.New("settlement rejected")

	_, err := f.oracle.Attest(ctx, f.market.ID, rep1, "the real post", evidence)
	require.NoError(t, err)
	_, err = f.oracle.Attest(ctx, f.market.ID, rep2, "the real post", evidence)
	require.NoError(t, err)
	rec, err := f.oracle.Attest(ctx, f.market.ID, rep3, "the real post", evidence)
	require.Error(t, err)
	// Consensus itself stands even when settlement fails.
	require.True(t, rec.Reached)
}

func TestReporters_BeforeQuorum(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(25 * time.Hour)
	_, err := f.oracle.Attest(context.Background(), f.market.ID, rep1, "the real post", evidence)
	require.NoError(t, err)

	_, err = f.oracle.Reporters(context.Background(), f.market.ID)
	require.ErrorIs(t, err, domain.ErrConsensusNotReached)
}

func TestStalled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Not ended yet: not stalled.
	_, stalled := f.oracle.Stalled(f.market.ID)
	require.False(t, stalled)

	f.clock.Advance(25 * time.Hour)

	// Ended with no attestations at all.
	report, stalled := f.oracle.Stalled(f.market.ID)
	require.True(t, stalled)
	require.Zero(t, report.Attestors)

	_, err := f.oracle.Attest(ctx, f.market.ID, rep1, "the real post", evidence)
	require.NoError(t, err)
	_, err = f.oracle.Attest(ctx, f.market.ID, rep2, "a different narrative", evidence)
	require.ErrorIs(t, err, domain.ErrAttestationMismatch)

	report, stalled = f.oracle.Stalled(f.market.ID)
	require.True(t, stalled)
	require.Equal(t, 1, report.Attestors)
	require.Equal(t, 1, report.RivalAttempts)

	// Quorum clears the stall.
	for _, rep := range []common.Address{rep3, rep4} {
		_, err = f.oracle.Attest(ctx, f.market.ID, rep, "the real post", evidence)
		require.NoError(t, err)
	}
	_, stalled = f.oracle.Stalled(f.market.ID)
	require.False(t, stalled)
}
