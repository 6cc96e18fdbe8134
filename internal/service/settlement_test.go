package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	settlecrypto "github.com/timepoint-ai/proteus-sub001/internal/crypto"
	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/engine"
	"github.com/timepoint-ai/proteus-sub001/internal/ledger"
	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
	"github.com/timepoint-ai/proteus-sub001/internal/payout"
	"github.com/timepoint-ai/proteus-sub001/internal/registry"
	"github.com/timepoint-ai/proteus-sub001/internal/store/memory"
	"github.com/timepoint-ai/proteus-sub001/internal/treasury"
)

var (
	owner     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	creator   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	community = common.HexToAddress("0x00000000000000000000000000000000000000cf")
	rep1      = common.HexToAddress("0x0000000000000000000000000000000000000011")
	rep2      = common.HexToAddress("0x0000000000000000000000000000000000000012")
	rep3      = common.HexToAddress("0x0000000000000000000000000000000000000013")

	evidence = domain.HashText("ipfs://evidence-bundle")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeBus struct {
	published []domain.Event
	streamed  int
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, _ []byte) error {
	b.streamed++
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) types() []domain.EventType {
	out := make([]domain.EventType, len(b.published))
	for i, ev := range b.published {
		out[i] = ev.Type
	}
	return out
}

type fakeLocks struct{ held map[string]bool }

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type fakeLimiter struct{ deny map[string]bool }

func (l *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	return !l.deny[key], nil
}

func eth(milli int64) *big.Int {
	out := new(big.Int).SetUint64(1_000_000_000_000_000) // 0.001 ETH
	return out.Mul(out, big.NewInt(milli))
}

func testSplit() domain.FeeSplit {
	return domain.FeeSplit{TotalBps: 250, ReporterBps: 100, OperatorBps: 75, CreatorBps: 50, CommunityBps: 25}
}

type fixture struct {
	clock   *fakeClock
	ledger  *ledger.Ledger
	bank    *treasury.Bank
	bus     *fakeBus
	locks   *fakeLocks
	limiter *fakeLimiter
	dist    *payout.Distributor
	stores  Stores
	svc     *Settlement
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := ledger.New(ledger.DefaultParams()).WithClock(clock.Now)
	bank := treasury.NewBank()
	reg := registry.NewStatic([]string{rep1.Hex(), rep2.Hex(), rep3.Hex()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	o := oracle.New(oracle.DefaultConfig(), reg, l, logger)
	dist := payout.New(payout.Config{Split: testSplit(), CommunityAddr: community}, l, bank, bank, reg, o, logger)
	ecfg := engine.DefaultConfig()
	ecfg.Owner = owner
	sm := engine.New(ecfg, l, bank, dist, logger)

	stores := Stores{
		Markets:     memory.NewMarketStore(),
		Submissions: memory.NewSubmissionStore(),
		Consensus:   memory.NewConsensusStore(),
		Payouts:     memory.NewPayoutStore(),
		Audit:       memory.NewAuditStore().WithClock(clock.Now),
	}
	bus := &fakeBus{}
	locks := &fakeLocks{held: make(map[string]bool)}
	limiter := &fakeLimiter{deny: make(map[string]bool)}

	svc := New(DefaultConfig(), l, sm, o, dist, logger).
		WithEscrow(bank).
		WithStores(stores).
		WithLocks(locks).
		WithRateLimiter(limiter).
		WithBus(bus)

	return &fixture{
		clock: clock, ledger: l, bank: bank, bus: bus,
		locks: locks, limiter: limiter, dist: dist, stores: stores, svc: svc,
	}
}

// TestFullSettlementLifecycle walks a market end to end: two staked
// predictions, reporter consensus on the real post, resolution by minimum
// edit distance, winner claim, and fee distribution.
func TestFullSettlementLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.CreateMarket(ctx, creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)

	subA, err := f.svc.SubmitPrediction(ctx, m.ID, alice, "hello world", eth(100))
	require.NoError(t, err)
	_, err = f.svc.SubmitPrediction(ctx, m.ID, bob, "hello there", eth(200))
	require.NoError(t, err)
	require.Equal(t, eth(300), f.bank.EscrowBalance())

	f.clock.Advance(25 * time.Hour)

	for _, rep := range []common.Address{rep1, rep2} {
		rec, aerr := f.svc.Attest(ctx, m.ID, rep, "hello world", evidence)
		require.NoError(t, aerr)
		require.False(t, rec.Reached)
	}
	rec, err := f.svc.Attest(ctx, m.ID, rep3, "hello world", evidence)
	require.NoError(t, err)
	require.True(t, rec.Reached)

	got, err := f.svc.Market(m.ID)
	require.NoError(t, err)
	require.True(t, got.Resolved)
	require.Equal(t, subA.ID, got.WinningSubmissionID)
	require.Equal(t, "hello world", got.CanonicalText)

	rcpt, err := f.svc.ClaimPayout(ctx, subA.ID)
	require.NoError(t, err)
	require.Equal(t, eth(300), rcpt.Pool)
	// fee = 0.3 ETH * 2.5% = 0.0075 ETH, conserved exactly.
	require.Equal(t, new(big.Int).SetUint64(7_500_000_000_000_000), rcpt.Fee)
	require.Equal(t, eth(300), new(big.Int).Add(rcpt.Fee, rcpt.Net))
	require.True(t, rcpt.Pushed)
	require.Equal(t, rcpt.Net, f.bank.BalanceOf(alice))

	// A reporter pulls their fee share through the service.
	share := f.svc.Balance(rep1)
	require.Positive(t, share.Sign())
	gotShare, err := f.svc.WithdrawRewards(ctx, rep1)
	require.NoError(t, err)
	require.Equal(t, share, gotShare)
	require.Equal(t, share, f.bank.BalanceOf(rep1))

	require.Equal(t, []domain.EventType{
		domain.EventMarketCreated,
		domain.EventSubmissionCreated,
		domain.EventSubmissionCreated,
		domain.EventConsensusReached,
		domain.EventMarketResolved,
		domain.EventPayoutClaimed,
		domain.EventFeesDistributed,
	}, f.bus.types())
	require.Equal(t, len(f.bus.published), f.bus.streamed)

	// Write-behind mirrors caught up.
	stored, err := f.stores.Markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, stored.Resolved)
	storedSub, err := f.stores.Submissions.GetByID(ctx, subA.ID)
	require.NoError(t, err)
	require.True(t, storedSub.Claimed)
	_, err = f.stores.Consensus.GetByMarket(ctx, m.ID)
	require.NoError(t, err)
	audit, err := f.stores.Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, len(f.bus.published))
}

func TestQuorumOnUncontestedMarketRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.CreateMarket(ctx, creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	_, err = f.svc.SubmitPrediction(ctx, m.ID, alice, "uncontested", eth(100))
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	for _, rep := range []common.Address{rep1, rep2, rep3} {
		_, err = f.svc.Attest(ctx, m.ID, rep, "the real post", evidence)
		require.NoError(t, err)
	}

	got, err := f.svc.Market(m.ID)
	require.NoError(t, err)
	require.True(t, got.Refunded)
	// Full stake back, no fee.
	require.Equal(t, eth(100), f.bank.BalanceOf(alice))
	require.Contains(t, f.bus.types(), domain.EventSingleSubmissionRefunded)
}

func TestSignedAttestation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.CreateMarket(ctx, creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	_, err = f.svc.SubmitPrediction(ctx, m.ID, alice, "a", eth(100))
	require.NoError(t, err)
	_, err = f.svc.SubmitPrediction(ctx, m.ID, bob, "b", eth(100))
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	// A signature from a key outside the registry recovers fine but is not
	// authorized to attest.
	stranger, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	sig, err := settlecrypto.SignAttestation(stranger, m.ID, domain.HashText("the real post"), evidence)
	require.NoError(t, err)
	_, err = f.svc.AttestSigned(ctx, m.ID, "the real post", evidence, sig)
	require.ErrorIs(t, err, domain.ErrReporterNotAuthorized)

	// Garbage signatures fail recovery outright.
	_, err = f.svc.AttestSigned(ctx, m.ID, "the real post", evidence, make([]byte, 10))
	require.Error(t, err)
}

func TestSubmitPrediction_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.CreateMarket(ctx, creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)

	f.limiter.deny["submit:"+alice.Hex()] = true
	_, err = f.svc.SubmitPrediction(ctx, m.ID, alice, "spam", eth(100))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	// The stake never reached escrow.
	require.Zero(t, f.bank.EscrowBalance().Sign())
}

func TestSubmitPrediction_FailureAfterEscrowCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.CreateMarket(ctx, creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)

	// Below minimum stake: the ledger rejects after escrow took the funds,
	// so the submitter gets a withdrawable credit instead.
	low := big.NewInt(1)
	_, err = f.svc.SubmitPrediction(ctx, m.ID, alice, "hello", low)
	require.ErrorIs(t, err, domain.ErrInsufficientStake)
	require.Equal(t, low, f.dist.Balance(alice))
}

func TestAttest_LockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.CreateMarket(ctx, creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	f.locks.held["lock:market:1"] = true
	_, err = f.svc.Attest(ctx, m.ID, rep1, "text", evidence)
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestSweepStalled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.CreateMarket(ctx, creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	_, err = f.svc.SubmitPrediction(ctx, m.ID, alice, "a", eth(100))
	require.NoError(t, err)
	_, err = f.svc.SubmitPrediction(ctx, m.ID, bob, "b", eth(100))
	require.NoError(t, err)

	require.Empty(t, f.svc.SweepStalled(ctx))

	f.clock.Advance(25 * time.Hour)
	reports := f.svc.SweepStalled(ctx)
	require.Len(t, reports, 1)
	require.Equal(t, m.ID, reports[0].MarketID)

	// Past the grace period the owner sweeps the stakes back.
	f.clock.Advance(7 * 24 * time.Hour)
	refunds, err := f.svc.EmergencyWithdraw(ctx, m.ID, owner)
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	require.Empty(t, f.svc.SweepStalled(ctx))
	require.Contains(t, f.bus.types(), domain.EventEmergencyWithdrawn)
}
