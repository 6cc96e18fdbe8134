package payout

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
	creator   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	community = common.HexToAddress("0x00000000000000000000000000000000000000cf")
	rep1      = common.HexToAddress("0x0000000000000000000000000000000000000011")
	rep2      = common.HexToAddress("0x0000000000000000000000000000000000000012")
	rep3      = common.HexToAddress("0x0000000000000000000000000000000000000013")
	op1       = common.HexToAddress("0x0000000000000000000000000000000000000021")
	op2       = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeTreasury struct {
	transfers map[common.Address]*big.Int
	failFor   map[common.Address]bool
}

func newFakeTreasury() *fakeTreasury {
	return &fakeTreasury{
		transfers: make(map[common.Address]*big.Int),
		failFor:   make(map[common.Address]bool),
	}
}

func (t *fakeTreasury) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	if t.failFor[to] {
		return errors.New("transfer rejected")
	}
	if _, ok := t.transfers[to]; !ok {
		t.transfers[to] = new(big.Int)
	}
	t.transfers[to].Add(t.transfers[to], amount)
	return nil
}

type fakeSink struct {
	deposited *big.Int
	err       error
}

func (s *fakeSink) Deposit(_ context.Context, amount *big.Int) error {
	if s.err != nil {
		return s.err
	}
	if s.deposited == nil {
		s.deposited = new(big.Int)
	}
	s.deposited.Add(s.deposited, amount)
	return nil
}

type stubRegistry struct {
	nodes []common.Address
	err   error
}

func (r *stubRegistry) IsActiveNode(_ context.Context, addr common.Address) (bool, error) {
	for _, n := range r.nodes {
		if n == addr {
			return true, r.err
		}
	}
	return false, r.err
}

func (r *stubRegistry) ActiveNodes(_ context.Context) ([]common.Address, error) {
	return r.nodes, r.err
}

type stubReporters struct {
	set []common.Address
	err error
}

func (s *stubReporters) Reporters(_ context.Context, _ uint64) ([]common.Address, error) {
	return s.set, s.err
}

func stake(units int64) *big.Int {
	return new(big.Int).SetUint64(uint64(units) * 10_000_000_000_000_000)
}

func testSplit() domain.FeeSplit {
	return domain.FeeSplit{
		TotalBps:     250,
		ReporterBps:  100,
		OperatorBps:  75,
		CreatorBps:   50,
		CommunityBps: 25,
	}
}

type fixture struct {
	clock     *fakeClock
	ledger    *ledger.Ledger
	treasury  *fakeTreasury
	sink      *fakeSink
	registry  *stubRegistry
	reporters *stubReporters
	dist      *Distributor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, testSplit().Validate())
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := ledger.New(ledger.DefaultParams()).WithClock(clock.Now)
	treasury := newFakeTreasury()
	sink := &fakeSink{}
	reg := &stubRegistry{nodes: []common.Address{op1, op2}}
	reps := &stubReporters{set: []common.Address{rep1, rep2, rep3}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{Split: testSplit(), CommunityAddr: community}
	return &fixture{
		clock:     clock,
		ledger:    l,
		treasury:  treasury,
		sink:      sink,
		registry:  reg,
		reporters: reps,
		dist:      New(cfg, l, treasury, sink, reg, reps, logger),
	}
}

// resolvedMarket sets up a two-submission market with bob as the winner.
func (f *fixture) resolvedMarket(t *testing.T) (domain.Market, uint64) {
	t.Helper()
	m, err := f.ledger.CreateMarket(creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	_, err = f.ledger.CreateSubmission(m.ID, alice, "hello there", stake(1))
	require.NoError(t, err)
	win, err := f.ledger.CreateSubmission(m.ID, bob, "hello world", stake(2))
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	err = f.ledger.Mutate(m.ID, func(mkt *domain.Market, subs []*domain.Submission) error {
		mkt.Resolved = true
		mkt.CanonicalText = "hello world"
		mkt.WinningSubmissionID = win.ID
		for _, s := range subs {
			if s.ID == win.ID {
				s.IsWinner = true
			}
		}
		return nil
	})
	require.NoError(t, err)
	return m, win.ID
}

func TestClaimPayout_FeeConservation(t *testing.T) {
	f := newFixture(t)
	m, winID := f.resolvedMarket(t)

	rcpt, err := f.dist.ClaimPayout(context.Background(), winID)
	require.NoError(t, err)
	require.Equal(t, m.ID, rcpt.MarketID)
	require.Equal(t, bob, rcpt.Winner)
	require.True(t, rcpt.Pushed)

	pool := stake(3)
	require.Equal(t, pool, rcpt.Pool)
	// fee = ceil(pool * 250 / 10000); pool divides evenly here.
	fee := new(big.Int).Div(new(big.Int).Mul(pool, big.NewInt(250)), big.NewInt(10_000))
	require.Equal(t, fee, rcpt.Fee)
	require.Equal(t, new(big.Int).Sub(pool, fee), rcpt.Net)
	require.Equal(t, pool, new(big.Int).Add(rcpt.Fee, rcpt.Net))

	// Shares must sum to the fee exactly.
	sum := new(big.Int)
	for _, s := range rcpt.Shares {
		sum.Add(sum, s)
	}
	require.Equal(t, fee, sum)

	// Winner got the net amount pushed.
	require.Equal(t, rcpt.Net, f.treasury.transfers[bob])
	// Community share went through the sink.
	require.Equal(t, rcpt.Shares[domain.ClassCommunity], f.sink.deposited)
	// Reporter share split three ways as pull balances.
	each := new(big.Int).Div(rcpt.Shares[domain.ClassReporter], big.NewInt(3))
	require.Equal(t, each, f.dist.Balance(rep1))
	require.Equal(t, each, f.dist.Balance(rep2))
	require.Equal(t, each, f.dist.Balance(rep3))
	// Creator share is a single pull balance.
	require.Equal(t, rcpt.Shares[domain.ClassCreator], f.dist.Balance(creator))
}

func TestClaimPayout_ClaimOnce(t *testing.T) {
	f := newFixture(t)
	_, winID := f.resolvedMarket(t)

	_, err := f.dist.ClaimPayout(context.Background(), winID)
	require.NoError(t, err)
	_, err = f.dist.ClaimPayout(context.Background(), winID)
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestClaimPayout_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dist.ClaimPayout(ctx, 99)
	require.ErrorIs(t, err, domain.ErrSubmissionNotFound)

	m, err := f.ledger.CreateMarket(creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	lose, err := f.ledger.CreateSubmission(m.ID, alice, "unresolved", stake(1))
	require.NoError(t, err)

	_, err = f.dist.ClaimPayout(ctx, lose.ID)
	require.ErrorIs(t, err, domain.ErrMarketNotEnded)

	// Resolve with a different winner; the loser must not be claimable.
	win, err := f.ledger.CreateSubmission(m.ID, bob, "the winner", stake(1))
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	err = f.ledger.Mutate(m.ID, func(mkt *domain.Market, subs []*domain.Submission) error {
		mkt.Resolved = true
		mkt.WinningSubmissionID = win.ID
		for _, s := range subs {
			if s.ID == win.ID {
				s.IsWinner = true
			}
		}
		return nil
	})
	require.NoError(t, err)

	_, err = f.dist.ClaimPayout(ctx, lose.ID)
	require.ErrorIs(t, err, domain.ErrNotWinningSubmission)
}

func TestClaimPayout_EmptyClassesFoldIntoRest(t *testing.T) {
	f := newFixture(t)
	// No reporters and no operators: their weight folds into creator and
	// community instead of failing the claim.
	f.reporters.err = domain.ErrConsensusNotReached
	f.registry.nodes = nil
	_, winID := f.resolvedMarket(t)

	rcpt, err := f.dist.ClaimPayout(context.Background(), winID)
	require.NoError(t, err)
	require.Zero(t, rcpt.Shares[domain.ClassReporter].Sign())
	require.Zero(t, rcpt.Shares[domain.ClassOperator].Sign())

	// creator:community reweighted to 50:25.
	wantCreator := new(big.Int).Div(new(big.Int).Mul(rcpt.Fee, big.NewInt(50)), big.NewInt(75))
	require.Equal(t, wantCreator, rcpt.Shares[domain.ClassCreator])
	require.Equal(t, rcpt.Fee, new(big.Int).Add(rcpt.Shares[domain.ClassCreator], rcpt.Shares[domain.ClassCommunity]))
}

func TestClaimPayout_ZeroWeightClassesSplitEqually(t *testing.T) {
	f := newFixture(t)
	// A split that pays only reporters and operators. With neither class
	// eligible, every remaining class carries zero weight; the fee divides
	// equally between creator and community instead of failing the claim.
	split := domain.FeeSplit{TotalBps: 200, ReporterBps: 125, OperatorBps: 75}
	require.NoError(t, split.Validate())
	f.reporters.set = nil
	f.registry.nodes = nil
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.dist = New(Config{Split: split, CommunityAddr: community}, f.ledger, f.treasury, f.sink, f.registry, f.reporters, logger)
	_, winID := f.resolvedMarket(t)

	rcpt, err := f.dist.ClaimPayout(context.Background(), winID)
	require.NoError(t, err)
	require.Zero(t, rcpt.Shares[domain.ClassReporter].Sign())
	require.Zero(t, rcpt.Shares[domain.ClassOperator].Sign())
	require.Equal(t, rcpt.Shares[domain.ClassCreator], rcpt.Shares[domain.ClassCommunity])
	require.Equal(t, rcpt.Fee, new(big.Int).Add(rcpt.Shares[domain.ClassCreator], rcpt.Shares[domain.ClassCommunity]))
}

func TestClaimPayout_WinnerTransferFailureBecomesPullBalance(t *testing.T) {
	f := newFixture(t)
	_, winID := f.resolvedMarket(t)
	f.treasury.failFor[bob] = true

	rcpt, err := f.dist.ClaimPayout(context.Background(), winID)
	require.NoError(t, err)
	require.False(t, rcpt.Pushed)
	require.Equal(t, rcpt.Net, f.dist.Balance(bob))

	// Claimed stays flipped; the winner recovers via WithdrawRewards.
	_, err = f.dist.ClaimPayout(context.Background(), winID)
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	f.treasury.failFor[bob] = false
	got, err := f.dist.WithdrawRewards(context.Background(), bob)
	require.NoError(t, err)
	require.Equal(t, rcpt.Net, got)
	require.Equal(t, rcpt.Net, f.treasury.transfers[bob])
}

func TestClaimPayout_SinkFailureBecomesPullBalance(t *testing.T) {
	f := newFixture(t)
	_, winID := f.resolvedMarket(t)
	f.sink.err = errors.New("sink offline")

	rcpt, err := f.dist.ClaimPayout(context.Background(), winID)
	require.NoError(t, err)
	require.Equal(t, rcpt.Shares[domain.ClassCommunity], f.dist.Balance(community))
}

func TestWithdrawRewards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dist.WithdrawRewards(ctx, alice)
	require.ErrorIs(t, err, domain.ErrNothingToWithdraw)

	f.dist.Credit(1, alice, domain.ClassRefund, stake(2))
	got, err := f.dist.WithdrawRewards(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, stake(2), got)
	require.Equal(t, stake(2), f.treasury.transfers[alice])
	require.Zero(t, f.dist.Balance(alice).Sign())

	// Drained: a second withdrawal has nothing left.
	_, err = f.dist.WithdrawRewards(ctx, alice)
	require.ErrorIs(t, err, domain.ErrNothingToWithdraw)
}

func TestWithdrawRewards_FailureRestoresBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dist.Credit(1, alice, domain.ClassRefund, stake(2))
	f.treasury.failFor[alice] = true

	_, err := f.dist.WithdrawRewards(ctx, alice)
	require.Error(t, err)
	require.Equal(t, stake(2), f.dist.Balance(alice))

	// Retry succeeds once the rail recovers.
	f.treasury.failFor[alice] = false
	got, err := f.dist.WithdrawRewards(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, stake(2), got)
}

func TestPayouts_RecordsByMarket(t *testing.T) {
	f := newFixture(t)
	_, winID := f.resolvedMarket(t)

	_, err := f.dist.ClaimPayout(context.Background(), winID)
	require.NoError(t, err)
	f.dist.Credit(0, alice, domain.ClassRefund, stake(1))

	forMarket := f.dist.Payouts(1)
	require.NotEmpty(t, forMarket)
	for _, p := range forMarket {
		require.Equal(t, uint64(1), p.MarketID)
	}
	all := f.dist.Payouts(0)
	require.Greater(t, len(all), len(forMarket))

	// Records must be detached snapshots.
	all[0].Amount.SetInt64(0)
	again := f.dist.Payouts(0)
	require.NotZero(t, again[0].Amount.Sign())
}

func TestFeeOf_RoundsTowardFee(t *testing.T) {
	split := testSplit()
	// 39 * 250 / 10000 = 0.975: the fee side rounds up so fee + net == pool
	// without leaking dust to the winner.
	fee := split.FeeOf(big.NewInt(39))
	require.Equal(t, big.NewInt(1), fee)
	require.Zero(t, split.FeeOf(big.NewInt(0)).Sign())
}
