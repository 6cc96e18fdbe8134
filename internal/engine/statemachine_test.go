package engine

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
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeTreasury records transfers and can be told to fail for an address.
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

// fakeCrediter records pull-balance credits.
type fakeCrediter struct {
	credits map[common.Address]*big.Int
}

func newFakeCrediter() *fakeCrediter {
	return &fakeCrediter{credits: make(map[common.Address]*big.Int)}
}

func (c *fakeCrediter) Credit(_ uint64, recipient common.Address, _ domain.StakeholderClass, amount *big.Int) domain.Payout {
	if _, ok := c.credits[recipient]; !ok {
		c.credits[recipient] = new(big.Int)
	}
	c.credits[recipient].Add(c.credits[recipient], amount)
	return domain.Payout{Recipient: recipient, Amount: new(big.Int).Set(amount)}
}

func stake(units int64) *big.Int {
	return new(big.Int).SetUint64(uint64(units) * 10_000_000_000_000_000)
}

type fixture struct {
	clock    *fakeClock
	ledger   *ledger.Ledger
	treasury *fakeTreasury
	crediter *fakeCrediter
	sm       *StateMachine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := ledger.New(ledger.DefaultParams()).WithClock(clock.Now)
	treasury := newFakeTreasury()
	crediter := newFakeCrediter()
	cfg := DefaultConfig()
	cfg.Owner = owner
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		clock:    clock,
		ledger:   l,
		treasury: treasury,
		crediter: crediter,
		sm:       New(cfg, l, treasury, crediter, logger),
	}
}

func (f *fixture) openMarket(t *testing.T, texts ...string) domain.Market {
	t.Helper()
	m, err := f.ledger.CreateMarket(creator, "@tracked", 24*time.Hour)
	require.NoError(t, err)
	submitters := []common.Address{alice, bob, carol}
	for i, text := range texts {
		_, err := f.ledger.CreateSubmission(m.ID, submitters[i%len(submitters)], text, stake(int64(i+1)))
		require.NoError(t, err)
	}
	return m
}

func TestResolve_PicksMinimumDistance(t *testing.T) {
	f := newFixture(t)
	m := f.openMarket(t, "hello there", "hello world")
	f.clock.Advance(25 * time.Hour)

	out, err := f.sm.Resolve(context.Background(), m.ID, "hello world")
	require.NoError(t, err)
	require.Equal(t, uint64(2), out.WinningSubmissionID)
	require.Equal(t, bob, out.Winner)
	require.Zero(t, out.WinningDistance)
	require.Equal(t, stake(3), out.Pool)

	subs, err := f.ledger.ListSubmissions(m.ID)
	require.NoError(t, err)
	require.Equal(t, 5, subs[0].Distance)
	require.Zero(t, subs[1].Distance)
	require.False(t, subs[0].IsWinner)
	require.True(t, subs[1].IsWinner)

	got, err := f.ledger.GetMarket(m.ID)
	require.NoError(t, err)
	require.True(t, got.Resolved)
	require.Equal(t, "hello world", got.CanonicalText)
	require.Equal(t, domain.MarketStatusResolved, got.StatusAt(f.clock.Now()))
}

func TestResolve_TieBreaksToEarliestSubmission(t *testing.T) {
	f := newFixture(t)
	// Both exact matches; the first submitter must win.
	m := f.openMarket(t, "BASE is the future", "BASE is the future")
	f.clock.Advance(25 * time.Hour)

	out, err := f.sm.Resolve(context.Background(), m.ID, "BASE is the future")
	require.NoError(t, err)
	require.Equal(t, uint64(1), out.WinningSubmissionID)
	require.Zero(t, out.WinningDistance)
}

func TestResolve_CaseSensitive(t *testing.T) {
	f := newFixture(t)
	m := f.openMarket(t, "BASE is the future", "Base is the future")
	f.clock.Advance(25 * time.Hour)

	out, err := f.sm.Resolve(context.Background(), m.ID, "BASE is the future")
	require.NoError(t, err)
	require.Equal(t, uint64(1), out.WinningSubmissionID)
}

func TestResolve_Preconditions(t *testing.T) {
	f := newFixture(t)
	m := f.openMarket(t, "one", "two")

	_, err := f.sm.Resolve(context.Background(), m.ID, "canonical")
	require.ErrorIs(t, err, domain.ErrMarketNotEnded)

	f.clock.Advance(25 * time.Hour)
	_, err = f.sm.Resolve(context.Background(), 99, "canonical")
	require.ErrorIs(t, err, domain.ErrMarketNotFound)

	_, err = f.sm.Resolve(context.Background(), m.ID, "")
	require.ErrorIs(t, err, domain.ErrEmptyPrediction)

	long := make([]byte, domain.MaxTextLen+1)
	for i := range long {
		long[i] = 'y'
	}
	_, err = f.sm.Resolve(context.Background(), m.ID, string(long))
	require.ErrorIs(t, err, domain.ErrPredictionTooLong)

	_, err = f.sm.Resolve(context.Background(), m.ID, "canonical")
	require.NoError(t, err)

	// Terminal: every further resolution-path call fails the same way.
	_, err = f.sm.Resolve(context.Background(), m.ID, "canonical")
	require.ErrorIs(t, err, domain.ErrMarketAlreadyResolved)
	_, err = f.sm.RefundSingleSubmission(context.Background(), m.ID)
	require.ErrorIs(t, err, domain.ErrMarketAlreadyResolved)
}

func TestResolve_MinimumSubmissions(t *testing.T) {
	f := newFixture(t)
	single := f.openMarket(t, "only one")
	empty := f.openMarket(t)
	f.clock.Advance(25 * time.Hour)

	_, err := f.sm.Resolve(context.Background(), single.ID, "canonical")
	require.ErrorIs(t, err, domain.ErrMinimumSubmissionsNotMet)

	// Zero submissions: neither resolution nor refund may proceed.
	_, err = f.sm.Resolve(context.Background(), empty.ID, "canonical")
	require.ErrorIs(t, err, domain.ErrMinimumSubmissionsNotMet)
	_, err = f.sm.RefundSingleSubmission(context.Background(), empty.ID)
	require.ErrorIs(t, err, domain.ErrMinimumSubmissionsNotMet)
}

func TestRefundSingleSubmission(t *testing.T) {
	f := newFixture(t)
	m := f.openMarket(t, "uncontested")

	_, err := f.sm.RefundSingleSubmission(context.Background(), m.ID)
	require.ErrorIs(t, err, domain.ErrMarketNotEnded)

	f.clock.Advance(25 * time.Hour)
	refund, err := f.sm.RefundSingleSubmission(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, alice, refund.Recipient)
	require.Equal(t, stake(1), refund.Amount)
	require.True(t, refund.Pushed)
	// Full stake, no fee.
	require.Equal(t, stake(1), f.treasury.transfers[alice])

	got, err := f.ledger.GetMarket(m.ID)
	require.NoError(t, err)
	require.True(t, got.Resolved)
	require.True(t, got.Refunded)
	require.Equal(t, domain.MarketStatusRefunded, got.StatusAt(f.clock.Now()))

	subs, err := f.ledger.ListSubmissions(m.ID)
	require.NoError(t, err)
	require.True(t, subs[0].Claimed)

	// Permanently terminal.
	_, err = f.sm.Resolve(context.Background(), m.ID, "anything")
	require.ErrorIs(t, err, domain.ErrMarketAlreadyResolved)
	_, err = f.sm.RefundSingleSubmission(context.Background(), m.ID)
	require.ErrorIs(t, err, domain.ErrMarketAlreadyResolved)
}

func TestRefundSingleSubmission_RequiresExactlyOne(t *testing.T) {
	f := newFixture(t)
	m := f.openMarket(t, "one", "two")
	f.clock.Advance(25 * time.Hour)

	_, err := f.sm.RefundSingleSubmission(context.Background(), m.ID)
	require.ErrorIs(t, err, domain.ErrMinimumSubmissionsNotMet)
}

func TestRefundSingleSubmission_TransferFailureBecomesPullBalance(t *testing.T) {
	f := newFixture(t)
	m := f.openMarket(t, "uncontested")
	f.clock.Advance(25 * time.Hour)
	f.treasury.failFor[alice] = true

	refund, err := f.sm.RefundSingleSubmission(context.Background(), m.ID)
	require.NoError(t, err)
	require.False(t, refund.Pushed)
	require.Equal(t, stake(1), f.crediter.credits[alice])

	// The market stays closed despite the failed push.
	got, err := f.ledger.GetMarket(m.ID)
	require.NoError(t, err)
	require.True(t, got.Resolved)
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newFixture(t)
	m := f.openMarket(t, "one", "two", "three")

	_, err := f.sm.EmergencyWithdraw(context.Background(), m.ID, alice)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)

	f.clock.Advance(25 * time.Hour)
	_, err = f.sm.EmergencyWithdraw(context.Background(), m.ID, owner)
	require.ErrorIs(t, err, domain.ErrGracePeriodActive)

	f.clock.Advance(7 * 24 * time.Hour)
	f.treasury.failFor[bob] = true

	refunds, err := f.sm.EmergencyWithdraw(context.Background(), m.ID, owner)
	require.NoError(t, err)
	require.Len(t, refunds, 3)

	// One bad recipient must not block the others.
	require.Equal(t, stake(1), f.treasury.transfers[alice])
	require.Equal(t, stake(3), f.treasury.transfers[carol])
	require.Equal(t, stake(2), f.crediter.credits[bob])

	got, err := f.ledger.GetMarket(m.ID)
	require.NoError(t, err)
	require.True(t, got.Resolved)
	require.True(t, got.Refunded)

	_, err = f.sm.EmergencyWithdraw(context.Background(), m.ID, owner)
	require.ErrorIs(t, err, domain.ErrMarketAlreadyResolved)
}
