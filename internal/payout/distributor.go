// Package payout converts resolved outcomes into claimable value. Winner
// payouts are pushed once with a pull-balance fallback; every other
// stakeholder credit is pull-based from the start, so no unbounded recipient
// set is ever iterated with push transfers.
package payout

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/ledger"
)

// ReporterSource exposes the attestor set that established a market's
// canonical text. Markets settled by a single authorized resolver have none.
type ReporterSource interface {
	Reporters(ctx context.Context, marketID uint64) ([]common.Address, error)
}

// Config holds the distributor's fee constants and sinks.
type Config struct {
	Split domain.FeeSplit
	// CommunityAddr absorbs the community share when no FeeSink is wired,
	// plus all integer-division dust, keeping fee conservation exact.
	CommunityAddr common.Address
}

// Receipt summarizes one winner claim.
type Receipt struct {
	MarketID     uint64
	SubmissionID uint64
	Winner       common.Address
	Pool         *big.Int
	Fee          *big.Int
	Net          *big.Int
	// Pushed is false when the winner transfer failed and the net amount was
	// credited as a pull balance instead.
	Pushed bool
	// Shares is the fee breakdown by stakeholder class.
	Shares map[domain.StakeholderClass]*big.Int
}

// Distributor owns the payout arena and the unclaimed-reward balances.
type Distributor struct {
	cfg       Config
	ledger    *ledger.Ledger
	treasury  domain.Transferor
	sink      domain.FeeSink
	registry  domain.NodeRegistry
	reporters ReporterSource
	logger    *slog.Logger

	mu       sync.Mutex
	payouts  []*domain.Payout // handle = index + 1, append-only
	balances map[common.Address]*big.Int
}

// New creates a Distributor. sink, registry, and reporters may be nil; the
// corresponding fee classes then degrade per apportion rules.
func New(cfg Config, l *ledger.Ledger, treasury domain.Transferor, sink domain.FeeSink, registry domain.NodeRegistry, reporters ReporterSource, logger *slog.Logger) *Distributor {
	return &Distributor{
		cfg:       cfg,
		ledger:    l,
		treasury:  treasury,
		sink:      sink,
		registry:  registry,
		reporters: reporters,
		logger:    logger.With(slog.String("component", "payout")),
		balances:  make(map[common.Address]*big.Int),
	}
}

// ClaimPayout pays the winning submission: fee = ceil(pool*feeBps/10000),
// payout = pool - fee, fee + payout == pool exactly. The claimed flag flips
// under the ledger lock BEFORE any transfer, which is what blocks a
// re-entrant double claim.
func (d *Distributor) ClaimPayout(ctx context.Context, submissionID uint64) (Receipt, error) {
	var (
		rcpt    Receipt
		creator common.Address
	)
	err := d.ledger.MutateSubmission(submissionID, func(m *domain.Market, sub *domain.Submission, _ []*domain.Submission) error {
		if !m.Resolved {
			return domain.ErrMarketNotEnded
		}
		if !sub.IsWinner || m.WinningSubmissionID != sub.ID {
			return domain.ErrNotWinningSubmission
		}
		if sub.Claimed {
			return domain.ErrAlreadyClaimed
		}
		sub.Claimed = true

		pool := new(big.Int).Set(m.TotalPool)
		fee := d.cfg.Split.FeeOf(pool)
		rcpt = Receipt{
			MarketID:     m.ID,
			SubmissionID: sub.ID,
			Winner:       sub.Submitter,
			Pool:         pool,
			Fee:          fee,
			Net:          new(big.Int).Sub(pool, fee),
		}
		creator = m.Creator
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	rcpt.Shares = d.distributeFee(ctx, rcpt.MarketID, creator, rcpt.Fee)

	if err := d.treasury.Transfer(ctx, rcpt.Winner, rcpt.Net); err != nil {
		d.logger.WarnContext(ctx, "winner transfer failed, crediting pull balance",
			slog.Uint64("market_id", rcpt.MarketID),
			slog.Uint64("submission_id", rcpt.SubmissionID),
			slog.String("error", err.Error()),
		)
		d.Credit(rcpt.MarketID, rcpt.Winner, domain.ClassWinner, rcpt.Net)
	} else {
		rcpt.Pushed = true
		d.record(rcpt.MarketID, rcpt.Winner, domain.ClassWinner, rcpt.Net, true)
	}

	d.logger.InfoContext(ctx, "payout claimed",
		slog.Uint64("market_id", rcpt.MarketID),
		slog.Uint64("submission_id", rcpt.SubmissionID),
		slog.String("net", rcpt.Net.String()),
		slog.String("fee", rcpt.Fee.String()),
		slog.Bool("pushed", rcpt.Pushed),
	)
	return rcpt, nil
}

// distributeFee apportions the fee across stakeholder classes by basis-point
// weight. A class with zero eligible recipients never fails the claim: its
// share is re-split equally among the classes that do have recipients.
// Per-recipient division dust goes to the community bucket. The community
// share goes through the external FeeSink, falling back to a pull balance
// when the deposit fails.
func (d *Distributor) distributeFee(ctx context.Context, marketID uint64, creator common.Address, fee *big.Int) map[domain.StakeholderClass]*big.Int {
	shares := map[domain.StakeholderClass]*big.Int{
		domain.ClassReporter:  big.NewInt(0),
		domain.ClassOperator:  big.NewInt(0),
		domain.ClassCreator:   big.NewInt(0),
		domain.ClassCommunity: big.NewInt(0),
	}
	if fee.Sign() == 0 {
		return shares
	}

	recipients := map[domain.StakeholderClass][]common.Address{
		domain.ClassReporter:  d.reporterSet(ctx, marketID),
		domain.ClassOperator:  d.operatorSet(ctx),
		domain.ClassCreator:   {creator},
		// The community class is always eligible: it has the sink or the
		// fallback address.
		domain.ClassCommunity: {d.cfg.CommunityAddr},
	}

	weights := map[domain.StakeholderClass]int64{
		domain.ClassReporter:  d.cfg.Split.ReporterBps,
		domain.ClassOperator:  d.cfg.Split.OperatorBps,
		domain.ClassCreator:   d.cfg.Split.CreatorBps,
		domain.ClassCommunity: d.cfg.Split.CommunityBps,
	}

	var populated []domain.StakeholderClass
	var populatedWeight int64
	for _, class := range classOrder {
		if len(recipients[class]) > 0 {
			populated = append(populated, class)
			populatedWeight += weights[class]
		}
	}

	// Weighted split over populated classes only; empty-class weight folds
	// into the denominator so it spreads proportionally across the rest.
	// When every populated class carries zero weight, split the fee equally
	// among them instead of dividing by zero.
	// Remainder after flooring goes to the community bucket.
	distributed := big.NewInt(0)
	for _, class := range populated {
		amt := new(big.Int)
		if populatedWeight > 0 {
			amt.Mul(fee, big.NewInt(weights[class]))
			amt.Div(amt, big.NewInt(populatedWeight))
		} else {
			amt.Div(fee, big.NewInt(int64(len(populated))))
		}
		shares[class].Set(amt)
		distributed.Add(distributed, amt)
	}
	dust := new(big.Int).Sub(fee, distributed)
	shares[domain.ClassCommunity].Add(shares[domain.ClassCommunity], dust)

	for _, class := range populated {
		if shares[class].Sign() == 0 {
			continue
		}
		if class == domain.ClassCommunity {
			d.creditCommunity(ctx, marketID, shares[class])
			continue
		}
		d.creditClass(marketID, class, recipients[class], shares[class])
	}
	return shares
}

var classOrder = []domain.StakeholderClass{
	domain.ClassReporter,
	domain.ClassOperator,
	domain.ClassCreator,
	domain.ClassCommunity,
}

// creditClass splits amount equally among recipients as pull balances, with
// division dust folded into the community bucket.
func (d *Distributor) creditClass(marketID uint64, class domain.StakeholderClass, recipients []common.Address, amount *big.Int) {
	n := big.NewInt(int64(len(recipients)))
	each := new(big.Int).Div(amount, n)
	if each.Sign() > 0 {
		for _, r := range recipients {
			d.Credit(marketID, r, class, each)
		}
	}
	dust := new(big.Int).Sub(amount, new(big.Int).Mul(each, n))
	if dust.Sign() > 0 {
		d.Credit(marketID, d.cfg.CommunityAddr, domain.ClassCommunity, dust)
	}
}

// creditCommunity books the community share before depositing into the
// external sink, treating the sink as able to fail or re-enter. On failure
// the amount stays as a pull balance for the community address.
func (d *Distributor) creditCommunity(ctx context.Context, marketID uint64, amount *big.Int) {
	if d.sink == nil {
		d.Credit(marketID, d.cfg.CommunityAddr, domain.ClassCommunity, amount)
		return
	}
	d.record(marketID, d.cfg.CommunityAddr, domain.ClassCommunity, amount, true)
	if err := d.sink.Deposit(ctx, new(big.Int).Set(amount)); err != nil {
		d.logger.WarnContext(ctx, "fee sink deposit failed, crediting pull balance",
			slog.Uint64("market_id", marketID),
			slog.String("error", err.Error()),
		)
		d.addBalance(d.cfg.CommunityAddr, amount)
	}
}

// Credit books amount as an unclaimed pull balance for recipient and appends
// the payout record. It implements the engine's Crediter.
func (d *Distributor) Credit(marketID uint64, recipient common.Address, class domain.StakeholderClass, amount *big.Int) domain.Payout {
	p := d.record(marketID, recipient, class, amount, false)
	d.addBalance(recipient, amount)
	return p
}

// WithdrawRewards pays out a recipient's accumulated pull balance. The
// balance zeroes before the transfer and is restored if the transfer fails,
// so the condition stays caller-retryable.
func (d *Distributor) WithdrawRewards(ctx context.Context, recipient common.Address) (*big.Int, error) {
	d.mu.Lock()
	bal, ok := d.balances[recipient]
	if !ok || bal.Sign() == 0 {
		d.mu.Unlock()
		return nil, domain.ErrNothingToWithdraw
	}
	amount := new(big.Int).Set(bal)
	bal.SetInt64(0)
	d.mu.Unlock()

	if err := d.treasury.Transfer(ctx, recipient, amount); err != nil {
		d.mu.Lock()
		d.balances[recipient].Add(d.balances[recipient], amount)
		d.mu.Unlock()
		return nil, err
	}

	d.mu.Lock()
	now := d.ledger.Now()
	for _, p := range d.payouts {
		if p.Recipient == recipient && !p.Claimed {
			p.Claimed = true
			p.ClaimedAt = now
		}
	}
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "rewards withdrawn",
		slog.String("recipient", recipient.Hex()),
		slog.String("amount", amount.String()),
	)
	return amount, nil
}

// Balance returns the unclaimed pull balance for recipient.
func (d *Distributor) Balance(recipient common.Address) *big.Int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bal, ok := d.balances[recipient]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Payouts returns snapshots of the payout records for a market, in creation
// order. Zero marketID returns everything.
func (d *Distributor) Payouts(marketID uint64) []domain.Payout {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.Payout
	for _, p := range d.payouts {
		if marketID == 0 || p.MarketID == marketID {
			out = append(out, p.Clone())
		}
	}
	return out
}

func (d *Distributor) record(marketID uint64, recipient common.Address, class domain.StakeholderClass, amount *big.Int, claimed bool) domain.Payout {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &domain.Payout{
		ID:        uint64(len(d.payouts)) + 1,
		MarketID:  marketID,
		Recipient: recipient,
		Class:     class,
		Amount:    new(big.Int).Set(amount),
		Claimed:   claimed,
		CreatedAt: d.ledger.Now(),
	}
	if claimed {
		p.ClaimedAt = p.CreatedAt
	}
	d.payouts = append(d.payouts, p)
	return p.Clone()
}

func (d *Distributor) addBalance(recipient common.Address, amount *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bal, ok := d.balances[recipient]
	if !ok {
		bal = new(big.Int)
		d.balances[recipient] = bal
	}
	bal.Add(bal, amount)
}

// reporterSet returns the attestors behind the market's consensus, or nil
// when the market was settled without oracle consensus.
func (d *Distributor) reporterSet(ctx context.Context, marketID uint64) []common.Address {
	if d.reporters == nil {
		return nil
	}
	set, err := d.reporters.Reporters(ctx, marketID)
	if err != nil {
		return nil
	}
	return set
}

func (d *Distributor) operatorSet(ctx context.Context) []common.Address {
	if d.registry == nil {
		return nil
	}
	set, err := d.registry.ActiveNodes(ctx)
	if err != nil {
		d.logger.Warn("node registry unavailable, skipping operator class",
			slog.String("error", err.Error()))
		return nil
	}
	return set
}
