// Package service wires the settlement core together: the ledger holds state,
// the engine and distributor move value, the oracle gates resolution, and
// this layer adds distributed locking, rate limiting, write-behind
// persistence, and event emission around them.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/timepoint-ai/proteus-sub001/internal/crypto"
	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/engine"
	"github.com/timepoint-ai/proteus-sub001/internal/ledger"
	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
	"github.com/timepoint-ai/proteus-sub001/internal/payout"
)

// StakeEscrow secures a submitter's stake before the submission is recorded.
type StakeEscrow interface {
	EscrowStake(ctx context.Context, from common.Address, amount *big.Int) error
}

// Stores groups the write-behind persistence targets. Any field may be nil;
// persistence is best-effort and never blocks settlement.
type Stores struct {
	Markets     domain.MarketStore
	Submissions domain.SubmissionStore
	Consensus   domain.ConsensusStore
	Payouts     domain.PayoutStore
	Audit       domain.AuditStore
}

// Config holds the service's operational knobs.
type Config struct {
	// SubmitLimit caps submissions per submitter per SubmitWindow.
	SubmitLimit  int
	SubmitWindow time.Duration
	// AttestLimit caps attestations per reporter per AttestWindow.
	AttestLimit  int
	AttestWindow time.Duration
	// LockTTL bounds how long a per-market settlement lock may be held.
	LockTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SubmitLimit:  10,
		SubmitWindow: time.Minute,
		AttestLimit:  30,
		AttestWindow: time.Minute,
		LockTTL:      30 * time.Second,
	}
}

// Settlement is the façade the server and workers call into.
type Settlement struct {
	cfg     Config
	ledger  *ledger.Ledger
	engine  *engine.StateMachine
	oracle  *oracle.Oracle
	payout  *payout.Distributor
	escrow  StakeEscrow
	stores  Stores
	locks   domain.LockManager
	limiter domain.RateLimiter
	bus     domain.SignalBus
	logger  *slog.Logger
}

// New creates the settlement service and registers itself as the oracle's
// resolver, so reaching quorum settles the market in the same call.
func New(cfg Config, l *ledger.Ledger, sm *engine.StateMachine, o *oracle.Oracle, d *payout.Distributor, logger *slog.Logger) *Settlement {
	s := &Settlement{
		cfg:    cfg,
		ledger: l,
		engine: sm,
		oracle: o,
		payout: d,
		logger: logger.With(slog.String("component", "settlement")),
	}
	o.WithResolver(oracle.ResolverFunc(s.resolveFromConsensus))
	return s
}

// WithEscrow attaches the stake rail charged on submission.
func (s *Settlement) WithEscrow(e StakeEscrow) *Settlement {
	s.escrow = e
	return s
}

// WithStores attaches the write-behind persistence targets.
func (s *Settlement) WithStores(st Stores) *Settlement {
	s.stores = st
	return s
}

// WithLocks attaches the distributed per-market lock manager.
func (s *Settlement) WithLocks(lm domain.LockManager) *Settlement {
	s.locks = lm
	return s
}

// WithRateLimiter attaches submission and attestation throttling.
func (s *Settlement) WithRateLimiter(rl domain.RateLimiter) *Settlement {
	s.limiter = rl
	return s
}

// WithBus attaches the event signal bus.
func (s *Settlement) WithBus(b domain.SignalBus) *Settlement {
	s.bus = b
	return s
}

// CreateMarket opens a market predicting the next post of subjectHandle.
func (s *Settlement) CreateMarket(ctx context.Context, creator common.Address, subjectHandle string, duration time.Duration) (domain.Market, error) {
	m, err := s.ledger.CreateMarket(creator, subjectHandle, duration)
	if err != nil {
		return domain.Market{}, err
	}
	s.persistMarket(ctx, m)
	s.emit(ctx, domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: m.ID,
		Detail: map[string]any{
			"subject_handle": m.SubjectHandle,
			"creator":        m.Creator.Hex(),
			"end_time":       m.EndTime,
		},
	})
	return m, nil
}

// SubmitPrediction stakes value on a predicted text. The stake is escrowed
// before the submission is recorded; if recording then fails, the stake comes
// back as a withdrawable credit rather than vanishing into escrow.
func (s *Settlement) SubmitPrediction(ctx context.Context, marketID uint64, submitter common.Address, text string, stake *big.Int) (domain.Submission, error) {
	if err := s.allow(ctx, "submit:"+submitter.Hex(), s.cfg.SubmitLimit, s.cfg.SubmitWindow); err != nil {
		return domain.Submission{}, err
	}

	if s.escrow != nil {
		if err := s.escrow.EscrowStake(ctx, submitter, stake); err != nil {
			return domain.Submission{}, fmt.Errorf("service: escrow stake: %w", err)
		}
	}

	sub, err := s.ledger.CreateSubmission(marketID, submitter, text, stake)
	if err != nil {
		if s.escrow != nil {
			s.payout.Credit(marketID, submitter, domain.ClassRefund, stake)
		}
		return domain.Submission{}, err
	}

	s.persistSubmission(ctx, sub)
	if m, gerr := s.ledger.GetMarket(marketID); gerr == nil {
		s.persistMarket(ctx, m)
	}
	s.emit(ctx, domain.Event{
		Type:         domain.EventSubmissionCreated,
		MarketID:     marketID,
		SubmissionID: sub.ID,
		Recipient:    submitter.Hex(),
		Amount:       stake.String(),
	})
	return sub, nil
}

// Attest records one reporter's account of the tracked account's real post.
// Reaching quorum resolves the market in the same call via the oracle's
// resolver hook.
func (s *Settlement) Attest(ctx context.Context, marketID uint64, reporter common.Address, text string, evidenceHash common.Hash) (domain.ConsensusRecord, error) {
	if err := s.allow(ctx, "attest:"+reporter.Hex(), s.cfg.AttestLimit, s.cfg.AttestWindow); err != nil {
		return domain.ConsensusRecord{}, err
	}

	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return domain.ConsensusRecord{}, err
	}
	defer unlock()

	rec, err := s.oracle.Attest(ctx, marketID, reporter, text, evidenceHash)
	if err != nil {
		return rec, err
	}
	s.persistConsensus(ctx, rec)
	return rec, nil
}

// AttestSigned verifies a detached reporter signature, recovers the signer,
// and attests on their behalf. Used by relayed or batched reporting.
func (s *Settlement) AttestSigned(ctx context.Context, marketID uint64, text string, evidenceHash common.Hash, sig []byte) (domain.ConsensusRecord, error) {
	reporter, err := crypto.RecoverAttestor(marketID, domain.HashText(text), evidenceHash, sig)
	if err != nil {
		return domain.ConsensusRecord{}, err
	}
	return s.Attest(ctx, marketID, reporter, text, evidenceHash)
}

// Resolve settles a market against the canonical text directly, for
// deployments where a single operator is the oracle. Consensus-driven
// deployments reach this through Attest.
func (s *Settlement) Resolve(ctx context.Context, marketID uint64, canonicalText string) (engine.Outcome, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return engine.Outcome{}, err
	}
	defer unlock()
	return s.resolve(ctx, marketID, canonicalText)
}

// resolveFromConsensus is the oracle's resolver hook. The per-market lock is
// already held by the Attest call that reached quorum.
func (s *Settlement) resolveFromConsensus(ctx context.Context, marketID uint64, canonicalText string) error {
	s.emit(ctx, domain.Event{
		Type:          domain.EventConsensusReached,
		MarketID:      marketID,
		CanonicalText: canonicalText,
	})
	_, err := s.resolve(ctx, marketID, canonicalText)
	return err
}

func (s *Settlement) resolve(ctx context.Context, marketID uint64, canonicalText string) (engine.Outcome, error) {
	out, err := s.engine.Resolve(ctx, marketID, canonicalText)
	if errors.Is(err, domain.ErrMinimumSubmissionsNotMet) {
		// An uncontested market settles by refunding the lone stake. The
		// returned outcome carries NoSubmission as the winner.
		subs, lerr := s.ledger.ListSubmissions(marketID)
		if lerr != nil || len(subs) != 1 {
			return engine.Outcome{}, err
		}
		refund, rerr := s.engine.RefundSingleSubmission(ctx, marketID)
		if rerr != nil {
			return engine.Outcome{}, rerr
		}
		s.persistAfterSettlement(ctx, marketID)
		s.emit(ctx, domain.Event{
			Type:         domain.EventSingleSubmissionRefunded,
			MarketID:     marketID,
			SubmissionID: refund.SubmissionID,
			Recipient:    refund.Recipient.Hex(),
			Amount:       refund.Amount.String(),
		})
		return engine.Outcome{MarketID: marketID, WinningSubmissionID: domain.NoSubmission}, nil
	}
	if err != nil {
		return engine.Outcome{}, err
	}

	s.persistAfterSettlement(ctx, marketID)
	s.emit(ctx, domain.Event{
		Type:          domain.EventMarketResolved,
		MarketID:      out.MarketID,
		SubmissionID:  out.WinningSubmissionID,
		Recipient:     out.Winner.Hex(),
		Amount:        out.Pool.String(),
		CanonicalText: out.CanonicalText,
		Distance:      out.WinningDistance,
	})
	return out, nil
}

// ClaimPayout pays the winning submission and distributes the protocol fee.
func (s *Settlement) ClaimPayout(ctx context.Context, submissionID uint64) (payout.Receipt, error) {
	rcpt, err := s.payout.ClaimPayout(ctx, submissionID)
	if err != nil {
		return payout.Receipt{}, err
	}

	s.persistPayouts(ctx, rcpt.MarketID)
	if sub, gerr := s.ledger.GetSubmission(submissionID); gerr == nil {
		s.persistSubmission(ctx, sub)
	}
	s.emit(ctx, domain.Event{
		Type:         domain.EventPayoutClaimed,
		MarketID:     rcpt.MarketID,
		SubmissionID: rcpt.SubmissionID,
		Recipient:    rcpt.Winner.Hex(),
		Amount:       rcpt.Net.String(),
	})
	shares := make(map[string]any, len(rcpt.Shares))
	for class, amt := range rcpt.Shares {
		shares[string(class)] = amt.String()
	}
	s.emit(ctx, domain.Event{
		Type:     domain.EventFeesDistributed,
		MarketID: rcpt.MarketID,
		Amount:   rcpt.Fee.String(),
		Detail:   shares,
	})
	return rcpt, nil
}

// WithdrawRewards drains a recipient's accumulated pull balance.
func (s *Settlement) WithdrawRewards(ctx context.Context, recipient common.Address) (*big.Int, error) {
	amount, err := s.payout.WithdrawRewards(ctx, recipient)
	if err != nil {
		return nil, err
	}
	s.persistPayouts(ctx, 0)
	return amount, nil
}

// EmergencyWithdraw returns all stakes of a stuck market to their submitters.
func (s *Settlement) EmergencyWithdraw(ctx context.Context, marketID uint64, caller common.Address) ([]engine.Refund, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	refunds, err := s.engine.EmergencyWithdraw(ctx, marketID, caller)
	if err != nil {
		return nil, err
	}
	s.persistAfterSettlement(ctx, marketID)
	for _, r := range refunds {
		s.emit(ctx, domain.Event{
			Type:         domain.EventEmergencyWithdrawn,
			MarketID:     marketID,
			SubmissionID: r.SubmissionID,
			Recipient:    r.Recipient.Hex(),
			Amount:       r.Amount.String(),
		})
	}
	return refunds, nil
}

// SweepStalled scans every market and reports the ones stuck below consensus
// quorum past their deadline. The monitor mode runs this periodically.
func (s *Settlement) SweepStalled(ctx context.Context) []oracle.StallReport {
	var out []oracle.StallReport
	for id := uint64(1); id <= uint64(s.ledger.MarketCount()); id++ {
		if report, stalled := s.oracle.Stalled(id); stalled {
			out = append(out, report)
		}
	}
	if len(out) > 0 {
		s.logger.WarnContext(ctx, "stalled markets detected", slog.Int("count", len(out)))
	}
	return out
}

// Market returns a snapshot of one market.
func (s *Settlement) Market(marketID uint64) (domain.Market, error) {
	return s.ledger.GetMarket(marketID)
}

// Submissions returns snapshots of a market's submissions.
func (s *Settlement) Submissions(marketID uint64) ([]domain.Submission, error) {
	return s.ledger.ListSubmissions(marketID)
}

// Balance returns a recipient's unclaimed pull balance.
func (s *Settlement) Balance(recipient common.Address) *big.Int {
	return s.payout.Balance(recipient)
}

func (s *Settlement) allow(ctx context.Context, key string, limit int, window time.Duration) error {
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		// A broken limiter must not halt settlement.
		s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

func (s *Settlement) lockMarket(ctx context.Context, marketID uint64) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	return s.locks.Acquire(ctx, fmt.Sprintf("lock:market:%d", marketID), s.cfg.LockTTL)
}

// persistAfterSettlement mirrors the market, its submissions, and its payout
// records after a state transition.
func (s *Settlement) persistAfterSettlement(ctx context.Context, marketID uint64) {
	if m, err := s.ledger.GetMarket(marketID); err == nil {
		s.persistMarket(ctx, m)
	}
	if subs, err := s.ledger.ListSubmissions(marketID); err == nil {
		for _, sub := range subs {
			s.persistSubmission(ctx, sub)
		}
	}
	s.persistPayouts(ctx, marketID)
}

func (s *Settlement) persistMarket(ctx context.Context, m domain.Market) {
	if s.stores.Markets == nil {
		return
	}
	if err := s.stores.Markets.Upsert(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "market persistence failed",
			slog.Uint64("market_id", m.ID), slog.String("error", err.Error()))
	}
}

func (s *Settlement) persistSubmission(ctx context.Context, sub domain.Submission) {
	if s.stores.Submissions == nil {
		return
	}
	if err := s.stores.Submissions.Upsert(ctx, sub); err != nil {
		s.logger.WarnContext(ctx, "submission persistence failed",
			slog.Uint64("submission_id", sub.ID), slog.String("error", err.Error()))
	}
}

func (s *Settlement) persistConsensus(ctx context.Context, rec domain.ConsensusRecord) {
	if s.stores.Consensus == nil {
		return
	}
	if err := s.stores.Consensus.Upsert(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "consensus persistence failed",
			slog.Uint64("market_id", rec.MarketID), slog.String("error", err.Error()))
	}
}

func (s *Settlement) persistPayouts(ctx context.Context, marketID uint64) {
	if s.stores.Payouts == nil {
		return
	}
	for _, p := range s.payout.Payouts(marketID) {
		if err := s.stores.Payouts.Upsert(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "payout persistence failed",
				slog.Uint64("payout_id", p.ID), slog.String("error", err.Error()))
		}
	}
}

// emit publishes the event on the signal bus, appends it to the durable
// stream, and mirrors it into the audit log. All best-effort.
func (s *Settlement) emit(ctx context.Context, ev domain.Event) {
	ev.ID = uuid.NewString()
	ev.At = s.ledger.Now()

	if s.stores.Audit != nil {
		detail := map[string]any{"event_id": ev.ID, "market_id": ev.MarketID}
		if ev.SubmissionID != 0 {
			detail["submission_id"] = ev.SubmissionID
		}
		if ev.Recipient != "" {
			detail["recipient"] = ev.Recipient
		}
		if ev.Amount != "" {
			detail["amount"] = ev.Amount
		}
		if err := s.stores.Audit.Log(ctx, string(ev.Type), detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "event marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.SettlementChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, domain.SettlementStream, payload); err != nil {
		s.logger.WarnContext(ctx, "event stream append failed", slog.String("error", err.Error()))
	}
}
