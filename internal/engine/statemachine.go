// Package engine drives markets through their lifecycle. Every transition is
// gated on stored state plus wall-clock time, and every guard flag flips
// before any external transfer is attempted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/ledger"
	"github.com/timepoint-ai/proteus-sub001/internal/textdist"
)

// Config holds the state machine's transition constants.
type Config struct {
	// MinSubmissions is the smallest contested field a market may resolve
	// with. Below it, single-submission markets take the refund path.
	MinSubmissions int
	// GracePeriod is how long after the end time an unresolved market must
	// wait before the emergency escape hatch opens.
	GracePeriod time.Duration
	// Owner is the only address allowed to trigger emergency withdrawal.
	Owner common.Address
}

// DefaultConfig returns the production transition constants.
func DefaultConfig() Config {
	return Config{
		MinSubmissions: 2,
		GracePeriod:    7 * 24 * time.Hour,
	}
}

// Crediter books a claimable pull balance. The engine uses it to convert a
// failed push transfer into a retryable caller-side condition instead of
// losing or freezing funds.
type Crediter interface {
	Credit(marketID uint64, recipient common.Address, class domain.StakeholderClass, amount *big.Int) domain.Payout
}

// Outcome describes a completed resolution.
type Outcome struct {
	MarketID            uint64
	WinningSubmissionID uint64
	Winner              common.Address
	WinningDistance     int
	CanonicalText       string
	Pool                *big.Int
}

// Refund describes one stake returned by a refund path.
type Refund struct {
	SubmissionID uint64
	Recipient    common.Address
	Amount       *big.Int
	// Pushed is false when the direct transfer failed and the amount was
	// credited as a pull balance instead.
	Pushed bool
}

// StateMachine owns the resolution and refund transitions for all markets in
// a ledger.
type StateMachine struct {
	cfg      Config
	ledger   *ledger.Ledger
	treasury domain.Transferor
	crediter Crediter
	logger   *slog.Logger
}

// New creates a StateMachine over the given ledger. treasury moves refunds
// out of escrow; crediter absorbs transfers that fail.
func New(cfg Config, l *ledger.Ledger, treasury domain.Transferor, crediter Crediter, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		cfg:      cfg,
		ledger:   l,
		treasury: treasury,
		crediter: crediter,
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// Resolve settles a market against the canonical text: it computes the edit
// distance of every submission, marks the strict-minimum submission as the
// winner (ties break to the LOWEST submission id — first submitter wins), and
// flips the market resolved. The whole check-and-flip runs atomically under
// the ledger lock; afterwards every resolution-path call fails with
// ErrMarketAlreadyResolved.
func (sm *StateMachine) Resolve(ctx context.Context, marketID uint64, canonicalText string) (Outcome, error) {
	if len(canonicalText) == 0 {
		return Outcome{}, domain.ErrEmptyPrediction
	}
	if len(canonicalText) > domain.MaxTextLen {
		return Outcome{}, domain.ErrPredictionTooLong
	}

	var out Outcome
	err := sm.ledger.Mutate(marketID, func(m *domain.Market, subs []*domain.Submission) error {
		if m.Resolved || m.Refunded {
			return domain.ErrMarketAlreadyResolved
		}
		if !m.Ended(sm.ledger.Now()) {
			return domain.ErrMarketNotEnded
		}
		if len(subs) < sm.cfg.MinSubmissions {
			return domain.ErrMinimumSubmissionsNotMet
		}

		canonical := []byte(canonicalText)
		var winner *domain.Submission
		best := -1
		for _, s := range subs {
			d, err := textdist.Distance([]byte(s.Text), canonical)
			if err != nil {
				return fmt.Errorf("engine: distance for submission %d: %w", s.ID, err)
			}
			s.Distance = d
			// Strictly-less keeps the earliest id on ties: submissions
			// arrive in ascending id order.
			if winner == nil || d < best {
				winner, best = s, d
			}
		}

		winner.IsWinner = true
		m.WinningSubmissionID = winner.ID
		m.CanonicalText = canonicalText
		m.Resolved = true

		out = Outcome{
			MarketID:            m.ID,
			WinningSubmissionID: winner.ID,
			Winner:              winner.Submitter,
			WinningDistance:     best,
			CanonicalText:       canonicalText,
			Pool:                new(big.Int).Set(m.TotalPool),
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	sm.logger.InfoContext(ctx, "market resolved",
		slog.Uint64("market_id", out.MarketID),
		slog.Uint64("winning_submission_id", out.WinningSubmissionID),
		slog.Int("winning_distance", out.WinningDistance),
	)
	return out, nil
}

// RefundSingleSubmission closes an ended, unresolved market holding exactly
// one submission by returning the full stake with no fee. The claimed and
// resolved flags flip before the transfer; a failed transfer becomes a pull
// balance, never a reopened market.
func (sm *StateMachine) RefundSingleSubmission(ctx context.Context, marketID uint64) (Refund, error) {
	var refund Refund
	err := sm.ledger.Mutate(marketID, func(m *domain.Market, subs []*domain.Submission) error {
		if m.Resolved || m.Refunded {
			return domain.ErrMarketAlreadyResolved
		}
		if !m.Ended(sm.ledger.Now()) {
			return domain.ErrMarketNotEnded
		}
		if len(subs) != 1 {
			return domain.ErrMinimumSubmissionsNotMet
		}

		s := subs[0]
		s.Claimed = true
		m.Resolved = true
		m.Refunded = true

		refund = Refund{
			SubmissionID: s.ID,
			Recipient:    s.Submitter,
			Amount:       new(big.Int).Set(s.Stake),
		}
		return nil
	})
	if err != nil {
		return Refund{}, err
	}

	refund.Pushed = sm.payOrCredit(ctx, marketID, refund)
	return refund, nil
}

// EmergencyWithdraw is the owner-only escape hatch for a market that never
// resolved: after the grace period it refunds every unclaimed submission at
// face value. Transfer failures are skipped, not fatal, so one bad recipient
// cannot freeze funds for the rest; skipped amounts land in pull balances.
func (sm *StateMachine) EmergencyWithdraw(ctx context.Context, marketID uint64, caller common.Address) ([]Refund, error) {
	if caller != sm.cfg.Owner {
		return nil, domain.ErrNotAuthorized
	}

	var refunds []Refund
	err := sm.ledger.Mutate(marketID, func(m *domain.Market, subs []*domain.Submission) error {
		if m.Resolved || m.Refunded {
			return domain.ErrMarketAlreadyResolved
		}
		now := sm.ledger.Now()
		if !m.Ended(now) {
			return domain.ErrMarketNotEnded
		}
		if now.Before(m.EndTime.Add(sm.cfg.GracePeriod)) {
			return domain.ErrGracePeriodActive
		}
		if len(subs) == 0 {
			return domain.ErrMinimumSubmissionsNotMet
		}

		for _, s := range subs {
			if s.Claimed {
				continue
			}
			s.Claimed = true
			refunds = append(refunds, Refund{
				SubmissionID: s.ID,
				Recipient:    s.Submitter,
				Amount:       new(big.Int).Set(s.Stake),
			})
		}
		m.Resolved = true
		m.Refunded = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range refunds {
		refunds[i].Pushed = sm.payOrCredit(ctx, marketID, refunds[i])
	}
	return refunds, nil
}

// payOrCredit attempts the direct transfer and falls back to a pull balance.
// It reports whether the push succeeded.
func (sm *StateMachine) payOrCredit(ctx context.Context, marketID uint64, r Refund) bool {
	err := sm.treasury.Transfer(ctx, r.Recipient, r.Amount)
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		sm.logger.WarnContext(ctx, "refund transfer interrupted, crediting pull balance",
			slog.Uint64("market_id", marketID),
			slog.Uint64("submission_id", r.SubmissionID),
		)
	} else {
		sm.logger.WarnContext(ctx, "refund transfer failed, crediting pull balance",
			slog.Uint64("market_id", marketID),
			slog.Uint64("submission_id", r.SubmissionID),
			slog.String("error", err.Error()),
		)
	}
	sm.crediter.Credit(marketID, r.Recipient, domain.ClassRefund, r.Amount)
	return false
}
