// Package ledger owns the authoritative Market and Submission records. State
// lives in append-only arenas indexed by integer handles; all cross-references
// are ids, never live pointers. One mutex serializes every mutation, so the
// core behaves correctly even when callers interleave operations on the same
// market adversarially.
package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// Params are the validation constants the ledger enforces at the write edge.
type Params struct {
	// MinDuration and MaxDuration bound market lifetimes.
	MinDuration time.Duration
	MaxDuration time.Duration
	// SafetyMargin is subtracted from the end time to form the betting
	// cutoff, so late submissions cannot ride on early knowledge of the
	// outcome.
	SafetyMargin time.Duration
	// MinStake is the smallest accepted stake per submission.
	MinStake *big.Int
}

// DefaultParams returns the production constants.
func DefaultParams() Params {
	return Params{
		MinDuration:  time.Hour,
		MaxDuration:  30 * 24 * time.Hour,
		SafetyMargin: time.Hour,
		MinStake:     new(big.Int).SetUint64(10_000_000_000_000_000), // 0.01 token
	}
}

// Validate checks that the parameters are internally consistent.
func (p Params) Validate() error {
	var errs []string
	if p.MinDuration <= 0 {
		errs = append(errs, "min_duration must be positive")
	}
	if p.MaxDuration < p.MinDuration {
		errs = append(errs, "max_duration must not be below min_duration")
	}
	// Margin equal to min_duration is allowed; a minimum-length market then
	// has a zero-length betting window, which is degenerate but consistent.
	if p.SafetyMargin < 0 || p.SafetyMargin > p.MinDuration {
		errs = append(errs, "safety_margin must be non-negative and must not exceed min_duration")
	}
	if p.MinStake == nil || p.MinStake.Sign() < 0 {
		errs = append(errs, "min_stake must be a non-negative amount")
	}
	if len(errs) > 0 {
		return fmt.Errorf("ledger params: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Ledger is the in-memory arena holding every market and submission. Records
// are never deleted; resolution and claims only flip flags.
type Ledger struct {
	mu     sync.Mutex
	params Params
	now    func() time.Time

	markets     []*domain.Market     // handle = index + 1
	submissions []*domain.Submission // handle = index + 1
}

// New creates an empty ledger with the given parameters.
func New(params Params) *Ledger {
	return &Ledger{
		params: params,
		now:    time.Now,
	}
}

// WithClock overrides the wall-clock source. Tests use this to drive timing
// windows deterministically.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now returns the ledger's current wall-clock reading. Sibling components
// share this clock so every deadline check agrees on "now".
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Params returns the ledger's validation constants.
func (l *Ledger) Params() Params {
	return l.params
}

// CreateMarket opens a market for the given subject handle lasting duration
// from now. It returns a snapshot of the stored record.
func (l *Ledger) CreateMarket(creator common.Address, subjectHandle string, duration time.Duration) (domain.Market, error) {
	if duration < l.params.MinDuration || duration > l.params.MaxDuration {
		return domain.Market{}, fmt.Errorf("ledger: duration %s outside [%s, %s]: %w",
			duration, l.params.MinDuration, l.params.MaxDuration, domain.ErrInvalidDuration)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	m := &domain.Market{
		ID:            uint64(len(l.markets)) + 1,
		SubjectHandle: strings.TrimSpace(subjectHandle),
		Creator:       creator,
		CreatedAt:     now,
		EndTime:       now.Add(duration),
		BettingCutoff: now.Add(duration - l.params.SafetyMargin),
		TotalPool:     new(big.Int),
	}
	l.markets = append(l.markets, m)
	return m.Clone(), nil
}

// CreateSubmission stakes a predicted text on a market. Every precondition is
// re-checked against stored state under the lock; nothing is cached across
// calls.
func (l *Ledger) CreateSubmission(marketID uint64, submitter common.Address, text string, stake *big.Int) (domain.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.market(marketID)
	if err != nil {
		return domain.Submission{}, err
	}

	now := l.now()
	switch {
	case m.Resolved || m.Refunded:
		return domain.Submission{}, domain.ErrMarketAlreadyResolved
	case !now.Before(m.EndTime):
		return domain.Submission{}, domain.ErrMarketEnded
	case !now.Before(m.BettingCutoff):
		return domain.Submission{}, domain.ErrBettingCutoffPassed
	}

	if stake == nil || stake.Cmp(l.params.MinStake) < 0 {
		return domain.Submission{}, domain.ErrInsufficientStake
	}
	if len(text) == 0 {
		return domain.Submission{}, domain.ErrEmptyPrediction
	}
	if len(text) > domain.MaxTextLen {
		return domain.Submission{}, domain.ErrPredictionTooLong
	}

	s := &domain.Submission{
		ID:        uint64(len(l.submissions)) + 1,
		MarketID:  m.ID,
		Submitter: submitter,
		Text:      text,
		TextHash:  domain.HashText(text),
		Stake:     new(big.Int).Set(stake),
		Distance:  domain.DistanceUnset,
		CreatedAt: now,
	}
	l.submissions = append(l.submissions, s)
	m.SubmissionIDs = append(m.SubmissionIDs, s.ID)
	m.TotalPool.Add(m.TotalPool, s.Stake)

	return s.Clone(), nil
}

// GetMarket returns a snapshot of the market.
func (l *Ledger) GetMarket(id uint64) (domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, err := l.market(id)
	if err != nil {
		return domain.Market{}, err
	}
	return m.Clone(), nil
}

// GetSubmission returns a snapshot of the submission.
func (l *Ledger) GetSubmission(id uint64) (domain.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.submission(id)
	if err != nil {
		return domain.Submission{}, err
	}
	return s.Clone(), nil
}

// ListSubmissions returns snapshots of a market's submissions in creation
// order (ascending id).
func (l *Ledger) ListSubmissions(marketID uint64) ([]domain.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, err := l.market(marketID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Submission, 0, len(m.SubmissionIDs))
	for _, id := range m.SubmissionIDs {
		out = append(out, l.submissions[id-1].Clone())
	}
	return out, nil
}

// MarketCount returns the number of markets created so far.
func (l *Ledger) MarketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.markets)
}

// Mutate runs fn over the live market record and its live submissions under
// the ledger lock, making a multi-step precondition check and flag flip one
// atomic unit. fn must not call back into the ledger and must not retain the
// pointers after returning.
func (l *Ledger) Mutate(marketID uint64, fn func(m *domain.Market, subs []*domain.Submission) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.market(marketID)
	if err != nil {
		return err
	}
	subs := make([]*domain.Submission, 0, len(m.SubmissionIDs))
	for _, id := range m.SubmissionIDs {
		subs = append(subs, l.submissions[id-1])
	}
	return fn(m, subs)
}

// MutateSubmission is Mutate keyed by submission id: fn receives the live
// submission together with its owning market and sibling submissions.
func (l *Ledger) MutateSubmission(submissionID uint64, fn func(m *domain.Market, sub *domain.Submission, subs []*domain.Submission) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, err := l.submission(submissionID)
	if err != nil {
		return err
	}
	m := l.markets[sub.MarketID-1]
	subs := make([]*domain.Submission, 0, len(m.SubmissionIDs))
	for _, id := range m.SubmissionIDs {
		subs = append(subs, l.submissions[id-1])
	}
	return fn(m, sub, subs)
}

// FindDuplicateTexts reports submission ids sharing a text hash within one
// market. Duplicate texts are legal at the ledger layer; this is a read-side
// report for UX tooling only.
func (l *Ledger) FindDuplicateTexts(marketID uint64) (map[common.Hash][]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.market(marketID)
	if err != nil {
		return nil, err
	}

	byHash := make(map[common.Hash][]uint64)
	for _, id := range m.SubmissionIDs {
		s := l.submissions[id-1]
		byHash[s.TextHash] = append(byHash[s.TextHash], s.ID)
	}
	for h, ids := range byHash {
		if len(ids) < 2 {
			delete(byHash, h)
		}
	}
	return byHash, nil
}

// market returns the live record for id. Callers must hold l.mu.
func (l *Ledger) market(id uint64) (*domain.Market, error) {
	if id == 0 || id > uint64(len(l.markets)) {
		return nil, domain.ErrMarketNotFound
	}
	return l.markets[id-1], nil
}

// submission returns the live record for id. Callers must hold l.mu.
func (l *Ledger) submission(id uint64) (*domain.Submission, error) {
	if id == 0 || id > uint64(len(l.submissions)) {
		return nil, domain.ErrSubmissionNotFound
	}
	return l.submissions[id-1], nil
}
