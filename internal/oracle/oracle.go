// Package oracle collects independent reports of what the tracked account
// actually posted and releases the fact for settlement only after a quorum of
// mutually consistent attestations. A minority of reporters substituting a
// different narrative cannot move the claim: the first attestation fixes it,
// and everything that does not hash-match is rejected.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/ledger"
)

// MarketResolver is invoked with the agreed text once quorum is reached.
type MarketResolver interface {
	ResolveMarket(ctx context.Context, marketID uint64, canonicalText string) error
}

// ResolverFunc adapts a function to the MarketResolver interface.
type ResolverFunc func(ctx context.Context, marketID uint64, canonicalText string) error

// ResolveMarket implements MarketResolver.
func (f ResolverFunc) ResolveMarket(ctx context.Context, marketID uint64, canonicalText string) error {
	return f(ctx, marketID, canonicalText)
}

// Config holds the oracle's consensus constants.
type Config struct {
	// MinReporters is the quorum: distinct authorized reporters that must
	// attest to the same claim before it is accepted.
	MinReporters int
}

// DefaultConfig returns the production consensus constants.
func DefaultConfig() Config {
	return Config{MinReporters: 3}
}

// StallReport describes a market stuck below quorum. There is no automatic
// tie-break across rival claims; the escalation path is the owner's
// emergency withdrawal after the grace period.
type StallReport struct {
	MarketID      uint64
	Attestors     int
	RivalAttempts int
	OpenSince     time.Time
}

// Oracle owns one consensus record per market.
type Oracle struct {
	cfg      Config
	registry domain.NodeRegistry
	ledger   *ledger.Ledger
	resolver MarketResolver
	logger   *slog.Logger

	mu      sync.Mutex
	records map[uint64]*domain.ConsensusRecord
}

// New creates an Oracle over the given ledger and reporter registry.
func New(cfg Config, registry domain.NodeRegistry, l *ledger.Ledger, logger *slog.Logger) *Oracle {
	return &Oracle{
		cfg:      cfg,
		registry: registry,
		ledger:   l,
		logger:   logger.With(slog.String("component", "oracle")),
		records:  make(map[uint64]*domain.ConsensusRecord),
	}
}

// WithResolver attaches the settlement trigger fired on quorum. Without one
// the oracle only records consensus (useful for read-only deployments).
func (o *Oracle) WithResolver(r MarketResolver) *Oracle {
	o.resolver = r
	return o
}

// Attest records one reporter's account of the market's real text plus an
// evidence reference. Rules: the reporter must be an active node, the market
// must have ended and be unresolved, a reporter attests at most once per
// market, and every attestation after the first must hash-match the fixed
// claim. Reaching quorum marks consensus and triggers resolution with the
// agreed text.
func (o *Oracle) Attest(ctx context.Context, marketID uint64, reporter common.Address, text string, evidenceHash common.Hash) (domain.ConsensusRecord, error) {
	active, err := o.registry.IsActiveNode(ctx, reporter)
	if err != nil {
		return domain.ConsensusRecord{}, fmt.Errorf("oracle: node registry: %w", err)
	}
	if !active {
		return domain.ConsensusRecord{}, domain.ErrReporterNotAuthorized
	}

	m, err := o.ledger.GetMarket(marketID)
	if err != nil {
		return domain.ConsensusRecord{}, err
	}
	if m.Resolved || m.Refunded {
		return domain.ConsensusRecord{}, domain.ErrMarketAlreadyResolved
	}
	if !m.Ended(o.ledger.Now()) {
		return domain.ConsensusRecord{}, domain.ErrMarketNotEnded
	}

	if len(text) == 0 {
		return domain.ConsensusRecord{}, domain.ErrEmptyPrediction
	}
	if len(text) > domain.MaxTextLen {
		return domain.ConsensusRecord{}, domain.ErrPredictionTooLong
	}

	hash := domain.HashText(text)

	o.mu.Lock()
	rec, ok := o.records[marketID]
	if !ok {
		// First attestation fixes the claim.
		rec = &domain.ConsensusRecord{
			MarketID:      marketID,
			TextHash:      hash,
			Text:          text,
			EvidenceHash:  evidenceHash,
			CreatedAt:     o.ledger.Now(),
			RivalAttempts: make(map[common.Hash]int),
		}
		o.records[marketID] = rec
	}

	if rec.HasAttestor(reporter) {
		o.mu.Unlock()
		return domain.ConsensusRecord{}, domain.ErrAlreadyAttested
	}
	if hash != rec.TextHash || evidenceHash != rec.EvidenceHash {
		rec.RivalAttempts[hash]++
		snapshot := rec.Clone()
		o.mu.Unlock()
		o.logger.WarnContext(ctx, "attestation rejected: claim mismatch",
			slog.Uint64("market_id", marketID),
			slog.String("reporter", reporter.Hex()),
			slog.Int("rival_attempts", snapshot.RivalAttempts[hash]),
		)
		return domain.ConsensusRecord{}, domain.ErrAttestationMismatch
	}

	rec.Attestors = append(rec.Attestors, reporter)
	justReached := false
	if !rec.Reached && len(rec.Attestors) >= o.cfg.MinReporters {
		rec.Reached = true
		rec.ReachedAt = o.ledger.Now()
		justReached = true
	}
	snapshot := rec.Clone()
	o.mu.Unlock()

	if !justReached {
		return snapshot, nil
	}

	o.logger.InfoContext(ctx, "consensus reached",
		slog.Uint64("market_id", marketID),
		slog.Int("attestors", len(snapshot.Attestors)),
	)

	// Resolution runs outside the oracle lock: the resolver is an external
	// collaborator from this package's point of view and may call back in.
	if o.resolver != nil {
		if err := o.resolver.ResolveMarket(ctx, marketID, snapshot.Text); err != nil {
			return snapshot, fmt.Errorf("oracle: resolve market %d: %w", marketID, err)
		}
	}
	return snapshot, nil
}

// Record returns a snapshot of the consensus record for a market.
func (o *Oracle) Record(marketID uint64) (domain.ConsensusRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[marketID]
	if !ok {
		return domain.ConsensusRecord{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

// Reporters implements the payout distributor's ReporterSource: the attestor
// set is released only once consensus is reached.
func (o *Oracle) Reporters(_ context.Context, marketID uint64) ([]common.Address, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[marketID]
	if !ok || !rec.Reached {
		return nil, domain.ErrConsensusNotReached
	}
	return append([]common.Address(nil), rec.Attestors...), nil
}

// Stalled reports whether the market has ended without resolution while its
// claim sits below quorum.
func (o *Oracle) Stalled(marketID uint64) (StallReport, bool) {
	m, err := o.ledger.GetMarket(marketID)
	if err != nil || m.Resolved || m.Refunded || !m.Ended(o.ledger.Now()) {
		return StallReport{}, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[marketID]
	if !ok {
		return StallReport{MarketID: marketID, OpenSince: m.EndTime}, true
	}
	if rec.Reached {
		return StallReport{}, false
	}
	rivals := 0
	for _, n := range rec.RivalAttempts {
		rivals += n
	}
	return StallReport{
		MarketID:      marketID,
		Attestors:     len(rec.Attestors),
		RivalAttempts: rivals,
		OpenSince:     m.EndTime,
	}, true
}
