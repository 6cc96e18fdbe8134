package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketStatus represents the lifecycle state of a market. Open and
// BettingClosed are derived from wall-clock time; only Resolved and Refunded
// are stored transitions.
type MarketStatus string

const (
	MarketStatusOpen              MarketStatus = "open"
	MarketStatusBettingClosed     MarketStatus = "betting_closed"
	MarketStatusAwaitingConsensus MarketStatus = "awaiting_consensus"
	MarketStatusResolved          MarketStatus = "resolved"
	MarketStatusRefunded          MarketStatus = "refunded"
)

// NoSubmission is the sentinel value for an unset winning-submission id.
// Submission ids are allocated starting at 1.
const NoSubmission uint64 = 0

// Market is a single prediction instance tied to a subject handle and a
// deadline. A market owns its submissions (1:N, append-only) and is never
// deleted; resolution is terminal.
type Market struct {
	ID            uint64
	SubjectHandle string
	Creator       common.Address
	CreatedAt     time.Time
	EndTime       time.Time
	// BettingCutoff is EndTime minus the configured safety margin. No new
	// submissions are accepted once the clock reaches it, even though the
	// market is nominally still open.
	BettingCutoff       time.Time
	Resolved            bool
	Refunded            bool
	WinningSubmissionID uint64
	CanonicalText       string
	TotalPool           *big.Int
	SubmissionIDs       []uint64
}

// StatusAt derives the lifecycle state at the given instant. The
// Open -> BettingClosed -> AwaitingConsensus progression is purely
// time-based and is never written anywhere.
func (m *Market) StatusAt(now time.Time) MarketStatus {
	switch {
	case m.Refunded:
		return MarketStatusRefunded
	case m.Resolved:
		return MarketStatusResolved
	case !now.Before(m.EndTime):
		return MarketStatusAwaitingConsensus
	case !now.Before(m.BettingCutoff):
		return MarketStatusBettingClosed
	default:
		return MarketStatusOpen
	}
}

// Ended reports whether the submission deadline has passed.
func (m *Market) Ended(now time.Time) bool {
	return !now.Before(m.EndTime)
}

// Clone returns a deep copy so callers can hand out market snapshots without
// exposing the ledger's live pool or submission list.
func (m *Market) Clone() Market {
	out := *m
	if m.TotalPool != nil {
		out.TotalPool = new(big.Int).Set(m.TotalPool)
	}
	if m.SubmissionIDs != nil {
		out.SubmissionIDs = append([]uint64(nil), m.SubmissionIDs...)
	}
	return out
}
