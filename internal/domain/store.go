package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// The stores are a write-behind journal of the authoritative in-memory
// ledger: every mutation the settlement core performs is mirrored here for
// durability, audit, and read-side tooling. They are never consulted to make
// a settlement decision.

// MarketStore persists market records.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id uint64) (Market, error)
	ListOpen(ctx context.Context, opts ListOpts) ([]Market, error)
	// ListUnresolvedEndedBefore returns markets whose deadline passed before
	// the cutoff and that never resolved; feeds the stall report and the
	// emergency-withdraw sweep.
	ListUnresolvedEndedBefore(ctx context.Context, cutoff time.Time) ([]Market, error)
	// ListSettledBefore returns resolved or refunded markets whose deadline
	// passed before the cutoff; feeds the archiver.
	ListSettledBefore(ctx context.Context, cutoff time.Time) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// SubmissionStore persists submission records.
type SubmissionStore interface {
	Upsert(ctx context.Context, s Submission) error
	GetByID(ctx context.Context, id uint64) (Submission, error)
	ListByMarket(ctx context.Context, marketID uint64) ([]Submission, error)
	ListBySubmitter(ctx context.Context, submitter common.Address, opts ListOpts) ([]Submission, error)
}

// ConsensusStore persists one consensus record per market.
type ConsensusStore interface {
	Upsert(ctx context.Context, r ConsensusRecord) error
	GetByMarket(ctx context.Context, marketID uint64) (ConsensusRecord, error)
}

// PayoutStore persists claimable credits.
type PayoutStore interface {
	Upsert(ctx context.Context, p Payout) error
	ListByRecipient(ctx context.Context, recipient common.Address, opts ListOpts) ([]Payout, error)
	ListByMarket(ctx context.Context, marketID uint64) ([]Payout, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
