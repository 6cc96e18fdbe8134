package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the query methods it actually calls, not the
// full domain store interfaces. The Postgres and in-memory stores satisfy
// these implicitly.
// ---------------------------------------------------------------------------

// SettledMarketSource provides read access to settled markets.
type SettledMarketSource interface {
	// ListSettledBefore returns resolved or refunded markets whose deadline
	// passed strictly before the cutoff.
	ListSettledBefore(ctx context.Context, cutoff time.Time) ([]domain.Market, error)
}

// MarketSubmissionSource provides read access to a market's submissions.
type MarketSubmissionSource interface {
	ListByMarket(ctx context.Context, marketID uint64) ([]domain.Submission, error)
}

// MarketPayoutSource provides read access to a market's payout records.
type MarketPayoutSource interface {
	ListByMarket(ctx context.Context, marketID uint64) ([]domain.Payout, error)
}

// EvidenceSource provides read access to consensus records.
type EvidenceSource interface {
	GetByMarket(ctx context.Context, marketID uint64) (domain.ConsensusRecord, error)
}

// ---------------------------------------------------------------------------
// Export row shapes
// ---------------------------------------------------------------------------

// settledExport is one JSONL line of a settled-market archive: the market
// together with its submissions and payout records, so a single line is a
// self-contained settlement history.
type settledExport struct {
	MarketID      uint64             `json:"market_id"`
	SubjectHandle string             `json:"subject_handle"`
	Creator       string             `json:"creator"`
	CreatedAt     time.Time          `json:"created_at"`
	EndTime       time.Time          `json:"end_time"`
	Resolved      bool               `json:"resolved"`
	Refunded      bool               `json:"refunded"`
	WinningID     uint64             `json:"winning_submission_id"`
	CanonicalText string             `json:"canonical_text"`
	TotalPool     string             `json:"total_pool"`
	Submissions   []submissionExport `json:"submissions"`
	Payouts       []payoutExport     `json:"payouts"`
}

type submissionExport struct {
	ID        uint64    `json:"id"`
	Submitter string    `json:"submitter"`
	Text      string    `json:"text"`
	TextHash  string    `json:"text_hash"`
	Stake     string    `json:"stake"`
	IsWinner  bool      `json:"is_winner"`
	Distance  int       `json:"distance"`
	CreatedAt time.Time `json:"created_at"`
}

type payoutExport struct {
	ID        uint64    `json:"id"`
	Recipient string    `json:"recipient"`
	Class     string    `json:"class"`
	Amount    string    `json:"amount"`
	Claimed   bool      `json:"claimed"`
	CreatedAt time.Time `json:"created_at"`
}

// evidenceExport is the full consensus record for one market, including the
// rejected rival tallies, preserved as dispute evidence.
type evidenceExport struct {
	MarketID      uint64         `json:"market_id"`
	TextHash      string         `json:"text_hash"`
	Text          string         `json:"text"`
	EvidenceHash  string         `json:"evidence_hash"`
	Attestors     []string       `json:"attestors"`
	Reached       bool           `json:"reached"`
	CreatedAt     time.Time      `json:"created_at"`
	ReachedAt     *time.Time     `json:"reached_at,omitempty"`
	RivalAttempts map[string]int `json:"rival_attempts,omitempty"`
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// settled records, serializing them to JSONL, and uploading the result to
// blob storage.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here; that is a separate, explicit step to be executed after
// the archive has been verified.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	markets     SettledMarketSource
	submissions MarketSubmissionSource
	payouts     MarketPayoutSource
	consensus   EvidenceSource
	audit       domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	markets SettledMarketSource,
	submissions MarketSubmissionSource,
	payouts MarketPayoutSource,
	consensus EvidenceSource,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		markets:     markets,
		submissions: submissions,
		payouts:     payouts,
		consensus:   consensus,
		audit:       audit,
	}
}

// ArchiveSettled queries markets settled before the cutoff, joins each with
// its submissions and payouts, serializes the result to JSONL, and uploads
// the file to archive/settled/YYYY-MM.jsonl. The archival event is recorded
// in the audit log and the count of archived markets is returned.
func (a *ArchiveImpl) ArchiveSettled(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.markets.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settled query: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	rows := make([]settledExport, 0, len(markets))
	for _, m := range markets {
		subs, err := a.submissions.ListByMarket(ctx, m.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive settled submissions for market %d: %w", m.ID, err)
		}
		pays, err := a.payouts.ListByMarket(ctx, m.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive settled payouts for market %d: %w", m.ID, err)
		}
		rows = append(rows, exportSettled(m, subs, pays))
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settled marshal: %w", err)
	}

	path := archivePath("settled", before)
	if err := a.writer.Put(ctx, path, "application/x-ndjson", buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive settled upload: %w", err)
	}

	count := int64(len(markets))

	if err := a.audit.Log(ctx, "archive.settled", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive settled audit log: %w", err)
	}

	return count, nil
}

// ArchiveEvidence uploads the consensus record for one market, rival tallies
// included, to archive/evidence/market-<id>.json.
func (a *ArchiveImpl) ArchiveEvidence(ctx context.Context, marketID uint64) error {
	rec, err := a.consensus.GetByMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("s3blob: archive evidence query market %d: %w", marketID, err)
	}

	buf, err := json.MarshalIndent(exportEvidence(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: archive evidence marshal market %d: %w", marketID, err)
	}

	path := fmt.Sprintf("archive/evidence/market-%d.json", marketID)
	if err := a.writer.Put(ctx, path, "application/json", buf); err != nil {
		return fmt.Errorf("s3blob: archive evidence upload market %d: %w", marketID, err)
	}

	if err := a.audit.Log(ctx, "archive.evidence", map[string]any{
		"path":      path,
		"market_id": marketID,
	}); err != nil {
		return fmt.Errorf("s3blob: archive evidence audit log: %w", err)
	}

	return nil
}

// ArchiveAudit queries audit entries recorded before the cutoff, serializes
// them to JSONL, and uploads the file to archive/audit/YYYY-MM.jsonl. The
// count of archived entries is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, "application/x-ndjson", buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func exportSettled(m domain.Market, subs []domain.Submission, pays []domain.Payout) settledExport {
	row := settledExport{
		MarketID:      m.ID,
		SubjectHandle: m.SubjectHandle,
		Creator:       m.Creator.Hex(),
		CreatedAt:     m.CreatedAt,
		EndTime:       m.EndTime,
		Resolved:      m.Resolved,
		Refunded:      m.Refunded,
		WinningID:     m.WinningSubmissionID,
		CanonicalText: m.CanonicalText,
		TotalPool:     bigText(m.TotalPool),
		Submissions:   make([]submissionExport, 0, len(subs)),
		Payouts:       make([]payoutExport, 0, len(pays)),
	}
	for _, s := range subs {
		row.Submissions = append(row.Submissions, submissionExport{
			ID:        s.ID,
			Submitter: s.Submitter.Hex(),
			Text:      s.Text,
			TextHash:  s.TextHash.Hex(),
			Stake:     bigText(s.Stake),
			IsWinner:  s.IsWinner,
			Distance:  s.Distance,
			CreatedAt: s.CreatedAt,
		})
	}
	for _, p := range pays {
		row.Payouts = append(row.Payouts, payoutExport{
			ID:        p.ID,
			Recipient: p.Recipient.Hex(),
			Class:     string(p.Class),
			Amount:    bigText(p.Amount),
			Claimed:   p.Claimed,
			CreatedAt: p.CreatedAt,
		})
	}
	return row
}

func exportEvidence(rec domain.ConsensusRecord) evidenceExport {
	out := evidenceExport{
		MarketID:     rec.MarketID,
		TextHash:     rec.TextHash.Hex(),
		Text:         rec.Text,
		EvidenceHash: rec.EvidenceHash.Hex(),
		Attestors:    make([]string, 0, len(rec.Attestors)),
		Reached:      rec.Reached,
		CreatedAt:    rec.CreatedAt,
	}
	for _, addr := range rec.Attestors {
		out.Attestors = append(out.Attestors, addr.Hex())
	}
	if !rec.ReachedAt.IsZero() {
		t := rec.ReachedAt
		out.ReachedAt = &t
	}
	if len(rec.RivalAttempts) > 0 {
		out.RivalAttempts = make(map[string]int, len(rec.RivalAttempts))
		for h, n := range rec.RivalAttempts {
			out.RivalAttempts[h.Hex()] = n
		}
	}
	return out
}

// archivePath builds the blob key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/settled/2026-01.jsonl
//	archive/audit/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// bigText renders a big.Int amount for export, treating nil as zero.
func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
