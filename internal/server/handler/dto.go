package handler

import (
	"math/big"
	"time"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/engine"
	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
	"github.com/timepoint-ai/proteus-sub001/internal/payout"
)

// Response shapes. Wei amounts travel as decimal strings so clients are never
// exposed to JSON number precision limits.

type marketResponse struct {
	ID                  uint64    `json:"id"`
	SubjectHandle       string    `json:"subject_handle"`
	Creator             string    `json:"creator"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	EndTime             time.Time `json:"end_time"`
	BettingCutoff       time.Time `json:"betting_cutoff"`
	WinningSubmissionID uint64    `json:"winning_submission_id,omitempty"`
	CanonicalText       string    `json:"canonical_text,omitempty"`
	TotalPool           string    `json:"total_pool"`
	SubmissionCount     int       `json:"submission_count"`
}

type submissionResponse struct {
	ID        uint64    `json:"id"`
	MarketID  uint64    `json:"market_id"`
	Submitter string    `json:"submitter"`
	Text      string    `json:"text"`
	TextHash  string    `json:"text_hash"`
	Stake     string    `json:"stake"`
	Claimed   bool      `json:"claimed"`
	IsWinner  bool      `json:"is_winner"`
	Distance  *int      `json:"distance,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type consensusResponse struct {
	MarketID      uint64     `json:"market_id"`
	Text          string     `json:"text"`
	TextHash      string     `json:"text_hash"`
	EvidenceHash  string     `json:"evidence_hash"`
	Attestors     []string   `json:"attestors"`
	Reached       bool       `json:"reached"`
	ReachedAt     *time.Time `json:"reached_at,omitempty"`
	RivalAttempts int        `json:"rival_attempts"`
}

type outcomeResponse struct {
	MarketID            uint64 `json:"market_id"`
	WinningSubmissionID uint64 `json:"winning_submission_id"`
	Winner              string `json:"winner,omitempty"`
	WinningDistance     int    `json:"winning_distance"`
	CanonicalText       string `json:"canonical_text"`
	Pool                string `json:"pool"`
}

type receiptResponse struct {
	MarketID     uint64            `json:"market_id"`
	SubmissionID uint64            `json:"submission_id"`
	Winner       string            `json:"winner"`
	Pool         string            `json:"pool"`
	Fee          string            `json:"fee"`
	Net          string            `json:"net"`
	Pushed       bool              `json:"pushed"`
	Shares       map[string]string `json:"shares"`
}

type refundResponse struct {
	SubmissionID uint64 `json:"submission_id"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	Pushed       bool   `json:"pushed"`
}

type stallResponse struct {
	MarketID      uint64    `json:"market_id"`
	Attestors     int       `json:"attestors"`
	RivalAttempts int       `json:"rival_attempts"`
	OpenSince     time.Time `json:"open_since"`
}

// bigText renders a wei amount, treating nil as zero.
func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func toMarketResponse(m domain.Market, now time.Time) marketResponse {
	return marketResponse{
		ID:                  m.ID,
		SubjectHandle:       m.SubjectHandle,
		Creator:             m.Creator.Hex(),
		Status:              string(m.StatusAt(now)),
		CreatedAt:           m.CreatedAt,
		EndTime:             m.EndTime,
		BettingCutoff:       m.BettingCutoff,
		WinningSubmissionID: m.WinningSubmissionID,
		CanonicalText:       m.CanonicalText,
		TotalPool:           bigText(m.TotalPool),
		SubmissionCount:     len(m.SubmissionIDs),
	}
}

func toSubmissionResponse(s domain.Submission) submissionResponse {
	out := submissionResponse{
		ID:        s.ID,
		MarketID:  s.MarketID,
		Submitter: s.Submitter.Hex(),
		Text:      s.Text,
		TextHash:  s.TextHash.Hex(),
		Stake:     bigText(s.Stake),
		Claimed:   s.Claimed,
		IsWinner:  s.IsWinner,
		CreatedAt: s.CreatedAt,
	}
	if s.Distance != domain.DistanceUnset {
		d := s.Distance
		out.Distance = &d
	}
	return out
}

func toConsensusResponse(rec domain.ConsensusRecord) consensusResponse {
	out := consensusResponse{
		MarketID:     rec.MarketID,
		Text:         rec.Text,
		TextHash:     rec.TextHash.Hex(),
		EvidenceHash: rec.EvidenceHash.Hex(),
		Attestors:    make([]string, 0, len(rec.Attestors)),
		Reached:      rec.Reached,
	}
	for _, a := range rec.Attestors {
		out.Attestors = append(out.Attestors, a.Hex())
	}
	if !rec.ReachedAt.IsZero() {
		t := rec.ReachedAt
		out.ReachedAt = &t
	}
	for _, n := range rec.RivalAttempts {
		out.RivalAttempts += n
	}
	return out
}

func toOutcomeResponse(out engine.Outcome) outcomeResponse {
	resp := outcomeResponse{
		MarketID:            out.MarketID,
		WinningSubmissionID: out.WinningSubmissionID,
		WinningDistance:     out.WinningDistance,
		CanonicalText:       out.CanonicalText,
		Pool:                bigText(out.Pool),
	}
	if out.WinningSubmissionID != domain.NoSubmission {
		resp.Winner = out.Winner.Hex()
	}
	return resp
}

func toReceiptResponse(r payout.Receipt) receiptResponse {
	shares := make(map[string]string, len(r.Shares))
	for class, amt := range r.Shares {
		shares[string(class)] = bigText(amt)
	}
	return receiptResponse{
		MarketID:     r.MarketID,
		SubmissionID: r.SubmissionID,
		Winner:       r.Winner.Hex(),
		Pool:         bigText(r.Pool),
		Fee:          bigText(r.Fee),
		Net:          bigText(r.Net),
		Pushed:       r.Pushed,
		Shares:       shares,
	}
}

func toRefundResponses(refunds []engine.Refund) []refundResponse {
	out := make([]refundResponse, 0, len(refunds))
	for _, r := range refunds {
		out = append(out, refundResponse{
			SubmissionID: r.SubmissionID,
			Recipient:    r.Recipient.Hex(),
			Amount:       bigText(r.Amount),
			Pushed:       r.Pushed,
		})
	}
	return out
}

func toStallResponses(reports []oracle.StallReport) []stallResponse {
	out := make([]stallResponse, 0, len(reports))
	for _, r := range reports {
		out = append(out, stallResponse{
			MarketID:      r.MarketID,
			Attestors:     r.Attestors,
			RivalAttempts: r.RivalAttempts,
			OpenSince:     r.OpenSince,
		})
	}
	return out
}
