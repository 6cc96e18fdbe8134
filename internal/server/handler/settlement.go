package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/engine"
	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
	"github.com/timepoint-ai/proteus-sub001/internal/payout"
)

// SettlementService defines the write-side methods the settlement handler
// requires from the service layer.
type SettlementService interface {
	SubmitPrediction(ctx context.Context, marketID uint64, submitter common.Address, text string, stake *big.Int) (domain.Submission, error)
	Attest(ctx context.Context, marketID uint64, reporter common.Address, text string, evidenceHash common.Hash) (domain.ConsensusRecord, error)
	AttestSigned(ctx context.Context, marketID uint64, text string, evidenceHash common.Hash, sig []byte) (domain.ConsensusRecord, error)
	Resolve(ctx context.Context, marketID uint64, canonicalText string) (engine.Outcome, error)
	ClaimPayout(ctx context.Context, submissionID uint64) (payout.Receipt, error)
	WithdrawRewards(ctx context.Context, recipient common.Address) (*big.Int, error)
	EmergencyWithdraw(ctx context.Context, marketID uint64, caller common.Address) ([]engine.Refund, error)
	SweepStalled(ctx context.Context) []oracle.StallReport
	Balance(recipient common.Address) *big.Int
}

// SettlementHandler serves the staking, attestation, and claim endpoints.
type SettlementHandler struct {
	svc    SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(svc SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{svc: svc, logger: logger}
}

type submitRequest struct {
	Submitter string `json:"submitter"`
	Text      string `json:"text"`
	// Stake is a decimal wei amount.
	Stake string `json:"stake"`
}

type attestRequest struct {
	// Reporter identifies a directly-authenticated reporter. Leave empty and
	// set Signature for relayed attestations.
	Reporter     string `json:"reporter,omitempty"`
	Text         string `json:"text"`
	EvidenceHash string `json:"evidence_hash"`
	// Signature is a 65-byte hex-encoded detached reporter signature over
	// (market id, text hash, evidence hash).
	Signature string `json:"signature,omitempty"`
}

type resolveRequest struct {
	CanonicalText string `json:"canonical_text"`
}

type emergencyRequest struct {
	Caller string `json:"caller"`
}

// SubmitPrediction stakes value on a predicted text.
// POST /api/markets/{id}/submissions
func (h *SettlementHandler) SubmitPrediction(w http.ResponseWriter, r *http.Request) {
	marketID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	submitter, err := parseAddress(req.Submitter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stake, err := parseAmount(req.Stake)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.svc.SubmitPrediction(r.Context(), marketID, submitter, req.Text, stake)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmissionResponse(sub))
}

// Attest records one reporter's account of the subject's real post. Bodies
// carrying a signature are verified and attributed to the recovered signer.
// POST /api/markets/{id}/attestations
func (h *SettlementHandler) Attest(w http.ResponseWriter, r *http.Request) {
	marketID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req attestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	evidenceHash := common.HexToHash(req.EvidenceHash)

	var rec domain.ConsensusRecord
	switch {
	case req.Signature != "":
		sig, derr := hexutil.Decode(req.Signature)
		if derr != nil {
			writeError(w, http.StatusBadRequest, "invalid signature encoding")
			return
		}
		rec, err = h.svc.AttestSigned(r.Context(), marketID, req.Text, evidenceHash, sig)
	case req.Reporter != "":
		var reporter common.Address
		reporter, err = parseAddress(req.Reporter)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rec, err = h.svc.Attest(r.Context(), marketID, reporter, req.Text, evidenceHash)
	default:
		writeError(w, http.StatusBadRequest, "reporter or signature is required")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsensusResponse(rec))
}

// ResolveMarket settles a market against an operator-supplied canonical text.
// Consensus-driven deployments never call this; quorum resolves via Attest.
// POST /api/markets/{id}/resolve
func (h *SettlementHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	out, err := h.svc.Resolve(r.Context(), marketID, req.CanonicalText)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

// ClaimPayout pays the winning submission and distributes the protocol fee.
// POST /api/submissions/{id}/claim
func (h *SettlementHandler) ClaimPayout(w http.ResponseWriter, r *http.Request) {
	submissionID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rcpt, err := h.svc.ClaimPayout(r.Context(), submissionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "payout claimed",
		slog.Uint64("submission_id", submissionID),
		slog.String("net", rcpt.Net.String()),
	)
	writeJSON(w, http.StatusOK, toReceiptResponse(rcpt))
}

// EmergencyWithdraw returns all stakes of a stuck market to their submitters.
// POST /api/markets/{id}/emergency-withdraw
func (h *SettlementHandler) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	marketID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	refunds, err := h.svc.EmergencyWithdraw(r.Context(), marketID, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": toRefundResponses(refunds)})
}

// GetRewards returns a recipient's unclaimed pull balance.
// GET /api/rewards/{address}
func (h *SettlementHandler) GetRewards(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr, err := parseAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"recipient": addr.Hex(),
		"balance":   bigText(h.svc.Balance(addr)),
	})
}

// WithdrawRewards drains a recipient's accumulated pull balance.
// POST /api/rewards/{address}/withdraw
func (h *SettlementHandler) WithdrawRewards(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := h.svc.WithdrawRewards(r.Context(), addr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"recipient": addr.Hex(),
		"withdrawn": bigText(amount),
	})
}

// ListStalled reports markets stuck below consensus quorum past deadline.
// GET /api/markets/stalled
func (h *SettlementHandler) ListStalled(w http.ResponseWriter, r *http.Request) {
	reports := h.svc.SweepStalled(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"stalled": toStallResponses(reports),
		"as_of":   time.Now().UTC().Format(time.RFC3339),
	})
}
