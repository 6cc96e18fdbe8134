package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// MarketService defines the methods the market handler requires from the
// settlement service. Declared locally so the handler package does not depend
// on the concrete implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, creator common.Address, subjectHandle string, duration time.Duration) (domain.Market, error)
	Market(marketID uint64) (domain.Market, error)
	Submissions(marketID uint64) ([]domain.Submission, error)
}

// MarketDirectory is the read-side listing over the persistence journal.
type MarketDirectory interface {
	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets   MarketService
	directory MarketDirectory
	logger    *slog.Logger
}

// NewMarketHandler creates a MarketHandler. The directory may be nil when no
// persistence journal is configured; the list endpoint then returns 501.
func NewMarketHandler(markets MarketService, directory MarketDirectory, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:   markets,
		directory: directory,
		logger:    logger,
	}
}

// createMarketRequest is the JSON body for opening a market.
type createMarketRequest struct {
	Creator       string `json:"creator"`
	SubjectHandle string `json:"subject_handle"`
	// DurationSeconds is the time from now until the market's deadline.
	DurationSeconds int64 `json:"duration_seconds"`
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketResponse `json:"markets"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// CreateMarket opens a market predicting the subject's next post.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	creator, err := parseAddress(req.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SubjectHandle == "" {
		writeError(w, http.StatusBadRequest, "subject_handle is required")
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), creator, req.SubjectHandle,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMarketResponse(m, time.Now()))
}

// ListMarkets returns open markets with pagination, read from the journal.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	if h.directory == nil {
		writeError(w, http.StatusNotImplemented, "market listing requires a persistence backend")
		return
	}
	opts := parseListOpts(r)

	markets, err := h.directory.ListOpen(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}
	total, err := h.directory.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	now := time.Now()
	out := make([]marketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketResponse(m, now))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a live snapshot of a single market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.markets.Market(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketResponse(m, time.Now()))
}

// ListSubmissions returns live snapshots of a market's submissions.
// GET /api/markets/{id}/submissions
func (h *MarketHandler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subs, err := h.markets.Submissions(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]submissionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, toSubmissionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": out})
}
