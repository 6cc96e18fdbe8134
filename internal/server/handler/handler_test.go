package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/engine"
	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
	"github.com/timepoint-ai/proteus-sub001/internal/payout"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// stubService cans responses for the handler-facing service interfaces.
type stubService struct {
	market     domain.Market
	marketErr  error
	submission domain.Submission
	submitErr  error
	consensus  domain.ConsensusRecord
	attestErr  error
	receipt    payout.Receipt
	claimErr   error
	balance    *big.Int
}

func (s *stubService) CreateMarket(_ context.Context, creator common.Address, handle string, _ time.Duration) (domain.Market, error) {
	if s.marketErr != nil {
		return domain.Market{}, s.marketErr
	}
	m := s.market
	m.Creator = creator
	m.SubjectHandle = handle
	return m, nil
}

func (s *stubService) Market(uint64) (domain.Market, error) {
	return s.market, s.marketErr
}

func (s *stubService) Submissions(uint64) ([]domain.Submission, error) {
	if s.marketErr != nil {
		return nil, s.marketErr
	}
	return []domain.Submission{s.submission}, nil
}

func (s *stubService) SubmitPrediction(_ context.Context, _ uint64, _ common.Address, _ string, _ *big.Int) (domain.Submission, error) {
	return s.submission, s.submitErr
}

func (s *stubService) Attest(_ context.Context, _ uint64, _ common.Address, _ string, _ common.Hash) (domain.ConsensusRecord, error) {
	return s.consensus, s.attestErr
}

func (s *stubService) AttestSigned(_ context.Context, _ uint64, _ string, _ common.Hash, _ []byte) (domain.ConsensusRecord, error) {
	return s.consensus, s.attestErr
}

func (s *stubService) Resolve(_ context.Context, marketID uint64, text string) (engine.Outcome, error) {
	return engine.Outcome{MarketID: marketID, WinningSubmissionID: 1, Winner: alice, CanonicalText: text, Pool: big.NewInt(300)}, nil
}

func (s *stubService) ClaimPayout(_ context.Context, _ uint64) (payout.Receipt, error) {
	return s.receipt, s.claimErr
}

func (s *stubService) WithdrawRewards(_ context.Context, _ common.Address) (*big.Int, error) {
	return s.balance, nil
}

func (s *stubService) EmergencyWithdraw(_ context.Context, _ uint64, _ common.Address) ([]engine.Refund, error) {
	return []engine.Refund{{SubmissionID: 1, Recipient: alice, Amount: big.NewInt(100), Pushed: true}}, nil
}

func (s *stubService) SweepStalled(context.Context) []oracle.StallReport {
	return []oracle.StallReport{{MarketID: 1, Attestors: 2, RivalAttempts: 1}}
}

func (s *stubService) Balance(common.Address) *big.Int {
	if s.balance == nil {
		return new(big.Int)
	}
	return s.balance
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStub() *stubService {
	return &stubService{
		market: domain.Market{
			ID:            1,
			SubjectHandle: "@elonmusk",
			Creator:       alice,
			EndTime:       time.Now().Add(24 * time.Hour),
			BettingCutoff: time.Now().Add(23 * time.Hour),
			TotalPool:     big.NewInt(300),
			SubmissionIDs: []uint64{1},
		},
		submission: domain.Submission{
			ID:        1,
			MarketID:  1,
			Submitter: bob,
			Text:      "hello world",
			TextHash:  domain.HashText("hello world"),
			Stake:     big.NewInt(100),
			Distance:  domain.DistanceUnset,
		},
		consensus: domain.ConsensusRecord{
			MarketID:  1,
			Text:      "hello world",
			TextHash:  domain.HashText("hello world"),
			Attestors: []common.Address{alice},
		},
		receipt: payout.Receipt{
			MarketID:     1,
			SubmissionID: 1,
			Winner:       bob,
			Pool:         big.NewInt(300),
			Fee:          big.NewInt(8),
			Net:          big.NewInt(292),
			Pushed:       true,
			Shares: map[domain.StakeholderClass]*big.Int{
				domain.ClassReporter: big.NewInt(3),
				domain.ClassOperator: big.NewInt(5),
			},
		},
		balance: big.NewInt(42),
	}
}

// mux registers the routes under test the same way the server does.
func newMux(svc *stubService) *http.ServeMux {
	markets := NewMarketHandler(svc, nil, testLogger())
	settlement := NewSettlementHandler(svc, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/markets", markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/submissions", markets.ListSubmissions)
	mux.HandleFunc("POST /api/markets/{id}/submissions", settlement.SubmitPrediction)
	mux.HandleFunc("POST /api/markets/{id}/attestations", settlement.Attest)
	mux.HandleFunc("POST /api/submissions/{id}/claim", settlement.ClaimPayout)
	mux.HandleFunc("GET /api/rewards/{address}", settlement.GetRewards)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateMarket(t *testing.T) {
	mux := newMux(newStub())

	rec := doJSON(t, mux, http.MethodPost, "/api/markets",
		`{"creator":"`+alice.Hex()+`","subject_handle":"@elonmusk","duration_seconds":86400}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp marketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "@elonmusk", resp.SubjectHandle)
	require.Equal(t, alice.Hex(), resp.Creator)
	require.Equal(t, "300", resp.TotalPool)

	rec = doJSON(t, mux, http.MethodPost, "/api/markets",
		`{"creator":"not-an-address","subject_handle":"@x","duration_seconds":60}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMarketNotFound(t *testing.T) {
	svc := newStub()
	svc.marketErr = domain.ErrMarketNotFound
	mux := newMux(svc)

	rec := doJSON(t, mux, http.MethodGet, "/api/markets/9", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitPrediction(t *testing.T) {
	mux := newMux(newStub())

	rec := doJSON(t, mux, http.MethodPost, "/api/markets/1/submissions",
		`{"submitter":"`+bob.Hex()+`","text":"hello world","stake":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp submissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "100", resp.Stake)
	require.Nil(t, resp.Distance, "distance is hidden until resolution")

	// Negative stake never reaches the service.
	rec = doJSON(t, mux, http.MethodPost, "/api/markets/1/submissions",
		`{"submitter":"`+bob.Hex()+`","text":"x","stake":"-5"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitPredictionRateLimited(t *testing.T) {
	svc := newStub()
	svc.submitErr = domain.ErrRateLimited
	mux := newMux(svc)

	rec := doJSON(t, mux, http.MethodPost, "/api/markets/1/submissions",
		`{"submitter":"`+bob.Hex()+`","text":"hello","stake":"100"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAttestRequiresIdentity(t *testing.T) {
	mux := newMux(newStub())

	rec := doJSON(t, mux, http.MethodPost, "/api/markets/1/attestations",
		`{"text":"hello world","evidence_hash":"0xabc1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/markets/1/attestations",
		`{"reporter":"`+alice.Hex()+`","text":"hello world","evidence_hash":"0xabc1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp consensusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{alice.Hex()}, resp.Attestors)
}

func TestAttestMismatchMapsToConflict(t *testing.T) {
	svc := newStub()
	svc.attestErr = domain.ErrAttestationMismatch
	mux := newMux(svc)

	rec := doJSON(t, mux, http.MethodPost, "/api/markets/1/attestations",
		`{"reporter":"`+alice.Hex()+`","text":"goodbye","evidence_hash":"0xabc1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestClaimPayout(t *testing.T) {
	mux := newMux(newStub())

	rec := doJSON(t, mux, http.MethodPost, "/api/submissions/1/claim", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp receiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "292", resp.Net)
	require.Equal(t, "8", resp.Fee)
	require.Equal(t, "3", resp.Shares["reporter"])
}

func TestGetRewards(t *testing.T) {
	mux := newMux(newStub())

	rec := doJSON(t, mux, http.MethodGet, "/api/rewards/"+alice.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "42", resp["balance"])
}
