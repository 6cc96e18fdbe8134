package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// SubmissionStore is an in-memory domain.SubmissionStore.
type SubmissionStore struct {
	mu   sync.RWMutex
	subs map[uint64]domain.Submission
}

// NewSubmissionStore creates an empty SubmissionStore.
func NewSubmissionStore() *SubmissionStore {
	return &SubmissionStore{subs: make(map[uint64]domain.Submission)}
}

func (s *SubmissionStore) Upsert(_ context.Context, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *SubmissionStore) GetByID(_ context.Context, id uint64) (domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return domain.Submission{}, domain.ErrSubmissionNotFound
	}
	return sub.Clone(), nil
}

func (s *SubmissionStore) ListByMarket(_ context.Context, marketID uint64) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Submission
	for _, sub := range s.subs {
		if sub.MarketID == marketID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SubmissionStore) ListBySubmitter(_ context.Context, submitter common.Address, opts domain.ListOpts) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Submission
	for _, sub := range s.subs {
		if sub.Submitter != submitter {
			continue
		}
		if opts.Since != nil && sub.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !sub.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, opts), nil
}

var _ domain.SubmissionStore = (*SubmissionStore)(nil)
