package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// PayoutStore is an in-memory domain.PayoutStore.
type PayoutStore struct {
	mu      sync.RWMutex
	payouts map[uint64]domain.Payout
}

// NewPayoutStore creates an empty PayoutStore.
func NewPayoutStore() *PayoutStore {
	return &PayoutStore{payouts: make(map[uint64]domain.Payout)}
}

func (s *PayoutStore) Upsert(_ context.Context, p domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts[p.ID] = p.Clone()
	return nil
}

func (s *PayoutStore) ListByRecipient(_ context.Context, recipient common.Address, opts domain.ListOpts) ([]domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Payout
	for _, p := range s.payouts {
		if p.Recipient != recipient {
			continue
		}
		if opts.Since != nil && p.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, opts), nil
}

func (s *PayoutStore) ListByMarket(_ context.Context, marketID uint64) ([]domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Payout
	for _, p := range s.payouts {
		if p.MarketID == marketID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ domain.PayoutStore = (*PayoutStore)(nil)
