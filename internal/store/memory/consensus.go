package memory

import (
	"context"
	"sync"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// ConsensusStore is an in-memory domain.ConsensusStore.
type ConsensusStore struct {
	mu      sync.RWMutex
	records map[uint64]domain.ConsensusRecord
}

// NewConsensusStore creates an empty ConsensusStore.
func NewConsensusStore() *ConsensusStore {
	return &ConsensusStore{records: make(map[uint64]domain.ConsensusRecord)}
}

func (s *ConsensusStore) Upsert(_ context.Context, r domain.ConsensusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.MarketID] = r.Clone()
	return nil
}

func (s *ConsensusStore) GetByMarket(_ context.Context, marketID uint64) (domain.ConsensusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[marketID]
	if !ok {
		return domain.ConsensusRecord{}, domain.ErrNotFound
	}
	return r.Clone(), nil
}

var _ domain.ConsensusStore = (*ConsensusStore)(nil)
