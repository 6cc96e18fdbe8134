package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// ConsensusStore implements domain.ConsensusStore using PostgreSQL.
type ConsensusStore struct {
	pool *pgxpool.Pool
}

// NewConsensusStore creates a new ConsensusStore backed by the given
// connection pool.
func NewConsensusStore(pool *pgxpool.Pool) *ConsensusStore {
	return &ConsensusStore{pool: pool}
}

// Upsert inserts or updates the consensus record for a market.
func (s *ConsensusStore) Upsert(ctx context.Context, r domain.ConsensusRecord) error {
	attestors := make([]string, len(r.Attestors))
	for i, a := range r.Attestors {
		attestors[i] = a.Hex()
	}
	rivals := make(map[string]int, len(r.RivalAttempts))
	for h, n := range r.RivalAttempts {
		rivals[h.Hex()] = n
	}
	rivalsJSON, err := json.Marshal(rivals)
	if err != nil {
		return fmt.Errorf("postgres: marshal rival attempts: %w", err)
	}

	var reachedAt *time.Time
	if !r.ReachedAt.IsZero() {
		reachedAt = &r.ReachedAt
	}

	const query = `
		INSERT INTO consensus_records (
			market_id, text_hash, canonical_text, evidence_hash,
			attestors, reached, rival_attempts, created_at, reached_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, NOW()
		)
		ON CONFLICT (market_id) DO UPDATE SET
			attestors      = EXCLUDED.attestors,
			reached        = EXCLUDED.reached,
			rival_attempts = EXCLUDED.rival_attempts,
			reached_at     = EXCLUDED.reached_at,
			updated_at     = NOW()`

	_, err = s.pool.Exec(ctx, query,
		int64(r.MarketID), r.TextHash.Hex(), r.Text, r.EvidenceHash.Hex(),
		attestors, r.Reached, rivalsJSON, r.CreatedAt, reachedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert consensus record %d: %w", r.MarketID, err)
	}
	return nil
}

// GetByMarket retrieves the consensus record for a market.
func (s *ConsensusStore) GetByMarket(ctx context.Context, marketID uint64) (domain.ConsensusRecord, error) {
	const query = `
		SELECT market_id, text_hash, canonical_text, evidence_hash,
			attestors, reached, rival_attempts, created_at, reached_at
		FROM consensus_records WHERE market_id = $1`

	var (
		r          domain.ConsensusRecord
		id         int64
		textHash   string
		evidence   string
		attestors  []string
		rivalsJSON []byte
		reachedAt  *time.Time
	)
	err := s.pool.QueryRow(ctx, query, int64(marketID)).Scan(
		&id, &textHash, &r.Text, &evidence,
		&attestors, &r.Reached, &rivalsJSON, &r.CreatedAt, &reachedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConsensusRecord{}, domain.ErrNotFound
		}
		return domain.ConsensusRecord{}, fmt.Errorf("postgres: get consensus record %d: %w", marketID, err)
	}

	r.MarketID = uint64(id)
	r.TextHash = common.HexToHash(textHash)
	r.EvidenceHash = common.HexToHash(evidence)
	r.Attestors = make([]common.Address, len(attestors))
	for i, a := range attestors {
		r.Attestors[i] = common.HexToAddress(a)
	}
	var rivals map[string]int
	if err := json.Unmarshal(rivalsJSON, &rivals); err != nil {
		return domain.ConsensusRecord{}, fmt.Errorf("postgres: unmarshal rival attempts: %w", err)
	}
	r.RivalAttempts = make(map[common.Hash]int, len(rivals))
	for h, n := range rivals {
		r.RivalAttempts[common.HexToHash(h)] = n
	}
	if reachedAt != nil {
		r.ReachedAt = *reachedAt
	}
	return r, nil
}

var _ domain.ConsensusStore = (*ConsensusStore)(nil)
