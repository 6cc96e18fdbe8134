package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Upsert inserts or updates a single market.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, subject_handle, creator, created_at, end_time, betting_cutoff,
			resolved, refunded, winning_submission_id, canonical_text,
			total_pool, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11::NUMERIC, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			resolved              = EXCLUDED.resolved,
			refunded              = EXCLUDED.refunded,
			winning_submission_id = EXCLUDED.winning_submission_id,
			canonical_text        = EXCLUDED.canonical_text,
			total_pool            = EXCLUDED.total_pool,
			updated_at            = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(m.ID), m.SubjectHandle, m.Creator.Hex(),
		m.CreatedAt, m.EndTime, m.BettingCutoff,
		m.Resolved, m.Refunded, int64(m.WinningSubmissionID), m.CanonicalText,
		bigString(m.TotalPool),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %d: %w", m.ID, err)
	}
	return nil
}

const marketCols = `id, subject_handle, creator, created_at, end_time,
	betting_cutoff, resolved, refunded, winning_submission_id,
	canonical_text, total_pool::TEXT`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		id      int64
		winID   int64
		creator string
		pool    string
	)
	err := row.Scan(
		&id, &m.SubjectHandle, &creator, &m.CreatedAt, &m.EndTime,
		&m.BettingCutoff, &m.Resolved, &m.Refunded, &winID,
		&m.CanonicalText, &pool,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.WinningSubmissionID = uint64(winID)
	m.Creator = common.HexToAddress(creator)
	m.TotalPool, _ = new(big.Int).SetString(pool, 10)
	if m.TotalPool == nil {
		m.TotalPool = new(big.Int)
	}
	return m, nil
}

// GetByID retrieves a market and the ids of its submissions.
func (s *MarketStore) GetByID(ctx context.Context, id uint64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, int64(id))
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrMarketNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM submissions WHERE market_id = $1 ORDER BY id`, int64(id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %d submissions: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var subID int64
		if err := rows.Scan(&subID); err != nil {
			return domain.Market{}, fmt.Errorf("postgres: scan submission id: %w", err)
		}
		m.SubmissionIDs = append(m.SubmissionIDs, uint64(subID))
	}
	if err := rows.Err(); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %d submissions rows: %w", id, err)
	}
	return m, nil
}

// ListOpen returns unresolved markets with pagination and optional time
// filtering. SubmissionIDs are not populated on list queries.
func (s *MarketStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE NOT resolved AND NOT refunded`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryMarkets(ctx, query, args...)
}

// ListUnresolvedEndedBefore returns markets whose deadline passed before the
// cutoff and that never resolved.
func (s *MarketStore) ListUnresolvedEndedBefore(ctx context.Context, cutoff time.Time) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE NOT resolved AND NOT refunded AND end_time < $1 ORDER BY id`
	return s.queryMarkets(ctx, query, cutoff)
}

// ListSettledBefore returns resolved or refunded markets whose deadline
// passed before the cutoff.
func (s *MarketStore) ListSettledBefore(ctx context.Context, cutoff time.Time) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE (resolved OR refunded) AND end_time < $1 ORDER BY id`
	return s.queryMarkets(ctx, query, cutoff)
}

func (s *MarketStore) queryMarkets(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// bigString renders a big.Int for a NUMERIC parameter, treating nil as zero.
func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ domain.MarketStore = (*MarketStore)(nil)
