package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// SubmissionStore implements domain.SubmissionStore using PostgreSQL.
type SubmissionStore struct {
	pool *pgxpool.Pool
}

// NewSubmissionStore creates a new SubmissionStore backed by the given
// connection pool.
func NewSubmissionStore(pool *pgxpool.Pool) *SubmissionStore {
	return &SubmissionStore{pool: pool}
}

// Upsert inserts or updates a single submission.
func (s *SubmissionStore) Upsert(ctx context.Context, sub domain.Submission) error {
	const query = `
		INSERT INTO submissions (
			id, market_id, submitter, prediction, text_hash,
			stake, claimed, is_winner, distance, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC, $7, $8, $9, $10, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			claimed    = EXCLUDED.claimed,
			is_winner  = EXCLUDED.is_winner,
			distance   = EXCLUDED.distance,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(sub.ID), int64(sub.MarketID), sub.Submitter.Hex(),
		sub.Text, sub.TextHash.Hex(),
		bigString(sub.Stake), sub.Claimed, sub.IsWinner, sub.Distance,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert submission %d: %w", sub.ID, err)
	}
	return nil
}

const submissionCols = `id, market_id, submitter, prediction, text_hash,
	stake::TEXT, claimed, is_winner, distance, created_at`

// scanSubmission scans a single submission row into a domain.Submission.
func scanSubmission(row pgx.Row) (domain.Submission, error) {
	var (
		sub       domain.Submission
		id        int64
		marketID  int64
		submitter string
		textHash  string
		stake     string
	)
	err := row.Scan(
		&id, &marketID, &submitter, &sub.Text, &textHash,
		&stake, &sub.Claimed, &sub.IsWinner, &sub.Distance, &sub.CreatedAt,
	)
	if err != nil {
		return domain.Submission{}, err
	}
	sub.ID = uint64(id)
	sub.MarketID = uint64(marketID)
	sub.Submitter = common.HexToAddress(submitter)
	sub.TextHash = common.HexToHash(textHash)
	sub.Stake, _ = new(big.Int).SetString(stake, 10)
	if sub.Stake == nil {
		sub.Stake = new(big.Int)
	}
	return sub, nil
}

// GetByID retrieves a submission by its primary key.
func (s *SubmissionStore) GetByID(ctx context.Context, id uint64) (domain.Submission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE id = $1`, int64(id))
	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Submission{}, domain.ErrSubmissionNotFound
		}
		return domain.Submission{}, fmt.Errorf("postgres: get submission %d: %w", id, err)
	}
	return sub, nil
}

// ListByMarket returns a market's submissions in creation order.
func (s *SubmissionStore) ListByMarket(ctx context.Context, marketID uint64) ([]domain.Submission, error) {
	return s.querySubmissions(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE market_id = $1 ORDER BY id`,
		int64(marketID))
}

// ListBySubmitter returns a submitter's submissions with pagination and
// optional time filtering.
func (s *SubmissionStore) ListBySubmitter(ctx context.Context, submitter common.Address, opts domain.ListOpts) ([]domain.Submission, error) {
	query := `SELECT ` + submissionCols + ` FROM submissions WHERE submitter = $1`
	args := []any{submitter.Hex()}
	argIdx := 2

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

	return s.querySubmissions(ctx, query, args...)
}

func (s *SubmissionStore) querySubmissions(ctx context.Context, query string, args ...any) ([]domain.Submission, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list submissions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list submissions rows: %w", err)
	}
	return subs, nil
}

var _ domain.SubmissionStore = (*SubmissionStore)(nil)
