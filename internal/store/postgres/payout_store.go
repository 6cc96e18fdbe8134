package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// PayoutStore implements domain.PayoutStore using PostgreSQL.
type PayoutStore struct {
	pool *pgxpool.Pool
}

// NewPayoutStore creates a new PayoutStore backed by the given connection pool.
func NewPayoutStore(pool *pgxpool.Pool) *PayoutStore {
	return &PayoutStore{pool: pool}
}

// Upsert inserts or updates a single payout record.
func (s *PayoutStore) Upsert(ctx context.Context, p domain.Payout) error {
	var claimedAt *time.Time
	if !p.ClaimedAt.IsZero() {
		claimedAt = &p.ClaimedAt
	}

	const query = `
		INSERT INTO payouts (
			id, market_id, recipient, class, amount,
			claimed, created_at, claimed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC,
			$6, $7, $8, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			claimed    = EXCLUDED.claimed,
			claimed_at = EXCLUDED.claimed_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(p.ID), int64(p.MarketID), p.Recipient.Hex(), string(p.Class),
		bigString(p.Amount), p.Claimed, p.CreatedAt, claimedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert payout %d: %w", p.ID, err)
	}
	return nil
}

const payoutCols = `id, market_id, recipient, class, amount::TEXT,
	claimed, created_at, claimed_at`

// scanPayout scans a single payout row into a domain.Payout.
func scanPayout(row pgx.Row) (domain.Payout, error) {
	var (
		p         domain.Payout
		id        int64
		marketID  int64
		recipient string
		class     string
		amount    string
		claimedAt *time.Time
	)
	err := row.Scan(
		&id, &marketID, &recipient, &class, &amount,
		&p.Claimed, &p.CreatedAt, &claimedAt,
	)
	if err != nil {
		return domain.Payout{}, err
	}
	p.ID = uint64(id)
	p.MarketID = uint64(marketID)
	p.Recipient = common.HexToAddress(recipient)
	p.Class = domain.StakeholderClass(class)
	p.Amount, _ = new(big.Int).SetString(amount, 10)
	if p.Amount == nil {
		p.Amount = new(big.Int)
	}
	if claimedAt != nil {
		p.ClaimedAt = *claimedAt
	}
	return p, nil
}

// ListByRecipient returns a recipient's payout records with pagination and
// optional time filtering.
func (s *PayoutStore) ListByRecipient(ctx context.Context, recipient common.Address, opts domain.ListOpts) ([]domain.Payout, error) {
	query := `SELECT ` + payoutCols + ` FROM payouts WHERE recipient = $1`
	args := []any{recipient.Hex()}
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

	return s.queryPayouts(ctx, query, args...)
}

// ListByMarket returns a market's payout records in creation order.
func (s *PayoutStore) ListByMarket(ctx context.Context, marketID uint64) ([]domain.Payout, error) {
	return s.queryPayouts(ctx,
		`SELECT `+payoutCols+` FROM payouts WHERE market_id = $1 ORDER BY id`,
		int64(marketID))
}

func (s *PayoutStore) queryPayouts(ctx context.Context, query string, args ...any) ([]domain.Payout, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payouts rows: %w", err)
	}
	return payouts, nil
}

var _ domain.PayoutStore = (*PayoutStore)(nil)
