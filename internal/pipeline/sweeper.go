package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
)

// StallSource reports markets that are past their deadline without quorum.
type StallSource interface {
	SweepStalled(ctx context.Context) []oracle.StallReport
}

// Alerter forwards an operator alert for a named event type.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Sweeper periodically scans for stalled markets and alerts the operator.
// It never mutates market state; the escalation path stays with the owner's
// emergency withdrawal.
type Sweeper struct {
	source  StallSource
	alerter Alerter // optional
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper. alerter may be nil to log only.
func NewSweeper(source StallSource, alerter Alerter, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		source:  source,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "sweeper")),
	}
}

// RunLoop scans on the given interval until the context is cancelled.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single scan, logging every stalled market and alerting
// when an alerter is wired.
func (s *Sweeper) Sweep(ctx context.Context) {
	reports := s.source.SweepStalled(ctx)
	if len(reports) == 0 {
		return
	}

	for _, r := range reports {
		s.logger.WarnContext(ctx, "market stalled below quorum",
			slog.Uint64("market_id", r.MarketID),
			slog.Int("attestors", r.Attestors),
			slog.Int("rival_attempts", r.RivalAttempts),
			slog.Time("open_since", r.OpenSince),
		)
		if s.alerter == nil {
			continue
		}
		title := fmt.Sprintf("Market %d stalled", r.MarketID)
		body := fmt.Sprintf("%d attestors toward quorum, %d rival claims, unresolved since %s.",
			r.Attestors, r.RivalAttempts, r.OpenSince.UTC().Format(time.RFC3339))
		if err := s.alerter.Notify(ctx, "market_stalled", title, body); err != nil {
			s.logger.WarnContext(ctx, "stall alert delivery failed",
				slog.String("error", err.Error()),
			)
		}
	}
}
