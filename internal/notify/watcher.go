package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// Watcher subscribes to the settlement event channel and forwards formatted
// alerts to the notifier. It is the monitor mode's operator-facing surface.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher over the given bus and notifier.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// Run consumes settlement events until the context is cancelled. Delivery
// failures are logged, never propagated; a down webhook must not affect
// settlement.
func (w *Watcher) Run(ctx context.Context) error {
	msgCh, err := w.bus.Subscribe(ctx, domain.SettlementChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	w.logger.Info("watching settlement events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgCh:
			if !ok {
				return fmt.Errorf("notify: settlement subscription closed")
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				w.logger.Warn("undecodable event", slog.String("error", err.Error()))
				continue
			}
			title, body := FormatEvent(ev)
			if err := w.notifier.Notify(ctx, string(ev.Type), title, body); err != nil {
				w.logger.Warn("notification delivery failed", slog.String("error", err.Error()))
			}
		}
	}
}

// FormatEvent renders a settlement event as an operator-readable alert.
func FormatEvent(ev domain.Event) (title, body string) {
	switch ev.Type {
	case domain.EventMarketCreated:
		title = fmt.Sprintf("Market %d opened", ev.MarketID)
		if handle, ok := ev.Detail["subject_handle"].(string); ok {
			body = fmt.Sprintf("Predicting the next post of %s.", handle)
		}
	case domain.EventSubmissionCreated:
		title = fmt.Sprintf("New prediction on market %d", ev.MarketID)
		body = fmt.Sprintf("Submission %d staked %s wei by %s.", ev.SubmissionID, ev.Amount, ev.Recipient)
	case domain.EventConsensusReached:
		title = fmt.Sprintf("Consensus reached on market %d", ev.MarketID)
		body = fmt.Sprintf("Canonical text fixed: %q", ev.CanonicalText)
	case domain.EventMarketResolved:
		title = fmt.Sprintf("Market %d resolved", ev.MarketID)
		body = fmt.Sprintf("Submission %d wins at distance %d. Pool: %s wei.",
			ev.SubmissionID, ev.Distance, ev.Amount)
	case domain.EventPayoutClaimed:
		title = fmt.Sprintf("Payout claimed on market %d", ev.MarketID)
		body = fmt.Sprintf("%s received %s wei.", ev.Recipient, ev.Amount)
	case domain.EventFeesDistributed:
		title = fmt.Sprintf("Fees distributed on market %d", ev.MarketID)
		body = fmt.Sprintf("Total fee: %s wei.", ev.Amount)
	case domain.EventSingleSubmissionRefunded:
		title = fmt.Sprintf("Market %d refunded", ev.MarketID)
		body = fmt.Sprintf("Uncontested market; %s wei returned to %s.", ev.Amount, ev.Recipient)
	case domain.EventEmergencyWithdrawn:
		title = fmt.Sprintf("Emergency withdrawal on market %d", ev.MarketID)
		body = fmt.Sprintf("Stake of %s wei returned to %s.", ev.Amount, ev.Recipient)
	default:
		title = fmt.Sprintf("Settlement event %s on market %d", ev.Type, ev.MarketID)
	}
	return title, body
}
