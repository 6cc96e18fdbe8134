package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

type fakeSender struct {
	name   string
	titles []string
	err    error
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEventTypes(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, []string{"market_resolved"}, testLogger())

	require.NoError(t, n.Notify(context.Background(), "submission_created", "ignored", "x"))
	require.Empty(t, sender.titles)

	require.NoError(t, n.Notify(context.Background(), "market_resolved", "delivered", "x"))
	require.Equal(t, []string{"delivered"}, sender.titles)

	// NotifyAll bypasses the filter.
	require.NoError(t, n.NotifyAll(context.Background(), "urgent", "x"))
	require.Len(t, sender.titles, 2)
}

func TestNotifyCollectsSenderFailures(t *testing.T) {
	good := &fakeSender{name: "good"}
	bad := &fakeSender{name: "bad", err: errors.New("webhook down")}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "title", "body")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")
	// The healthy sender still received the message.
	require.Equal(t, []string{"title"}, good.titles)
}

func TestFormatEvent(t *testing.T) {
	title, body := FormatEvent(domain.Event{
		Type:          domain.EventMarketResolved,
		MarketID:      3,
		SubmissionID:  7,
		Distance:      5,
		Amount:        "300",
		CanonicalText: "hello world",
	})
	require.Equal(t, "Market 3 resolved", title)
	require.Contains(t, body, "Submission 7")
	require.Contains(t, body, "distance 5")

	title, _ = FormatEvent(domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: 1,
		Detail:   map[string]any{"subject_handle": "@nasa"},
	})
	require.Equal(t, "Market 1 opened", title)
}
