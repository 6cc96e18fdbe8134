package domain

import "time"

// EventType enumerates the settlement events emitted for external indexers.
type EventType string

const (
	EventMarketCreated            EventType = "market_created"
	EventSubmissionCreated        EventType = "submission_created"
	EventConsensusReached         EventType = "consensus_reached"
	EventMarketResolved           EventType = "market_resolved"
	EventPayoutClaimed            EventType = "payout_claimed"
	EventFeesDistributed          EventType = "fees_distributed"
	EventSingleSubmissionRefunded EventType = "single_submission_refunded"
	EventEmergencyWithdrawn       EventType = "emergency_withdrawn"
)

// Event is the JSON envelope published on the signal bus and appended to the
// durable settlement stream. Amounts are decimal strings to survive JSON
// number precision limits.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	At           time.Time `json:"at"`
	MarketID     uint64    `json:"market_id"`
	SubmissionID uint64    `json:"submission_id,omitempty"`
	Recipient    string    `json:"recipient,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	// CanonicalText and Distance are set on market_resolved events.
	CanonicalText string         `json:"canonical_text,omitempty"`
	Distance      int            `json:"distance,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// SettlementChannel is the pub/sub channel events are published on.
const SettlementChannel = "ch:settlement"

// SettlementStream is the durable Redis stream mirroring the channel.
const SettlementStream = "stream:settlement"
