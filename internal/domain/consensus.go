package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ConsensusRecord tracks attestations of the real-world text for one market.
// The first attestation fixes the claim (text plus evidence reference);
// later attestations must hash-match it exactly. Attestations carrying a
// different hash are rejected, never merged, and only tallied in
// RivalAttempts so a stalled market can be reported.
type ConsensusRecord struct {
	MarketID     uint64
	TextHash     common.Hash
	Text         string
	EvidenceHash common.Hash
	Attestors    []common.Address
	Reached      bool
	CreatedAt    time.Time
	ReachedAt    time.Time
	// RivalAttempts counts rejected attestations per conflicting text hash.
	RivalAttempts map[common.Hash]int
}

// HasAttestor reports whether the reporter already attested to this claim.
func (r *ConsensusRecord) HasAttestor(addr common.Address) bool {
	for _, a := range r.Attestors {
		if a == addr {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the oracle lock.
func (r *ConsensusRecord) Clone() ConsensusRecord {
	out := *r
	if r.Attestors != nil {
		out.Attestors = append([]common.Address(nil), r.Attestors...)
	}
	if r.RivalAttempts != nil {
		out.RivalAttempts = make(map[common.Hash]int, len(r.RivalAttempts))
		for h, n := range r.RivalAttempts {
			out.RivalAttempts[h] = n
		}
	}
	return out
}
