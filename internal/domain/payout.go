package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StakeholderClass identifies which fee bucket a payout record belongs to.
type StakeholderClass string

const (
	ClassWinner    StakeholderClass = "winner"
	ClassReporter  StakeholderClass = "reporter"
	ClassOperator  StakeholderClass = "operator"
	ClassCreator   StakeholderClass = "creator"
	ClassCommunity StakeholderClass = "community"
	ClassRefund    StakeholderClass = "refund"
)

// Payout is one claimable credit produced at settlement time. Multiple
// records may exist per recipient (one per market and class); records are
// zeroed on claim but never deleted, preserving the audit trail.
type Payout struct {
	ID        uint64
	MarketID  uint64
	Recipient common.Address
	Class     StakeholderClass
	Amount    *big.Int
	Claimed   bool
	CreatedAt time.Time
	ClaimedAt time.Time
}

// Clone returns a deep copy safe to hand outside the distributor lock.
func (p *Payout) Clone() Payout {
	out := *p
	if p.Amount != nil {
		out.Amount = new(big.Int).Set(p.Amount)
	}
	return out
}

// FeeSplit fixes how the protocol fee is apportioned across stakeholder
// classes, in basis points of the pool. The parts must sum to TotalBps.
type FeeSplit struct {
	TotalBps     int64
	ReporterBps  int64
	OperatorBps  int64
	CreatorBps   int64
	CommunityBps int64
}

// Validate checks that the class shares add up to the total fee percentage.
func (f FeeSplit) Validate() error {
	if f.TotalBps < 0 || f.TotalBps > 10_000 {
		return fmt.Errorf("fee split: total_bps must be in [0, 10000], got %d", f.TotalBps)
	}
	sum := f.ReporterBps + f.OperatorBps + f.CreatorBps + f.CommunityBps
	if sum != f.TotalBps {
		return fmt.Errorf("fee split: class shares sum to %d bps, want %d", sum, f.TotalBps)
	}
	if f.ReporterBps < 0 || f.OperatorBps < 0 || f.CreatorBps < 0 || f.CommunityBps < 0 {
		return fmt.Errorf("fee split: class shares must be non-negative")
	}
	return nil
}

// FeeOf computes the protocol fee for a pool. Rounding is ceiling division,
// so any remainder favors the fee side; the winner receives pool minus fee
// and fee + payout == pool holds exactly.
func (f FeeSplit) FeeOf(pool *big.Int) *big.Int {
	num := new(big.Int).Mul(pool, big.NewInt(f.TotalBps))
	num.Add(num, big.NewInt(9_999))
	return num.Div(num, big.NewInt(10_000))
}
