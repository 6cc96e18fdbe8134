package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NodeRegistry is the external node-operator governance system, consumed
// only through its authorization surface. Staking, voting, and slashing stay
// on the other side of this interface.
type NodeRegistry interface {
	// IsActiveNode reports whether the address is an authorized reporter.
	IsActiveNode(ctx context.Context, addr common.Address) (bool, error)
	// ActiveNodes returns the current authorized reporter set, used when
	// apportioning the operator fee class.
	ActiveNodes(ctx context.Context) ([]common.Address, error)
}

// FeeSink is an external reward pool. The settlement core only ever deposits
// into it and must treat the call as able to fail or re-enter.
type FeeSink interface {
	Deposit(ctx context.Context, amount *big.Int) error
}

// Transferor moves value out of the settlement escrow to a recipient. A
// failed transfer must leave the caller in a retryable state; the core never
// assumes a transfer succeeded.
type Transferor interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}
