// Package treasury provides the in-process money rail: an escrow account
// holding staked value plus per-address settlement balances. Production
// deployments replace it with the host ledger's transfer rail behind the same
// domain interfaces; local mode and tests run on the Bank directly.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// ErrInsufficientEscrow is returned when a transfer or deposit would overdraw
// the escrow account.
var ErrInsufficientEscrow = errors.New("treasury: insufficient escrow balance")

// Bank is an in-memory escrow. It implements domain.Transferor (escrow to
// recipient) and domain.FeeSink (escrow to community pool).
type Bank struct {
	mu       sync.Mutex
	escrow   *big.Int
	pool     *big.Int // community sink accumulator
	balances map[common.Address]*big.Int
}

// NewBank creates an empty Bank.
func NewBank() *Bank {
	return &Bank{
		escrow:   new(big.Int),
		pool:     new(big.Int),
		balances: make(map[common.Address]*big.Int),
	}
}

// EscrowStake moves a submitter's stake into escrow. The ledger has already
// validated the amount; the bank only tracks totals.
func (b *Bank) EscrowStake(_ context.Context, _ common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: escrow amount must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.escrow.Add(b.escrow, amount)
	return nil
}

// Transfer moves value from escrow to a recipient's balance.
func (b *Bank) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: transfer amount must be non-negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.escrow.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientEscrow, b.escrow, amount)
	}
	b.escrow.Sub(b.escrow, amount)
	bal, ok := b.balances[to]
	if !ok {
		bal = new(big.Int)
		b.balances[to] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// Deposit moves value from escrow into the community pool.
func (b *Bank) Deposit(_ context.Context, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: deposit amount must be non-negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.escrow.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientEscrow, b.escrow, amount)
	}
	b.escrow.Sub(b.escrow, amount)
	b.pool.Add(b.pool, amount)
	return nil
}

// BalanceOf returns the settled balance of an address.
func (b *Bank) BalanceOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// EscrowBalance returns the value currently held in escrow.
func (b *Bank) EscrowBalance() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.escrow)
}

// PoolBalance returns the accumulated community pool.
func (b *Bank) PoolBalance() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.pool)
}

// Compile-time interface checks.
var (
	_ domain.Transferor = (*Bank)(nil)
	_ domain.FeeSink    = (*Bank)(nil)
)
