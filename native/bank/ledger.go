package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"deedescrow/core/state"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrInvalidAmount is returned for nil, zero or negative transfer amounts.
	ErrInvalidAmount = errors.New("bank: amount must be positive")
	// ErrOverflow is returned when a balance would exceed 256 bits.
	ErrOverflow = errors.New("bank: balance overflow")
)

// Credit returns balance + amount using 256-bit arithmetic.
func Credit(balance, amount *big.Int) (*big.Int, error) {
	b, a, err := toUint256(balance, amount)
	if err != nil {
		return nil, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(b, a)
	if overflow {
		return nil, ErrOverflow
	}
	return sum.ToBig(), nil
}

// Debit returns balance - amount, failing when the balance is insufficient.
func Debit(balance, amount *big.Int) (*big.Int, error) {
	b, a, err := toUint256(balance, amount)
	if err != nil {
		return nil, err
	}
	if b.Lt(a) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, b.Dec(), a.Dec())
	}
	return new(uint256.Int).Sub(b, a).ToBig(), nil
}

func toUint256(balance, amount *big.Int) (*uint256.Int, *uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return nil, nil, fmt.Errorf("bank: negative balance")
	}
	b, overflow := uint256.FromBig(balance)
	if overflow {
		return nil, nil, ErrOverflow
	}
	a, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, nil, ErrOverflow
	}
	return b, a, nil
}

// Withdraw debits amount from the account at addr inside tx.
func Withdraw(tx *state.Tx, addr [20]byte, amount *big.Int) error {
	acc, err := tx.GetAccount(addr[:])
	if err != nil {
		return err
	}
	next, err := Debit(acc.Balance, amount)
	if err != nil {
		return err
	}
	acc.Balance = next
	return tx.PutAccount(addr[:], acc)
}

// DepositTo credits amount to the account at addr inside tx.
func DepositTo(tx *state.Tx, addr [20]byte, amount *big.Int) error {
	acc, err := tx.GetAccount(addr[:])
	if err != nil {
		return err
	}
	next, err := Credit(acc.Balance, amount)
	if err != nil {
		return err
	}
	acc.Balance = next
	return tx.PutAccount(addr[:], acc)
}

// Ledger exposes account balances and plain account-to-account payments.
type Ledger struct {
	state *state.Manager
}

// NewLedger binds a ledger to the state manager that also backs the escrow
// authority, so payments and escrow transitions serialise on one lock.
func NewLedger(m *state.Manager) *Ledger {
	return &Ledger{state: m}
}

// Balance returns the current balance of addr.
func (l *Ledger) Balance(ctx context.Context, addr [20]byte) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var balance *big.Int
	err := l.state.View(func(tx *state.Tx) error {
		acc, err := tx.GetAccount(addr[:])
		if err != nil {
			return err
		}
		balance = acc.Balance
		return nil
	})
	return balance, err
}

// Transfer moves amount from one account to another atomically.
func (l *Ledger) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("bank: sender and recipient must differ")
	}
	return l.state.Update(func(tx *state.Tx) error {
		if err := Withdraw(tx, from, amount); err != nil {
			return err
		}
		if err := DepositTo(tx, to, amount); err != nil {
			return err
		}
		acc, err := tx.GetAccount(from[:])
		if err != nil {
			return err
		}
		acc.Nonce++
		return tx.PutAccount(from[:], acc)
	})
}

// Mint credits new funds to addr. It is only reachable from the dev genesis.
func (l *Ledger) Mint(ctx context.Context, to [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.state.Update(func(tx *state.Tx) error {
		return DepositTo(tx, to, amount)
	})
}
