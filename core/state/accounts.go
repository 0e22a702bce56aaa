package state

import (
	"fmt"
	"math/big"

	"deedescrow/core/types"
)

var accountPrefix = []byte("account:")

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return buf
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads the account stored under addr. Unknown addresses yield a
// zero-balance account so callers can credit them without a separate create.
func (tx *Tx) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: address must not be empty")
	}
	var stored storedAccount
	ok, err := tx.KVGet(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	acc := &types.Account{Balance: big.NewInt(0)}
	if ok {
		acc.Nonce = stored.Nonce
		if stored.Balance != nil {
			acc.Balance.Set(stored.Balance)
		}
	}
	return acc, nil
}

// PutAccount stages acc under addr.
func (tx *Tx) PutAccount(addr []byte, acc *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	if acc == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	balance := acc.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance")
	}
	return tx.KVPut(accountKey(addr), &storedAccount{Nonce: acc.Nonce, Balance: balance})
}
