// Package genesis seeds an empty node with ledger balances and deeds.
package genesis

import (
	"context"
	"fmt"
	"log/slog"

	"deedescrow/config"
	"deedescrow/core/state"
	"deedescrow/crypto"
	"deedescrow/native/bank"
	"deedescrow/native/deeds"
)

var (
	appliedKey  = []byte("genesis/applied")
	progressKey = []byte("genesis/progress")
)

type marker struct {
	Accounts uint64
	Deeds    uint64
}

// Apply credits the configured balances and mints the configured deeds the
// first time it runs against a database. Later calls are no-ops and report
// false. Deeds flagged ApproveAuthority are approved for the authority so they
// can be listed without a separate approval.
//
// An interrupted run resumes where it stopped: each credit commits together
// with the account progress counter, and deeds already present in the
// registry are taken as minted. The registry must hold no deeds other than
// genesis ones until Apply has completed.
func Apply(ctx context.Context, spec config.GenesisConfig, authority [20]byte, ledgerState *state.Manager, registry *deeds.Registry, logger *slog.Logger) (bool, error) {
	var (
		done     bool
		progress marker
	)
	if err := ledgerState.View(func(tx *state.Tx) error {
		var m marker
		ok, err := tx.KVGet(appliedKey, &m)
		if err != nil || ok {
			done = ok
			return err
		}
		_, err = tx.KVGet(progressKey, &progress)
		return err
	}); err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	for i := progress.Accounts; i < uint64(len(spec.Accounts)); i++ {
		acc := spec.Accounts[i]
		addr, err := crypto.ParseAddress(acc.Address)
		if err != nil {
			return false, fmt.Errorf("genesis: account %d: %w", i, err)
		}
		amount, err := config.ParseAmount(acc.Balance)
		if err != nil {
			return false, fmt.Errorf("genesis: account %d: %w", i, err)
		}
		next := marker{Accounts: i + 1}
		if err := ledgerState.Update(func(tx *state.Tx) error {
			if err := bank.DepositTo(tx, addr, amount); err != nil {
				return err
			}
			return tx.KVPut(progressKey, &next)
		}); err != nil {
			return false, fmt.Errorf("genesis: credit account %d: %w", i, err)
		}
	}

	supply, err := registry.TotalSupply(ctx)
	if err != nil {
		return false, err
	}
	if supply > uint64(len(spec.Deeds)) {
		return false, fmt.Errorf("genesis: registry already holds %d deeds", supply)
	}
	for i, deed := range spec.Deeds {
		owner, err := crypto.ParseAddress(deed.Owner)
		if err != nil {
			return false, fmt.Errorf("genesis: deed %d: %w", i, err)
		}
		id := uint64(i) + 1
		if id > supply {
			if id, err = registry.Mint(ctx, owner, deed.URI); err != nil {
				return false, fmt.Errorf("genesis: mint deed %d: %w", i, err)
			}
			logger.Info("genesis deed minted", slog.Uint64("assetId", id), slog.String("owner", crypto.FormatAddress(owner)))
		} else if current, err := registry.OwnerOf(ctx, id); err != nil {
			return false, err
		} else if current != owner {
			return false, fmt.Errorf("genesis: deed %d held by %s, expected %s", id, crypto.FormatAddress(current), deed.Owner)
		}
		if deed.ApproveAuthority {
			if err := registry.Approve(ctx, owner, id, authority); err != nil {
				return false, fmt.Errorf("genesis: approve deed %d: %w", id, err)
			}
		}
	}

	err = ledgerState.Update(func(tx *state.Tx) error {
		return tx.KVPut(appliedKey, &marker{Accounts: uint64(len(spec.Accounts)), Deeds: uint64(len(spec.Deeds))})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
