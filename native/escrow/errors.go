package escrow

import (
	"errors"

	"deedescrow/native/bank"
)

var (
	// ErrUnauthorized is returned when the caller lacks the role an operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrUnknownAsset is returned when no listing was ever recorded for the asset id.
	ErrUnknownAsset = errors.New("escrow: unknown asset")
	// ErrNotListed is returned when the listing exists but has been settled.
	ErrNotListed = errors.New("escrow: asset not listed")
	// ErrAlreadyListed is returned when listing an asset that is currently listed.
	ErrAlreadyListed = errors.New("escrow: asset already listed")
	// ErrPreconditionNotMet is returned by FinalizeSale when inspection,
	// approvals or the pooled balance are insufficient.
	ErrPreconditionNotMet = errors.New("escrow: settlement precondition not met")
	// ErrCustodyTransferFailed wraps a rejection from the asset registry.
	ErrCustodyTransferFailed = errors.New("escrow: custody transfer failed")
	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInvalidBuyer is returned when a listing names the zero address as buyer.
	ErrInvalidBuyer = errors.New("escrow: buyer address required")
	// ErrInsufficientFunds is returned when the paying account cannot cover a deposit.
	ErrInsufficientFunds = bank.ErrInsufficientFunds
)
