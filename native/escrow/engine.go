package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"deedescrow/core/events"
	"deedescrow/core/state"
	"deedescrow/core/types"
	"deedescrow/crypto"
	"deedescrow/native/bank"
	"deedescrow/observability"
	"deedescrow/observability/logging"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the escrow authority. Every mutation runs inside a single
// state.Manager.Update so the listing, the pooled balance and the affected
// ledger accounts are read, validated and written under one lock. The pool is
// one fungible balance shared by all listings: funds deposited for one asset
// can settle another.
type Engine struct {
	cfg     Config
	state   *state.Manager
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
	nowFn   func() int64
}

// NewEngine creates an escrow authority over the supplied state manager. The
// manager must be the one that also backs the bank ledger.
func NewEngine(cfg Config, manager *state.Manager) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, errors.New("escrow: state not configured")
	}
	return &Engine{
		cfg:     cfg,
		state:   manager,
		emitter: events.NoopEmitter{},
		logger:  logging.Discard(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger. Passing nil discards output.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = logging.Discard()
	}
	e.logger = logger.With(slog.String("component", "escrow"))
}

// SetMetrics configures the Prometheus collectors. Nil disables recording.
func (e *Engine) SetMetrics(m *observability.EscrowMetrics) { e.metrics = m }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// finish records metrics and logs rejections for a completed operation.
func (e *Engine) finish(op string, start time.Time, err error, attrs ...any) {
	outcome := outcomeFor(err)
	e.metrics.Observe(op, outcome, time.Since(start))
	if err == nil {
		return
	}
	args := append([]any{slog.String("operation", op), slog.String("outcome", outcome), slog.Any("error", err)}, attrs...)
	e.logger.Warn("escrow operation rejected", args...)
}

// custodyCommitFailed logs the one failure the lock cannot undo: the registry
// moved custody but the local state write failed.
func (e *Engine) custodyCommitFailed(op string, assetID uint64, err error) {
	e.logger.Error("escrow state commit failed after custody transfer",
		slog.String("operation", op),
		slog.Uint64("assetId", assetID),
		slog.Any("error", err))
}

// returnCustody hands a freshly listed deed back to the seller when the
// listing could not be persisted.
func (e *Engine) returnCustody(ctx context.Context, assetID uint64, cause error) {
	if err := e.cfg.Registry.TransferCustody(context.WithoutCancel(ctx), assetID, e.cfg.Authority, e.cfg.Seller); err != nil {
		e.custodyCommitFailed("list", assetID, errors.Join(cause, err))
		return
	}
	e.logger.Warn("listing not persisted, custody returned to seller",
		slog.Uint64("assetId", assetID),
		slog.Any("error", cause))
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, ErrNotListed):
		return "not_listed"
	case errors.Is(err, ErrAlreadyListed):
		return "already_listed"
	case errors.Is(err, ErrPreconditionNotMet):
		return "precondition_not_met"
	case errors.Is(err, ErrCustodyTransferFailed):
		return "custody_transfer_failed"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidBuyer):
		return "invalid_buyer"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}

func validAmount(v *big.Int) bool { return v != nil && v.Sign() > 0 }

func nonNegative(v *big.Int) bool { return v != nil && v.Sign() >= 0 }

// List moves custody of assetID from the seller to the authority and opens a
// listing for buyer. A settled asset may be listed again; the new record
// replaces the archived one.
func (e *Engine) List(ctx context.Context, caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) (*Listing, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		listing      *Listing
		custodyMoved bool
	)
	err := e.state.Update(func(tx *state.Tx) error {
		if caller != e.cfg.Seller {
			return fmt.Errorf("%w: only the seller may list", ErrUnauthorized)
		}
		if buyer == ([20]byte{}) {
			return ErrInvalidBuyer
		}
		if !nonNegative(purchasePrice) || !nonNegative(escrowAmount) {
			return fmt.Errorf("%w: prices must be non-negative", ErrInvalidAmount)
		}
		existing, ok, err := loadListing(tx, assetID)
		if err != nil {
			return err
		}
		if ok && existing.IsListed {
			return fmt.Errorf("%w: asset %d", ErrAlreadyListed, assetID)
		}
		if err := e.cfg.Registry.TransferCustody(ctx, assetID, e.cfg.Seller, e.cfg.Authority); err != nil {
			return fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
		}
		custodyMoved = true
		listing = &Listing{
			AssetID:       assetID,
			Buyer:         buyer,
			PurchasePrice: cloneBigInt(purchasePrice),
			EscrowAmount:  cloneBigInt(escrowAmount),
			IsListed:      true,
			ListedAt:      e.now(),
		}
		if err := storeListing(tx, listing); err != nil {
			return err
		}
		return indexAsset(tx, assetID)
	})
	if err != nil {
		if custodyMoved {
			e.returnCustody(ctx, assetID, err)
		}
		e.finish("list", start, err, slog.Uint64("assetId", assetID))
		return nil, err
	}
	e.finish("list", start, nil)
	e.emit(NewListedEvent(listing, e.cfg.Seller))
	return listing.Clone(), nil
}

// DepositEarnest moves amount from the listing's buyer into the pool. Any
// positive amount is accepted regardless of the listing's escrow amount.
func (e *Engine) DepositEarnest(ctx context.Context, caller [20]byte, assetID uint64, amount *big.Int) (*big.Int, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		listing *Listing
		pool    *big.Int
	)
	err := e.state.Update(func(tx *state.Tx) error {
		var err error
		listing, err = e.requireListing(tx, assetID)
		if err != nil {
			return err
		}
		if caller != listing.Buyer {
			return fmt.Errorf("%w: only the buyer may deposit earnest", ErrUnauthorized)
		}
		if !listing.IsListed {
			return fmt.Errorf("%w: asset %d", ErrNotListed, assetID)
		}
		pool, err = e.pullIntoPool(tx, caller, amount)
		return err
	})
	if err != nil {
		e.finish("deposit_earnest", start, err, slog.Uint64("assetId", assetID))
		return nil, err
	}
	e.finish("deposit_earnest", start, nil)
	e.metrics.SetPoolBalance(pool)
	e.emit(NewEarnestDepositedEvent(listing, amount, pool))
	return cloneBigInt(pool), nil
}

// Receive accepts an unattributed transfer from any identity into the pool.
func (e *Engine) Receive(ctx context.Context, from [20]byte, amount *big.Int) (*big.Int, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pool *big.Int
	err := e.state.Update(func(tx *state.Tx) error {
		var err error
		pool, err = e.pullIntoPool(tx, from, amount)
		return err
	})
	if err != nil {
		e.finish("receive", start, err)
		return nil, err
	}
	e.finish("receive", start, nil)
	e.metrics.SetPoolBalance(pool)
	e.emit(NewFundsReceivedEvent(from, amount, pool))
	return cloneBigInt(pool), nil
}

func (e *Engine) pullIntoPool(tx *state.Tx, from [20]byte, amount *big.Int) (*big.Int, error) {
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if err := bank.Withdraw(tx, from, amount); err != nil {
		return nil, fmt.Errorf("escrow: debit %s: %w", crypto.FormatAddress(from), err)
	}
	pool, err := loadPool(tx)
	if err != nil {
		return nil, err
	}
	next, err := bank.Credit(pool, amount)
	if err != nil {
		return nil, err
	}
	if err := storePool(tx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateInspectionStatus records the inspector's verdict. It may be toggled
// any number of times until settlement.
func (e *Engine) UpdateInspectionStatus(ctx context.Context, caller [20]byte, assetID uint64, passed bool) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	var listing *Listing
	err := e.state.Update(func(tx *state.Tx) error {
		if caller != e.cfg.Inspector {
			return fmt.Errorf("%w: only the inspector may update inspection status", ErrUnauthorized)
		}
		var err error
		listing, err = e.requireListing(tx, assetID)
		if err != nil {
			return err
		}
		if !listing.IsListed {
			return fmt.Errorf("%w: asset %d is settled", ErrNotListed, assetID)
		}
		listing.InspectionPassed = passed
		return storeListing(tx, listing)
	})
	if err != nil {
		e.finish("update_inspection", start, err, slog.Uint64("assetId", assetID))
		return err
	}
	e.finish("update_inspection", start, nil)
	e.emit(NewInspectionUpdatedEvent(listing))
	return nil
}

// ApproveSale adds caller to the listing's approval set. Only the seller, the
// lender and the listing's buyer may approve; repeat approvals are no-ops.
func (e *Engine) ApproveSale(ctx context.Context, caller [20]byte, assetID uint64) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		listing *Listing
		role    Role
		changed bool
	)
	err := e.state.Update(func(tx *state.Tx) error {
		var err error
		listing, err = e.requireListing(tx, assetID)
		if err != nil {
			return err
		}
		role = e.approverRole(caller, listing)
		if role == RoleNone {
			return fmt.Errorf("%w: caller may not approve asset %d", ErrUnauthorized, assetID)
		}
		if !listing.IsListed {
			return fmt.Errorf("%w: asset %d is settled", ErrNotListed, assetID)
		}
		if changed = listing.addApproval(caller); !changed {
			return nil
		}
		return storeListing(tx, listing)
	})
	if err != nil {
		e.finish("approve_sale", start, err, slog.Uint64("assetId", assetID))
		return err
	}
	e.finish("approve_sale", start, nil)
	if changed {
		e.emit(NewApprovedEvent(listing, caller, role))
	}
	return nil
}

func (e *Engine) approverRole(caller [20]byte, listing *Listing) Role {
	switch caller {
	case e.cfg.Seller:
		return RoleSeller
	case e.cfg.Lender:
		return RoleLender
	case listing.Buyer:
		return RoleBuyer
	default:
		return RoleNone
	}
}

func (e *Engine) roleAddress(role Role, listing *Listing) [20]byte {
	switch role {
	case RoleSeller:
		return e.cfg.Seller
	case RoleLender:
		return e.cfg.Lender
	case RoleBuyer:
		return listing.Buyer
	case RoleInspector:
		return e.cfg.Inspector
	default:
		return [20]byte{}
	}
}

// FinalizeSale settles a listing: custody moves to the buyer, the purchase
// price moves from the pool to the seller and the listing is closed. Either
// all of it happens or none of it does.
func (e *Engine) FinalizeSale(ctx context.Context, caller [20]byte, assetID uint64) (*Listing, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		listing      *Listing
		pool         *big.Int
		custodyMoved bool
	)
	err := e.state.Update(func(tx *state.Tx) error {
		if caller != e.cfg.Seller {
			return fmt.Errorf("%w: only the seller may finalize", ErrUnauthorized)
		}
		var err error
		listing, err = e.requireListing(tx, assetID)
		if err != nil {
			return err
		}
		if !listing.IsListed {
			return fmt.Errorf("%w: asset %d", ErrNotListed, assetID)
		}
		if !listing.InspectionPassed {
			return fmt.Errorf("%w: inspection not passed", ErrPreconditionNotMet)
		}
		for _, role := range requiredApprovers {
			if !listing.HasApproval(e.roleAddress(role, listing)) {
				return fmt.Errorf("%w: missing %s approval", ErrPreconditionNotMet, role)
			}
		}
		current, err := loadPool(tx)
		if err != nil {
			return err
		}
		if current.Cmp(listing.PurchasePrice) < 0 {
			return fmt.Errorf("%w: pooled balance %s below purchase price %s", ErrPreconditionNotMet, current, listing.PurchasePrice)
		}
		holder, err := e.cfg.Registry.CustodyOf(ctx, assetID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
		}
		if holder != e.cfg.Authority {
			return fmt.Errorf("%w: asset %d held by %s", ErrCustodyTransferFailed, assetID, crypto.FormatAddress(holder))
		}
		if err := e.cfg.Registry.TransferCustody(ctx, assetID, e.cfg.Authority, listing.Buyer); err != nil {
			return fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
		}
		custodyMoved = true

		pool = new(big.Int).Sub(current, listing.PurchasePrice)
		if err := storePool(tx, pool); err != nil {
			return err
		}
		if listing.PurchasePrice.Sign() > 0 {
			if err := bank.DepositTo(tx, e.cfg.Seller, listing.PurchasePrice); err != nil {
				return err
			}
		}
		listing.IsListed = false
		listing.SettledAt = e.now()
		return storeListing(tx, listing)
	})
	if err != nil {
		if custodyMoved {
			// The buyer now holds the deed and the authority cannot pull it
			// back. The listing stays open with the pool intact, and retries
			// fail the custody check until an operator reconciles the two.
			e.custodyCommitFailed("finalize_sale", assetID, err)
		}
		e.finish("finalize_sale", start, err, slog.Uint64("assetId", assetID))
		return nil, err
	}
	e.finish("finalize_sale", start, nil)
	e.metrics.SetPoolBalance(pool)
	e.logger.Info("escrow settled",
		slog.Uint64("assetId", assetID),
		slog.String("buyer", crypto.FormatAddress(listing.Buyer)),
		slog.String("amount", listing.PurchasePrice.String()))
	e.emit(NewSettledEvent(listing, e.cfg.Seller, pool))
	return listing.Clone(), nil
}

func (e *Engine) requireListing(tx *state.Tx, assetID uint64) (*Listing, error) {
	listing, ok, err := loadListing(tx, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: asset %d", ErrUnknownAsset, assetID)
	}
	return listing, nil
}
