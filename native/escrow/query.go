package escrow

import (
	"context"
	"math/big"

	"deedescrow/core/state"
)

// Balance returns the pooled balance held by the authority.
func (e *Engine) Balance(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pool *big.Int
	err := e.state.View(func(tx *state.Tx) error {
		var err error
		pool, err = loadPool(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cloneBigInt(pool), nil
}

// Listing returns a snapshot of the listing for assetID. Settled listings stay
// readable with their approvals and inspection flag intact.
func (e *Engine) Listing(ctx context.Context, assetID uint64) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var listing *Listing
	err := e.state.View(func(tx *state.Tx) error {
		var err error
		listing, err = e.requireListing(tx, assetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Listings returns every recorded listing in ascending asset id order.
func (e *Engine) Listings(ctx context.Context) ([]*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*Listing
	err := e.state.View(func(tx *state.Tx) error {
		ids, err := loadIndex(tx)
		if err != nil {
			return err
		}
		out = make([]*Listing, 0, len(ids))
		for _, id := range ids {
			listing, err := e.requireListing(tx, id)
			if err != nil {
				return err
			}
			out = append(out, listing)
		}
		return nil
	})
	return out, err
}

func (e *Engine) Buyer(ctx context.Context, assetID uint64) ([20]byte, error) {
	l, err := e.Listing(ctx, assetID)
	if err != nil {
		return [20]byte{}, err
	}
	return l.Buyer, nil
}

func (e *Engine) PurchasePrice(ctx context.Context, assetID uint64) (*big.Int, error) {
	l, err := e.Listing(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return l.PurchasePrice, nil
}

func (e *Engine) EscrowAmount(ctx context.Context, assetID uint64) (*big.Int, error) {
	l, err := e.Listing(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return l.EscrowAmount, nil
}

func (e *Engine) IsListed(ctx context.Context, assetID uint64) (bool, error) {
	l, err := e.Listing(ctx, assetID)
	if err != nil {
		return false, err
	}
	return l.IsListed, nil
}

func (e *Engine) InspectionPassed(ctx context.Context, assetID uint64) (bool, error) {
	l, err := e.Listing(ctx, assetID)
	if err != nil {
		return false, err
	}
	return l.InspectionPassed, nil
}

// Approval reports whether addr has approved the sale of assetID.
func (e *Engine) Approval(ctx context.Context, assetID uint64, addr [20]byte) (bool, error) {
	l, err := e.Listing(ctx, assetID)
	if err != nil {
		return false, err
	}
	return l.HasApproval(addr), nil
}

func (e *Engine) Authority() [20]byte       { return e.cfg.Authority }
func (e *Engine) Seller() [20]byte          { return e.cfg.Seller }
func (e *Engine) Inspector() [20]byte       { return e.cfg.Inspector }
func (e *Engine) Lender() [20]byte          { return e.cfg.Lender }
func (e *Engine) Registry() CustodyRegistry { return e.cfg.Registry }
