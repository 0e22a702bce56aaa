package escrow

import (
	"math/big"
	"strconv"

	"deedescrow/core/types"
	"deedescrow/crypto"
)

const (
	EventTypeListed            = "escrow.listed"
	EventTypeEarnestDeposited  = "escrow.earnest_deposited"
	EventTypeFundsReceived     = "escrow.funds_received"
	EventTypeInspectionUpdated = "escrow.inspection_updated"
	EventTypeApproved          = "escrow.approved"
	EventTypeSettled           = "escrow.settled"
)

// NewListedEvent returns the payload emitted when an asset enters escrow.
func NewListedEvent(l *Listing, seller [20]byte) *types.Event {
	evt := newListingEvent(EventTypeListed, l)
	evt.Attributes["seller"] = crypto.FormatAddress(seller)
	evt.Attributes["purchasePrice"] = formatAmount(l.PurchasePrice)
	evt.Attributes["escrowAmount"] = formatAmount(l.EscrowAmount)
	return evt
}

// NewEarnestDepositedEvent returns the payload for a buyer deposit.
func NewEarnestDepositedEvent(l *Listing, amount, pool *big.Int) *types.Event {
	evt := newListingEvent(EventTypeEarnestDeposited, l)
	evt.Attributes["amount"] = formatAmount(amount)
	evt.Attributes["balance"] = formatAmount(pool)
	return evt
}

// NewFundsReceivedEvent returns the payload for an unattributed transfer into
// the pool.
func NewFundsReceivedEvent(from [20]byte, amount, pool *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeFundsReceived,
		Attributes: map[string]string{
			"from":    crypto.FormatAddress(from),
			"amount":  formatAmount(amount),
			"balance": formatAmount(pool),
		},
	}
}

// NewInspectionUpdatedEvent returns the payload for an inspector verdict.
func NewInspectionUpdatedEvent(l *Listing) *types.Event {
	evt := newListingEvent(EventTypeInspectionUpdated, l)
	evt.Attributes["passed"] = strconv.FormatBool(l.InspectionPassed)
	return evt
}

// NewApprovedEvent returns the payload for a recorded approval.
func NewApprovedEvent(l *Listing, approver [20]byte, role Role) *types.Event {
	evt := newListingEvent(EventTypeApproved, l)
	evt.Attributes["approver"] = crypto.FormatAddress(approver)
	evt.Attributes["role"] = role.String()
	return evt
}

// NewSettledEvent returns the payload for a completed settlement.
func NewSettledEvent(l *Listing, seller [20]byte, pool *big.Int) *types.Event {
	evt := newListingEvent(EventTypeSettled, l)
	evt.Attributes["seller"] = crypto.FormatAddress(seller)
	evt.Attributes["amount"] = formatAmount(l.PurchasePrice)
	evt.Attributes["balance"] = formatAmount(pool)
	evt.Attributes["settledAt"] = strconv.FormatUint(l.SettledAt, 10)
	return evt
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"assetId": strconv.FormatUint(l.AssetID, 10),
			"buyer":   crypto.FormatAddress(l.Buyer),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
