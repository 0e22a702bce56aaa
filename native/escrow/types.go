package escrow

import (
	"context"
	"errors"
	"math/big"
	"sort"
)

// CustodyRegistry is the external asset registry. TransferCustody must fail
// when from is neither the holder nor has delegated to the authority, and must
// be atomic.
type CustodyRegistry interface {
	TransferCustody(ctx context.Context, assetID uint64, from, to [20]byte) error
	CustodyOf(ctx context.Context, assetID uint64) ([20]byte, error)
}

// Config is the immutable role configuration fixed at construction.
type Config struct {
	Authority [20]byte
	Registry  CustodyRegistry
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

func (c Config) validate() error {
	if c.Registry == nil {
		return errors.New("escrow: registry not configured")
	}
	var zero [20]byte
	checks := []struct {
		name string
		addr [20]byte
	}{
		{"authority", c.Authority},
		{"seller", c.Seller},
		{"inspector", c.Inspector},
		{"lender", c.Lender},
	}
	for _, check := range checks {
		if check.addr == zero {
			return errors.New("escrow: " + check.name + " address not configured")
		}
	}
	return nil
}

// Listing is the record of one asset offered for sale. Approvals are kept
// sorted so persisted records encode deterministically.
type Listing struct {
	AssetID          uint64
	Buyer            [20]byte
	PurchasePrice    *big.Int
	EscrowAmount     *big.Int
	IsListed         bool
	InspectionPassed bool
	Approvals        [][20]byte
	ListedAt         uint64
	SettledAt        uint64
}

// Clone returns a deep copy safe to hand to callers.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	out := *l
	out.PurchasePrice = cloneBigInt(l.PurchasePrice)
	out.EscrowAmount = cloneBigInt(l.EscrowAmount)
	out.Approvals = append([][20]byte(nil), l.Approvals...)
	return &out
}

// HasApproval reports whether addr is in the approval set.
func (l *Listing) HasApproval(addr [20]byte) bool {
	if l == nil {
		return false
	}
	i := sort.Search(len(l.Approvals), func(i int) bool { return !lessAddr(l.Approvals[i], addr) })
	return i < len(l.Approvals) && l.Approvals[i] == addr
}

// addApproval inserts addr keeping the set sorted. It reports whether the set
// changed.
func (l *Listing) addApproval(addr [20]byte) bool {
	i := sort.Search(len(l.Approvals), func(i int) bool { return !lessAddr(l.Approvals[i], addr) })
	if i < len(l.Approvals) && l.Approvals[i] == addr {
		return false
	}
	l.Approvals = append(l.Approvals, [20]byte{})
	copy(l.Approvals[i+1:], l.Approvals[i:])
	l.Approvals[i] = addr
	return true
}

func lessAddr(a, b [20]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
