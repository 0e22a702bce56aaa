package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"deedescrow/core/events"
	"deedescrow/core/state"
	"deedescrow/core/types"
	"deedescrow/native/bank"
	"deedescrow/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var errRegistryRejected = errors.New("registry: transfer rejected")

type stubRegistry struct {
	mu     sync.Mutex
	owners map[uint64][20]byte
	fail   error
	calls  int
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{owners: make(map[uint64][20]byte)}
}

func (r *stubRegistry) TransferCustody(_ context.Context, assetID uint64, from, to [20]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return r.fail
	}
	if r.owners[assetID] != from {
		return fmt.Errorf("registry: %x does not hold asset %d", from[:2], assetID)
	}
	r.owners[assetID] = to
	return nil
}

func (r *stubRegistry) CustodyOf(_ context.Context, assetID uint64) ([20]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[assetID]
	if !ok {
		return [20]byte{}, fmt.Errorf("registry: unknown asset %d", assetID)
	}
	return owner, nil
}

func (r *stubRegistry) owner(assetID uint64) [20]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[assetID]
}

func (r *stubRegistry) setOwner(assetID uint64, owner [20]byte) {
	r.mu.Lock()
	r.owners[assetID] = owner
	r.mu.Unlock()
}

func (r *stubRegistry) failWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *stubRegistry) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, payload.Event())
	r.mu.Unlock()
}

func (r *recordingEmitter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	ctx       context.Context
	db        *storage.MemDB
	manager   *state.Manager
	engine    *Engine
	ledger    *bank.Ledger
	registry  *stubRegistry
	emitter   *recordingEmitter
	authority [20]byte
	seller    [20]byte
	buyer     [20]byte
	inspector [20]byte
	lender    [20]byte
	stranger  [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:       context.Background(),
		db:        storage.NewMemDB(),
		registry:  newStubRegistry(),
		emitter:   &recordingEmitter{},
		authority: newTestAddress(0xA0),
		seller:    newTestAddress(0x51),
		buyer:     newTestAddress(0xB0),
		inspector: newTestAddress(0x1E),
		lender:    newTestAddress(0x4E),
		stranger:  newTestAddress(0xEE),
	}
	f.manager = state.NewManager(f.db, "ledger")
	engine, err := NewEngine(Config{
		Authority: f.authority,
		Registry:  f.registry,
		Seller:    f.seller,
		Inspector: f.inspector,
		Lender:    f.lender,
	}, f.manager)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetEmitter(f.emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	f.engine = engine
	f.ledger = bank.NewLedger(f.manager)
	for _, addr := range [][20]byte{f.buyer, f.lender, f.stranger} {
		if err := f.ledger.Mint(f.ctx, addr, big.NewInt(1_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	return f
}

// listAsset mints assetID to the seller in the stub registry and lists it.
func (f *fixture) listAsset(t *testing.T, assetID uint64, price, escrowAmount int64) {
	t.Helper()
	f.registry.setOwner(assetID, f.seller)
	if _, err := f.engine.List(f.ctx, f.seller, assetID, f.buyer, big.NewInt(price), big.NewInt(escrowAmount)); err != nil {
		t.Fatalf("list asset %d: %v", assetID, err)
	}
}

// readyForSettlement passes inspection and collects all three approvals.
func (f *fixture) readyForSettlement(t *testing.T, assetID uint64) {
	t.Helper()
	if err := f.engine.UpdateInspectionStatus(f.ctx, f.inspector, assetID, true); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, approver := range [][20]byte{f.seller, f.buyer, f.lender} {
		if err := f.engine.ApproveSale(f.ctx, approver, assetID); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
}

func (f *fixture) pool(t *testing.T) int64 {
	t.Helper()
	bal, err := f.engine.Balance(f.ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) account(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(f.ctx, addr)
	if err != nil {
		t.Fatalf("account balance: %v", err)
	}
	return bal.Int64()
}

func TestNewEngineValidatesConfig(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB(), "ledger")
	base := Config{
		Authority: newTestAddress(1),
		Registry:  newStubRegistry(),
		Seller:    newTestAddress(2),
		Inspector: newTestAddress(3),
		Lender:    newTestAddress(4),
	}
	if _, err := NewEngine(base, manager); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]func(*Config){
		"registry":  func(c *Config) { c.Registry = nil },
		"authority": func(c *Config) { c.Authority = [20]byte{} },
		"seller":    func(c *Config) { c.Seller = [20]byte{} },
		"inspector": func(c *Config) { c.Inspector = [20]byte{} },
		"lender":    func(c *Config) { c.Lender = [20]byte{} },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if _, err := NewEngine(cfg, manager); err == nil {
			t.Fatalf("%s: expected config error", name)
		}
	}
	if _, err := NewEngine(base, nil); err == nil {
		t.Fatalf("expected nil manager to be rejected")
	}
}

func TestListMovesCustodyToAuthority(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)

	if owner := f.registry.owner(1); owner != f.authority {
		t.Fatalf("expected authority custody, got %x", owner)
	}
	listing, err := f.engine.Listing(f.ctx, 1)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if !listing.IsListed || listing.InspectionPassed || len(listing.Approvals) != 0 {
		t.Fatalf("unexpected fresh listing: %+v", listing)
	}
	if listing.Buyer != f.buyer || listing.PurchasePrice.Int64() != 10 || listing.EscrowAmount.Int64() != 5 {
		t.Fatalf("unexpected terms: %+v", listing)
	}
	if listing.ListedAt != 1_700_000_000 {
		t.Fatalf("unexpected listedAt %d", listing.ListedAt)
	}
}

func TestListRejectsRelistWithoutCustodyCall(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	calls := f.registry.callCount()

	_, err := f.engine.List(f.ctx, f.seller, 1, f.stranger, big.NewInt(99), big.NewInt(1))
	if !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
	if f.registry.callCount() != calls {
		t.Fatalf("relist must not touch the registry")
	}
	buyer, err := f.engine.Buyer(f.ctx, 1)
	if err != nil || buyer != f.buyer {
		t.Fatalf("original listing modified: %x %v", buyer, err)
	}
}

func TestListCustodyFailureLeavesNoListing(t *testing.T) {
	f := newFixture(t)
	f.registry.setOwner(1, f.seller)
	f.registry.failWith(errRegistryRejected)

	_, err := f.engine.List(f.ctx, f.seller, 1, f.buyer, big.NewInt(10), big.NewInt(5))
	if !errors.Is(err, ErrCustodyTransferFailed) || !errors.Is(err, errRegistryRejected) {
		t.Fatalf("expected wrapped custody failure, got %v", err)
	}
	if _, err := f.engine.Listing(f.ctx, 1); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected no listing, got %v", err)
	}
	if got := f.emitter.kinds(); len(got) != 0 {
		t.Fatalf("failed list emitted events: %v", got)
	}
}

func TestListRequiresSellerCustody(t *testing.T) {
	f := newFixture(t)
	f.registry.setOwner(1, f.stranger)
	if _, err := f.engine.List(f.ctx, f.seller, 1, f.buyer, big.NewInt(10), big.NewInt(5)); !errors.Is(err, ErrCustodyTransferFailed) {
		t.Fatalf("expected custody failure, got %v", err)
	}
}

func TestListValidatesTerms(t *testing.T) {
	f := newFixture(t)
	f.registry.setOwner(1, f.seller)
	if _, err := f.engine.List(f.ctx, f.seller, 1, f.buyer, big.NewInt(-1), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.engine.List(f.ctx, f.seller, 1, [20]byte{}, big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrInvalidBuyer) {
		t.Fatalf("expected ErrInvalidBuyer, got %v", err)
	}
	if f.registry.callCount() != 0 {
		t.Fatalf("rejected terms must not touch the registry")
	}
	// escrowAmount above the price is the caller's responsibility.
	if _, err := f.engine.List(f.ctx, f.seller, 1, f.buyer, big.NewInt(5), big.NewInt(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRoleGating(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	wantListing, _ := f.engine.Listing(f.ctx, 1)
	wantPool := f.pool(t)
	wantStranger := f.account(t, f.stranger)

	cases := []struct {
		name string
		call func() error
	}{
		{"list", func() error {
			f.registry.setOwner(2, f.stranger)
			_, err := f.engine.List(f.ctx, f.stranger, 2, f.buyer, big.NewInt(1), big.NewInt(1))
			return err
		}},
		{"deposit", func() error {
			_, err := f.engine.DepositEarnest(f.ctx, f.stranger, 1, big.NewInt(5))
			return err
		}},
		{"deposit by seller", func() error {
			_, err := f.engine.DepositEarnest(f.ctx, f.seller, 1, big.NewInt(5))
			return err
		}},
		{"inspect", func() error { return f.engine.UpdateInspectionStatus(f.ctx, f.stranger, 1, true) }},
		{"inspect by seller", func() error { return f.engine.UpdateInspectionStatus(f.ctx, f.seller, 1, true) }},
		{"approve", func() error { return f.engine.ApproveSale(f.ctx, f.stranger, 1) }},
		{"approve by inspector", func() error { return f.engine.ApproveSale(f.ctx, f.inspector, 1) }},
		{"finalize", func() error {
			_, err := f.engine.FinalizeSale(f.ctx, f.stranger, 1)
			return err
		}},
		{"finalize by buyer", func() error {
			_, err := f.engine.FinalizeSale(f.ctx, f.buyer, 1)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			got, err := f.engine.Listing(f.ctx, 1)
			if err != nil {
				t.Fatalf("listing: %v", err)
			}
			if got.IsListed != wantListing.IsListed || got.InspectionPassed != wantListing.InspectionPassed || len(got.Approvals) != len(wantListing.Approvals) {
				t.Fatalf("listing changed: %+v", got)
			}
			if f.pool(t) != wantPool || f.account(t, f.stranger) != wantStranger {
				t.Fatalf("balances changed")
			}
		})
	}
	if _, err := f.engine.Listing(f.ctx, 2); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("unauthorized list created a record: %v", err)
	}
	if f.registry.owner(2) != f.stranger {
		t.Fatalf("unauthorized list moved custody")
	}
}

func TestDepositEarnest(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)

	if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 99, big.NewInt(5)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 1, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 1, big.NewInt(5_000)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if f.pool(t) != 0 || f.account(t, f.buyer) != 1_000 {
		t.Fatalf("rejected deposits changed balances")
	}

	// Deposits are not bound to the escrow amount.
	pool, err := f.engine.DepositEarnest(f.ctx, f.buyer, 1, big.NewInt(3))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if pool.Int64() != 3 || f.account(t, f.buyer) != 997 {
		t.Fatalf("unexpected balances after deposit: pool=%s buyer=%d", pool, f.account(t, f.buyer))
	}
}

func TestReceiveAcceptsAnyIdentity(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Receive(f.ctx, f.stranger, big.NewInt(7)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(3)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if f.pool(t) != 10 {
		t.Fatalf("expected pool 10, got %d", f.pool(t))
	}
	if _, err := f.engine.Receive(f.ctx, f.lender, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestInspectionToggles(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	for _, passed := range []bool{true, false, true} {
		if err := f.engine.UpdateInspectionStatus(f.ctx, f.inspector, 1, passed); err != nil {
			t.Fatalf("inspect: %v", err)
		}
		got, err := f.engine.InspectionPassed(f.ctx, 1)
		if err != nil || got != passed {
			t.Fatalf("expected inspection %v, got %v (%v)", passed, got, err)
		}
	}
	if err := f.engine.UpdateInspectionStatus(f.ctx, f.inspector, 42, true); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestApprovalCommutativity(t *testing.T) {
	f := newFixture(t)
	orders := [][][20]byte{
		{f.seller, f.buyer, f.lender},
		{f.seller, f.lender, f.buyer},
		{f.buyer, f.seller, f.lender},
		{f.buyer, f.lender, f.seller},
		{f.lender, f.seller, f.buyer},
		{f.lender, f.buyer, f.seller},
	}
	var want [][20]byte
	for i, order := range orders {
		assetID := uint64(i + 1)
		f.listAsset(t, assetID, 10, 5)
		for _, approver := range order {
			if err := f.engine.ApproveSale(f.ctx, approver, assetID); err != nil {
				t.Fatalf("approve: %v", err)
			}
			// A second approval by the same identity has no effect.
			if err := f.engine.ApproveSale(f.ctx, approver, assetID); err != nil {
				t.Fatalf("repeat approve: %v", err)
			}
		}
		listing, err := f.engine.Listing(f.ctx, assetID)
		if err != nil {
			t.Fatalf("listing: %v", err)
		}
		if len(listing.Approvals) != 3 {
			t.Fatalf("order %d: expected 3 approvals, got %d", i, len(listing.Approvals))
		}
		if want == nil {
			want = listing.Approvals
			continue
		}
		for j := range want {
			if listing.Approvals[j] != want[j] {
				t.Fatalf("order %d produced a different approval set", i)
			}
		}
	}
	approved := 0
	for _, typ := range f.emitter.kinds() {
		if typ == EventTypeApproved {
			approved++
		}
	}
	if approved != 3*len(orders) {
		t.Fatalf("repeat approvals emitted events: %d", approved)
	}
}

func TestFinalizeSaleAtomicity(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{"inspection not passed", func(t *testing.T, f *fixture) {
			for _, a := range [][20]byte{f.seller, f.buyer, f.lender} {
				if err := f.engine.ApproveSale(f.ctx, a, 1); err != nil {
					t.Fatalf("approve: %v", err)
				}
			}
			if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
				t.Fatalf("receive: %v", err)
			}
		}},
		{"inspection revoked", func(t *testing.T, f *fixture) {
			f.readyForSettlement(t, 1)
			if err := f.engine.UpdateInspectionStatus(f.ctx, f.inspector, 1, false); err != nil {
				t.Fatalf("inspect: %v", err)
			}
			if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
				t.Fatalf("receive: %v", err)
			}
		}},
		{"missing seller approval", missingApproval(func(f *fixture) [20]byte { return f.seller })},
		{"missing buyer approval", missingApproval(func(f *fixture) [20]byte { return f.buyer })},
		{"missing lender approval", missingApproval(func(f *fixture) [20]byte { return f.lender })},
		{"insufficient pool", func(t *testing.T, f *fixture) {
			f.readyForSettlement(t, 1)
			if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 1, big.NewInt(9)); err != nil {
				t.Fatalf("deposit: %v", err)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.listAsset(t, 1, 10, 5)
			tc.setup(t, f)
			poolBefore := f.pool(t)
			sellerBefore := f.account(t, f.seller)

			_, err := f.engine.FinalizeSale(f.ctx, f.seller, 1)
			if !errors.Is(err, ErrPreconditionNotMet) {
				t.Fatalf("expected ErrPreconditionNotMet, got %v", err)
			}
			listed, _ := f.engine.IsListed(f.ctx, 1)
			if !listed {
				t.Fatalf("listing closed by failed finalize")
			}
			if f.registry.owner(1) != f.authority {
				t.Fatalf("custody moved by failed finalize")
			}
			if f.pool(t) != poolBefore || f.account(t, f.seller) != sellerBefore {
				t.Fatalf("balances moved by failed finalize")
			}
		})
	}
}

func missingApproval(skip func(*fixture) [20]byte) func(t *testing.T, f *fixture) {
	return func(t *testing.T, f *fixture) {
		if err := f.engine.UpdateInspectionStatus(f.ctx, f.inspector, 1, true); err != nil {
			t.Fatalf("inspect: %v", err)
		}
		for _, a := range [][20]byte{f.seller, f.buyer, f.lender} {
			if a == skip(f) {
				continue
			}
			if err := f.engine.ApproveSale(f.ctx, a, 1); err != nil {
				t.Fatalf("approve: %v", err)
			}
		}
		if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
}

func TestSettlementScenario(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)

	if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(5)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if f.pool(t) != 10 {
		t.Fatalf("expected pool 10, got %d", f.pool(t))
	}
	f.readyForSettlement(t, 1)

	settled, err := f.engine.FinalizeSale(f.ctx, f.seller, 1)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if settled.IsListed || settled.SettledAt != 1_700_000_000 {
		t.Fatalf("unexpected settled listing: %+v", settled)
	}
	if f.registry.owner(1) != f.buyer {
		t.Fatalf("custody not moved to buyer")
	}
	if f.pool(t) != 0 {
		t.Fatalf("expected pool 0, got %d", f.pool(t))
	}
	if f.account(t, f.seller) != 10 {
		t.Fatalf("expected seller paid 10, got %d", f.account(t, f.seller))
	}

	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed on second finalize, got %v", err)
	}
}

func TestReadAfterSettle(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	f.readyForSettlement(t, 1)
	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	passed, err := f.engine.InspectionPassed(f.ctx, 1)
	if err != nil || !passed {
		t.Fatalf("inspection flag lost after settle: %v %v", passed, err)
	}
	for _, a := range [][20]byte{f.seller, f.buyer, f.lender} {
		ok, err := f.engine.Approval(f.ctx, 1, a)
		if err != nil || !ok {
			t.Fatalf("approval lost after settle: %v %v", ok, err)
		}
	}
	if ok, _ := f.engine.Approval(f.ctx, 1, f.stranger); ok {
		t.Fatalf("stranger reported as approver")
	}
	price, _ := f.engine.PurchasePrice(f.ctx, 1)
	amount, _ := f.engine.EscrowAmount(f.ctx, 1)
	if price.Int64() != 10 || amount.Int64() != 5 {
		t.Fatalf("terms changed after settle")
	}

	if err := f.engine.UpdateInspectionStatus(f.ctx, f.inspector, 1, false); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected settled inspection to be frozen, got %v", err)
	}
	if err := f.engine.ApproveSale(f.ctx, f.seller, 1); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected settled approvals to be frozen, got %v", err)
	}
	if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 1, big.NewInt(1)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected deposit on settled listing to fail, got %v", err)
	}
}

func TestPooledBalanceIsFungibleAcrossListings(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 20, 10) // A
	f.listAsset(t, 2, 5, 5)   // B
	f.readyForSettlement(t, 1)
	f.readyForSettlement(t, 2)

	if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 2, big.NewInt(5)); err != nil {
		t.Fatalf("deposit for B: %v", err)
	}
	// A is blocked by its 20 threshold only.
	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected A blocked by balance, got %v", err)
	}
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(15)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	// B's deposit is consumed by A's settlement: there is no attribution.
	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); err != nil {
		t.Fatalf("finalize A: %v", err)
	}
	if f.pool(t) != 0 {
		t.Fatalf("expected pool drained, got %d", f.pool(t))
	}
	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 2); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected B blocked after A consumed its deposit, got %v", err)
	}
	// Funding the pool by any route unblocks B.
	if _, err := f.engine.Receive(f.ctx, f.stranger, big.NewInt(5)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 2); err != nil {
		t.Fatalf("finalize B: %v", err)
	}
}

func TestFinalizeCustodyFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	f.readyForSettlement(t, 1)
	f.registry.failWith(errRegistryRejected)
	before := len(f.emitter.kinds())

	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); !errors.Is(err, ErrCustodyTransferFailed) {
		t.Fatalf("expected custody failure, got %v", err)
	}
	if listed, _ := f.engine.IsListed(f.ctx, 1); !listed {
		t.Fatalf("listing closed despite custody failure")
	}
	if f.pool(t) != 10 || f.account(t, f.seller) != 0 {
		t.Fatalf("funds moved despite custody failure")
	}
	if len(f.emitter.kinds()) != before {
		t.Fatalf("failed finalize emitted events")
	}

	f.registry.failWith(nil)
	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); err != nil {
		t.Fatalf("retry after registry recovery: %v", err)
	}
}

func TestFinalizeRejectsWhenAuthorityLostCustody(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	f.readyForSettlement(t, 1)
	f.registry.setOwner(1, f.stranger)

	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); !errors.Is(err, ErrCustodyTransferFailed) {
		t.Fatalf("expected custody failure, got %v", err)
	}
	if f.pool(t) != 10 {
		t.Fatalf("pool changed")
	}
}

func TestFinalizeCommitFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	f.readyForSettlement(t, 1)
	f.db.FailWrites(errors.New("disk full"))

	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); err == nil {
		t.Fatalf("expected commit failure to surface")
	}
	f.db.FailWrites(nil)
	if listed, _ := f.engine.IsListed(f.ctx, 1); !listed {
		t.Fatalf("listing state must not reflect an uncommitted settlement")
	}
}

func TestListCommitFailureReturnsCustody(t *testing.T) {
	f := newFixture(t)
	f.registry.setOwner(7, f.seller)
	f.db.FailWrites(errors.New("disk full"))

	if _, err := f.engine.List(f.ctx, f.seller, 7, f.buyer, big.NewInt(10), big.NewInt(5)); err == nil {
		t.Fatalf("expected commit failure to surface")
	}
	if owner := f.registry.owner(7); owner != f.seller {
		t.Fatalf("custody not returned to seller: %x", owner[:2])
	}
	f.db.FailWrites(nil)
	if _, err := f.engine.Listing(f.ctx, 7); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected no listing after failed commit, got %v", err)
	}

	listing, err := f.engine.List(f.ctx, f.seller, 7, f.buyer, big.NewInt(10), big.NewInt(5))
	if err != nil {
		t.Fatalf("retry list: %v", err)
	}
	if !listing.IsListed || f.registry.owner(7) != f.authority {
		t.Fatalf("retry did not list the asset: %+v", listing)
	}
}

func TestRelistAfterSettlementStartsFresh(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(10)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	f.readyForSettlement(t, 1)
	if _, err := f.engine.FinalizeSale(f.ctx, f.seller, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The deed finds its way back to the seller outside the authority.
	f.registry.setOwner(1, f.seller)
	listing, err := f.engine.List(f.ctx, f.seller, 1, f.stranger, big.NewInt(30), big.NewInt(3))
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if !listing.IsListed || listing.InspectionPassed || len(listing.Approvals) != 0 || listing.SettledAt != 0 {
		t.Fatalf("relisted record not fresh: %+v", listing)
	}
	if listing.Buyer != f.stranger {
		t.Fatalf("relist kept the old buyer")
	}
	all, err := f.engine.Listings(f.ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one indexed listing, got %d (%v)", len(all), err)
	}
}

func TestListingsAscendingAndPersisted(t *testing.T) {
	f := newFixture(t)
	for _, id := range []uint64{7, 3, 5} {
		f.listAsset(t, id, 10, 5)
	}
	if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(4)); err != nil {
		t.Fatalf("receive: %v", err)
	}

	reopened, err := NewEngine(Config{
		Authority: f.authority,
		Registry:  f.registry,
		Seller:    f.seller,
		Inspector: f.inspector,
		Lender:    f.lender,
	}, state.NewManager(f.db, "ledger"))
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	all, err := reopened.Listings(f.ctx)
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	if len(all) != 3 || all[0].AssetID != 3 || all[1].AssetID != 5 || all[2].AssetID != 7 {
		t.Fatalf("unexpected listing order: %+v", all)
	}
	bal, err := reopened.Balance(f.ctx)
	if err != nil || bal.Int64() != 4 {
		t.Fatalf("pool not persisted: %v %v", bal, err)
	}
}

func TestConcurrentDepositsSerialise(t *testing.T) {
	f := newFixture(t)
	f.listAsset(t, 1, 10, 5)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.DepositEarnest(f.ctx, f.buyer, 1, big.NewInt(1)); err != nil {
				t.Errorf("deposit: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Receive(f.ctx, f.lender, big.NewInt(2)); err != nil {
				t.Errorf("receive: %v", err)
			}
		}()
	}
	wg.Wait()
	if f.pool(t) != 60 {
		t.Fatalf("expected pool 60, got %d", f.pool(t))
	}
	if f.account(t, f.buyer)+f.account(t, f.lender)+f.pool(t) != 2_000 {
		t.Fatalf("funds not conserved")
	}
}

func TestRoleAccessors(t *testing.T) {
	f := newFixture(t)
	if f.engine.Seller() != f.seller || f.engine.Inspector() != f.inspector || f.engine.Lender() != f.lender || f.engine.Authority() != f.authority {
		t.Fatalf("role accessors mismatch")
	}
	if f.engine.Registry() != CustodyRegistry(f.registry) {
		t.Fatalf("registry accessor mismatch")
	}
}
