package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"deedescrow/core/events"
	"deedescrow/core/state"
	"deedescrow/crypto"
	"deedescrow/native/bank"
	"deedescrow/native/deeds"
	"deedescrow/native/escrow"
	"deedescrow/observability/logging"
	"deedescrow/rpc/auth"
	"deedescrow/storage"
	"deedescrow/storage/audit"
)

type testEnv struct {
	t        *testing.T
	server   *httptest.Server
	engine   *escrow.Engine
	ledger   *bank.Ledger
	registry *deeds.Registry
	history  *events.History
	audit    *audit.Store

	authority *crypto.PrivateKey
	seller    *crypto.PrivateKey
	inspector *crypto.PrivateKey
	lender    *crypto.PrivateKey
	buyer     *crypto.PrivateKey
	stranger  *crypto.PrivateKey

	deedID uint64
	nonce  int
}

type testResponse struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func addrOf(key *crypto.PrivateKey) [20]byte { return key.PubKey().Address().Bytes() }

func bech32Of(key *crypto.PrivateKey) string { return key.PubKey().Address().String() }

func newKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newTestEnv(t *testing.T, limit RateLimit) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{
		t:         t,
		authority: newKey(t),
		seller:    newKey(t),
		inspector: newKey(t),
		lender:    newKey(t),
		buyer:     newKey(t),
		stranger:  newKey(t),
	}

	db := storage.NewMemDB()
	ledgerState := state.NewManager(db, "ledger")
	env.ledger = bank.NewLedger(ledgerState)
	env.registry = deeds.NewRegistry(state.NewManager(db, "deeds"))
	env.history = events.NewHistory()
	env.registry.SetEmitter(env.history)

	engine, err := escrow.NewEngine(escrow.Config{
		Authority: addrOf(env.authority),
		Registry:  deeds.NewCustodian(env.registry, addrOf(env.authority)),
		Seller:    addrOf(env.seller),
		Inspector: addrOf(env.inspector),
		Lender:    addrOf(env.lender),
	}, ledgerState)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetEmitter(env.history)
	engine.SetLogger(logging.Discard())
	env.engine = engine

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	env.audit = store

	srv, err := NewServer(Options{
		Engine:    engine,
		Ledger:    env.ledger,
		Deeds:     env.registry,
		History:   env.history,
		Auth:      auth.NewAuthenticator(0, 0, 0, nil, store),
		Audit:     store,
		RateLimit: limit,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)

	for _, key := range []*crypto.PrivateKey{env.buyer, env.lender, env.stranger} {
		if err := env.ledger.Mint(ctx, addrOf(key), big.NewInt(1000)); err != nil {
			t.Fatalf("mint balance: %v", err)
		}
	}
	id, err := env.registry.Mint(ctx, addrOf(env.seller), "ipfs://deed/1.json")
	if err != nil {
		t.Fatalf("mint deed: %v", err)
	}
	if err := env.registry.Approve(ctx, addrOf(env.seller), id, addrOf(env.authority)); err != nil {
		t.Fatalf("approve authority: %v", err)
	}
	env.deedID = id
	return env
}

// call posts a JSON-RPC request, signing it with key when non-nil.
func (env *testEnv) call(key *crypto.PrivateKey, method string, param interface{}, header http.Header) (int, testResponse, http.Header) {
	env.t.Helper()
	var params []json.RawMessage
	if param != nil {
		raw, err := json.Marshal(param)
		if err != nil {
			env.t.Fatalf("marshal params: %v", err)
		}
		params = append(params, raw)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: params, ID: 1})
	if err != nil {
		env.t.Fatalf("marshal request: %v", err)
	}
	return env.post(key, body, header)
}

func (env *testEnv) post(key *crypto.PrivateKey, body []byte, header http.Header) (int, testResponse, http.Header) {
	env.t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/rpc", bytes.NewReader(body))
	if err != nil {
		env.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	if key != nil {
		env.nonce++
		if err := auth.Sign(key, req, body, time.Now(), fmt.Sprintf("nonce-%d", env.nonce)); err != nil {
			env.t.Fatalf("sign request: %v", err)
		}
	}
	resp, err := env.server.Client().Do(req)
	if err != nil {
		env.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded testResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		env.t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded, resp.Header
}

// mustCall fails the test unless the call succeeds, decoding the result into out.
func (env *testEnv) mustCall(key *crypto.PrivateKey, method string, param interface{}, out interface{}) {
	env.t.Helper()
	status, resp, _ := env.call(key, method, param, nil)
	if status != http.StatusOK || resp.Error != nil {
		env.t.Fatalf("%s: status %d error %+v", method, status, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			env.t.Fatalf("%s: decode result: %v", method, err)
		}
	}
}

func (env *testEnv) expectError(key *crypto.PrivateKey, method string, param interface{}, wantStatus, wantCode int) testResponse {
	env.t.Helper()
	status, resp, _ := env.call(key, method, param, nil)
	if status != wantStatus {
		env.t.Fatalf("%s: expected status %d, got %d (%+v)", method, wantStatus, status, resp.Error)
	}
	if resp.Error == nil || resp.Error.Code != wantCode {
		env.t.Fatalf("%s: expected code %d, got %+v", method, wantCode, resp.Error)
	}
	return resp
}

func (env *testEnv) listDefault() {
	env.t.Helper()
	env.mustCall(env.seller, "escrow_list", escrowListParams{
		AssetID:       env.deedID,
		Buyer:         bech32Of(env.buyer),
		PurchasePrice: "10",
		EscrowAmount:  "5",
	}, nil)
}
