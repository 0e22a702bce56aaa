package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"deedescrow/cmd/internal/passphrase"
	"deedescrow/crypto"
	"deedescrow/rpc/auth"
)

const testBuyer = "0x00000000000000000000000000000000000000b1"

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	return runWithProfile(t, profile, args...)
}

func runWithProfile(t *testing.T, profile string, args ...string) (int, string, string) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	full := append([]string{"--profile", profile}, args...)
	code := run(full, stdout, stderr)
	return code, stdout.String(), stderr.String()
}

func stubRPC(t *testing.T, fn func(req rpcRequest) (json.RawMessage, *rpcError, error)) {
	t.Helper()
	original := rpcCall
	rpcCall = fn
	t.Cleanup(func() { rpcCall = original })
}

func stubSigner(t *testing.T, key *crypto.PrivateKey) {
	t.Helper()
	original := loadSigner
	loadSigner = func(string) (*crypto.PrivateKey, error) { return key, nil }
	t.Cleanup(func() { loadSigner = original })
}

func TestCommandArgValidation(t *testing.T) {
	stubRPC(t, func(req rpcRequest) (json.RawMessage, *rpcError, error) {
		t.Fatalf("unexpected RPC call for method %s", req.Method)
		return nil, nil, nil
	})

	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"list_missing_asset", []string{"list", "--buyer", testBuyer, "--price", "10", "--earnest", "5"}, "Error: --asset is required\n"},
		{"list_bad_buyer", []string{"list", "--asset", "1", "--buyer", "nope", "--price", "10", "--earnest", "5"}, "Error: --buyer: "},
		{"list_fractional_price", []string{"list", "--asset", "1", "--buyer", testBuyer, "--price", "1.5", "--earnest", "5"}, "Error: --price must be a base-10 integer\n"},
		{"deposit_zero", []string{"deposit", "--asset", "1", "--amount", "0"}, "Error: --amount must be positive\n"},
		{"fund_negative", []string{"fund", "--amount", "-3"}, "Error: --amount must not be negative\n"},
		{"transfer_missing_to", []string{"transfer", "--amount", "3"}, "Error: --to is required\n"},
		{"owner_missing_token", []string{"owner"}, "Error: --token is required\n"},
		{"events_negative", []string{"events", "--since", "-1"}, "Error: --since must not be negative\n"},
		{"positional", []string{"listings", "extra"}, "Error: unexpected positional arguments\n"},
		{"unknown", []string{"bogus"}, "Unknown command: bogus\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(t, tc.args...)
			if code != 1 {
				t.Fatalf("unexpected exit code %d", code)
			}
			if stdout != "" {
				t.Fatalf("expected empty stdout, got %q", stdout)
			}
			if !strings.HasPrefix(stderr, tc.wantErr) {
				t.Fatalf("stderr mismatch:\n got %q\nwant prefix %q", stderr, tc.wantErr)
			}
		})
	}
}

func TestMutatingCommandSignsAndSendsParams(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	stubSigner(t, key)

	var got rpcRequest
	stubRPC(t, func(req rpcRequest) (json.RawMessage, *rpcError, error) {
		got = req
		return json.RawMessage(`{"assetId":7,"status":"listed"}`), nil, nil
	})

	code, stdout, stderr := runCLI(t, "--rpc", "http://escrow.test", "list",
		"--asset", "7", "--buyer", testBuyer, "--price", "1_000", "--earnest", "0", "--idempotency-key", "list-7")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if stdout != "{\"assetId\":7,\"status\":\"listed\"}\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if got.Method != "escrow_list" || got.Endpoint != "http://escrow.test" || got.IdempotencyKey != "list-7" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Signer != key {
		t.Fatalf("expected request to be signed by the profile key")
	}
	params := got.Params.(map[string]interface{})
	if params["purchasePrice"] != "1000" || params["escrowAmount"] != "0" || params["assetId"] != uint64(7) {
		t.Fatalf("unexpected params %+v", params)
	}
}

func TestQueryCommandsAreUnsigned(t *testing.T) {
	var got rpcRequest
	stubRPC(t, func(req rpcRequest) (json.RawMessage, *rpcError, error) {
		got = req
		return json.RawMessage(`{"balance":"5"}`), nil, nil
	})

	if code, _, stderr := runCLI(t, "balance"); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if got.Method != "escrow_getBalance" || got.Signer != nil {
		t.Fatalf("unexpected pool balance request %+v", got)
	}
	if code, _, stderr := runCLI(t, "balance", "--address", testBuyer); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if got.Method != "bank_getBalance" {
		t.Fatalf("expected bank_getBalance, got %s", got.Method)
	}
}

func TestRPCErrorIsReported(t *testing.T) {
	stubRPC(t, func(req rpcRequest) (json.RawMessage, *rpcError, error) {
		return nil, &rpcError{Code: -32022, Message: "not_listed"}, nil
	})
	code, stdout, stderr := runCLI(t, "listing", "--asset", "9")
	if code != 1 || stdout != "" {
		t.Fatalf("unexpected result code=%d stdout=%q", code, stdout)
	}
	if stderr != "RPC error -32022: not_listed\n" {
		t.Fatalf("unexpected stderr %q", stderr)
	}

	stubRPC(t, func(req rpcRequest) (json.RawMessage, *rpcError, error) {
		return nil, nil, fmt.Errorf("connection refused")
	})
	code, _, stderr = runCLI(t, "roles")
	if code != 1 || stderr != "RPC call failed: connection refused\n" {
		t.Fatalf("unexpected call failure output code=%d stderr=%q", code, stderr)
	}
}

func TestProfileSetAndShow(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "nested", "profile.yaml")
	code, _, stderr := runWithProfile(t, profile, "profile", "set", "--rpc-url", "http://authority:9000", "--keystore", "/keys/seller.keystore")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	loaded, err := loadProfile(profile)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if loaded.RPCURL != "http://authority:9000" || loaded.Keystore != "/keys/seller.keystore" {
		t.Fatalf("unexpected profile %+v", loaded)
	}

	code, stdout, _ := runWithProfile(t, profile, "profile", "show")
	if code != 0 || !strings.Contains(stdout, "rpc_url: http://authority:9000") {
		t.Fatalf("unexpected profile show output %q", stdout)
	}

	var endpoint string
	stubRPC(t, func(req rpcRequest) (json.RawMessage, *rpcError, error) {
		endpoint = req.Endpoint
		return json.RawMessage(`[]`), nil, nil
	})
	if code, _, _ := runWithProfile(t, profile, "listings"); code != 0 || endpoint != "http://authority:9000" {
		t.Fatalf("expected profile endpoint, got %q (exit %d)", endpoint, code)
	}
}

func TestLoadProfileDefaults(t *testing.T) {
	profile, err := loadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if profile.RPCURL != defaultRPCURL || profile.Keystore != "" {
		t.Fatalf("unexpected defaults %+v", profile)
	}
}

func TestKeygenThenAddress(t *testing.T) {
	original := passphrases
	passphrases = passphrase.Static("correct horse")
	t.Cleanup(func() { passphrases = original })

	dir := t.TempDir()
	profile := filepath.Join(dir, "profile.yaml")
	keystore := filepath.Join(dir, "buyer.keystore")
	code, generated, stderr := runWithProfile(t, profile, "keygen", "--out", keystore, "--light")
	if code != 0 {
		t.Fatalf("keygen exit %d: %s", code, stderr)
	}
	code, address, stderr := runWithProfile(t, profile, "address")
	if code != 0 {
		t.Fatalf("address exit %d: %s", code, stderr)
	}
	if address != generated {
		t.Fatalf("address %q does not match generated %q", address, generated)
	}
}

func TestCallRPCSignsRequests(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	authenticator := auth.NewAuthenticator(0, 0, 0, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/rpc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "k1" {
			t.Errorf("missing idempotency key header")
		}
		caller, err := authenticator.Authenticate(r, body)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32001,"message":"unauthenticated"}}`))
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"caller":%q}}`, caller.String())
	}))
	defer srv.Close()

	result, rpcErr, err := callRPC(rpcRequest{
		Endpoint:       srv.URL + "/",
		Method:         "escrow_receive",
		Params:         map[string]string{"amount": "5"},
		Signer:         key,
		IdempotencyKey: "k1",
	})
	if err != nil || rpcErr != nil {
		t.Fatalf("call failed: %v %+v", err, rpcErr)
	}
	var decoded struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Caller != key.PubKey().Address().String() {
		t.Fatalf("server saw caller %s, want %s", decoded.Caller, key.PubKey().Address().String())
	}
}
