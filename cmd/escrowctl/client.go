package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"deedescrow/cmd/internal/passphrase"
	"deedescrow/crypto"
	"deedescrow/rpc/auth"
)

const keystorePassphraseEnv = "DEEDESCROW_KEYSTORE_PASSPHRASE"

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcRequest describes one call. Signer is nil for read-only methods.
type rpcRequest struct {
	Endpoint       string
	Method         string
	Params         interface{}
	Signer         *crypto.PrivateKey
	IdempotencyKey string
}

var (
	rpcCall      = callRPC
	loadSigner   = loadKeystoreSigner
	rpcNow       = time.Now
	passphrases  = passphrase.NewSource(keystorePassphraseEnv, "keystore")
	rpcTransport = http.DefaultClient
)

func callRPC(req rpcRequest) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  req.Method,
		"params":  []interface{}{},
	}
	if req.Params != nil {
		payload["params"] = []interface{}{req.Params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	url := strings.TrimRight(req.Endpoint, "/") + "/rpc"
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}
	if req.Signer != nil {
		if err := auth.Sign(req.Signer, httpReq, body, rpcNow(), uuid.NewString()); err != nil {
			return nil, nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := rpcTransport.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response (HTTP %d): %w", resp.StatusCode, err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func loadKeystoreSigner(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("no keystore configured; run escrowctl keygen or escrowctl profile set --keystore")
	}
	pass, err := passphrases.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", path, err)
	}
	return key, nil
}
