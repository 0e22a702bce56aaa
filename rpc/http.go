package rpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"deedescrow/core/events"
	"deedescrow/crypto"
	"deedescrow/native/bank"
	"deedescrow/native/deeds"
	"deedescrow/native/escrow"
	"deedescrow/observability"
	"deedescrow/observability/logging"
	"deedescrow/rpc/auth"
	"deedescrow/storage/audit"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	moduleName      = "rpc"

	// HeaderIdempotencyKey scopes a cached response to the caller.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderRequestID echoes the audit row id of a mutating call.
	HeaderRequestID = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// Options wires the server to the escrow authority and its collaborators.
type Options struct {
	Engine    *escrow.Engine
	Ledger    *bank.Ledger
	Deeds     *deeds.Registry
	History   *events.History
	Auth      *auth.Authenticator
	Audit     *audit.Store
	RateLimit RateLimit
	Logger    *slog.Logger
	// Tracing wraps the router with otelhttp spans.
	Tracing bool
}

// Server exposes the escrow authority over JSON-RPC 2.0.
type Server struct {
	engine  *escrow.Engine
	ledger  *bank.Ledger
	deeds   *deeds.Registry
	history *events.History
	auth    *auth.Authenticator
	audit   *audit.Store
	limiter *RateLimiter
	logger  *slog.Logger
	tracing bool

	idemLocks keyLocks
}

func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Engine == nil:
		return nil, fmt.Errorf("rpc: escrow engine required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("rpc: ledger required")
	case opts.Deeds == nil:
		return nil, fmt.Errorf("rpc: deed registry required")
	case opts.History == nil:
		return nil, fmt.Errorf("rpc: event history required")
	case opts.Auth == nil:
		return nil, fmt.Errorf("rpc: authenticator required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("rpc: audit store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  opts.Engine,
		ledger:  opts.Ledger,
		deeds:   opts.Deeds,
		history: opts.History,
		auth:    opts.Auth,
		audit:   opts.Audit,
		limiter: NewRateLimiter(opts.RateLimit),
		logger:  logger.With(slog.String("component", moduleName)),
		tracing: opts.Tracing,
	}, nil
}

// Handler returns the HTTP routes served by the node.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(limited chi.Router) {
		limited.Use(s.limiter.Middleware)
		limited.Post("/rpc", s.handle)
		limited.Get("/ws/events", s.handleEventsWS)
	})
	if s.tracing {
		return otelhttp.NewHandler(r, "deedescrow-rpc")
	}
	return r
}

// captureWriter tees the response so mutating calls can be cached and
// audited after the handler ran.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}

// errorText returns the JSON-RPC error carried by the captured body, if any.
func (c *captureWriter) errorText() string {
	var resp RPCResponse
	if err := json.Unmarshal(c.buf.Bytes(), &resp); err != nil || resp.Error == nil {
		return ""
	}
	if data, ok := resp.Error.Data.(string); ok && data != "" {
		return resp.Error.Message + ": " + data
	}
	return resp.Error.Message
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Content-Type", "application/json")
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "empty request body", nil)
		return
	}
	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse error", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		observability.ModuleMetrics().Observe(moduleName, req.Method, capture.status, time.Since(start))
	}()

	if handler := s.mutationFor(req.Method); handler != nil {
		s.serveMutation(capture, r, req, body, handler)
		return
	}
	switch req.Method {
	case "escrow_getListing":
		s.handleEscrowGetListing(capture, r, req)
	case "escrow_listListings":
		s.handleEscrowListListings(capture, r, req)
	case "escrow_getBalance":
		s.handleEscrowGetBalance(capture, r, req)
	case "escrow_getApproval":
		s.handleEscrowGetApproval(capture, r, req)
	case "escrow_getRoles":
		s.handleEscrowGetRoles(capture, r, req)
	case "escrow_events":
		s.handleEscrowEvents(capture, r, req)
	case "escrow_audit":
		s.handleEscrowAudit(capture, r, req)
	case "bank_getBalance":
		s.handleBankGetBalance(capture, r, req)
	case "deed_ownerOf":
		s.handleDeedOwnerOf(capture, r, req)
	case "deed_tokenURI":
		s.handleDeedTokenURI(capture, r, req)
	default:
		writeError(capture, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
}

// mutationHandler serves a state-changing method on behalf of an
// authenticated caller.
type mutationHandler func(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte)

func (s *Server) mutationFor(method string) mutationHandler {
	switch method {
	case "escrow_list":
		return s.handleEscrowList
	case "escrow_depositEarnest":
		return s.handleEscrowDepositEarnest
	case "escrow_receive":
		return s.handleEscrowReceive
	case "escrow_updateInspection":
		return s.handleEscrowUpdateInspection
	case "escrow_approveSale":
		return s.handleEscrowApproveSale
	case "escrow_finalizeSale":
		return s.handleEscrowFinalizeSale
	case "bank_transfer":
		return s.handleBankTransfer
	case "deed_approve":
		return s.handleDeedApprove
	case "deed_setApprovalForAll":
		return s.handleDeedSetApprovalForAll
	case "deed_transfer":
		return s.handleDeedTransfer
	default:
		return nil
	}
}

// serveMutation authenticates the caller, replays cached idempotent
// responses, runs handler and writes the audit row.
func (s *Server) serveMutation(w *captureWriter, r *http.Request, req *RPCRequest, body []byte, handler mutationHandler) {
	caller, err := s.auth.Authenticate(r, body)
	if err != nil {
		s.logger.Warn("rejected unsigned call",
			slog.String("method", req.Method),
			logging.MaskField("signature", r.Header.Get(auth.HeaderSignature)),
			slog.Any("error", err))
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", err.Error())
		return
	}
	ctx := r.Context()
	callerID := caller.String()
	requestID := uuid.NewString()
	w.Header().Set(HeaderRequestID, requestID)
	params, _ := json.Marshal(req.Params)

	defer func() {
		entry := audit.Entry{
			RequestID: requestID,
			Caller:    callerID,
			Method:    req.Method,
			Params:    string(params),
			Status:    w.status,
			Error:     w.errorText(),
		}
		if _, err := s.audit.Insert(ctx, entry); err != nil {
			s.logger.Error("audit write failed",
				slog.String("requestid", requestID),
				slog.String("method", req.Method),
				slog.Any("error", err))
		}
	}()

	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	hash := requestHash(req.Method, params)
	if idemKey != "" {
		release := s.idemLocks.acquire(callerID + "\x00" + idemKey)
		defer release()
		stored, err := s.audit.LookupIdempotency(ctx, callerID, idemKey, hash)
		if errors.Is(err, audit.ErrIdempotencyMismatch) {
			writeError(w, http.StatusConflict, req.ID, codeEscrowConflict, "idempotency_conflict", err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
			return
		}
		if stored != nil {
			w.Header().Set("Idempotent-Replay", "true")
			if stored.Status != http.StatusOK {
				w.WriteHeader(stored.Status)
			}
			_, _ = w.Write(stored.Body)
			return
		}
	}

	handler(w, r, req, caller.Address)

	// Server faults stay retryable under the same key.
	if idemKey != "" && w.status < http.StatusInternalServerError {
		if err := s.audit.SaveIdempotency(ctx, callerID, idemKey, hash, w.status, w.buf.Bytes()); err != nil {
			s.logger.Error("idempotency write failed",
				slog.String("requestid", requestID),
				logging.MaskField("idempotency_key", idemKey),
				slog.Any("error", err))
		}
	}
}

func requestHash(method string, params []byte) string {
	sum := sha256.Sum256(append([]byte(method+"\n"), params...))
	return hex.EncodeToString(sum[:])
}

// decodeParams unmarshals the single parameter object of req into out.
func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// decodeOptionalParams accepts zero parameters, leaving out untouched.
func decodeOptionalParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	return decodeParams(req, out)
}

func parseAddress(field, value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.ParseAddress(trimmed)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}
