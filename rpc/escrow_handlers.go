package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"deedescrow/crypto"
	"deedescrow/native/bank"
	"deedescrow/native/deeds"
	"deedescrow/native/escrow"
)

const (
	codeEscrowNotFound  = -32022
	codeEscrowForbidden = -32023
	codeEscrowConflict  = -32024
	codeEscrowInternal  = -32025
	codeCustodyFailed   = -32026
)

type escrowListParams struct {
	AssetID       uint64 `json:"assetId"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EscrowAmount  string `json:"escrowAmount"`
}

type escrowAssetParams struct {
	AssetID uint64 `json:"assetId"`
}

type escrowDepositParams struct {
	AssetID uint64 `json:"assetId"`
	Amount  string `json:"amount"`
}

type escrowReceiveParams struct {
	Amount string `json:"amount"`
}

type escrowInspectionParams struct {
	AssetID uint64 `json:"assetId"`
	Passed  bool   `json:"passed"`
}

type escrowApprovalParams struct {
	AssetID uint64 `json:"assetId"`
	Address string `json:"address"`
}

type escrowEventsParams struct {
	Since int64 `json:"since"`
}

type escrowAuditParams struct {
	Method string `json:"method,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type listingJSON struct {
	AssetID          uint64   `json:"assetId"`
	Buyer            string   `json:"buyer"`
	PurchasePrice    string   `json:"purchasePrice"`
	EscrowAmount     string   `json:"escrowAmount"`
	IsListed         bool     `json:"isListed"`
	InspectionPassed bool     `json:"inspectionPassed"`
	Approvals        []string `json:"approvals"`
	ListedAt         uint64   `json:"listedAt"`
	SettledAt        uint64   `json:"settledAt,omitempty"`
}

type balanceJSON struct {
	Balance string `json:"balance"`
}

type rolesJSON struct {
	Authority string `json:"authority"`
	Seller    string `json:"seller"`
	Inspector string `json:"inspector"`
	Lender    string `json:"lender"`
}

type approvalJSON struct {
	AssetID  uint64 `json:"assetId"`
	Address  string `json:"address"`
	Approved bool   `json:"approved"`
}

func formatListingJSON(l *escrow.Listing) listingJSON {
	approvals := make([]string, 0, len(l.Approvals))
	for _, addr := range l.Approvals {
		approvals = append(approvals, crypto.FormatAddress(addr))
	}
	return listingJSON{
		AssetID:          l.AssetID,
		Buyer:            crypto.FormatAddress(l.Buyer),
		PurchasePrice:    formatAmount(l.PurchasePrice),
		EscrowAmount:     formatAmount(l.EscrowAmount),
		IsListed:         l.IsListed,
		InspectionPassed: l.InspectionPassed,
		Approvals:        approvals,
		ListedAt:         l.ListedAt,
		SettledAt:        l.SettledAt,
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowListParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddress("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parseAmount("purchasePrice", params.PurchasePrice, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	earnest, err := parseAmount("escrowAmount", params.EscrowAmount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.engine.List(r.Context(), caller, params.AssetID, buyer, price, earnest)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingJSON(listing))
}

func (s *Server) handleEscrowDepositEarnest(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowDepositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount("amount", params.Amount, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	pool, err := s.engine.DepositEarnest(r.Context(), caller, params.AssetID, amount)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Balance: pool.String()})
}

func (s *Server) handleEscrowReceive(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowReceiveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount("amount", params.Amount, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	pool, err := s.engine.Receive(r.Context(), caller, amount)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Balance: pool.String()})
}

func (s *Server) handleEscrowUpdateInspection(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowInspectionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.UpdateInspectionStatus(r.Context(), caller, params.AssetID, params.Passed); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeListing(w, r, req, params.AssetID)
}

func (s *Server) handleEscrowApproveSale(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowAssetParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.ApproveSale(r.Context(), caller, params.AssetID); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeListing(w, r, req, params.AssetID)
}

func (s *Server) handleEscrowFinalizeSale(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowAssetParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.engine.FinalizeSale(r.Context(), caller, params.AssetID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingJSON(listing))
}

func (s *Server) handleEscrowGetListing(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowAssetParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	s.writeListing(w, r, req, params.AssetID)
}

func (s *Server) writeListing(w http.ResponseWriter, r *http.Request, req *RPCRequest, assetID uint64) {
	listing, err := s.engine.Listing(r.Context(), assetID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingJSON(listing))
}

func (s *Server) handleEscrowListListings(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	listings, err := s.engine.Listings(r.Context())
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	out := make([]listingJSON, 0, len(listings))
	for _, l := range listings {
		out = append(out, formatListingJSON(l))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	balance, err := s.engine.Balance(r.Context())
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Balance: balance.String()})
}

func (s *Server) handleEscrowGetApproval(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowApprovalParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	approved, err := s.engine.Approval(r.Context(), params.AssetID, addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, approvalJSON{AssetID: params.AssetID, Address: crypto.FormatAddress(addr), Approved: approved})
}

func (s *Server) handleEscrowGetRoles(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, rolesJSON{
		Authority: crypto.FormatAddress(s.engine.Authority()),
		Seller:    crypto.FormatAddress(s.engine.Seller()),
		Inspector: crypto.FormatAddress(s.engine.Inspector()),
		Lender:    crypto.FormatAddress(s.engine.Lender()),
	})
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowEventsParams
	if err := decodeOptionalParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, s.history.Events(params.Since))
}

func (s *Server) handleEscrowAudit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowAuditParams
	if err := decodeOptionalParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	entries, err := s.audit.Recent(r.Context(), params.Method, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, entries)
}

func parseAmount(field, value string, allowZero bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s", field)
	}
	if amount.Sign() < 0 || (!allowZero && amount.Sign() == 0) {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return amount, nil
}

// writeEscrowError maps engine, ledger and registry errors onto JSON-RPC
// codes. Custody failures are checked first because they wrap the
// registry's own error.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrCustodyTransferFailed):
		status = http.StatusBadGateway
		code = codeCustodyFailed
		message = "custody_transfer_failed"
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, deeds.ErrNotAuthorized), errors.Is(err, deeds.ErrNotOwner):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrUnknownAsset), errors.Is(err, escrow.ErrNotListed), errors.Is(err, deeds.ErrTokenNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrAlreadyListed), errors.Is(err, escrow.ErrPreconditionNotMet), errors.Is(err, bank.ErrInsufficientFunds):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrInvalidBuyer), errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, deeds.ErrInvalidRecipient), errors.Is(err, deeds.ErrSelfApproval):
		status = http.StatusBadRequest
		code = codeInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
