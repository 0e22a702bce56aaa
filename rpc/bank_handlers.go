package rpc

import (
	"net/http"

	"deedescrow/crypto"
)

type bankTransferParams struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type bankBalanceParams struct {
	Address string `json:"address"`
}

type accountBalanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleBankTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params bankTransferParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount("amount", params.Amount, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.ledger.Transfer(r.Context(), caller, to, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeAccountBalance(w, r, req, caller)
}

func (s *Server) handleBankGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bankBalanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	s.writeAccountBalance(w, r, req, addr)
}

func (s *Server) writeAccountBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest, addr [20]byte) {
	balance, err := s.ledger.Balance(r.Context(), addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, accountBalanceJSON{Address: crypto.FormatAddress(addr), Balance: balance.String()})
}
