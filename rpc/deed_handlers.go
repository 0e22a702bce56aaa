package rpc

import (
	"net/http"

	"deedescrow/crypto"
	"deedescrow/observability"
)

type deedApproveParams struct {
	TokenID  uint64 `json:"tokenId"`
	Operator string `json:"operator"`
}

type deedOperatorParams struct {
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

type deedTransferParams struct {
	From    string `json:"from"`
	To      string `json:"to"`
	TokenID uint64 `json:"tokenId"`
}

type deedTokenParams struct {
	TokenID uint64 `json:"tokenId"`
}

type deedOwnerJSON struct {
	TokenID uint64 `json:"tokenId"`
	Owner   string `json:"owner"`
}

type deedURIJSON struct {
	TokenID uint64 `json:"tokenId"`
	URI     string `json:"uri"`
}

func (s *Server) handleDeedApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params deedApproveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	operator, err := parseAddress("operator", params.Operator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.deeds.Approve(r.Context(), caller, params.TokenID, operator); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleDeedSetApprovalForAll(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params deedOperatorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	operator, err := parseAddress("operator", params.Operator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.deeds.SetApprovalForAll(r.Context(), caller, operator, params.Approved); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleDeedTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params deedTransferParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	from, err := parseAddress("from", params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	err = s.deeds.TransferFrom(r.Context(), caller, from, to, params.TokenID)
	observability.Deeds().RecordTransfer("direct", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, deedOwnerJSON{TokenID: params.TokenID, Owner: crypto.FormatAddress(to)})
}

func (s *Server) handleDeedOwnerOf(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params deedTokenParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := s.deeds.OwnerOf(r.Context(), params.TokenID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, deedOwnerJSON{TokenID: params.TokenID, Owner: crypto.FormatAddress(owner)})
}

func (s *Server) handleDeedTokenURI(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params deedTokenParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	uri, err := s.deeds.TokenURI(r.Context(), params.TokenID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, deedURIJSON{TokenID: params.TokenID, URI: uri})
}
