package api

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/conduitnet/conduit/pkg/jsonhttp"
)

func (s *server) disputeHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	state, err := s.channels.SubmitDispute(r.Context(), address)
	if err != nil {
		s.logger.Debugf("api: dispute %x: %v", address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.Accepted(w, state)
}

func (s *server) defundHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	state, err := s.channels.SubmitDefund(r.Context(), address)
	if err != nil {
		s.logger.Debugf("api: defund %x: %v", address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.Accepted(w, state)
}

type transferTxResponse struct {
	TxHash common.Hash `json:"txHash"`
}

func (s *server) disputeTransferHandler(w http.ResponseWriter, r *http.Request) {
	s.transferTxHandler(w, r, "dispute", s.channels.DisputeTransfer)
}

func (s *server) defundTransferHandler(w http.ResponseWriter, r *http.Request) {
	s.transferTxHandler(w, r, "defund", s.channels.DefundTransfer)
}

func (s *server) transferTxHandler(w http.ResponseWriter, r *http.Request, verb string, submit func(context.Context, common.Address, common.Hash) (common.Hash, error)) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	transferID, err := parseHash(mux.Vars(r)["id"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid transfer id")
		return
	}
	txHash, err := submit(r.Context(), address, transferID)
	if err != nil {
		s.logger.Debugf("api: %s transfer %x on %x: %v", verb, transferID, address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.Accepted(w, transferTxResponse{TxHash: txHash})
}
