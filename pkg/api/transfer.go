package api

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/jsonhttp"
)

type transfersResponse struct {
	Transfers []*transfer.Transfer `json:"transfers"`
}

func (s *server) activeTransfersHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	transfers, err := s.channels.GetActiveTransfers(address)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if transfers == nil {
		transfers = []*transfer.Transfer{}
	}
	jsonhttp.OK(w, transfersResponse{Transfers: transfers})
}

type createTransferRequest struct {
	AssetID      common.Address        `json:"assetId"`
	Amount       *big.Int              `json:"amount"`
	Definition   transfer.DefinitionID `json:"definition"`
	InitialState json.RawMessage       `json:"initialState"`
	Expiry       uint64                `json:"expiry"`
	Meta         transfer.Meta         `json:"meta"`
}

type transferUpdateResponse struct {
	Channel  *channel.ChannelState `json:"channel"`
	Transfer *transfer.Transfer    `json:"transfer"`
}

func (s *server) createTransferHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debugf("api: create transfer: decode request: %v", err)
		jsonhttp.BadRequest(w, "cannot decode request")
		return
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		jsonhttp.BadRequest(w, "amount must be positive")
		return
	}
	state, t, err := s.channels.ProposeTransferCreate(r.Context(), channel.CreateRequest{
		ChannelAddress: address,
		AssetID:        req.AssetID,
		Amount:         req.Amount,
		Definition:     req.Definition,
		InitialState:   req.InitialState,
		Expiry:         req.Expiry,
		Meta:           req.Meta,
	})
	if err != nil {
		s.logger.Debugf("api: create transfer on %x: %v", address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.Created(w, transferUpdateResponse{Channel: state, Transfer: t})
}

type resolveTransferRequest struct {
	Resolver json.RawMessage `json:"resolver"`
}

func (s *server) resolveTransferHandler(w http.ResponseWriter, r *http.Request) {
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
	var req resolveTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debugf("api: resolve transfer: decode request: %v", err)
		jsonhttp.BadRequest(w, "cannot decode request")
		return
	}
	state, t, err := s.channels.ProposeTransferResolve(r.Context(), address, transferID, req.Resolver)
	if err != nil {
		s.logger.Debugf("api: resolve transfer %x on %x: %v", transferID, address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.OK(w, transferUpdateResponse{Channel: state, Transfer: t})
}

func (s *server) routingTransfersHandler(w http.ResponseWriter, r *http.Request) {
	routingID, err := parseHash(mux.Vars(r)["routingId"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid routing id")
		return
	}
	transfers, err := s.channels.GetTransfersByRoutingID(routingID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if transfers == nil {
		transfers = []*transfer.Transfer{}
	}
	jsonhttp.OK(w, transfersResponse{Transfers: transfers})
}
