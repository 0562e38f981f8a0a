package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/conduitnet/conduit/pkg/jsonhttp"
)

type listChannelsResponse struct {
	Channels []common.Address `json:"channels"`
}

func (s *server) listChannelsHandler(w http.ResponseWriter, r *http.Request) {
	addresses, err := s.channels.ListChannelAddresses()
	if err != nil {
		s.respondError(w, err)
		return
	}
	if addresses == nil {
		addresses = []common.Address{}
	}
	jsonhttp.OK(w, listChannelsResponse{Channels: addresses})
}

type setupRequest struct {
	Counterparty common.Address `json:"counterparty"`
	ChainID      int64          `json:"chainId"`
	Timeout      uint64         `json:"timeout"`
}

func (s *server) setupHandler(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debugf("api: setup: decode request: %v", err)
		jsonhttp.BadRequest(w, "cannot decode request")
		return
	}
	state, err := s.channels.SetupChannel(r.Context(), req.Counterparty, req.ChainID, req.Timeout)
	if err != nil {
		s.logger.Debugf("api: setup with %x: %v", req.Counterparty, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.Created(w, state)
}

func (s *server) channelHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	state, err := s.channels.GetChannelState(address)
	if err != nil {
		s.respondError(w, err)
		return
	}
	jsonhttp.OK(w, state)
}

type depositRequest struct {
	AssetID common.Address `json:"assetId"`
}

func (s *server) depositHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debugf("api: deposit: decode request: %v", err)
		jsonhttp.BadRequest(w, "cannot decode request")
		return
	}
	state, err := s.channels.ProposeDeposit(r.Context(), address, req.AssetID)
	if err != nil {
		s.logger.Debugf("api: deposit on %x: %v", address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.OK(w, state)
}

type collateralRequest struct {
	AssetID common.Address `json:"assetId"`
}

func (s *server) collateralHandler(w http.ResponseWriter, r *http.Request) {
	if s.collateral == nil {
		jsonhttp.NotImplemented(w, "node is not collateralizing channels")
		return
	}
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	var req collateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debugf("api: collateral: decode request: %v", err)
		jsonhttp.BadRequest(w, "cannot decode request")
		return
	}
	if err := s.collateral.RequestCollateral(r.Context(), address, req.AssetID); err != nil {
		s.logger.Debugf("api: collateral on %x: %v", address, err)
		s.respondError(w, err)
		return
	}
	state, err := s.channels.GetChannelState(address)
	if err != nil {
		s.respondError(w, err)
		return
	}
	jsonhttp.OK(w, state)
}

type withdrawRequest struct {
	AssetID   common.Address `json:"assetId"`
	Amount    *big.Int       `json:"amount"`
	Recipient common.Address `json:"recipient"`
}

func (s *server) withdrawHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debugf("api: withdraw: decode request: %v", err)
		jsonhttp.BadRequest(w, "cannot decode request")
		return
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		jsonhttp.BadRequest(w, "amount must be positive")
		return
	}
	commitment, err := s.channels.ProposeWithdraw(r.Context(), address, req.AssetID, req.Amount, req.Recipient)
	if err != nil {
		s.logger.Debugf("api: withdraw on %x: %v", address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.OK(w, commitment)
}

type syncRequest struct {
	Counterparty common.Address `json:"counterparty"`
}

func (s *server) syncHandler(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debugf("api: sync: decode request: %v", err)
		jsonhttp.BadRequest(w, "cannot decode request")
		return
	}
	state, err := s.channels.SyncChannel(r.Context(), req.Counterparty, address)
	if err != nil {
		s.logger.Debugf("api: sync %x with %x: %v", address, req.Counterparty, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.OK(w, state)
}

func (s *server) withdrawalHandler(w http.ResponseWriter, r *http.Request) {
	address, nonce, ok := s.withdrawalVars(w, r)
	if !ok {
		return
	}
	commitment, err := s.channels.GetWithdrawalCommitment(address, nonce)
	if err != nil {
		s.respondError(w, err)
		return
	}
	jsonhttp.OK(w, commitment)
}

type submitWithdrawalResponse struct {
	TxHash common.Hash `json:"txHash"`
}

func (s *server) submitWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	address, nonce, ok := s.withdrawalVars(w, r)
	if !ok {
		return
	}
	txHash, err := s.channels.SubmitWithdrawal(r.Context(), address, nonce)
	if err != nil {
		s.logger.Debugf("api: submit withdrawal %d on %x: %v", nonce, address, err)
		s.respondError(w, err)
		return
	}
	jsonhttp.Accepted(w, submitWithdrawalResponse{TxHash: txHash})
}

func (s *server) withdrawalVars(w http.ResponseWriter, r *http.Request) (common.Address, uint64, bool) {
	address, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, "invalid channel address")
		return common.Address{}, 0, false
	}
	nonce, err := strconv.ParseUint(mux.Vars(r)["nonce"], 10, 64)
	if err != nil {
		jsonhttp.BadRequest(w, "invalid withdrawal nonce")
		return common.Address{}, 0, false
	}
	return address, nonce, true
}
