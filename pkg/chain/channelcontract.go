package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// channelContractABI is the adjudicator interface deployed at every channel
// address. States and transfers are passed in their canonical serialized
// form; the contract re-derives the signed digests from the bytes.
const channelContractABI = `[
	{"inputs":[{"internalType":"address","name":"asset","type":"address"}],"name":"getTotalDeposits","outputs":[{"internalType":"uint256","name":"alice","type":"uint256"},{"internalType":"uint256","name":"bob","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"asset","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"internalType":"bytes","name":"state","type":"bytes"},{"internalType":"bytes","name":"aliceSignature","type":"bytes"},{"internalType":"bytes","name":"bobSignature","type":"bytes"}],"name":"dispute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"bytes","name":"state","type":"bytes"}],"name":"defund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"bytes","name":"transferState","type":"bytes"},{"internalType":"bytes32[]","name":"proof","type":"bytes32[]"}],"name":"disputeTransfer","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"bytes","name":"transferState","type":"bytes"},{"internalType":"bytes32[]","name":"proof","type":"bytes32[]"}],"name":"defundTransfer","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"asset","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"bytes","name":"aliceSignature","type":"bytes"},{"internalType":"bytes","name":"bobSignature","type":"bytes"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABI = `[
	{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	parseABIOnce     sync.Once
	channelABIParsed abi.ABI
	erc20ABIParsed   abi.ABI
	parseABIErr      error
)

func parsedABIs() (abi.ABI, abi.ABI, error) {
	parseABIOnce.Do(func() {
		channelABIParsed, parseABIErr = abi.JSON(strings.NewReader(channelContractABI))
		if parseABIErr != nil {
			return
		}
		erc20ABIParsed, parseABIErr = abi.JSON(strings.NewReader(erc20ABI))
	})
	return channelABIParsed, erc20ABIParsed, parseABIErr
}

// ContractService wraps the per-channel adjudicator contract. It implements
// channel.ChainReader and channel.ChainService.
type ContractService struct {
	logger      logging.Logger
	backend     Backend
	transaction Transaction
}

// NewContractService creates the adjudicator wrapper.
func NewContractService(logger logging.Logger, backend Backend, transaction Transaction) (*ContractService, error) {
	if _, _, err := parsedABIs(); err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	return &ContractService{
		logger:      logger,
		backend:     backend,
		transaction: transaction,
	}, nil
}

// TotalDeposits returns the cumulative per-participant deposit totals
// recorded on-chain for asset in the channel.
func (c *ContractService) TotalDeposits(ctx context.Context, channelAddress, asset common.Address) (*big.Int, *big.Int, error) {
	channelABI, _, err := parsedABIs()
	if err != nil {
		return nil, nil, err
	}
	data, err := channelABI.Pack("getTotalDeposits", asset)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.transaction.Call(ctx, &TxRequest{
		To:          &channelAddress,
		Data:        data,
		Description: "read deposit totals",
	})
	if err != nil {
		return nil, nil, err
	}
	results, err := channelABI.Unpack("getTotalDeposits", out)
	if err != nil {
		return nil, nil, err
	}
	alice := *abi.ConvertType(results[0], new(*big.Int)).(**big.Int)
	bob := *abi.ConvertType(results[1], new(*big.Int)).(**big.Int)
	return alice, bob, nil
}

// Deposit moves amount of asset into the channel's on-chain holdings. For the
// zero asset address the amount is sent as native value, otherwise an ERC20
// approval is placed first.
func (c *ContractService) Deposit(ctx context.Context, channelAddress, asset common.Address, amount *big.Int) (common.Hash, error) {
	channelABI, erc20, err := parsedABIs()
	if err != nil {
		return common.Hash{}, err
	}

	var value *big.Int
	if asset == (common.Address{}) {
		value = amount
	} else {
		approveData, err := erc20.Pack("approve", channelAddress, amount)
		if err != nil {
			return common.Hash{}, err
		}
		txHash, err := c.transaction.Send(ctx, &TxRequest{
			To:          &asset,
			Data:        approveData,
			Description: "approve channel deposit",
		})
		if err != nil {
			return common.Hash{}, err
		}
		if _, err := c.transaction.WaitForReceipt(ctx, txHash); err != nil {
			return common.Hash{}, fmt.Errorf("approve channel deposit: %w", err)
		}
	}

	data, err := channelABI.Pack("deposit", asset, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transaction.Send(ctx, &TxRequest{
		To:          &channelAddress,
		Data:        data,
		Value:       value,
		Description: "channel deposit",
	})
}

// SubmitDispute submits the latest dual-signed state, starting the challenge
// period.
func (c *ContractService) SubmitDispute(ctx context.Context, state *channel.ChannelState) (common.Hash, error) {
	channelABI, _, err := parsedABIs()
	if err != nil {
		return common.Hash{}, err
	}
	if state.LatestUpdate == nil || !state.LatestUpdate.Signed() {
		return common.Hash{}, fmt.Errorf("state at nonce %d is not dual-signed", state.Nonce)
	}
	encoded, err := state.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := channelABI.Pack("dispute", encoded,
		[]byte(state.LatestUpdate.AliceSignature),
		[]byte(state.LatestUpdate.BobSignature),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transaction.Send(ctx, &TxRequest{
		To:          &state.ChannelAddress,
		Data:        data,
		Description: "channel dispute",
	})
}

// SubmitDefund pays the disputed balances out after the challenge period.
func (c *ContractService) SubmitDefund(ctx context.Context, state *channel.ChannelState) (common.Hash, error) {
	channelABI, _, err := parsedABIs()
	if err != nil {
		return common.Hash{}, err
	}
	encoded, err := state.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := channelABI.Pack("defund", encoded)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transaction.Send(ctx, &TxRequest{
		To:          &state.ChannelAddress,
		Data:        data,
		Description: "channel defund",
	})
}

// DisputeTransfer registers an active transfer with the adjudicator during
// an open dispute.
func (c *ContractService) DisputeTransfer(ctx context.Context, state *channel.ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error) {
	return c.submitTransferTx(ctx, state, t, proof, "disputeTransfer", "transfer dispute")
}

// DefundTransfer pays out a transfer active at defund time, proving its
// membership in the disputed merkle root.
func (c *ContractService) DefundTransfer(ctx context.Context, state *channel.ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error) {
	return c.submitTransferTx(ctx, state, t, proof, "defundTransfer", "transfer defund")
}

func (c *ContractService) submitTransferTx(ctx context.Context, state *channel.ChannelState, t *transfer.Transfer, proof []common.Hash, method, description string) (common.Hash, error) {
	channelABI, _, err := parsedABIs()
	if err != nil {
		return common.Hash{}, err
	}
	proofWords := make([][32]byte, len(proof))
	for i, p := range proof {
		proofWords[i] = p
	}
	data, err := channelABI.Pack(method, encodeTransfer(t), proofWords)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transaction.Send(ctx, &TxRequest{
		To:          &state.ChannelAddress,
		Data:        data,
		Description: description,
	})
}

// SubmitWithdraw submits a dual-signed withdrawal commitment.
func (c *ContractService) SubmitWithdraw(ctx context.Context, commitment *channel.WithdrawalCommitment) (common.Hash, error) {
	channelABI, _, err := parsedABIs()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := channelABI.Pack("withdraw",
		commitment.AssetID,
		commitment.Amount,
		commitment.Recipient,
		new(big.Int).SetUint64(commitment.Nonce),
		[]byte(commitment.AliceSignature),
		[]byte(commitment.BobSignature),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transaction.Send(ctx, &TxRequest{
		To:          &commitment.ChannelAddress,
		Data:        data,
		Description: "channel withdrawal",
	})
}

// ReadOnchainBalance returns the channel contract's holdings of asset.
func (c *ContractService) ReadOnchainBalance(ctx context.Context, channelAddress, asset common.Address) (*big.Int, error) {
	if asset == (common.Address{}) {
		return c.backend.BalanceAt(ctx, channelAddress, nil)
	}
	_, erc20, err := parsedABIs()
	if err != nil {
		return nil, err
	}
	data, err := erc20.Pack("balanceOf", channelAddress)
	if err != nil {
		return nil, err
	}
	out, err := c.transaction.Call(ctx, &TxRequest{
		To:          &asset,
		Data:        data,
		Description: "read channel balance",
	})
	if err != nil {
		return nil, err
	}
	results, err := erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(results[0], new(*big.Int)).(**big.Int), nil
}

// encodeTransfer serializes a transfer in the adjudicator's canonical form,
// the preimage of the merkle leaf.
func encodeTransfer(t *transfer.Transfer) []byte {
	var expiry, createNonce [8]byte
	binary.BigEndian.PutUint64(expiry[:], t.Expiry)
	binary.BigEndian.PutUint64(createNonce[:], t.CreateNonce)

	var buf []byte
	buf = append(buf, t.ID.Bytes()...)
	buf = append(buf, t.ChannelAddress.Bytes()...)
	buf = append(buf, t.Initiator.Bytes()...)
	buf = append(buf, t.Responder.Bytes()...)
	buf = append(buf, []byte(t.Definition)...)
	buf = append(buf, t.AssetID.Bytes()...)
	buf = append(buf, t.Amount.Bytes()...)
	buf = append(buf, t.InitialState...)
	buf = append(buf, expiry[:]...)
	buf = append(buf, createNonce[:]...)
	return buf
}
