// Package chain talks to the EVM chain backing the channels: it sends and
// tracks transactions and wraps the channel adjudicator contract.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTransactionReverted denotes that the sent transaction has been
	// reverted.
	ErrTransactionReverted = errors.New("transaction reverted")
)

// Backend is the ethereum node subset the chain services depend on. It is
// satisfied by ethclient.Client.
type Backend interface {
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (gas uint64, err error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, address common.Address, block *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// TxRequest describes a transaction to be sent on behalf of the node
// identity.
type TxRequest struct {
	// To is the recipient, nil for contract creation.
	To *common.Address
	// Data is the ABI encoded call data.
	Data []byte
	// GasPrice overrides the suggested gas price when non-nil.
	GasPrice *big.Int
	// GasLimit skips gas estimation when non-zero.
	GasLimit uint64
	// Value is the amount of wei sent along.
	Value *big.Int
	// Description is logged with the transaction hash.
	Description string
}

// Transaction signs, sends and tracks transactions.
type Transaction interface {
	// Send signs the request with the node identity and sends it.
	Send(ctx context.Context, request *TxRequest) (common.Hash, error)
	// Call executes the request without sending a transaction.
	Call(ctx context.Context, request *TxRequest) ([]byte, error)
	// WaitForReceipt blocks until the transaction is mined or ctx is
	// cancelled. A mined receipt with status 0 returns
	// ErrTransactionReverted.
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
