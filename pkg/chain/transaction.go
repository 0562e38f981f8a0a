package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/sctx"
	"github.com/conduitnet/conduit/pkg/storage"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const noncePrefix = "transaction_nonce_"

const receiptPollInterval = 3 * time.Second

type transactionService struct {
	lock sync.Mutex

	logger  logging.Logger
	backend Backend
	signer  crypto.Signer
	sender  common.Address
	store   storage.StateStorer
	chainID *big.Int
}

// NewTransactionService creates a transaction service for the identity behind
// signer.
func NewTransactionService(logger logging.Logger, backend Backend, signer crypto.Signer, store storage.StateStorer, chainID *big.Int) (Transaction, error) {
	senderAddress, err := signer.EthereumAddress()
	if err != nil {
		return nil, err
	}
	return &transactionService{
		logger:  logger,
		backend: backend,
		signer:  signer,
		sender:  senderAddress,
		store:   store,
		chainID: chainID,
	}, nil
}

// Send creates and signs a transaction based on the request and sends it.
func (t *transactionService) Send(ctx context.Context, request *TxRequest) (common.Hash, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	nonce, err := t.nextNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := t.prepareTransaction(ctx, request, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	signedTx, err := t.signer.SignTx(tx, t.chainID)
	if err != nil {
		return common.Hash{}, err
	}

	t.logger.Tracef("sending transaction %x (%s) with nonce %d", signedTx.Hash(), request.Description, nonce)

	if err := t.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, err
	}
	if err := t.putNonce(nonce + 1); err != nil {
		return common.Hash{}, err
	}
	return signedTx.Hash(), nil
}

func (t *transactionService) Call(ctx context.Context, request *TxRequest) ([]byte, error) {
	msg := ethereum.CallMsg{
		From:     t.sender,
		To:       request.To,
		Data:     request.Data,
		GasPrice: request.GasPrice,
		Gas:      request.GasLimit,
		Value:    request.Value,
	}
	return t.backend.CallContract(ctx, msg, nil)
}

// WaitForReceipt waits until either the transaction with the given hash has
// been mined or the context is cancelled.
func (t *transactionService) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, ErrTransactionReverted
			}
			return receipt, nil
		}
		if err != nil {
			// some node implementations return an error if the transaction is not yet mined
			t.logger.Tracef("waiting for transaction %x to be mined: %v", txHash, err)
		} else {
			t.logger.Tracef("waiting for transaction %x to be mined", txHash)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// prepareTransaction creates a signable transaction based on a request.
// Gas price and limit overrides from the context take precedence.
func (t *transactionService) prepareTransaction(ctx context.Context, request *TxRequest, nonce uint64) (tx *types.Transaction, err error) {
	gasLimit := request.GasLimit
	if l := sctx.GetGasLimit(ctx); l != 0 {
		gasLimit = l
	}
	if gasLimit == 0 {
		gasLimit, err = t.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  t.sender,
			To:    request.To,
			Data:  request.Data,
			Value: request.Value,
		})
		if err != nil {
			return nil, err
		}
	}

	gasPrice := request.GasPrice
	if p := sctx.GetGasPrice(ctx); p != nil {
		gasPrice = p
	}
	if gasPrice == nil {
		gasPrice, err = t.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       request.To,
		Value:    request.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     request.Data,
	}), nil
}

func (t *transactionService) nonceKey() string {
	return fmt.Sprintf("%s%x", noncePrefix, t.sender)
}

// nextNonce takes the maximum of the pending on-chain nonce and the locally
// stored one, so rapid successive sends do not reuse a nonce the node has
// not seen mined yet.
func (t *transactionService) nextNonce(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	onchainNonce, err := t.backend.PendingNonceAt(ctx, t.sender)
	if err != nil {
		return 0, err
	}

	var storedNonce uint64
	err = t.store.Get(t.nonceKey(), &storedNonce)
	if err != nil && err != storage.ErrNotFound {
		return 0, err
	}
	if storedNonce > onchainNonce {
		return storedNonce, nil
	}
	return onchainNonce, nil
}

func (t *transactionService) putNonce(nonce uint64) error {
	return t.store.Put(t.nonceKey(), nonce)
}
