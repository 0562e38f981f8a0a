package node

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/conduitnet/conduit/pkg/chain"
	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/storage"
)

// InitChain dials the Ethereum backend at the given endpoint and sets up the
// transaction and adjudicator contract services on top of it using the
// provided signer.
func InitChain(
	ctx context.Context,
	logger logging.Logger,
	stateStore storage.StateStorer,
	signer crypto.Signer,
	endpoint string,
	chainID int64,
) (*chain.ContractService, func(), error) {
	backend, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial eth client: %w", err)
	}

	remoteChainID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("get chain id: %w", err)
	}
	if chainID != 0 && remoteChainID.Cmp(big.NewInt(chainID)) != 0 {
		backend.Close()
		return nil, nil, fmt.Errorf("connected to wrong ethereum network, expected chain id %d got %d", chainID, remoteChainID)
	}
	logger.Infof("using ethereum backend at %s, chain id %d", endpoint, remoteChainID)

	transactionService, err := chain.NewTransactionService(logger, backend, signer, stateStore, remoteChainID)
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("transaction service: %w", err)
	}

	contractService, err := chain.NewContractService(logger, backend, transactionService)
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("contract service: %w", err)
	}

	return contractService, backend.Close, nil
}
