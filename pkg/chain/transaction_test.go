package chain_test

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/conduitnet/conduit/pkg/chain"
	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/sctx"
	statestoremock "github.com/conduitnet/conduit/pkg/statestore/mock"
)

// backendMock satisfies chain.Backend with function fields.
type backendMock struct {
	codeAt             func(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	callContract       func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	headerByNumber     func(ctx context.Context, number *big.Int) (*types.Header, error)
	pendingNonceAt     func(ctx context.Context, account common.Address) (uint64, error)
	suggestGasPrice    func(ctx context.Context) (*big.Int, error)
	estimateGas        func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	sendTransaction    func(ctx context.Context, tx *types.Transaction) error
	transactionReceipt func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	balanceAt          func(ctx context.Context, address common.Address, block *big.Int) (*big.Int, error)
	chainID            func(ctx context.Context) (*big.Int, error)
}

func (m *backendMock) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	if m.codeAt != nil {
		return m.codeAt(ctx, contract, blockNumber)
	}
	return nil, errors.New("not implemented")
}

func (m *backendMock) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callContract != nil {
		return m.callContract(ctx, call, blockNumber)
	}
	return nil, errors.New("not implemented")
}

func (m *backendMock) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if m.headerByNumber != nil {
		return m.headerByNumber(ctx, number)
	}
	return nil, errors.New("not implemented")
}

func (m *backendMock) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.pendingNonceAt != nil {
		return m.pendingNonceAt(ctx, account)
	}
	return 0, errors.New("not implemented")
}

func (m *backendMock) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.suggestGasPrice != nil {
		return m.suggestGasPrice(ctx)
	}
	return nil, errors.New("not implemented")
}

func (m *backendMock) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.estimateGas != nil {
		return m.estimateGas(ctx, call)
	}
	return 0, errors.New("not implemented")
}

func (m *backendMock) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendTransaction != nil {
		return m.sendTransaction(ctx, tx)
	}
	return errors.New("not implemented")
}

func (m *backendMock) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.transactionReceipt != nil {
		return m.transactionReceipt(ctx, txHash)
	}
	return nil, errors.New("not implemented")
}

func (m *backendMock) BalanceAt(ctx context.Context, address common.Address, block *big.Int) (*big.Int, error) {
	if m.balanceAt != nil {
		return m.balanceAt(ctx, address, block)
	}
	return nil, errors.New("not implemented")
}

func (m *backendMock) ChainID(ctx context.Context) (*big.Int, error) {
	if m.chainID != nil {
		return m.chainID(ctx)
	}
	return nil, errors.New("not implemented")
}

func newTransactionService(t *testing.T, backend chain.Backend) chain.Transaction {
	t.Helper()
	key, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := chain.NewTransactionService(logging.New(io.Discard, 0), backend, crypto.NewDefaultSigner(key), statestoremock.NewStateStore(), big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestSendTransaction(t *testing.T) {
	recipient := common.HexToAddress("0x01")
	data := []byte{1, 2, 3}

	var sent *types.Transaction
	backend := &backendMock{
		pendingNonceAt: func(_ context.Context, _ common.Address) (uint64, error) {
			return 4, nil
		},
		suggestGasPrice: func(_ context.Context) (*big.Int, error) {
			return big.NewInt(10), nil
		},
		estimateGas: func(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
			return 21000, nil
		},
		sendTransaction: func(_ context.Context, tx *types.Transaction) error {
			sent = tx
			return nil
		},
	}
	svc := newTransactionService(t, backend)

	txHash, err := svc.Send(context.Background(), &chain.TxRequest{
		To:          &recipient,
		Data:        data,
		Value:       big.NewInt(5),
		Description: "test transfer",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sent == nil {
		t.Fatal("transaction was not sent")
	}
	if txHash != sent.Hash() {
		t.Errorf("returned hash %x, sent %x", txHash, sent.Hash())
	}
	if sent.Nonce() != 4 {
		t.Errorf("nonce %d, want 4", sent.Nonce())
	}
	if sent.GasPrice().Cmp(big.NewInt(10)) != 0 {
		t.Errorf("gas price %s, want 10", sent.GasPrice())
	}
	if sent.Gas() != 21000 {
		t.Errorf("gas limit %d, want 21000", sent.Gas())
	}
}

func TestSendTransactionUsesContextOverrides(t *testing.T) {
	recipient := common.HexToAddress("0x01")

	var sent *types.Transaction
	backend := &backendMock{
		pendingNonceAt: func(_ context.Context, _ common.Address) (uint64, error) {
			return 0, nil
		},
		sendTransaction: func(_ context.Context, tx *types.Transaction) error {
			sent = tx
			return nil
		},
	}
	svc := newTransactionService(t, backend)

	ctx := sctx.SetGasLimit(context.Background(), 60000)
	ctx = sctx.SetGasPrice(ctx, big.NewInt(99))

	// estimateGas and suggestGasPrice are not stubbed; overrides must make
	// them unnecessary
	if _, err := svc.Send(ctx, &chain.TxRequest{To: &recipient}); err != nil {
		t.Fatal(err)
	}
	if sent.Gas() != 60000 {
		t.Errorf("gas limit %d, want 60000", sent.Gas())
	}
	if sent.GasPrice().Cmp(big.NewInt(99)) != 0 {
		t.Errorf("gas price %s, want 99", sent.GasPrice())
	}
}

func TestSendTransactionNonceNeverReused(t *testing.T) {
	recipient := common.HexToAddress("0x01")

	var nonces []uint64
	backend := &backendMock{
		// the chain keeps reporting a stale pending nonce
		pendingNonceAt: func(_ context.Context, _ common.Address) (uint64, error) {
			return 2, nil
		},
		sendTransaction: func(_ context.Context, tx *types.Transaction) error {
			nonces = append(nonces, tx.Nonce())
			return nil
		},
	}
	svc := newTransactionService(t, backend)

	ctx := sctx.SetGasLimit(context.Background(), 21000)
	ctx = sctx.SetGasPrice(ctx, big.NewInt(1))
	for i := 0; i < 3; i++ {
		if _, err := svc.Send(ctx, &chain.TxRequest{To: &recipient}); err != nil {
			t.Fatal(err)
		}
	}
	for i, nonce := range nonces {
		if want := uint64(2 + i); nonce != want {
			t.Errorf("send %d used nonce %d, want %d", i, nonce, want)
		}
	}
}

func TestWaitForReceipt(t *testing.T) {
	txHash := common.HexToHash("0x07")
	backend := &backendMock{
		transactionReceipt: func(_ context.Context, hash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
		},
	}
	svc := newTransactionService(t, backend)

	receipt, err := svc.WaitForReceipt(context.Background(), txHash)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.TxHash != txHash {
		t.Errorf("receipt for %x, want %x", receipt.TxHash, txHash)
	}
}

func TestWaitForReceiptReverted(t *testing.T) {
	backend := &backendMock{
		transactionReceipt: func(_ context.Context, hash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusFailed}, nil
		},
	}
	svc := newTransactionService(t, backend)

	if _, err := svc.WaitForReceipt(context.Background(), common.HexToHash("0x07")); !errors.Is(err, chain.ErrTransactionReverted) {
		t.Errorf("got %v, want %v", err, chain.ErrTransactionReverted)
	}
}
