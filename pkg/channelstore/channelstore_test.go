package channelstore_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/channelstore"
	"github.com/conduitnet/conduit/pkg/statestore/mock"
)

var (
	alice          = common.HexToAddress("0x01")
	bob            = common.HexToAddress("0x02")
	channelAddress = common.HexToAddress("0xc0")
	asset          = common.HexToAddress("0xaa")
)

func newStore(t *testing.T) *channelstore.Store {
	t.Helper()
	return channelstore.New(mock.NewStateStore())
}

func testState(nonce uint64) *channel.ChannelState {
	return &channel.ChannelState{
		ChannelAddress: channelAddress,
		Alice:          alice,
		Bob:            bob,
		ChainID:        1,
		Timeout:        3600,
		Nonce:          nonce,
		Assets:         []common.Address{asset},
		Balances: []*channel.Balance{
			{Alice: big.NewInt(100), Bob: big.NewInt(0)},
		},
		ProcessedDepositsAlice: []*big.Int{big.NewInt(100)},
		ProcessedDepositsBob:   []*big.Int{big.NewInt(0)},
	}
}

func testTransfer(id byte, routingID common.Hash) *transfer.Transfer {
	return &transfer.Transfer{
		ID:             common.BytesToHash([]byte{id}),
		ChannelAddress: channelAddress,
		Initiator:      alice,
		Responder:      bob,
		Definition:     transfer.HashlockID,
		AssetID:        asset,
		Amount:         big.NewInt(10),
		InitialState:   []byte(`{}`),
		CreateNonce:    2,
		Meta:           transfer.Meta{RoutingID: routingID},
	}
}

func TestGetChannelStateNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.GetChannelState(channelAddress); !errors.Is(err, channel.ErrChannelNotFound) {
		t.Errorf("got %v, want %v", err, channel.ErrChannelNotFound)
	}
}

func TestSaveAndLookupChannel(t *testing.T) {
	s := newStore(t)
	if err := s.SaveChannelState(testState(1), nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChannelState(channelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce != 1 {
		t.Errorf("nonce %d, want 1", got.Nonce)
	}

	// both participants index the channel
	for _, p := range []common.Address{alice, bob} {
		byPeer, err := s.GetChannelByParticipant(p)
		if err != nil {
			t.Fatal(err)
		}
		if byPeer.ChannelAddress != channelAddress {
			t.Errorf("participant %s resolves to %s", p, byPeer.ChannelAddress)
		}
	}

	addresses, err := s.ListChannelAddresses()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]common.Address{channelAddress}, addresses); diff != "" {
		t.Errorf("channel addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveChannelStateStaleNonceIsNoop(t *testing.T) {
	s := newStore(t)
	if err := s.SaveChannelState(testState(5), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChannelState(testState(3), nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChannelState(channelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce != 5 {
		t.Errorf("stale save overwrote nonce, got %d want 5", got.Nonce)
	}
}

func TestSaveChannelStateEqualNonceKeepsTransfer(t *testing.T) {
	// restoring from a sync saves the same state once per active transfer
	s := newStore(t)
	state := testState(4)
	first := testTransfer(1, common.Hash{})
	second := testTransfer(2, common.Hash{})

	if err := s.SaveChannelState(state, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChannelState(state, first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChannelState(state, second); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActiveTransfers(channelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("active transfers %d, want 2", len(active))
	}
}

func TestTransferActiveIndexFollowsResolution(t *testing.T) {
	s := newStore(t)
	tr := testTransfer(1, common.Hash{})
	if err := s.SaveChannelState(testState(2), tr); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActiveTransfers(channelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("active transfers %d, want 1", len(active))
	}

	resolved := *tr
	resolved.ResolvedNonce = 3
	resolved.FinalBalance = transfer.Balance{Initiator: big.NewInt(0), Responder: big.NewInt(10)}
	if err := s.SaveChannelState(testState(3), &resolved); err != nil {
		t.Fatal(err)
	}

	active, err = s.GetActiveTransfers(channelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active transfers %d after resolution, want 0", len(active))
	}

	// resolved transfers stay retrievable by id
	got, err := s.GetTransfer(tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ResolvedNonce != 3 {
		t.Errorf("resolved nonce %d, want 3", got.ResolvedNonce)
	}
}

func TestRoutingIDIndex(t *testing.T) {
	s := newStore(t)
	routingID := common.HexToHash("0x77")

	if err := s.SaveChannelState(testState(2), testTransfer(1, routingID)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChannelState(testState(3), testTransfer(2, routingID)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChannelState(testState(4), testTransfer(3, common.Hash{})); err != nil {
		t.Fatal(err)
	}

	legs, err := s.GetTransfersByRoutingID(routingID)
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 2 {
		t.Errorf("routing legs %d, want 2", len(legs))
	}
}

func TestWithdrawalCommitmentRoundtrip(t *testing.T) {
	s := newStore(t)
	c := &channel.WithdrawalCommitment{
		ChannelAddress: channelAddress,
		AssetID:        asset,
		Amount:         big.NewInt(40),
		Recipient:      bob,
		Nonce:          7,
		AliceSignature: []byte{1},
		BobSignature:   []byte{2},
	}
	if err := s.SaveWithdrawalCommitment(c); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetWithdrawalCommitment(channelAddress, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got.Amount.Cmp(c.Amount) != 0 || got.Recipient != c.Recipient {
		t.Errorf("got %+v, want %+v", got, c)
	}
}

func TestGetTransferNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.GetTransfer(common.HexToHash("0x1")); !errors.Is(err, channel.ErrTransferNotFound) {
		t.Errorf("got %v, want %v", err, channel.ErrTransferNotFound)
	}
}
