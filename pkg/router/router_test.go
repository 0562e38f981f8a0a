package router_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	chainmock "github.com/conduitnet/conduit/pkg/chain/mock"
	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/channelstore"
	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/events"
	lockmemory "github.com/conduitnet/conduit/pkg/lock/memory"
	"github.com/conduitnet/conduit/pkg/logging"
	messagingmock "github.com/conduitnet/conduit/pkg/messaging/mock"
	"github.com/conduitnet/conduit/pkg/router"
	statestoremock "github.com/conduitnet/conduit/pkg/statestore/mock"
	"github.com/conduitnet/conduit/pkg/storage"
)

var testAsset = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) After(d time.Duration) <-chan time.Time {
	return time.After(time.Millisecond)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testNode struct {
	svc       *channel.Service
	bus       *events.Bus
	messenger *messagingmock.Service
	address   common.Address
}

func newTestNode(t *testing.T, network *messagingmock.Network, chainSvc *chainmock.ChainService, clock events.Clock) *testNode {
	t.Helper()

	key, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	signer := crypto.NewDefaultSigner(key)
	address, err := signer.EthereumAddress()
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(clock)
	t.Cleanup(func() { _ = bus.Close() })

	svc := channel.New(
		logging.New(io.Discard, 0),
		signer,
		address,
		channelstore.New(statestoremock.NewStateStore()),
		lockmemory.New(),
		transfer.DefaultRegistry(),
		chainSvc,
		chainSvc,
		bus,
		clock,
	)

	messenger := network.Join(address)
	svc.SetMessenger(messenger)
	if err := messenger.Listen(svc); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = messenger.Close() })

	return &testNode{svc: svc, bus: bus, messenger: messenger, address: address}
}

// testFunder satisfies router.Funder by booking the deposit on the chain mock
// under the router node's side of the channel.
type testFunder struct {
	chain *chainmock.ChainService
	node  *testNode
}

func (f *testFunder) Deposit(_ context.Context, channelAddress, asset common.Address, amount *big.Int) (common.Hash, error) {
	state, err := f.node.svc.GetChannelState(channelAddress)
	if err != nil {
		return common.Hash{}, err
	}
	f.chain.RecordDeposit(channelAddress, asset, state.Alice == f.node.address, amount)
	return common.HexToHash("0x01"), nil
}

type testEnv struct {
	chain     *chainmock.ChainService
	clock     *testClock
	store     storage.StateStorer
	sender    *testNode
	router    *testNode
	recipient *testNode
	forwarder *router.Service
	inbound   common.Address // sender <-> router channel
	outbound  common.Address // router <-> recipient channel
}

// newTestEnv wires three nodes into a sender -> router -> recipient line with
// a funded inbound channel and starts the forwarding engine on the middle
// node.
func newTestEnv(t *testing.T, opts router.Options, profiles map[common.Address]router.CollateralProfile) *testEnv {
	t.Helper()

	network := messagingmock.NewNetwork()
	chainSvc := chainmock.New()
	clock := newTestClock()

	env := &testEnv{
		chain:     chainSvc,
		clock:     clock,
		sender:    newTestNode(t, network, chainSvc, clock),
		router:    newTestNode(t, network, chainSvc, clock),
		recipient: newTestNode(t, network, chainSvc, clock),
	}

	ctx := context.Background()
	in, err := env.sender.svc.SetupChannel(ctx, env.router.address, 1, 3600)
	if err != nil {
		t.Fatal(err)
	}
	env.inbound = in.ChannelAddress
	out, err := env.router.svc.SetupChannel(ctx, env.recipient.address, 1, 3600)
	if err != nil {
		t.Fatal(err)
	}
	env.outbound = out.ChannelAddress

	chainSvc.RecordDeposit(env.inbound, testAsset, true, big.NewInt(100))
	if _, err := env.sender.svc.ProposeDeposit(ctx, env.inbound, testAsset); err != nil {
		t.Fatal(err)
	}

	logger := logging.New(io.Discard, 0)
	collateral := router.NewCollateralManager(logger, env.router.svc, &testFunder{chain: chainSvc, node: env.router}, profiles)
	env.store = statestoremock.NewStateStore()
	env.forwarder = router.New(logger, env.router.svc, collateral, env.store, env.router.bus, clock, opts)
	env.forwarder.Start()
	t.Cleanup(func() { _ = env.forwarder.Close() })

	return env
}

func defaultProfiles() map[common.Address]router.CollateralProfile {
	return map[common.Address]router.CollateralProfile{
		testAsset: {Target: big.NewInt(50)},
	}
}

func routedCreateRequest(t *testing.T, env *testEnv, amount int64, expiry uint64) (channel.CreateRequest, common.Hash, []byte) {
	t.Helper()

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		t.Fatal(err)
	}
	initialState, err := json.Marshal(transfer.HashlockState{
		LockHash: common.Hash(sha256.Sum256(preimage)),
	})
	if err != nil {
		t.Fatal(err)
	}

	var routingID common.Hash
	if _, err := rand.Read(routingID[:]); err != nil {
		t.Fatal(err)
	}

	return channel.CreateRequest{
		ChannelAddress: env.inbound,
		AssetID:        testAsset,
		Amount:         big.NewInt(amount),
		Definition:     transfer.LinkedID,
		InitialState:   initialState,
		Expiry:         expiry,
		Meta: transfer.Meta{
			RoutingID: routingID,
			Recipient: env.recipient.address,
		},
	}, routingID, preimage
}

// waitUntil polls cond; forwarding happens on event goroutines.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func balanceOf(t *testing.T, n *testNode, channelAddress common.Address) *channel.Balance {
	t.Helper()
	state, err := n.svc.GetChannelState(channelAddress)
	if err != nil {
		t.Fatal(err)
	}
	b := state.BalanceFor(testAsset)
	if b == nil {
		t.Fatalf("asset %s not tracked", testAsset)
	}
	return b
}

func TestForwardAndMirrorResolve(t *testing.T) {
	env := newTestEnv(t, router.Options{
		Fee:          big.NewInt(1),
		SafetyMargin: 20 * time.Second,
		RetryBackoff: time.Millisecond,
	}, defaultProfiles())

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, routingID, preimage := routedCreateRequest(t, env, 30, expiry)

	_, inboundLeg, err := env.sender.svc.ProposeTransferCreate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	var outboundLeg *transfer.Transfer
	waitUntil(t, "outbound leg", func() bool {
		legs, err := env.router.svc.GetTransfersByRoutingID(routingID)
		if err != nil {
			t.Fatal(err)
		}
		for _, leg := range legs {
			if leg.Initiator == env.router.address {
				outboundLeg = leg
				return true
			}
		}
		return false
	})

	if outboundLeg.ChannelAddress != env.outbound {
		t.Errorf("outbound leg on channel %s, want %s", outboundLeg.ChannelAddress, env.outbound)
	}
	if outboundLeg.Responder != env.recipient.address {
		t.Errorf("outbound responder %s, want %s", outboundLeg.Responder, env.recipient.address)
	}
	if want := big.NewInt(29); outboundLeg.Amount.Cmp(want) != 0 {
		t.Errorf("outbound amount %s, want %s (fee deducted)", outboundLeg.Amount, want)
	}
	if want := expiry - 20; outboundLeg.Expiry != want {
		t.Errorf("outbound expiry %d, want %d", outboundLeg.Expiry, want)
	}

	resolver, err := json.Marshal(transfer.HashlockResolver{Preimage: preimage})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.recipient.svc.ProposeTransferResolve(ctx, env.outbound, outboundLeg.ID, resolver); err != nil {
		t.Fatal(err)
	}

	// the router collects the inbound leg with the revealed preimage
	waitUntil(t, "inbound leg resolution", func() bool {
		got, err := env.sender.svc.GetTransfer(inboundLeg.ID)
		if err != nil {
			t.Fatal(err)
		}
		return !got.Active()
	})

	inBalance := balanceOf(t, env.sender, env.inbound)
	if inBalance.Alice.Cmp(big.NewInt(70)) != 0 {
		t.Errorf("sender balance %s, want 70", inBalance.Alice)
	}
	if inBalance.Bob.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("router inbound balance %s, want 30", inBalance.Bob)
	}

	outBalance := balanceOf(t, env.recipient, env.outbound)
	if outBalance.Bob.Cmp(big.NewInt(29)) != 0 {
		t.Errorf("recipient balance %s, want 29", outBalance.Bob)
	}

	failures, err := env.forwarder.Failures()
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 0 {
		t.Errorf("unexpected forwarding failures: %+v", failures)
	}
}

func TestForwardCollateralizesOutboundChannel(t *testing.T) {
	env := newTestEnv(t, router.Options{RetryBackoff: time.Millisecond}, defaultProfiles())

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, routingID, _ := routedCreateRequest(t, env, 30, expiry)

	if _, _, err := env.sender.svc.ProposeTransferCreate(ctx, req); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "outbound leg", func() bool {
		legs, err := env.router.svc.GetTransfersByRoutingID(routingID)
		return err == nil && len(legs) == 2
	})

	// the outbound channel was topped up to the profile target before
	// locking the forwarded amount
	state, err := env.router.svc.GetChannelState(env.outbound)
	if err != nil {
		t.Fatal(err)
	}
	b := state.BalanceFor(testAsset)
	if b == nil {
		t.Fatal("outbound channel not collateralized")
	}
	locked := new(big.Int).Add(b.Alice, big.NewInt(30))
	if locked.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("router funds %s after forwarding, want 50", locked)
	}
}

func TestUnforwardableCancelsInbound(t *testing.T) {
	// empty profiles make every forward fail on collateral
	env := newTestEnv(t, router.Options{
		RetryBackoff:        time.Millisecond,
		CancelUnforwardable: true,
	}, nil)

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, _, _ := routedCreateRequest(t, env, 30, expiry)

	_, inboundLeg, err := env.sender.svc.ProposeTransferCreate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "inbound leg cancellation", func() bool {
		got, err := env.sender.svc.GetTransfer(inboundLeg.ID)
		if err != nil {
			t.Fatal(err)
		}
		return !got.Active()
	})

	// cancellation refunds the sender
	inBalance := balanceOf(t, env.sender, env.inbound)
	if inBalance.Alice.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("sender balance %s after cancel, want 100", inBalance.Alice)
	}

	// the cancellation settles the leg, so its failure record clears
	waitUntil(t, "failure record cleared", func() bool {
		failures, err := env.forwarder.Failures()
		return err == nil && len(failures) == 0
	})
}

func TestUnforwardableLeftToExpire(t *testing.T) {
	env := newTestEnv(t, router.Options{RetryBackoff: time.Millisecond}, nil)

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, _, _ := routedCreateRequest(t, env, 30, expiry)

	_, inboundLeg, err := env.sender.svc.ProposeTransferCreate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "forwarding failure record", func() bool {
		failures, err := env.forwarder.Failures()
		return err == nil && len(failures) == 1
	})

	// without the cancel policy the inbound leg stays locked
	got, err := env.sender.svc.GetTransfer(inboundLeg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active() {
		t.Error("inbound leg was resolved without a cancel policy")
	}
}

func TestFeeNotCoveredIsUnforwardable(t *testing.T) {
	env := newTestEnv(t, router.Options{
		Fee:          big.NewInt(5),
		RetryBackoff: time.Millisecond,
	}, defaultProfiles())

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, _, _ := routedCreateRequest(t, env, 5, expiry)

	_, inboundLeg, err := env.sender.svc.ProposeTransferCreate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "forwarding failure record", func() bool {
		failures, err := env.forwarder.Failures()
		return err == nil && len(failures) == 1
	})

	failures, err := env.forwarder.Failures()
	if err != nil {
		t.Fatal(err)
	}
	if !errorMentions(failures[0].Reason, router.ErrNotForwardable) {
		t.Errorf("failure %+v, want one caused by %v", failures[0], router.ErrNotForwardable)
	}
	got, err := env.sender.svc.GetTransfer(inboundLeg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active() {
		t.Error("inbound leg was resolved without a cancel policy")
	}
}

func TestExpiryTooTightIsUnforwardable(t *testing.T) {
	env := newTestEnv(t, router.Options{
		SafetyMargin: 20 * time.Second,
		RetryBackoff: time.Millisecond,
	}, defaultProfiles())

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 10
	req, _, _ := routedCreateRequest(t, env, 30, expiry)

	if _, _, err := env.sender.svc.ProposeTransferCreate(ctx, req); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "forwarding failure record", func() bool {
		failures, err := env.forwarder.Failures()
		return err == nil && len(failures) == 1
	})

	failures, err := env.forwarder.Failures()
	if err != nil {
		t.Fatal(err)
	}
	if !errorMentions(failures[0].Reason, router.ErrExpiryTooTight) {
		t.Errorf("failure %+v, want one caused by %v", failures[0], router.ErrExpiryTooTight)
	}
}

func TestExpiredLegsAreUnwound(t *testing.T) {
	env := newTestEnv(t, router.Options{
		SafetyMargin:  20 * time.Second,
		RetryBackoff:  time.Millisecond,
		SweepInterval: time.Millisecond,
	}, defaultProfiles())

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, routingID, _ := routedCreateRequest(t, env, 30, expiry)

	if _, _, err := env.sender.svc.ProposeTransferCreate(ctx, req); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "outbound leg", func() bool {
		legs, err := env.router.svc.GetTransfersByRoutingID(routingID)
		return err == nil && len(legs) == 2
	})

	// the recipient never reveals the preimage; past both expiries the
	// sweeper cancels the outbound leg and then refunds the inbound one
	env.clock.Advance(2 * time.Hour)

	waitUntil(t, "both legs unwound", func() bool {
		legs, err := env.router.svc.GetTransfersByRoutingID(routingID)
		if err != nil || len(legs) != 2 {
			return false
		}
		for _, leg := range legs {
			if leg.Active() {
				return false
			}
		}
		return true
	})

	inBalance := balanceOf(t, env.sender, env.inbound)
	if inBalance.Alice.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("sender balance %s after unwind, want 100", inBalance.Alice)
	}
	outBalance := balanceOf(t, env.router, env.outbound)
	if outBalance.Alice.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("router outbound balance %s after unwind, want 50", outBalance.Alice)
	}

	waitUntil(t, "failure records cleared", func() bool {
		failures, err := env.forwarder.Failures()
		return err == nil && len(failures) == 0
	})
}

func TestRecoversForwardingFailureOnRestart(t *testing.T) {
	env := newTestEnv(t, router.Options{
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	}, defaultProfiles())

	ctx := context.Background()
	// an unreachable recipient makes the forward fail outright
	if err := env.recipient.messenger.Close(); err != nil {
		t.Fatal(err)
	}

	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, routingID, _ := routedCreateRequest(t, env, 30, expiry)
	if _, _, err := env.sender.svc.ProposeTransferCreate(ctx, req); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "forwarding failure record", func() bool {
		failures, err := env.forwarder.Failures()
		return err == nil && len(failures) == 1
	})

	if err := env.recipient.messenger.Listen(env.recipient.svc); err != nil {
		t.Fatal(err)
	}

	// a second engine over the same store stands in for the restarted
	// node; its recovery pass replays the persisted failure
	logger := logging.New(io.Discard, 0)
	collateral := router.NewCollateralManager(logger, env.router.svc, &testFunder{chain: env.chain, node: env.router}, defaultProfiles())
	restarted := router.New(logger, env.router.svc, collateral, env.store, env.router.bus, env.clock, router.Options{RetryBackoff: time.Millisecond})
	restarted.Start()
	t.Cleanup(func() { _ = restarted.Close() })

	waitUntil(t, "outbound leg after restart", func() bool {
		legs, err := env.router.svc.GetTransfersByRoutingID(routingID)
		if err != nil {
			return false
		}
		for _, leg := range legs {
			if leg.Initiator == env.router.address && leg.Active() {
				return true
			}
		}
		return false
	})

	waitUntil(t, "failure record cleared", func() bool {
		failures, err := restarted.Failures()
		return err == nil && len(failures) == 0
	})
}

func TestDirectTransfersAreNotForwarded(t *testing.T) {
	env := newTestEnv(t, router.Options{RetryBackoff: time.Millisecond}, defaultProfiles())

	ctx := context.Background()
	expiry := uint64(env.clock.Now().Unix()) + 3600
	req, _, _ := routedCreateRequest(t, env, 30, expiry)
	req.Meta = transfer.Meta{}
	req.Definition = transfer.HashlockID

	if _, _, err := env.sender.svc.ProposeTransferCreate(ctx, req); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	active, err := env.router.svc.GetActiveTransfers(env.outbound)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("direct transfer was forwarded: %+v", active)
	}
}

// errorMentions matches a persisted failure reason against a sentinel; the
// reason is a flattened string, not a wrapped error.
func errorMentions(reason string, sentinel error) bool {
	return strings.Contains(reason, sentinel.Error())
}
