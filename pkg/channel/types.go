package channel

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UpdateType enumerates the state transitions a channel supports.
type UpdateType string

const (
	UpdateTypeSetup    UpdateType = "setup"
	UpdateTypeDeposit  UpdateType = "deposit"
	UpdateTypeCreate   UpdateType = "create"
	UpdateTypeResolve  UpdateType = "resolve"
	UpdateTypeWithdraw UpdateType = "withdraw"
)

// DisputeStatus tracks the on-chain adjudication state of a channel.
type DisputeStatus string

const (
	DisputeStatusDisputed DisputeStatus = "disputed"
	DisputeStatusDefunded DisputeStatus = "defunded"
)

// Balance is the per-asset split between the two channel participants.
type Balance struct {
	Alice *big.Int `json:"alice"`
	Bob   *big.Int `json:"bob"`
}

func (b *Balance) clone() *Balance {
	return &Balance{
		Alice: new(big.Int).Set(b.Alice),
		Bob:   new(big.Int).Set(b.Bob),
	}
}

// DisputeRecord is the dispute metadata of a channel with an open or
// finished on-chain challenge.
type DisputeRecord struct {
	Status DisputeStatus `json:"status"`
	// Nonce of the dual-signed state submitted on-chain. A higher-nonce
	// state may supersede the dispute until the challenge period ends.
	Nonce uint64 `json:"nonce"`
	// ChallengeExpiry is the unix timestamp at which the challenge period
	// elapses and the channel becomes defundable.
	ChallengeExpiry uint64      `json:"challengeExpiry"`
	TxHash          common.Hash `json:"txHash"`
}

// ChannelState is the mutually signed off-chain ledger between alice and
// bob. Alice is the channel initiator and sole submitter of the on-chain
// setup transaction.
type ChannelState struct {
	ChannelAddress common.Address `json:"channelAddress"`
	Alice          common.Address `json:"alice"`
	Bob            common.Address `json:"bob"`
	ChainID        int64          `json:"chainId"`
	// Timeout is the dispute challenge period in seconds.
	Timeout uint64 `json:"timeout"`
	// Nonce strictly increases by exactly one per applied update.
	Nonce uint64 `json:"nonce"`

	// Assets and Balances are parallel vectors; ProcessedDeposits track the
	// per-participant on-chain deposit totals already reconciled into
	// Balances, making deposit reconciliation idempotent.
	Assets                 []common.Address `json:"assets"`
	Balances               []*Balance       `json:"balances"`
	ProcessedDepositsAlice []*big.Int       `json:"processedDepositsAlice"`
	ProcessedDepositsBob   []*big.Int       `json:"processedDepositsBob"`

	// MerkleRoot commits to the set of currently active transfers.
	MerkleRoot common.Hash `json:"merkleRoot"`

	LatestUpdate *Update        `json:"latestUpdate,omitempty"`
	Dispute      *DisputeRecord `json:"dispute,omitempty"`
}

// Participant reports whether addr is one of the two channel parties.
func (s *ChannelState) Participant(addr common.Address) bool {
	return addr == s.Alice || addr == s.Bob
}

// Counterparty returns the other participant.
func (s *ChannelState) Counterparty(self common.Address) common.Address {
	if self == s.Alice {
		return s.Bob
	}
	return s.Alice
}

// AssetIndex returns the position of asset in the balance vectors, -1 when
// the asset is not tracked yet.
func (s *ChannelState) AssetIndex(asset common.Address) int {
	for i, a := range s.Assets {
		if a == asset {
			return i
		}
	}
	return -1
}

// BalanceFor returns the tracked balance pair for asset, nil when untracked.
func (s *ChannelState) BalanceFor(asset common.Address) *Balance {
	if i := s.AssetIndex(asset); i >= 0 {
		return s.Balances[i]
	}
	return nil
}

// Clone returns a deep copy. Transitions always operate on a copy so a failed
// validation never leaves a half-mutated state behind.
func (s *ChannelState) Clone() *ChannelState {
	c := *s
	c.Assets = append([]common.Address(nil), s.Assets...)
	c.Balances = make([]*Balance, len(s.Balances))
	for i, b := range s.Balances {
		c.Balances[i] = b.clone()
	}
	c.ProcessedDepositsAlice = cloneBigInts(s.ProcessedDepositsAlice)
	c.ProcessedDepositsBob = cloneBigInts(s.ProcessedDepositsBob)
	if s.LatestUpdate != nil {
		u := *s.LatestUpdate
		c.LatestUpdate = &u
	}
	if s.Dispute != nil {
		d := *s.Dispute
		c.Dispute = &d
	}
	return &c
}

func cloneBigInts(in []*big.Int) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, v := range in {
		out[i] = new(big.Int).Set(v)
	}
	return out
}

// coreState is the canonical serialization the participants sign. Field order
// is fixed by this struct; LatestUpdate and Dispute are excluded since the
// signatures commit to the resulting ledger, not to how it was reached.
type coreState struct {
	ChannelAddress         common.Address   `json:"channelAddress"`
	Alice                  common.Address   `json:"alice"`
	Bob                    common.Address   `json:"bob"`
	ChainID                int64            `json:"chainId"`
	Timeout                uint64           `json:"timeout"`
	Nonce                  uint64           `json:"nonce"`
	Assets                 []common.Address `json:"assets"`
	Balances               []*Balance       `json:"balances"`
	ProcessedDepositsAlice []*big.Int       `json:"processedDepositsAlice"`
	ProcessedDepositsBob   []*big.Int       `json:"processedDepositsBob"`
	MerkleRoot             common.Hash      `json:"merkleRoot"`
}

// Encode returns the canonical serialization of the state. Its keccak256
// digest is the payload both participants sign, and the adjudicator contract
// re-derives it from the same bytes during disputes.
func (s *ChannelState) Encode() ([]byte, error) {
	data, err := json.Marshal(coreState{
		ChannelAddress:         s.ChannelAddress,
		Alice:                  s.Alice,
		Bob:                    s.Bob,
		ChainID:                s.ChainID,
		Timeout:                s.Timeout,
		Nonce:                  s.Nonce,
		Assets:                 s.Assets,
		Balances:               s.Balances,
		ProcessedDepositsAlice: s.ProcessedDepositsAlice,
		ProcessedDepositsBob:   s.ProcessedDepositsBob,
		MerkleRoot:             s.MerkleRoot,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize channel state: %w", err)
	}
	return data, nil
}

// Hash returns the keccak256 digest of the canonical serialization of the
// state. This is the payload both participants sign.
func (s *ChannelState) Hash() (common.Hash, error) {
	data, err := s.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(data), nil
}

// Update is a proposed or applied state transition. It is pending until both
// signatures over the resulting state are present.
type Update struct {
	ChannelAddress common.Address  `json:"channelAddress"`
	Type           UpdateType      `json:"type"`
	Nonce          uint64          `json:"nonce"`
	Initiator      common.Address  `json:"initiator"`
	AssetID        common.Address  `json:"assetId"`
	Details        json.RawMessage `json:"details"`

	AliceSignature hexutil.Bytes `json:"aliceSignature,omitempty"`
	BobSignature   hexutil.Bytes `json:"bobSignature,omitempty"`
}

// Signed reports whether both participants signed the resulting state.
func (u *Update) Signed() bool {
	return len(u.AliceSignature) > 0 && len(u.BobSignature) > 0
}

// SetupDetails initializes a channel.
type SetupDetails struct {
	Alice   common.Address `json:"alice"`
	Bob     common.Address `json:"bob"`
	ChainID int64          `json:"chainId"`
	Timeout uint64         `json:"timeout"`
}

// DepositDetails reconciles on-chain deposit totals into channel balances.
// Totals are cumulative, so replaying the same on-chain deposit record never
// double-counts.
type DepositDetails struct {
	TotalDepositsAlice *big.Int `json:"totalDepositsAlice"`
	TotalDepositsBob   *big.Int `json:"totalDepositsBob"`
}

// CreateDetails locks value into a new conditional transfer.
type CreateDetails struct {
	TransferID   common.Hash           `json:"transferId"`
	Definition   transfer.DefinitionID `json:"definition"`
	Amount       *big.Int              `json:"amount"`
	InitialState json.RawMessage       `json:"initialState"`
	Expiry       uint64                `json:"expiry,omitempty"`
	Meta         transfer.Meta         `json:"meta"`
	// MerkleRoot is the proposer's claimed root after insertion; the
	// receiver recomputes and compares.
	MerkleRoot common.Hash `json:"merkleRoot"`
}

// ResolveDetails finalizes a conditional transfer.
type ResolveDetails struct {
	TransferID common.Hash     `json:"transferId"`
	Resolver   json.RawMessage `json:"resolver"`
	MerkleRoot common.Hash     `json:"merkleRoot"`
}

// WithdrawDetails commits to an on-chain withdrawal. Once the update carries
// both signatures the commitment is submittable.
type WithdrawDetails struct {
	Amount    *big.Int       `json:"amount"`
	Recipient common.Address `json:"recipient"`
}

// WithdrawalCommitment is the dual-signed voucher produced by an applied
// withdraw update. Resubmission on-chain is idempotent, keyed by nonce.
type WithdrawalCommitment struct {
	ChannelAddress common.Address `json:"channelAddress"`
	AssetID        common.Address `json:"assetId"`
	Amount         *big.Int       `json:"amount"`
	Recipient      common.Address `json:"recipient"`
	Nonce          uint64         `json:"nonce"`
	AliceSignature hexutil.Bytes  `json:"aliceSignature"`
	BobSignature   hexutil.Bytes  `json:"bobSignature"`
	TxHash         common.Hash    `json:"txHash,omitempty"`
}
