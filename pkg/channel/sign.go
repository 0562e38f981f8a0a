package channel

import (
	"fmt"

	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/ethereum/go-ethereum/common"
)

// SignState signs the canonical hash of state with the node's identity key.
func SignState(signer crypto.Signer, state *ChannelState) ([]byte, error) {
	hash, err := state.Hash()
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash.Bytes())
}

// VerifyStateSignature checks that sig over state's canonical hash recovers
// to the expected participant.
func VerifyStateSignature(state *ChannelState, sig []byte, expected common.Address) error {
	hash, err := state.Hash()
	if err != nil {
		return err
	}
	recovered, err := crypto.RecoverEthereumAddress(sig, hash.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered != expected {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, recovered, expected)
	}
	return nil
}

// signatureFor returns the signature slot of participant on update.
func signatureFor(state *ChannelState, update *Update, participant common.Address) []byte {
	if participant == state.Alice {
		return update.AliceSignature
	}
	return update.BobSignature
}

// setSignature stores sig in participant's slot on update.
func setSignature(state *ChannelState, update *Update, participant common.Address, sig []byte) {
	if participant == state.Alice {
		update.AliceSignature = sig
		return
	}
	update.BobSignature = sig
}
