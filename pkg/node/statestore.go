package node

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"

	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/statestore/leveldb"
	"github.com/conduitnet/conduit/pkg/storage"
)

const identityKey = "node_identity"

// InitStateStore opens the node's persistent key value store. An empty
// dataDir falls back to an in-memory store for development setups.
func InitStateStore(logger logging.Logger, dataDir string) (storage.StateStorer, error) {
	if dataDir == "" {
		logger.Warning("using in-mem state store, no node state will be persisted")
		return leveldb.NewInMemoryStateStore(logger)
	}
	return leveldb.NewStateStore(filepath.Join(dataDir, "statestore"), logger)
}

// CheckIdentityWithStore pins the node identity to the state store. A data
// directory created under another key must not be reused, the channel states
// in it were signed by a different identity.
func CheckIdentityWithStore(identity common.Address, storer storage.StateStorer) error {
	var stored common.Address
	err := storer.Get(identityKey, &stored)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return storer.Put(identityKey, identity)
	}
	if stored != identity {
		return fmt.Errorf("statestore: identity mismatch, stored %s, configured %s", stored.Hex(), identity.Hex())
	}
	return nil
}
