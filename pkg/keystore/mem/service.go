// Package mem implements a keystore held in process memory, for dev mode and
// tests.
package mem

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/keystore"
)

var _ keystore.Service = (*Service)(nil)

// Service keeps keys in a map guarded by a mutex. Nothing survives a
// restart.
type Service struct {
	mu   sync.Mutex
	keys map[string]entry
}

type entry struct {
	pk       *ecdsa.PrivateKey
	password string
}

// New creates an empty in-memory keystore.
func New() *Service {
	return &Service{keys: make(map[string]entry)}
}

func (s *Service) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[name]
	return ok, nil
}

func (s *Service) Key(name, password string) (*ecdsa.PrivateKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.keys[name]; ok {
		if e.password != password {
			return nil, false, keystore.ErrInvalidPassword
		}
		return e.pk, false, nil
	}

	pk, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		return nil, false, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	s.keys[name] = entry{pk: pk, password: password}
	return pk, true, nil
}
