// Package file implements a keystore over a directory of sealed key files,
// one file per key name.
package file

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/conduitnet/conduit/pkg/crypto"
)

// Service seals each key into <dir>/<name>.key. The directory is created
// lazily on the first generated key.
type Service struct {
	dir string
}

// New creates a keystore over dir.
func New(dir string) *Service {
	return &Service{dir: dir}
}

func (s *Service) Exists(name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat key %s: %w", name, err)
	}
	return true, nil
}

func (s *Service) Key(name, password string) (*ecdsa.PrivateKey, bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err == nil {
		pk, err := decryptKey(data, password)
		if err != nil {
			return nil, false, err
		}
		return pk, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read key %s: %w", name, err)
	}
	pk, err := s.generate(name, password)
	if err != nil {
		return nil, false, err
	}
	return pk, true, nil
}

func (s *Service) generate(name, password string) (*ecdsa.PrivateKey, error) {
	pk, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	sealed, err := encryptKey(pk, password)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}
	// Write-then-rename keeps a crashed write from leaving a truncated
	// key file behind.
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return pk, nil
}

func (s *Service) path(name string) string {
	return filepath.Join(s.dir, name+".key")
}
