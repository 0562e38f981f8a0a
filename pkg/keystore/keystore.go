// Package keystore abstracts persistence of the node's signing keys. Keys
// are addressed by name and sealed under a password; callers never touch the
// encrypted representation.
package keystore

import (
	"crypto/ecdsa"
	"errors"
)

// ErrInvalidPassword is returned when the password cannot unseal the stored
// key material.
var ErrInvalidPassword = errors.New("invalid password")

// Service stores the node's private keys.
type Service interface {
	// Key returns the private key stored under name, unsealed with
	// password. A missing key is generated, sealed and stored first, with
	// created set to true.
	Key(name, password string) (pk *ecdsa.PrivateKey, created bool, err error)
	// Exists reports whether a key is stored under name.
	Exists(name string) (bool, error)
}
