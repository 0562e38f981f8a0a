// Package test holds the conformance suite shared by keystore
// implementations.
package test

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/conduitnet/conduit/pkg/keystore"
)

// Service runs the keystore.Service conformance suite against s.
func Service(t *testing.T, s keystore.Service) {
	t.Helper()

	created := mustKey(t, s, "conduit", "pass123456", true)

	t.Run("exists after create", func(t *testing.T) {
		ok, err := s.Exists("conduit")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("created key not reported by Exists")
		}
	})

	t.Run("stable across reads", func(t *testing.T) {
		again := mustKey(t, s, "conduit", "pass123456", false)
		if !bytes.Equal(created.D.Bytes(), again.D.Bytes()) {
			t.Error("second read returned a different key")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, _, err := s.Key("conduit", "not the password")
		if !errors.Is(err, keystore.ErrInvalidPassword) {
			t.Errorf("got %v, want %v", err, keystore.ErrInvalidPassword)
		}
	})

	t.Run("names are independent", func(t *testing.T) {
		ok, err := s.Exists("messaging")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("key exists before creation")
		}
		other := mustKey(t, s, "messaging", "msg pass", true)
		if bytes.Equal(created.D.Bytes(), other.D.Bytes()) {
			t.Error("distinct names share key material")
		}
	})
}

func mustKey(t *testing.T, s keystore.Service, name, password string, wantCreated bool) *ecdsa.PrivateKey {
	t.Helper()
	pk, created, err := s.Key(name, password)
	if err != nil {
		t.Fatal(err)
	}
	if created != wantCreated {
		t.Fatalf("created = %t, want %t", created, wantCreated)
	}
	return pk
}
