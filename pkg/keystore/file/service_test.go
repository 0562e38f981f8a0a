package file_test

import (
	"testing"

	"github.com/conduitnet/conduit/pkg/keystore/file"
	"github.com/conduitnet/conduit/pkg/keystore/test"
)

func TestService(t *testing.T) {
	test.Service(t, file.New(t.TempDir()))
}
