package mock

import (
	"encoding"
	"encoding/json"
	"strings"
	"sync"

	"github.com/conduitnet/conduit/pkg/storage"
)

var _ storage.StateStorer = (*store)(nil)

type store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStateStore returns an in-memory StateStorer for tests.
func NewStateStore() storage.StateStorer {
	return &store{data: make(map[string][]byte)}
}

func (s *store) Get(key string, i interface{}) error {
	s.mu.RLock()
	data, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}

	if unmarshaler, ok := i.(encoding.BinaryUnmarshaler); ok {
		return unmarshaler.UnmarshalBinary(data)
	}
	return json.Unmarshal(data, i)
}

func (s *store) Put(key string, i interface{}) (err error) {
	var data []byte
	if marshaler, ok := i.(encoding.BinaryMarshaler); ok {
		if data, err = marshaler.MarshalBinary(); err != nil {
			return err
		}
	} else if data, err = json.Marshal(i); err != nil {
		return err
	}

	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return nil
}

func (s *store) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *store) Iterate(prefix string, iterFunc storage.StateIterFunc) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	for _, k := range keys {
		s.mu.RLock()
		v, ok := s.data[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		stop, err := iterFunc([]byte(k), v)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return nil
}

func (s *store) Close() error {
	return nil
}
