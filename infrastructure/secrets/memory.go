package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/crypto"
)

// MemoryStore keeps secrets encrypted at rest: each entry is sealed
// under a key derived from the master key and the secret's own name
// (infrastructure/crypto.Sealer), so a blob copied between entries
// fails authentication instead of decrypting to the wrong secret. It
// backs tests and the `local` invocation mode fixture store.
type MemoryStore struct {
	mu       sync.RWMutex
	sealer   *crypto.Sealer
	sealed   map[string][]byte
	loadedAt map[string]time.Time
}

// NewMemoryStore creates a MemoryStore. masterKey must be exactly 32 bytes.
func NewMemoryStore(masterKey []byte) (*MemoryStore, error) {
	sealer, err := crypto.NewSealer(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &MemoryStore{
		sealer:   sealer,
		sealed:   make(map[string][]byte),
		loadedAt: make(map[string]time.Time),
	}, nil
}

// Put seeds (or rotates) a secret value under name.
func (s *MemoryStore) Put(name string, value []byte) error {
	enc, err := s.sealer.Seal(name, value)
	if err != nil {
		return fmt.Errorf("secrets: seal %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[name] = enc
	s.loadedAt[name] = time.Now()
	return nil
}

func (s *MemoryStore) LoadSecret(_ context.Context, name string) ([]byte, time.Time, error) {
	s.mu.RLock()
	enc, ok := s.sealed[name]
	loadedAt := s.loadedAt[name]
	s.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	plain, err := s.sealer.Open(name, enc)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("secrets: open %q: %w", name, err)
	}
	return plain, loadedAt, nil
}
