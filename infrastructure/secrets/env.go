package secrets

import (
	"context"
	"os"
	"time"
)

// EnvStore resolves secrets from process environment variables. It is the
// default store for the community tier and for `local` invocation mode.
type EnvStore struct {
	// Prefix is prepended to every lookup, e.g. "ORACLE_SECRET_".
	Prefix string
}

// NewEnvStore creates an EnvStore with the given variable-name prefix.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix}
}

func (s *EnvStore) LoadSecret(_ context.Context, name string) ([]byte, time.Time, error) {
	raw, ok := os.LookupEnv(s.Prefix + name)
	if !ok || raw == "" {
		return nil, time.Time{}, ErrNotFound
	}
	return []byte(raw), time.Now(), nil
}
