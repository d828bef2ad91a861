package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrMissing is returned by Require when a secret has no value.
var ErrMissing = errors.New("secret not found")

// SecretStore resolves the passwords and tokens that connections refer to by
// name. Implementations: environment variables and the macOS Keychain.
type SecretStore interface {
	// Set stores a secret value under the given key.
	Set(key string, value []byte) error

	// Get retrieves the secret value for the given key.
	// Returns empty slice and nil error if key does not exist.
	Get(key string) ([]byte, error)

	// Delete removes the secret for the given key.
	Delete(key string) error
}

// New returns the store for a configured backend name.
func New(backend, prefix string) (SecretStore, error) {
	switch backend {
	case "", "env":
		return NewEnvStore(prefix), nil
	case "keychain":
		return NewKeychainStore(), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", backend)
	}
}

// Require fetches key and fails when it is unset. An empty key resolves to
// the empty string (no secret configured).
func Require(s SecretStore, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	v, err := s.Get(key)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", key, err)
	}
	if len(v) == 0 {
		return "", fmt.Errorf("secret %q: %w", key, ErrMissing)
	}
	return string(v), nil
}

// ── EnvStore ───────────────────────────────────────────────

// EnvStore reads secrets from environment variables named Prefix + KEY,
// where KEY is the upper-cased secret name with non-alphanumerics mapped to
// underscores ("assets-pass" → LAYERSYNC_SECRET_ASSETS_PASS).
type EnvStore struct {
	Prefix string
}

// NewEnvStore creates an EnvStore.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix}
}

// EnvName returns the variable that holds key.
func (e *EnvStore) EnvName(key string) string {
	var b strings.Builder
	b.WriteString(e.Prefix)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (e *EnvStore) Set(key string, value []byte) error {
	return os.Setenv(e.EnvName(key), string(value))
}

func (e *EnvStore) Get(key string) ([]byte, error) {
	v, ok := os.LookupEnv(e.EnvName(key))
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

func (e *EnvStore) Delete(key string) error {
	return os.Unsetenv(e.EnvName(key))
}
