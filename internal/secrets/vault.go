// Package secrets stores remote-runner credentials encrypted at rest. A
// catalog entry naming api_key_secret resolves through the vault instead of
// the environment, so API keys never sit in plaintext config files.
package secrets

import (
	"context"
	"crypto/pbkdf2"
	"crypto/sha256"

	"github.com/rendis/loom/pkg/schema"
)

// Vault resolves and manages named secrets. Resolve satisfies the runner's
// SecretSource seam; the remaining methods back the secrets CLI.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// VaultConfig configures key derivation. Provide either MasterKey (raw 32
// bytes, from a key file) or Passphrase (from LOOM_VAULT_KEY); the salt for
// passphrase derivation lives in the vault file header.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Iterations int    // PBKDF2 iterations (default 100_000)
}

func (c VaultConfig) validate() error {
	if len(c.MasterKey) > 0 {
		if len(c.MasterKey) != 32 {
			return schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(c.MasterKey))
		}
		return nil
	}
	if c.Passphrase == "" {
		return schema.NewError(schema.ErrCodeVault, "either a master key or a passphrase is required")
	}
	return nil
}

// key derives the AES key for the given salt. MasterKey mode ignores the salt.
func (c VaultConfig) key(salt []byte) ([]byte, error) {
	if len(c.MasterKey) > 0 {
		return c.MasterKey, nil
	}
	iterations := c.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, salt, iterations, 32)
}
