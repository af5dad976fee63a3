package secrets

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/loom/pkg/schema"
)

// VaultKeyEnv is the environment variable holding the vault passphrase.
const VaultKeyEnv = "LOOM_VAULT_KEY"

// keyFileName is the raw key file checked when the env var is unset.
const keyFileName = "vault.key"

// LoadKeyConfig resolves the vault key for a loom home directory:
// LOOM_VAULT_KEY as a passphrase first, then <dir>/vault.key holding a
// 32-byte key as 64 hex characters.
func LoadKeyConfig(dir string) (VaultConfig, error) {
	if pass := os.Getenv(VaultKeyEnv); pass != "" {
		return VaultConfig{Passphrase: pass}, nil
	}

	path := filepath.Join(dir, keyFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return VaultConfig{}, schema.NewErrorf(schema.ErrCodeVault,
			"no vault key: set %s or create %s", VaultKeyEnv, path)
	}
	if err != nil {
		return VaultConfig{}, schema.NewErrorf(schema.ErrCodeVault, "reading key file %s", path).WithCause(err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(key) != 32 {
		return VaultConfig{}, schema.NewErrorf(schema.ErrCodeVault,
			"key file %s must hold 64 hex characters", path)
	}
	return VaultConfig{MasterKey: key}, nil
}
