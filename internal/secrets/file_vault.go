package secrets

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rendis/loom/pkg/schema"
)

// File layout: magic | 16-byte salt | GCM nonce | ciphertext. The ciphertext
// is the whole secret map as JSON, encrypted with AES-256-GCM; there is no
// per-secret granularity on disk, so a partial write can never expose or
// corrupt individual entries.
var vaultMagic = []byte("LOOMSEC1")

const saltSize = 16

// FileVault is a Vault backed by a single encrypted file, typically
// ~/.loom/secrets.enc. Every operation re-reads the file, so concurrent CLI
// invocations see each other's writes; the in-process mutex keeps one
// process's operations ordered.
type FileVault struct {
	path string
	cfg  VaultConfig

	mu   sync.Mutex
	salt []byte
	aead cipher.AEAD
}

// NewFileVault opens or prepares a vault at path. A missing file is an empty
// vault; it is created on the first Store.
func NewFileVault(path string, cfg VaultConfig) (*FileVault, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	v := &FileVault{path: path, cfg: cfg}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		salt, _, perr := splitVaultFile(raw)
		if perr != nil {
			return nil, perr
		}
		v.salt = salt
	case os.IsNotExist(err):
		v.salt = make([]byte, saltSize)
		if _, rerr := rand.Read(v.salt); rerr != nil {
			return nil, schema.NewError(schema.ErrCodeVault, "generating vault salt").WithCause(rerr)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeVault, "reading vault %s", path).WithCause(err)
	}

	key, err := cfg.key(v.salt)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "deriving vault key").WithCause(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "building cipher").WithCause(err)
	}
	v.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "building gcm").WithCause(err)
	}
	return v, nil
}

// Resolve returns the plaintext secret for key.
func (v *FileVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return nil, err
	}
	value, ok := entries[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return value, nil
}

// Store inserts or replaces a secret.
func (v *FileVault) Store(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeVault, "secret key cannot be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return err
	}
	entries[key] = value
	return v.save(entries)
}

// Delete removes a secret; deleting an absent key is an error so typos in
// `loom secrets rm` do not pass silently.
func (v *FileVault) Delete(ctx context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(entries, key)
	return v.save(entries)
}

// List returns the stored secret names, sorted. Values stay encrypted.
func (v *FileVault) List(ctx context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (v *FileVault) load() (map[string][]byte, error) {
	raw, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "reading vault %s", v.path).WithCause(err)
	}

	salt, sealed, err := splitVaultFile(raw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(salt, v.salt) {
		// The file was re-created by another process with a fresh salt;
		// this vault's derived key no longer matches.
		return nil, schema.NewError(schema.ErrCodeVault, "vault salt changed; reopen the vault")
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "vault file truncated")
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "decrypt failed: wrong vault key?")
	}

	entries := make(map[string][]byte)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "vault contents corrupted").WithCause(err)
	}
	return entries, nil
}

func (v *FileVault) save(entries map[string][]byte) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return schema.NewError(schema.ErrCodeVault, "encoding vault contents").WithCause(err)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return schema.NewError(schema.ErrCodeVault, "generating nonce").WithCause(err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)

	buf := make([]byte, 0, len(vaultMagic)+saltSize+len(sealed))
	buf = append(buf, vaultMagic...)
	buf = append(buf, v.salt...)
	buf = append(buf, sealed...)

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return schema.NewErrorf(schema.ErrCodeVault, "creating vault directory").WithCause(err)
	}
	return writeAtomic(v.path, buf)
}

// writeAtomic lands the vault via temp file, fsync, and rename, so a crash
// leaves either the old vault or the new one, never a torn file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeVault, "creating temp file in %s", dir).WithCause(err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return schema.NewError(schema.ErrCodeVault, "restricting vault permissions").WithCause(err)
	}

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpPath)
		return schema.NewErrorf(schema.ErrCodeVault, "writing vault %s", path).WithCause(werr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return schema.NewErrorf(schema.ErrCodeVault, "replacing vault %s", path).WithCause(err)
	}
	return nil
}

func splitVaultFile(raw []byte) (salt, sealed []byte, err error) {
	if len(raw) < len(vaultMagic)+saltSize || !bytes.HasPrefix(raw, vaultMagic) {
		return nil, nil, schema.NewError(schema.ErrCodeVault, "not a loom vault file")
	}
	rest := raw[len(vaultMagic):]
	return rest[:saltSize], rest[saltSize:], nil
}
