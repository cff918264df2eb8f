// Package secrets loads exchange credentials from an encrypted local vault
// or from GCP Secret Manager.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gregtusar/tradedesk/pkg/models"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	kdfIterations    = 100_000
	vaultFileMode    = 0o600
	vaultDirFileMode = 0o700
)

type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Vault is an encrypted credentials file. The layout is salt, nonce, then
// the sealed JSON credentials. The key is derived from the master password.
type Vault struct {
	path string
}

func NewVault(path string) *Vault {
	return &Vault{path: path}
}

func (v *Vault) Path() string { return v.path }

func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Save encrypts creds under master and writes the vault file.
func (v *Vault) Save(creds Credentials, master string) error {
	if master == "" {
		return errors.New("master password is empty")
	}
	data, err := Seal(creds, master)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.path), vaultDirFileMode); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	if err := os.WriteFile(v.path, data, vaultFileMode); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	return nil
}

// Decrypt reads the vault and opens it with master. A wrong password fails
// with models.ErrWrongPassword.
func (v *Vault) Decrypt(master string) (Credentials, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read vault: %w", err)
	}
	return Open(data, master)
}

func Seal(creds Credentials, master string) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(master, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, salt), nil
}

func Open(data []byte, master string) (Credentials, error) {
	if len(data) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return Credentials{}, errors.New("vault data is truncated")
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := data[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveKey(master, salt))
	if err != nil {
		return Credentials{}, err
	}
	plain, err := aead.Open(nil, nonce, sealed, salt)
	if err != nil {
		return Credentials{}, models.ErrWrongPassword
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return creds, nil
}

func deriveKey(master string, salt []byte) []byte {
	return pbkdf2.Key([]byte(master), salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
}
