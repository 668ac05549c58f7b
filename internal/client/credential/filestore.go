package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/crypto/chacha20poly1305"

	"m-sync-go/internal/client/api"
)

const fileFormatVersion = 1

// fileFormat is the on-disk layout. The key sits next to the ciphertext, so
// encryption only keeps the credential out of casual view.
type fileFormat struct {
	Version    int        `json:"version"`
	Key        []byte     `json:"key"`
	Nonce      []byte     `json:"nonce"`
	Ciphertext []byte     `json:"ciphertext"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	SavedAt    time.Time  `json:"saved_at"`
}

// FileStore keeps one credential encrypted with ChaCha20-Poly1305 in a file
// readable only by the owning user.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. A leading "~/" expands to the home
// directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credential file path is required")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return &FileStore{path: path}, nil
}

// Path returns the resolved file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the stored credential. ok is false when no file exists.
func (s *FileStore) Load() (cred api.Credential, ok bool, err error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return api.Credential{}, false, nil
	}
	if err != nil {
		return api.Credential{}, false, fmt.Errorf("read credential file: %w", err)
	}

	var file fileFormat
	if err := sonic.ConfigStd.Unmarshal(raw, &file); err != nil {
		return api.Credential{}, false, fmt.Errorf("parse credential file: %w", err)
	}
	if file.Version != fileFormatVersion {
		return api.Credential{}, false, fmt.Errorf("unsupported credential file version %d", file.Version)
	}

	aead, err := chacha20poly1305.New(file.Key)
	if err != nil {
		return api.Credential{}, false, fmt.Errorf("credential file key: %w", err)
	}
	if len(file.Nonce) != aead.NonceSize() {
		return api.Credential{}, false, errors.New("credential file nonce has wrong size")
	}
	plain, err := aead.Open(nil, file.Nonce, file.Ciphertext, nil)
	if err != nil {
		return api.Credential{}, false, fmt.Errorf("decrypt credential file: %w", err)
	}
	if err := sonic.ConfigStd.Unmarshal(plain, &cred); err != nil {
		return api.Credential{}, false, fmt.Errorf("decode credential: %w", err)
	}
	return cred, true, nil
}

// Save encrypts cred under a fresh key and nonce and atomically replaces
// the file.
func (s *FileStore) Save(cred api.Credential) error {
	plain, err := sonic.ConfigStd.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	data, err := sonic.ConfigStd.MarshalIndent(fileFormat{
		Version:    fileFormatVersion,
		Key:        key,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, nil),
		IssuedAt:   cred.Info.IssuedAt,
		ExpiresAt:  cred.Info.ExpiresAt,
		SavedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restrict credential file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

// Delete removes the stored credential. A missing file is not an error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credential file: %w", err)
	}
	return nil
}
