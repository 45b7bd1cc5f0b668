package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
)

// FileBackend keeps all secrets in one age-encrypted JSON document. It is the
// fallback for hosts without a secret service (containers, CI, headless
// servers). The document is encrypted to a scrypt passphrase recipient and
// rewritten atomically on every change.
type FileBackend struct {
	Path       string
	Passphrase string
	// WorkFactor is the scrypt log2(N) used when writing. Zero keeps the
	// age default.
	WorkFactor int

	mu sync.Mutex
}

// NewFileBackend creates a file backend at path
func NewFileBackend(path, passphrase string) *FileBackend {
	return &FileBackend{Path: path, Passphrase: passphrase}
}

// Open decrypts the document into memory. The backend stays locked until the
// handle is closed, so concurrent handles in one process never interleave.
func (b *FileBackend) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.Passphrase == "" {
		return nil, fmt.Errorf("file credential backend requires a passphrase")
	}

	b.mu.Lock()
	secrets, err := b.read()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	return &fileHandle{backend: b, secrets: secrets}, nil
}

func (b *FileBackend) read() (map[string][]byte, error) {
	f, err := os.Open(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", b.Path, err)
	}
	defer f.Close()

	identity, err := age.NewScryptIdentity(b.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrypt identity: %w", err)
	}
	r, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", b.Path, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", b.Path, err)
	}
	defer zero(plaintext)

	secrets := map[string][]byte{}
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", b.Path, err)
	}
	return secrets, nil
}

func (b *FileBackend) write(secrets map[string][]byte) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}
	defer zero(plaintext)

	recipient, err := age.NewScryptRecipient(b.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to create scrypt recipient: %w", err)
	}
	if b.WorkFactor > 0 {
		recipient.SetWorkFactor(b.WorkFactor)
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("failed to create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize encryption: %w", err)
	}

	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict permissions: %w", err)
	}
	if _, err := tmp.Write(ciphertext.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", b.Path, err)
	}
	return nil
}

type fileHandle struct {
	backend *FileBackend
	secrets map[string][]byte
	closed  bool
}

func (h *fileHandle) Get(key string) (string, error) {
	if h.closed {
		return "", errHandleClosed
	}
	v, ok := h.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return string(v), nil
}

func (h *fileHandle) Set(key, value string) error {
	if h.closed {
		return errHandleClosed
	}
	if old, ok := h.secrets[key]; ok {
		zero(old)
	}
	h.secrets[key] = []byte(value)
	return h.backend.write(h.secrets)
}

func (h *fileHandle) Delete(key string) error {
	if h.closed {
		return errHandleClosed
	}
	old, ok := h.secrets[key]
	if !ok {
		return ErrNotFound
	}
	zero(old)
	delete(h.secrets, key)
	return h.backend.write(h.secrets)
}

func (h *fileHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	for k, v := range h.secrets {
		zero(v)
		delete(h.secrets, k)
	}
	h.backend.mu.Unlock()
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
