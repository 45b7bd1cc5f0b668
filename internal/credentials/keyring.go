package credentials

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringBackend stores secrets in the operating system's secret service:
// Keychain on macOS, the Secret Service API on Linux, the Credential Manager
// on Windows.
type KeyringBackend struct {
	Service string
}

// NewKeyringBackend creates a keyring backend for service
func NewKeyringBackend(service string) *KeyringBackend {
	if service == "" {
		service = DefaultService
	}
	return &KeyringBackend{Service: service}
}

// Open returns a handle bound to the backend's service name
func (b *KeyringBackend) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &keyringHandle{service: b.Service}, nil
}

type keyringHandle struct {
	service string
	closed  bool
}

var errHandleClosed = errors.New("handle closed")

func (h *keyringHandle) Get(key string) (string, error) {
	if h.closed {
		return "", errHandleClosed
	}
	v, err := keyring.Get(h.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

func (h *keyringHandle) Set(key, value string) error {
	if h.closed {
		return errHandleClosed
	}
	return keyring.Set(h.service, key, value)
}

func (h *keyringHandle) Delete(key string) error {
	if h.closed {
		return errHandleClosed
	}
	err := keyring.Delete(h.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (h *keyringHandle) Close() error {
	h.closed = true
	return nil
}
