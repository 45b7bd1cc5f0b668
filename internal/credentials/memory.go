package credentials

import (
	"context"
	"sync"
)

// MemoryBackend keeps secrets in process memory. Used by tests and by
// short-lived agents that should not touch the host secret store.
type MemoryBackend struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: map[string]string{}}
}

// Open returns a handle on the shared map
func (b *MemoryBackend) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryHandle{backend: b}, nil
}

type memoryHandle struct {
	backend *MemoryBackend
	closed  bool
}

func (h *memoryHandle) Get(key string) (string, error) {
	if h.closed {
		return "", errHandleClosed
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	v, ok := h.backend.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (h *memoryHandle) Set(key, value string) error {
	if h.closed {
		return errHandleClosed
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	h.backend.secrets[key] = value
	return nil
}

func (h *memoryHandle) Delete(key string) error {
	if h.closed {
		return errHandleClosed
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if _, ok := h.backend.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(h.backend.secrets, key)
	return nil
}

func (h *memoryHandle) Close() error {
	h.closed = true
	return nil
}
