// Package credentials persists the agent's registration identity in a secret
// backend, one named secret per field.
package credentials

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/giantswarm/agentid/internal/logging"
	"github.com/giantswarm/agentid/internal/signing"
)

// DefaultService is the secret-store service name used when none is configured
const DefaultService = "agentid"

// Secret field keys
const (
	FieldAgentID    = "agent_id"
	FieldAPIKey     = "api_key"
	FieldPrivateKey = "private_key"
	FieldOAuthToken = "oauth_token"
)

var allFields = []string{FieldAgentID, FieldAPIKey, FieldPrivateKey, FieldOAuthToken}

// ErrNotFound is returned by a Handle when a secret does not exist
var ErrNotFound = errors.New("secret not found")

// StorageError wraps a secret backend failure. Absent secrets are never
// reported as StorageError.
type StorageError struct {
	Op    string
	Field string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("credential store %s %s: %v", e.Op, e.Field, e.Err)
	}
	return fmt.Sprintf("credential store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Backend opens scoped handles on a secret store
type Backend interface {
	Open(ctx context.Context) (Handle, error)
}

// Handle is an open session on a secret store. Close must be called on every
// path once the caller is done.
type Handle interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// Credentials is the locally persisted registration identity
type Credentials struct {
	AgentID    string
	APIKey     string
	PrivateKey ed25519.PrivateKey
	OAuthToken string
}

// KeyPair returns the signing keypair, or nil when no usable private key is stored
func (c *Credentials) KeyPair() *signing.KeyPair {
	if c == nil || len(c.PrivateKey) == 0 {
		return nil
	}
	kp, err := signing.KeyPairFromPrivateKey(c.PrivateKey)
	if err != nil {
		return nil
	}
	return kp
}

// String redacts secrets
func (c *Credentials) String() string {
	if c == nil {
		return "Credentials(nil)"
	}
	return fmt.Sprintf("Credentials(agent_id=%s, private_key=%t, oauth_token=%t)",
		c.AgentID, len(c.PrivateKey) > 0, c.OAuthToken != "")
}

// GoString redacts secrets
func (c *Credentials) GoString() string { return c.String() }

// Store reads and writes Credentials through a Backend
type Store struct {
	backend Backend
	logger  *logging.Logger
}

// NewStore creates a credential store on top of backend
func NewStore(backend Backend, logger *logging.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// withHandle opens a handle, runs fn and closes the handle on every path.
// A close failure is reported only when fn itself succeeded.
func (s *Store) withHandle(ctx context.Context, op string, fn func(Handle) error) (err error) {
	h, err := s.backend.Open(ctx)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer func() {
		if closeErr := h.Close(); closeErr != nil && err == nil {
			err = &StorageError{Op: op, Err: fmt.Errorf("failed to release handle: %w", closeErr)}
		}
	}()
	return fn(h)
}

// Store persists creds. Optional fields that are empty are removed so a
// previous identity's key or token cannot survive a re-registration.
func (s *Store) Store(ctx context.Context, creds *Credentials) error {
	if creds == nil || creds.AgentID == "" || creds.APIKey == "" {
		return fmt.Errorf("credentials require agent_id and api_key")
	}

	values := map[string]string{
		FieldAgentID: creds.AgentID,
		FieldAPIKey:  creds.APIKey,
	}
	if len(creds.PrivateKey) > 0 {
		values[FieldPrivateKey] = signing.EncodePrivateKey(creds.PrivateKey)
	}
	if creds.OAuthToken != "" {
		values[FieldOAuthToken] = creds.OAuthToken
	}

	return s.withHandle(ctx, "store", func(h Handle) error {
		for _, field := range allFields {
			value, ok := values[field]
			if ok {
				if err := h.Set(field, value); err != nil {
					return &StorageError{Op: "store", Field: field, Err: err}
				}
				continue
			}
			if err := h.Delete(field); err != nil && !errors.Is(err, ErrNotFound) {
				return &StorageError{Op: "store", Field: field, Err: err}
			}
		}
		s.logger.Debug("Stored credentials for agent %s", creds.AgentID)
		return nil
	})
}

// Load returns the stored credentials, or nil when agent_id or api_key is
// missing. A corrupt private key is dropped and the remaining fields are
// still returned.
func (s *Store) Load(ctx context.Context) (*Credentials, error) {
	var creds *Credentials
	err := s.withHandle(ctx, "load", func(h Handle) error {
		agentID, ok, err := get(h, FieldAgentID)
		if err != nil || !ok {
			return err
		}
		apiKey, ok, err := get(h, FieldAPIKey)
		if err != nil || !ok {
			return err
		}

		c := &Credentials{AgentID: agentID, APIKey: apiKey}

		encoded, ok, err := get(h, FieldPrivateKey)
		if err != nil {
			return err
		}
		if ok {
			priv, decodeErr := signing.DecodePrivateKey(encoded)
			if decodeErr != nil {
				s.logger.Debug("Ignoring unusable stored private key: %v", decodeErr)
			} else {
				c.PrivateKey = priv
			}
		}

		token, ok, err := get(h, FieldOAuthToken)
		if err != nil {
			return err
		}
		if ok {
			c.OAuthToken = token
		}

		creds = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// Clear deletes every known field. Missing fields are not an error.
func (s *Store) Clear(ctx context.Context) error {
	return s.withHandle(ctx, "clear", func(h Handle) error {
		for _, field := range allFields {
			if err := h.Delete(field); err != nil && !errors.Is(err, ErrNotFound) {
				return &StorageError{Op: "clear", Field: field, Err: err}
			}
		}
		s.logger.Debug("Cleared stored credentials")
		return nil
	})
}

// HasCredentials reports whether an agent_id is stored, regardless of the
// state of the other fields
func (s *Store) HasCredentials(ctx context.Context) bool {
	found := false
	_ = s.withHandle(ctx, "probe", func(h Handle) error {
		_, ok, err := get(h, FieldAgentID)
		found = ok && err == nil
		return nil
	})
	return found
}

// UpdateOAuthToken replaces the stored OAuth token after a rotation
func (s *Store) UpdateOAuthToken(ctx context.Context, token string) error {
	return s.withHandle(ctx, "rotate", func(h Handle) error {
		if _, ok, err := get(h, FieldAgentID); err != nil {
			return err
		} else if !ok {
			return &StorageError{Op: "rotate", Field: FieldAgentID, Err: ErrNotFound}
		}
		if token == "" {
			if err := h.Delete(FieldOAuthToken); err != nil && !errors.Is(err, ErrNotFound) {
				return &StorageError{Op: "rotate", Field: FieldOAuthToken, Err: err}
			}
			return nil
		}
		if err := h.Set(FieldOAuthToken, token); err != nil {
			return &StorageError{Op: "rotate", Field: FieldOAuthToken, Err: err}
		}
		return nil
	})
}

func get(h Handle, field string) (string, bool, error) {
	v, err := h.Get(field)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StorageError{Op: "load", Field: field, Err: err}
	}
	return v, true, nil
}
