// Package registration drives agent registration: key generation, optional
// OAuth authorization, payload signing, backend submission and credential
// persistence.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/giantswarm/agentid/internal/api"
	"github.com/giantswarm/agentid/internal/credentials"
	"github.com/giantswarm/agentid/internal/logging"
	"github.com/giantswarm/agentid/internal/signing"
)

// DefaultAgentType is the agent type registered when none is given
const DefaultAgentType = "ai_agent"

// State is a step of the registration state machine
type State int

const (
	Unregistered State = iota
	KeyGenerated
	AuthorizationPending
	AuthorizationGranted
	PayloadSigned
	Submitted
	CredentialsStored
	Failed
)

var stateNames = map[State]string{
	Unregistered:         "unregistered",
	KeyGenerated:         "key_generated",
	AuthorizationPending: "authorization_pending",
	AuthorizationGranted: "authorization_granted",
	PayloadSigned:        "payload_signed",
	Submitted:            "submitted",
	CredentialsStored:    "credentials_stored",
	Failed:               "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool { return s == CredentialsStored || s == Failed }

// ErrInProgress is returned when Run is called while another run is active
var ErrInProgress = errors.New("registration already in progress")

// TokenProvider obtains an OAuth access token for provider
type TokenProvider interface {
	GetToken(ctx context.Context, provider, redirectURL string) (string, error)
}

// Registrar submits the signed registration
type Registrar interface {
	Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error)
}

// CredentialWriter persists the identity returned by the backend
type CredentialWriter interface {
	Store(ctx context.Context, creds *credentials.Credentials) error
	Clear(ctx context.Context) error
}

// Observer is called on every state transition
type Observer func(from, to State)

// Error reports the step a registration failed in. The backend's own error
// text stays reachable through errors.As on *api.NetworkError.
type Error struct {
	Step State
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registration failed while %s: %v", stepDescription(e.Step), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func stepDescription(s State) string {
	switch s {
	case Unregistered:
		return "generating key pair"
	case KeyGenerated, AuthorizationPending:
		return "authorizing"
	case AuthorizationGranted:
		return "signing payload"
	case PayloadSigned:
		return "submitting"
	case Submitted:
		return "storing credentials"
	default:
		return s.String()
	}
}

// Request describes the agent to register
type Request struct {
	Name string
	Type string

	// OAuthProvider switches to OAuth-backed registration when set
	OAuthProvider string
	RedirectURL   string
}

// Result is a completed registration. KeyPair is the identity whose public
// key the backend now holds.
type Result struct {
	AgentID    string
	APIKey     string
	KeyPair    *signing.KeyPair
	OAuthToken string
}

// Options configures a Flow
type Options struct {
	Tokens   TokenProvider
	Logger   *logging.Logger
	Observer Observer

	// GenerateKey replaces signing.GenerateKeyPair
	GenerateKey func() (*signing.KeyPair, error)
}

// Flow runs registrations. One run at a time.
type Flow struct {
	registrar Registrar
	store     CredentialWriter
	tokens    TokenProvider
	logger    *logging.Logger
	observer  Observer
	generate  func() (*signing.KeyPair, error)

	runMu sync.Mutex
	mu    sync.Mutex
	state State
}

// NewFlow creates a registration flow
func NewFlow(registrar Registrar, store CredentialWriter, opts Options) *Flow {
	generate := opts.GenerateKey
	if generate == nil {
		generate = signing.GenerateKeyPair
	}
	return &Flow{
		registrar: registrar,
		store:     store,
		tokens:    opts.Tokens,
		logger:    opts.Logger,
		observer:  opts.Observer,
		generate:  generate,
	}
}

// State returns the state of the current or last run
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) transition(to State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()

	f.logger.Debug("Registration %s -> %s", from, to)
	if f.observer != nil {
		f.observer(from, to)
	}
}

// signedPayload is the registration body minus its signature
type signedPayload struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	PublicKey     string `json:"public_key"`
	OAuthProvider string `json:"oauth_provider,omitempty"`
	OAuthToken    string `json:"oauth_token,omitempty"`
}

// Run registers the agent. On failure the flow ends in Failed, the
// generated private key is zeroed and any stored credentials are cleared.
func (f *Flow) Run(ctx context.Context, req Request) (*Result, error) {
	if !f.runMu.TryLock() {
		return nil, ErrInProgress
	}
	defer f.runMu.Unlock()

	f.mu.Lock()
	f.state = Unregistered
	f.mu.Unlock()

	if req.Name == "" {
		return nil, f.fail(ctx, nil, Unregistered, false, errors.New("agent name is required"))
	}
	if req.Type == "" {
		req.Type = DefaultAgentType
	}

	kp, err := f.generate()
	if err != nil {
		return nil, f.fail(ctx, nil, Unregistered, false, err)
	}
	f.transition(KeyGenerated)

	payload := signedPayload{
		Name:      req.Name,
		Type:      req.Type,
		PublicKey: kp.PublicKeyBase64(),
	}

	if req.OAuthProvider != "" {
		if f.tokens == nil {
			return nil, f.fail(ctx, kp, KeyGenerated, false, fmt.Errorf("no OAuth token provider configured for %q", req.OAuthProvider))
		}
		f.transition(AuthorizationPending)
		token, err := f.tokens.GetToken(ctx, req.OAuthProvider, req.RedirectURL)
		if err != nil {
			return nil, f.fail(ctx, kp, AuthorizationPending, false, err)
		}
		if token == "" {
			return nil, f.fail(ctx, kp, AuthorizationPending, false, errors.New("OAuth provider returned an empty token"))
		}
		payload.OAuthProvider = req.OAuthProvider
		payload.OAuthToken = token
		f.transition(AuthorizationGranted)
	}

	signature, err := kp.Sign(payload)
	if err != nil {
		return nil, f.fail(ctx, kp, f.State(), false, err)
	}
	f.transition(PayloadSigned)

	f.logger.InfoVerbose("Registering agent %q", req.Name)
	resp, err := f.registrar.Register(ctx, api.RegisterRequest{
		Name:          payload.Name,
		Type:          payload.Type,
		PublicKey:     payload.PublicKey,
		Signature:     signature,
		OAuthProvider: payload.OAuthProvider,
		OAuthToken:    payload.OAuthToken,
	})
	if err != nil {
		return nil, f.fail(ctx, kp, PayloadSigned, false, err)
	}
	f.transition(Submitted)

	creds := &credentials.Credentials{
		AgentID:    resp.ID,
		APIKey:     resp.APIKey,
		PrivateKey: kp.PrivateKey,
		OAuthToken: payload.OAuthToken,
	}
	if err := f.store.Store(ctx, creds); err != nil {
		return nil, f.fail(ctx, kp, Submitted, true, err)
	}
	f.transition(CredentialsStored)
	f.logger.Success("Registered agent %s", resp.ID)

	return &Result{
		AgentID:    resp.ID,
		APIKey:     resp.APIKey,
		KeyPair:    kp,
		OAuthToken: payload.OAuthToken,
	}, nil
}

// fail moves to Failed, zeroes the key and clears a partial credential write
func (f *Flow) fail(ctx context.Context, kp *signing.KeyPair, step State, clear bool, err error) error {
	kp.Zero()
	if clear {
		// the caller's context may be what failed the write
		if clearErr := f.store.Clear(context.WithoutCancel(ctx)); clearErr != nil {
			f.logger.Warning("Failed to clear partially stored credentials: %v", clearErr)
		}
	}
	f.transition(Failed)
	f.logger.Error("Registration failed: %v", err)
	return &Error{Step: step, Err: err}
}
