package registration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/giantswarm/agentid/internal/api"
	"github.com/giantswarm/agentid/internal/credentials"
	"github.com/giantswarm/agentid/internal/signing"
)

type fakeRegistrar struct {
	req  api.RegisterRequest
	resp *api.RegisterResponse
	err  error
}

func (r *fakeRegistrar) Register(_ context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	r.req = req
	if r.err != nil {
		return nil, r.err
	}
	return r.resp, nil
}

type fakeTokens struct {
	token    string
	err      error
	provider string
	redirect string
}

func (p *fakeTokens) GetToken(_ context.Context, provider, redirectURL string) (string, error) {
	p.provider, p.redirect = provider, redirectURL
	return p.token, p.err
}

// failingStore writes through to a memory store, then fails
type failingStore struct {
	inner *credentials.Store
	err   error
}

func (s *failingStore) Store(ctx context.Context, creds *credentials.Credentials) error {
	if err := s.inner.Store(ctx, creds); err != nil {
		return err
	}
	return s.err
}

func (s *failingStore) Clear(ctx context.Context) error { return s.inner.Clear(ctx) }

func newStore() *credentials.Store {
	return credentials.NewStore(credentials.NewMemoryBackend(), nil)
}

func recorder(states *[]State) Observer {
	return func(_, to State) { *states = append(*states, to) }
}

func TestRunStoresCredentials(t *testing.T) {
	store := newStore()
	registrar := &fakeRegistrar{resp: &api.RegisterResponse{ID: "agent-1", APIKey: "key-1"}}
	var states []State
	flow := NewFlow(registrar, store, Options{Observer: recorder(&states)})

	result, err := flow.Run(context.Background(), Request{Name: "builder"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{KeyGenerated, PayloadSigned, Submitted, CredentialsStored}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("expected transitions %v, got %v", want, states)
	}
	if flow.State() != CredentialsStored || !flow.State().Terminal() {
		t.Errorf("expected terminal CredentialsStored, got %v", flow.State())
	}

	req := registrar.req
	if req.Type != DefaultAgentType || req.Name != "builder" {
		t.Errorf("unexpected request %+v", req)
	}
	if req.PublicKey != result.KeyPair.PublicKeyBase64() {
		t.Error("expected submitted public key to match the result key pair")
	}
	payload := map[string]interface{}{"name": "builder", "type": DefaultAgentType, "public_key": req.PublicKey}
	if !signing.Verify(result.KeyPair.PublicKey, payload, req.Signature) {
		t.Error("expected signature over name, type and public_key")
	}

	creds, err := store.Load(context.Background())
	if err != nil || creds == nil {
		t.Fatalf("Load: %v, %v", creds, err)
	}
	if creds.AgentID != "agent-1" || creds.APIKey != "key-1" {
		t.Errorf("unexpected stored credentials %v", creds)
	}
	if string(creds.PrivateKey) != string(result.KeyPair.PrivateKey) {
		t.Error("expected stored private key to match the registered key pair")
	}
}

func TestRunWithOAuth(t *testing.T) {
	store := newStore()
	registrar := &fakeRegistrar{resp: &api.RegisterResponse{ID: "agent-2", APIKey: "key-2"}}
	tokens := &fakeTokens{token: "oauth-tok"}
	var states []State
	flow := NewFlow(registrar, store, Options{Tokens: tokens, Observer: recorder(&states)})

	result, err := flow.Run(context.Background(), Request{
		Name:          "builder",
		Type:          "ci_agent",
		OAuthProvider: "github",
		RedirectURL:   "http://localhost:9999/cb",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{KeyGenerated, AuthorizationPending, AuthorizationGranted, PayloadSigned, Submitted, CredentialsStored}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("expected transitions %v, got %v", want, states)
	}
	if tokens.provider != "github" || tokens.redirect != "http://localhost:9999/cb" {
		t.Errorf("unexpected token request %q %q", tokens.provider, tokens.redirect)
	}

	req := registrar.req
	if req.OAuthProvider != "github" || req.OAuthToken != "oauth-tok" {
		t.Errorf("expected oauth fields in request, got %+v", req)
	}
	payload := map[string]interface{}{
		"name":           "builder",
		"type":           "ci_agent",
		"public_key":     req.PublicKey,
		"oauth_provider": "github",
		"oauth_token":    "oauth-tok",
	}
	if !signing.Verify(result.KeyPair.PublicKey, payload, req.Signature) {
		t.Error("expected signature to cover oauth fields")
	}

	creds, _ := store.Load(context.Background())
	if creds == nil || creds.OAuthToken != "oauth-tok" {
		t.Errorf("expected oauth token to be stored, got %v", creds)
	}
}

func TestRunFailures(t *testing.T) {
	backendErr := &api.NetworkError{Op: "register", StatusCode: 409, Message: "Agent name already taken"}
	tests := []struct {
		name      string
		req       Request
		registrar *fakeRegistrar
		tokens    TokenProvider
		storeErr  error
		wantStep  State
		wantText  string
	}{
		{
			name:      "missing name",
			req:       Request{},
			registrar: &fakeRegistrar{},
			wantStep:  Unregistered,
			wantText:  "name is required",
		},
		{
			name:      "backend rejects",
			req:       Request{Name: "dup"},
			registrar: &fakeRegistrar{err: backendErr},
			wantStep:  PayloadSigned,
			wantText:  "Agent name already taken",
		},
		{
			name:      "oauth without provider",
			req:       Request{Name: "a", OAuthProvider: "github"},
			registrar: &fakeRegistrar{},
			wantStep:  KeyGenerated,
			wantText:  "no OAuth token provider",
		},
		{
			name:      "oauth denied",
			req:       Request{Name: "a", OAuthProvider: "github"},
			registrar: &fakeRegistrar{},
			tokens:    &fakeTokens{err: errors.New("authorization error: access_denied")},
			wantStep:  AuthorizationPending,
			wantText:  "access_denied",
		},
		{
			name:      "oauth empty token",
			req:       Request{Name: "a", OAuthProvider: "github"},
			registrar: &fakeRegistrar{},
			tokens:    &fakeTokens{},
			wantStep:  AuthorizationPending,
			wantText:  "empty token",
		},
		{
			name:      "store fails",
			req:       Request{Name: "a"},
			registrar: &fakeRegistrar{resp: &api.RegisterResponse{ID: "agent-3", APIKey: "key-3"}},
			storeErr:  &credentials.StorageError{Op: "store", Err: errors.New("keychain locked")},
			wantStep:  Submitted,
			wantText:  "keychain locked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &failingStore{inner: newStore(), err: tt.storeErr}
			var generated *signing.KeyPair
			flow := NewFlow(tt.registrar, store, Options{
				Tokens: tt.tokens,
				GenerateKey: func() (*signing.KeyPair, error) {
					kp, err := signing.GenerateKeyPair()
					generated = kp
					return kp, err
				},
			})

			result, err := flow.Run(context.Background(), tt.req)
			if result != nil {
				t.Errorf("expected no result, got %+v", result)
			}
			var regErr *Error
			if !errors.As(err, &regErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if regErr.Step != tt.wantStep {
				t.Errorf("expected failure at %v, got %v", tt.wantStep, regErr.Step)
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("expected %q in %q", tt.wantText, err.Error())
			}
			if flow.State() != Failed {
				t.Errorf("expected Failed, got %v", flow.State())
			}
			if generated != nil {
				for _, b := range generated.PrivateKey {
					if b != 0 {
						t.Fatal("expected generated private key to be zeroed")
					}
				}
			}
			if store.inner.HasCredentials(context.Background()) {
				t.Error("expected no credentials to remain after failure")
			}
		})
	}
}

func TestBackendMessageSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid signature for public key"}`))
	}))
	defer srv.Close()

	flow := NewFlow(api.NewClient(srv.URL, "dev"), newStore(), Options{})
	_, err := flow.Run(context.Background(), Request{Name: "x"})

	var netErr *api.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected *api.NetworkError, got %v", err)
	}
	if netErr.Message != "Invalid signature for public key" {
		t.Errorf("expected backend message verbatim, got %q", netErr.Message)
	}
	if !strings.Contains(err.Error(), "Invalid signature for public key") {
		t.Errorf("expected message in error text, got %q", err.Error())
	}
}

func TestRunAgainAfterFailure(t *testing.T) {
	registrar := &fakeRegistrar{err: errors.New("unavailable")}
	flow := NewFlow(registrar, newStore(), Options{})

	if _, err := flow.Run(context.Background(), Request{Name: "a"}); err == nil {
		t.Fatal("expected first run to fail")
	}
	registrar.err = nil
	registrar.resp = &api.RegisterResponse{ID: "agent-4", APIKey: "key-4"}
	if _, err := flow.Run(context.Background(), Request{Name: "a"}); err != nil {
		t.Fatalf("expected second run to succeed, got %v", err)
	}
	if flow.State() != CredentialsStored {
		t.Errorf("expected CredentialsStored, got %v", flow.State())
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	tokens := tokenFunc(func() (string, error) {
		close(started)
		<-block
		return "", errors.New("cancelled")
	})
	flow := NewFlow(&fakeRegistrar{}, newStore(), Options{Tokens: tokens})

	done := make(chan error)
	go func() {
		_, err := flow.Run(context.Background(), Request{Name: "a", OAuthProvider: "p"})
		done <- err
	}()
	<-started

	if _, err := flow.Run(context.Background(), Request{Name: "b"}); !errors.Is(err, ErrInProgress) {
		t.Errorf("expected ErrInProgress, got %v", err)
	}
	close(block)
	<-done
}

type tokenFunc func() (string, error)

func (f tokenFunc) GetToken(context.Context, string, string) (string, error) { return f() }

func TestStateString(t *testing.T) {
	if AuthorizationGranted.String() != "authorization_granted" {
		t.Errorf("unexpected name %q", AuthorizationGranted.String())
	}
	if State(42).String() != "state(42)" {
		t.Errorf("unexpected name %q", State(42).String())
	}
}
