package cmd

import (
	"testing"

	"github.com/giantswarm/agentid/internal/config"
	"github.com/giantswarm/agentid/internal/credentials"
)

func TestCredentialBackend(t *testing.T) {
	tests := []struct {
		backend string
		want    interface{}
	}{
		{backend: config.BackendKeyring, want: &credentials.KeyringBackend{}},
		{backend: config.BackendFile, want: &credentials.FileBackend{}},
		{backend: config.BackendMemory, want: &credentials.MemoryBackend{}},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.Credentials.Backend = tt.backend
			cfg.Credentials.File = "/tmp/creds.age"
			cfg.Credentials.Passphrase = "secret"

			got := credentialBackend(cfg)
			switch tt.want.(type) {
			case *credentials.KeyringBackend:
				kb, ok := got.(*credentials.KeyringBackend)
				if !ok || kb.Service != credentials.DefaultService {
					t.Errorf("expected keyring backend with default service, got %#v", got)
				}
			case *credentials.FileBackend:
				fb, ok := got.(*credentials.FileBackend)
				if !ok || fb.Path != "/tmp/creds.age" || fb.Passphrase != "secret" {
					t.Errorf("expected configured file backend, got %T", got)
				}
			case *credentials.MemoryBackend:
				if _, ok := got.(*credentials.MemoryBackend); !ok {
					t.Errorf("expected memory backend, got %T", got)
				}
			}
		})
	}
}

func TestNewAgentClient(t *testing.T) {
	cfg := config.Default()
	cfg.Credentials.Backend = config.BackendMemory
	cfg.Detection.ProjectDir = t.TempDir()
	cfg.Detection.Level = "deep"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	client, err := newAgentClient(cfg, nil, newRegistry())
	if err != nil {
		t.Fatalf("newAgentClient: %v", err)
	}
	defer client.Destroy()

	if got := client.Level(); got != "deep" {
		t.Errorf("expected deep level, got %s", got)
	}
}
