package detection

import (
	"reflect"
	"testing"
)

func TestMatchPackage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"known package", "@playwright/mcp", true},
		{"official namespace", "@modelcontextprotocol/server-filesystem", true},
		{"official namespace with version", "@modelcontextprotocol/server-memory@2025.1.0", true},
		{"prefix rule", "mcp-server-sqlite", true},
		{"suffix rule", "weather-mcp", true},
		{"long suffix rule", "acme-mcp-server", true},
		{"scoped suffix rule", "@acme/billing-mcp", true},
		{"python pinned", "mcp-server-fetch==0.6.2", true},
		{"go module", "github.com/acme/jira-mcp", true},
		{"go module major version", "github.com/acme/jira-mcp/v2", true},
		{"go servers repo", "github.com/modelcontextprotocol/servers/src/git", true},
		{"container image", "ghcr.io/github/github-mcp-server:latest", true},
		{"case insensitive", "MCP-Server-Time", true},
		{"typescript sdk", "@modelcontextprotocol/sdk", false},
		{"go sdk", "github.com/mark3labs/mcp-go", false},
		{"python sdk", "mcp", false},
		{"bare prefix", "mcp-server-", false},
		{"unrelated", "express", false},
		{"mcp in the middle", "some-mcp-tools", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchPackage(tt.input); got != tt.expected {
				t.Errorf("MatchPackage(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPackageName(t *testing.T) {
	tests := map[string]string{
		"@modelcontextprotocol/server-memory@1.0.0": "@modelcontextprotocol/server-memory",
		"Mcp-Server-Fetch==1.0":                     "mcp-server-fetch",
		"github.com/acme/jira-mcp/v3":               "github.com/acme/jira-mcp",
		"ghcr.io/github/github-mcp-server:v1":       "ghcr.io/github/github-mcp-server",
	}
	for in, want := range tests {
		if got := PackageName(in); got != want {
			t.Errorf("PackageName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInferCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		texts    []string
		expected []string
	}{
		{
			name:     "sqlite is database only",
			texts:    []string{"mcp-server-sqlite"},
			expected: []string{"database"},
		},
		{
			name:     "filesystem from npx args",
			texts:    []string{"filesystem", "npx", "-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
			expected: []string{"filesystem"},
		},
		{
			name:     "postgres prefix",
			texts:    []string{"@modelcontextprotocol/server-postgres", "postgresql://localhost/db"},
			expected: []string{"database"},
		},
		{
			name:     "github",
			texts:    []string{"github", "docker", "run", "ghcr.io/github/github-mcp-server"},
			expected: []string{"github"},
		},
		{
			name:     "go module host is not github",
			texts:    []string{"github.com/acme/sqlite-mcp"},
			expected: []string{"database"},
		},
		{
			name:     "fixed order",
			texts:    []string{"brave-search", "memory", "puppeteer", "sequential-thinking", "filesystem"},
			expected: []string{"filesystem", "web", "memory", "sequential-reasoning", "search"},
		},
		{
			name:     "short keywords need whole tokens",
			texts:    []string{"example-mcp", "websocket"},
			expected: []string{},
		},
		{
			name:     "case insensitive",
			texts:    []string{"Brave-Search"},
			expected: []string{"search"},
		},
		{
			name:     "no match",
			texts:    []string{"weather-mcp"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InferCapabilities(tt.texts...)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("InferCapabilities(%v) = %v, want %v", tt.texts, got, tt.expected)
			}
		})
	}
}

func TestMatchHost(t *testing.T) {
	tests := []struct {
		address string
		host    string
		ok      bool
	}{
		{"mcp.example.com:443", "mcp.example.com", true},
		{"api.mcp.acme.io", "api.mcp.acme.io", true},
		{"github-mcp.internal:8080", "github-mcp.internal", true},
		{"MCP.Example.COM.", "mcp.example.com", true},
		{"api.github.com:443", "", false},
		{"127.0.0.1:8080", "", false},
		{"[::1]:80", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			host, ok := MatchHost(tt.address)
			if ok != tt.ok || host != tt.host {
				t.Errorf("MatchHost(%q) = %q, %v; want %q, %v", tt.address, host, ok, tt.host, tt.ok)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"", LevelStandard, false},
		{"minimal", LevelMinimal, false},
		{"Standard", LevelStandard, false},
		{" DEEP ", LevelDeep, false},
		{"paranoid", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.expected {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
