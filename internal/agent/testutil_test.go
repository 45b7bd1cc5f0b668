package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/agentid/internal/credentials"
	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/logging"
	"github.com/giantswarm/agentid/internal/registration"
)

// Test timeout constants
const (
	testTimeoutNormal = 1 * time.Second
	testTimeoutLong   = 5 * time.Second
)

const (
	testAgentID = "agent-123"
	testAPIKey  = "key-abc"
)

// recordedRequest is one request seen by the mock backend
type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]interface{}
}

// MockBackend provides a mock identity backend for testing
type MockBackend struct {
	*httptest.Server
	t *testing.T

	mu       sync.Mutex
	requests []recordedRequest
	verified bool
}

// NewMockBackend creates a backend accepting every call
func NewMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	b := &MockBackend{t: t, verified: true}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents/register", func(w http.ResponseWriter, r *http.Request) {
		body := b.record(r)
		writeJSON(w, map[string]interface{}{
			"id":         testAgentID,
			"name":       body["name"],
			"api_key":    testAPIKey,
			"public_key": body["public_key"],
		})
	})
	mux.HandleFunc("POST /api/v1/detection/agents/{id}/report", func(w http.ResponseWriter, r *http.Request) {
		body := b.record(r)
		detections, _ := body["detections"].([]interface{})
		writeJSON(w, map[string]interface{}{"success": true, "detectionsProcessed": len(detections)})
	})
	mux.HandleFunc("PUT /api/v1/sdk-api/agents/{id}/mcp-servers", func(w http.ResponseWriter, r *http.Request) {
		body := b.record(r)
		ids, _ := body["mcp_server_ids"].([]interface{})
		writeJSON(w, map[string]interface{}{
			"success":        true,
			"added":          len(ids),
			"agent_id":       r.PathValue("id"),
			"mcp_server_ids": ids,
		})
	})
	mux.HandleFunc("POST /api/v1/sdk-api/agents/{id}/capabilities", func(w http.ResponseWriter, r *http.Request) {
		body := b.record(r)
		if body["capabilityType"] == "forbidden" {
			w.WriteHeader(http.StatusForbidden)
			writeJSON(w, map[string]string{"error": "capability not allowed"})
			return
		}
		writeJSON(w, map[string]bool{"success": true})
	})
	mux.HandleFunc("POST /api/v1/agents/{id}/verify", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		b.mu.Lock()
		verified := b.verified
		b.mu.Unlock()
		writeJSON(w, map[string]interface{}{"verified": verified, "message": "checked"})
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *MockBackend) record(r *http.Request) map[string]interface{} {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
	})
	return body
}

// Requests returns the recorded requests whose path contains substr
func (b *MockBackend) Requests(substr string) []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedRequest
	for _, req := range b.requests {
		if strings.Contains(req.Path, substr) {
			out = append(out, req)
		}
	}
	return out
}

// Total returns the number of recorded requests
func (b *MockBackend) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// writeProjectFile creates a file under dir
func writeProjectFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// testProject creates a project using two MCP servers
func testProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeProjectFile(t, dir, ".mcp.json", `{"mcpServers": {
		"filesystem": {"command": "npx", "args": ["@modelcontextprotocol/server-filesystem", "/tmp"], "env": {"TOKEN": "secret"}},
		"github": {"command": "npx", "args": ["@modelcontextprotocol/server-github"]}
	}}`)
	return dir
}

// newTestLogger returns a quiet logger writing into a buffer
func newTestLogger() (*logging.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logging.NewLoggerWithWriter(false, false, false, &buf), &buf
}

// newTestClient creates a client against backend with in-memory
// credentials and minimal-level detection of projectDir
func newTestClient(t *testing.T, backend *MockBackend, projectDir string) *Client {
	t.Helper()
	logger, _ := newTestLogger()
	c, err := NewClient(ClientConfig{
		APIURL:      backend.URL,
		SDKVersion:  "1.2.3",
		AgentName:   "test-agent",
		Logger:      logger,
		Credentials: credentials.NewMemoryBackend(),
		Detection: detection.Options{
			Level:           detection.LevelMinimal,
			ProjectDir:      projectDir,
			SkipUserConfigs: true,
		},
		ReportInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Destroy)
	return c
}

// registeredClient creates a test client and registers it
func registeredClient(t *testing.T, backend *MockBackend, projectDir string) *Client {
	t.Helper()
	c := newTestClient(t, backend, projectDir)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeoutLong)
	defer cancel()
	if _, err := c.Register(ctx, registration.Request{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}
