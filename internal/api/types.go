package api

import (
	"time"

	"github.com/giantswarm/agentid/internal/detection"
)

// Auth identifies a registered agent on authenticated endpoints
type Auth struct {
	AgentID string
	APIKey  string
}

// RegisterRequest is the signed registration body. Signature covers every
// other field.
type RegisterRequest struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	PublicKey     string `json:"public_key"`
	Signature     string `json:"signature"`
	OAuthProvider string `json:"oauth_provider,omitempty"`
	OAuthToken    string `json:"oauth_token,omitempty"`
}

// RegisterResponse is returned by a successful registration
type RegisterResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	PublicKey string `json:"public_key"`
}

// ReportRequest carries detection events
type ReportRequest struct {
	Detections []detection.DetectionEvent `json:"detections"`
}

// ReportResponse is the backend's acknowledgement of a detection report
type ReportResponse struct {
	Success             bool     `json:"success"`
	DetectionsProcessed int      `json:"detectionsProcessed"`
	NewMCPs             []string `json:"newMCPs"`
	ExistingMCPs        []string `json:"existingMCPs"`
	Message             string   `json:"message"`
}

// MCPServersRequest declares the MCP servers an agent uses
type MCPServersRequest struct {
	MCPServerIDs   []string          `json:"mcp_server_ids"`
	DetectedMethod string            `json:"detected_method"`
	Confidence     int               `json:"confidence"`
	Metadata       map[string]string `json:"metadata"`
}

// MCPServersResponse is returned after declaring MCP servers
type MCPServersResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	Added        int      `json:"added"`
	AgentID      string   `json:"agent_id"`
	MCPServerIDs []string `json:"mcp_server_ids"`
}

// CapabilityRequest asks for a capability grant
type CapabilityRequest struct {
	CapabilityType string `json:"capabilityType"`
	Scope          string `json:"scope,omitempty"`
}

// VerifyRequest is a signed action verification
type VerifyRequest struct {
	ActionType string                 `json:"action_type"`
	Resource   string                 `json:"resource"`
	Context    map[string]interface{} `json:"context"`
	Timestamp  string                 `json:"timestamp"`
	Signature  string                 `json:"signature"`
	PublicKey  string                 `json:"public_key"`
}

// VerifyResponse is the backend's verdict on an action
type VerifyResponse struct {
	Verified   bool     `json:"verified"`
	Message    string   `json:"message"`
	TrustScore *float64 `json:"trustScore,omitempty"`
	Risk       string   `json:"risk,omitempty"`
}

// FormatTimestamp renders t the way signed payloads carry it
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
