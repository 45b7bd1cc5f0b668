package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/agentid/internal/detection"
)

// jsonResult marshals v into a text tool result
func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// handleDetect handles the detect_mcps tool request
func (m *MCPServer) handleDetect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if refresh, _ := request.GetArguments()["refresh"].(bool); refresh {
		m.client.Invalidate()
	}

	result, err := m.client.DetectNow(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if result.MCPs == nil {
		result.MCPs = []detection.MCPCapability{}
	}
	return jsonResult(result), nil
}

// statusView is the JSON shape of agent_status
type statusView struct {
	Registered       bool     `json:"registered"`
	AgentID          string   `json:"agent_id,omitempty"`
	HasStoredKey     bool     `json:"has_stored_key"`
	HasKeyPair       bool     `json:"has_key_pair"`
	OAuthTokenExpiry string   `json:"oauth_token_expiry,omitempty"`
	Level            string   `json:"detection_level"`
	Running          bool     `json:"running"`
	CacheValid       bool     `json:"cache_valid"`
	DetectedAt       string   `json:"detected_at,omitempty"`
	MCPs             []string `json:"mcps"`
	LastCycle        string   `json:"last_cycle,omitempty"`
	LastReportError  string   `json:"last_report_error,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleStatus handles the agent_status tool request
func (m *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := m.client.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	view := statusView{
		Registered:       s.Registered,
		AgentID:          s.AgentID,
		HasStoredKey:     s.HasStoredKey,
		HasKeyPair:       s.HasKeyPair,
		OAuthTokenExpiry: formatTime(s.OAuthTokenExpiry),
		Level:            string(s.Level),
		Running:          s.Running,
		CacheValid:       s.CacheValid,
		DetectedAt:       formatTime(s.DetectedAt),
		MCPs:             s.MCPs,
		LastCycle:        formatTime(s.LastCycle),
		LastReportError:  s.LastReportError,
	}
	if view.MCPs == nil {
		view.MCPs = []string{}
	}
	return jsonResult(view), nil
}

// handleReport handles the report_detections tool request
func (m *MCPServer) handleReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	u, err := m.client.ReportNow(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if u.Outcome.Err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("report failed: %v", u.Outcome.Err)), nil
	}

	return jsonResult(map[string]interface{}{
		"detected":   nonNil(u.Result.Names()),
		"sent":       nonNil(u.Outcome.Sent),
		"suppressed": nonNil(u.Outcome.Suppressed),
		"added":      nonNil(u.Added),
		"removed":    nonNil(u.Removed),
	}), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// handleDeclare handles the declare_mcp_servers tool request
func (m *MCPServer) handleDeclare(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var names []string
	if raw, _ := request.GetArguments()["names"].(string); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}

	resp, err := m.client.ReportMCPServers(ctx, names)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp), nil
}

// handleVerify handles the verify_action tool request
func (m *MCPServer) handleVerify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	actionType, ok := args["action_type"].(string)
	if !ok || actionType == "" {
		return mcp.NewToolResultError("missing or invalid 'action_type' argument"), nil
	}
	resource, ok := args["resource"].(string)
	if !ok {
		return mcp.NewToolResultError("missing or invalid 'resource' argument"), nil
	}

	var actionContext map[string]interface{}
	if raw, exists := args["context"]; exists && raw != nil {
		actionContext, ok = raw.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError("'context' must be a JSON object"), nil
		}
	}

	resp, err := m.client.VerifyAction(ctx, actionType, resource, actionContext)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("verification failed: %v", err)), nil
	}
	return jsonResult(resp), nil
}

// handleInvalidate handles the invalidate_cache tool request
func (m *MCPServer) handleInvalidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m.client.Invalidate()
	return mcp.NewToolResultText("detection cache invalidated"), nil
}
