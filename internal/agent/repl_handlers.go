package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/logging"
	"github.com/giantswarm/agentid/internal/registration"
)

// handleStatus displays the identity and detection state
func (r *REPL) handleStatus(ctx context.Context) error {
	s, err := r.client.Status(ctx)
	if err != nil {
		return err
	}

	if s.Registered {
		fmt.Fprintf(r.out, "Agent ID:       %s\n", s.AgentID)
	} else {
		fmt.Fprintln(r.out, "Agent ID:       (not registered)")
	}
	fmt.Fprintf(r.out, "Stored key:     %s\n", yesNo(s.HasStoredKey))
	fmt.Fprintf(r.out, "Session key:    %s\n", yesNo(s.HasKeyPair))
	if !s.OAuthTokenExpiry.IsZero() {
		fmt.Fprintf(r.out, "OAuth expiry:   %s\n", s.OAuthTokenExpiry.Format(time.RFC3339))
	}
	fmt.Fprintf(r.out, "Level:          %s\n", s.Level)
	fmt.Fprintf(r.out, "Loop running:   %s\n", yesNo(s.Running))
	fmt.Fprintf(r.out, "Cache valid:    %s\n", yesNo(s.CacheValid))
	if !s.DetectedAt.IsZero() {
		fmt.Fprintf(r.out, "Detected at:    %s\n", s.DetectedAt.Format(time.RFC3339))
	}
	if len(s.MCPs) > 0 {
		fmt.Fprintf(r.out, "MCPs:           %s\n", strings.Join(s.MCPs, ", "))
	}
	if !s.LastCycle.IsZero() {
		fmt.Fprintf(r.out, "Last cycle:     %s\n", s.LastCycle.Format(time.RFC3339))
	}
	if s.LastReportError != "" {
		fmt.Fprintf(r.out, "Last error:     %s\n", s.LastReportError)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// handleDetect lists the detected MCP servers
func (r *REPL) handleDetect(ctx context.Context, refresh bool) error {
	if refresh {
		r.client.Invalidate()
	}
	result, err := r.client.DetectNow(ctx)
	if err != nil {
		return err
	}

	for _, se := range result.SourceErrors {
		r.logger.WarningVerbose("Skipped %s", se.Error())
	}

	if len(result.MCPs) == 0 {
		fmt.Fprintln(r.out, "No MCP servers detected.")
		return nil
	}

	fmt.Fprintf(r.out, "Detected MCP servers (%d):\n", len(result.MCPs))
	for i, m := range result.MCPs {
		fmt.Fprintf(r.out, "  %d. %-24s [%s] via %s\n", i+1, m.Name, m.Type, m.DetectedFrom)
	}
	return nil
}

// findMCP finds a detection by name in the current result
func (r *REPL) findMCP(ctx context.Context, name string) (*detection.MCPCapability, error) {
	result, err := r.client.DetectNow(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range result.MCPs {
		if m.Name == name {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("MCP not found: %s", name)
}

// handleDescribe shows detailed information about one detection
func (r *REPL) handleDescribe(ctx context.Context, name string) error {
	m, err := r.findMCP(ctx, name)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Name:        %s\n", m.Name)
	fmt.Fprintf(r.out, "Type:        %s\n", m.Type)
	fmt.Fprintf(r.out, "Detected by: %s (confidence %d)\n", m.DetectedFrom, detection.Confidence(m.DetectedFrom))
	if m.Source != "" {
		fmt.Fprintf(r.out, "Source:      %s\n", m.Source)
	}
	if m.Command != "" {
		fmt.Fprintf(r.out, "Command:     %s %s\n", m.Command, strings.Join(m.Args, " "))
	}
	if len(m.Env) > 0 {
		// values may hold secrets
		keys := make([]string, 0, len(m.Env))
		for k := range m.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(r.out, "Env:         %s\n", strings.Join(keys, ", "))
	}
	if len(m.Capabilities) > 0 {
		fmt.Fprintln(r.out, "Capabilities:")
		for _, c := range m.Capabilities {
			fmt.Fprintf(r.out, "  - %s\n", c)
		}
	}
	return nil
}

// handleMetrics shows the performance metrics of the last detection
func (r *REPL) handleMetrics(ctx context.Context) error {
	result, err := r.client.DetectNow(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, logging.PrettyJSON(result.Metrics))
	return nil
}

// handleReport runs one detect-and-report cycle
func (r *REPL) handleReport(ctx context.Context) error {
	u, err := r.client.ReportNow(ctx)
	if err != nil {
		return err
	}
	r.printUpdate(u)
	if len(u.Outcome.Sent) == 0 && len(u.Outcome.Suppressed) == 0 && u.Outcome.OK() {
		fmt.Fprintln(r.out, "Nothing to report.")
	}
	return u.Outcome.Err
}

// printUpdate describes a cycle result
func (r *REPL) printUpdate(u Update) {
	for _, name := range u.Added {
		fmt.Fprintf(r.out, "+ %s\n", name)
	}
	for _, name := range u.Removed {
		fmt.Fprintf(r.out, "- %s\n", name)
	}
	if len(u.Outcome.Sent) > 0 {
		fmt.Fprintf(r.out, "Reported: %s\n", strings.Join(u.Outcome.Sent, ", "))
	}
	if len(u.Outcome.Suppressed) > 0 {
		fmt.Fprintf(r.out, "Rate limited: %s\n", strings.Join(u.Outcome.Suppressed, ", "))
	}
	if u.Outcome.Err != nil {
		fmt.Fprintf(r.out, "Report failed: %v\n", u.Outcome.Err)
	}
}

// handleDeclare declares MCP servers to the backend
func (r *REPL) handleDeclare(ctx context.Context, names []string) error {
	resp, err := r.client.ReportMCPServers(ctx, names)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Declared %d MCP server(s), %d new\n", len(resp.MCPServerIDs), resp.Added)
	if resp.Message != "" {
		fmt.Fprintln(r.out, resp.Message)
	}
	return nil
}

// handleGrant requests capability grants
func (r *REPL) handleGrant(ctx context.Context, capabilities []string) error {
	if err := r.client.ReportCapabilities(ctx, capabilities); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Granted: %s\n", strings.Join(capabilities, ", "))
	return nil
}

// parseActionContext parses the optional JSON context of a verify command.
// Comments and trailing commas are accepted.
func parseActionContext(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var actionContext map[string]interface{}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &actionContext); err != nil {
		return nil, fmt.Errorf("invalid JSON context: %w", err)
	}
	return actionContext, nil
}

// handleVerify signs and verifies an action
func (r *REPL) handleVerify(ctx context.Context, actionType, resource, rawContext string) error {
	actionContext, err := parseActionContext(rawContext)
	if err != nil {
		fmt.Fprintf(r.out, "Example: verify %s %s {\"reason\": \"audit\"}\n", actionType, resource)
		return err
	}

	resp, err := r.client.VerifyAction(ctx, actionType, resource, actionContext)
	if err != nil {
		return err
	}

	if resp.Verified {
		r.logger.Success("Action verified: %s %s", actionType, resource)
	} else {
		r.logger.Warning("Action rejected: %s %s", actionType, resource)
	}
	if resp.Message != "" {
		fmt.Fprintf(r.out, "Message:     %s\n", resp.Message)
	}
	if resp.TrustScore != nil {
		fmt.Fprintf(r.out, "Trust score: %.2f\n", *resp.TrustScore)
	}
	if resp.Risk != "" {
		fmt.Fprintf(r.out, "Risk:        %s\n", resp.Risk)
	}
	return nil
}

// handleRegister registers the agent
func (r *REPL) handleRegister(ctx context.Context, name, provider string) error {
	fmt.Fprintf(r.out, "Registering %s...\n", name)
	result, err := r.client.Register(ctx, registration.Request{Name: name, OAuthProvider: provider})
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Agent ID:   %s\n", result.AgentID)
	fmt.Fprintf(r.out, "Public key: %s\n", result.KeyPair.PublicKeyBase64())
	return nil
}
