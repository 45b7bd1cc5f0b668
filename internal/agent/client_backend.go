package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/giantswarm/agentid/internal/api"
	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/signing"
)

// manualMethod marks MCP servers declared by the host rather than detected
const manualMethod = "manual"

// auth loads the stored identity for authenticated calls
func (c *Client) auth(ctx context.Context) (api.Auth, error) {
	if err := c.checkAlive(); err != nil {
		return api.Auth{}, err
	}
	creds, err := c.store.Load(ctx)
	if err != nil {
		return api.Auth{}, err
	}
	if creds == nil {
		return api.Auth{}, api.ErrNotRegistered
	}
	return api.Auth{AgentID: creds.AgentID, APIKey: creds.APIKey}, nil
}

// signingKey returns the client key pair, falling back to the stored key
func (c *Client) signingKey(ctx context.Context) (*signing.KeyPair, error) {
	if kp := c.KeyPair(); kp != nil {
		return kp, nil
	}
	creds, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if kp := creds.KeyPair(); kp != nil {
		return kp, nil
	}
	return nil, ErrNoKeyPair
}

// ReportCapabilities asks the backend to grant each capability. A
// capability the agent already holds counts as granted. Every capability
// is attempted; failures are joined.
func (c *Client) ReportCapabilities(ctx context.Context, capabilities []string) error {
	auth, err := c.auth(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, capability := range capabilities {
		if err := c.api.GrantCapability(ctx, auth, api.CapabilityRequest{CapabilityType: capability}); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.InfoVerbose("Capability granted: %s", capability)
	}
	return errors.Join(errs...)
}

// ReportMCPServers declares the MCP servers the agent uses. With no names
// the current detection result is declared, using the confidence of its
// most reliable method.
func (c *Client) ReportMCPServers(ctx context.Context, names []string) (*api.MCPServersResponse, error) {
	auth, err := c.auth(ctx)
	if err != nil {
		return nil, err
	}

	method, confidence := manualMethod, 100
	if len(names) == 0 {
		result := c.engine.Detect(ctx)
		names = result.Names()
		method, confidence = "auto_detection", 0
		for _, m := range result.MCPs {
			if conf := detection.Confidence(m.DetectedFrom); conf > confidence {
				confidence = conf
			}
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no MCP servers to report")
	}
	names = append([]string(nil), names...)
	sort.Strings(names)

	resp, err := c.api.UpdateMCPServers(ctx, auth, api.MCPServersRequest{
		MCPServerIDs:   names,
		DetectedMethod: method,
		Confidence:     confidence,
		Metadata:       map[string]string{"sdk_version": c.cfg.SDKVersion},
	})
	if err != nil {
		return nil, err
	}
	c.logger.InfoVerbose("Declared %d MCP server(s)", len(names))
	return resp, nil
}

// verifyPayload is the signed part of a verification request
type verifyPayload struct {
	ActionType string                 `json:"action_type"`
	Resource   string                 `json:"resource"`
	Context    map[string]interface{} `json:"context"`
	Timestamp  string                 `json:"timestamp"`
}

// VerifyAction signs the action with the client key and asks the backend
// whether the agent may perform it
func (c *Client) VerifyAction(ctx context.Context, actionType, resource string, actionContext map[string]interface{}) (*api.VerifyResponse, error) {
	if actionType == "" {
		return nil, fmt.Errorf("action type is required")
	}
	auth, err := c.auth(ctx)
	if err != nil {
		return nil, err
	}
	kp, err := c.signingKey(ctx)
	if err != nil {
		return nil, err
	}
	if actionContext == nil {
		actionContext = map[string]interface{}{}
	}

	payload := verifyPayload{
		ActionType: actionType,
		Resource:   resource,
		Context:    actionContext,
		Timestamp:  api.FormatTimestamp(time.Now()),
	}
	signature, err := kp.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign action: %w", err)
	}

	return c.api.VerifyAction(ctx, auth, api.VerifyRequest{
		ActionType: payload.ActionType,
		Resource:   payload.Resource,
		Context:    payload.Context,
		Timestamp:  payload.Timestamp,
		Signature:  signature,
		PublicKey:  kp.PublicKeyBase64(),
	})
}
