package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"github.com/giantswarm/agentid/internal/agent"
	"github.com/giantswarm/agentid/internal/logging"
	"github.com/giantswarm/agentid/internal/registration"
)

func newRegisterCmd() *cobra.Command {
	var req registration.Request

	cmd := &cobra.Command{
		Use:   "register [name]",
		Short: "Register this agent with the identity backend",
		Long: `Generates an Ed25519 key pair, optionally runs an OAuth authorization
in the browser, submits the signed registration and stores the resulting
identity in the credential backend. A failed registration leaves no
credentials behind.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Name = args[0]
			}
			return withClient(cmd, func(ctx context.Context, client *agent.Client, logger *logging.Logger) error {
				result, err := client.Register(ctx, req)
				if err != nil {
					return err
				}
				logger.Success("Registered agent %s", result.AgentID)
				fmt.Printf("Agent ID:   %s\n", result.AgentID)
				fmt.Printf("Public key: %s\n", result.KeyPair.PublicKeyBase64())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "", "Agent type (default from config)")
	cmd.Flags().StringVar(&req.OAuthProvider, "oauth-provider", "", "Authorize with this OAuth provider before registering")
	cmd.Flags().StringVar(&req.RedirectURL, "oauth-redirect-url", "", "OAuth redirect URL (loopback only)")
	return cmd
}

func newDetectCmd() *cobra.Command {
	var (
		asJSON bool
		report bool
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect the MCP servers used by this agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *agent.Client, logger *logging.Logger) error {
				if report {
					u, err := client.ReportNow(ctx)
					if err != nil {
						return err
					}
					if u.Outcome.Err != nil {
						return fmt.Errorf("report failed: %w", u.Outcome.Err)
					}
					logger.Success("Reported %d MCP server(s)", len(u.Outcome.Sent))
				}
				if asJSON {
					result, err := client.DetectNow(ctx)
					if err != nil {
						return err
					}
					fmt.Println(logging.PrettyJSON(result))
					return nil
				}
				return agent.NewREPL(client, logger).Exec(ctx, "detect", os.Stdout)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result with performance metrics as JSON")
	cmd.Flags().BoolVar(&report, "report", false, "Also report the detections to the backend")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored identity and detection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *agent.Client, logger *logging.Logger) error {
				return agent.NewREPL(client, logger).Exec(ctx, "status", os.Stdout)
			})
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var rawContext string

	cmd := &cobra.Command{
		Use:   "verify <action-type> <resource>",
		Short: "Sign an action and ask the backend whether it is allowed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var actionContext map[string]interface{}
			if rawContext != "" {
				if err := json.Unmarshal(jsonc.ToJSON([]byte(rawContext)), &actionContext); err != nil {
					return fmt.Errorf("invalid --context JSON: %w", err)
				}
			}

			return withClient(cmd, func(ctx context.Context, client *agent.Client, logger *logging.Logger) error {
				resp, err := client.VerifyAction(ctx, args[0], args[1], actionContext)
				if err != nil {
					return err
				}
				fmt.Println(logging.PrettyJSON(resp))
				if !resp.Verified {
					return fmt.Errorf("action %s on %s was not verified", args[0], args[1])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rawContext, "context", "", "Signed action context as a JSON object")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored agent identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *agent.Client, logger *logging.Logger) error {
				return client.ClearCredentials(ctx)
			})
		},
	}
}
