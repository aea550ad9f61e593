package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papyrus-vault/papyrus/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI coding assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI coding assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents see record ids, names and masked values; plaintext values are never
returned.

Available tools:
  - record_list:       List records (no values)
  - record_exists:     Check if GROUP/ITEM exists
  - record_get_masked: Get a masked value (e.g., "****WXYZ")
  - group_list:        List groups with ids and sizes

Authentication:
  Set PAPYRUS_PASSPHRASE before starting the server. It is read once and
  cleared from the environment. The store is opened only for the duration
  of each tool call, so the CLI keeps working while the server runs.

Policy:
  mcp-policy.yaml next to the store (or mcp_policy in the config) decides
  which groups are visible. Without a policy file no group is visible.

  version: 1
  default_action: deny
  allowed_groups: ["web", "dev-*"]
  denied_groups: ["bank"]`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	server, err := mcp.NewServer(&mcp.ServerOptions{
		StorePath:  storePath,
		PolicyPath: cfg.PolicyPath(storePath),
		Audit:      cfg.AuditEnabled(),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		// cancellation by signal is a normal shutdown
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
