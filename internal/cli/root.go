package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the autoflow CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoflow",
		Short: "autoflow - credential and action management for connected services",
		Long: `autoflow talks to a running autoflow server.

Environment:
  AUTOFLOW_API_URL   Server URL (default: http://localhost:8080)
  AUTOFLOW_TOKEN     Session token from 'autoflow login'`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewLoginCommand())
	cmd.AddCommand(NewConnectCommand())
	cmd.AddCommand(NewConnectionsCommand())
	cmd.AddCommand(NewDisconnectCommand())
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewHistoryCommand())
	cmd.AddCommand(NewActionCommand())
	cmd.AddCommand(NewRollbackCommand())

	return cmd
}
