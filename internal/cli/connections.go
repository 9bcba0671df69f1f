package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConnectCommand creates the connect command.
func NewConnectCommand() *cobra.Command {
	var redirectURI string

	cmd := &cobra.Command{
		Use:   "connect <service>",
		Short: "Start OAuth authorization for a service",
		Long: `Start OAuth authorization for a service.

Prints the provider authorization URL; open it in a browser to finish.

Example:
  autoflow connect slack --redirect-uri http://localhost:8080/api/v1/oauth/callback`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()
			var resp struct {
				AuthorizeURL string `json:"authorize_url"`
			}
			err := client.do("POST", "/api/v1/connections/"+args[0], map[string]string{
				"redirect_uri": redirectURI,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.AuthorizeURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "OAuth redirect URI registered with the provider")
	cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

// NewConnectionsCommand creates the connections command.
func NewConnectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List service connections and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()
			var resp map[string]interface{}
			if err := client.do("GET", "/api/v1/connections", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

// NewDisconnectCommand creates the disconnect command.
func NewDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <service>",
		Short: "Revoke a service connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()
			if err := client.do("DELETE", "/api/v1/connections/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s disconnected\n", args[0])
			return nil
		},
	}
}
