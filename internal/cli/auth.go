package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewLoginCommand creates the login command.
func NewLoginCommand() *cobra.Command {
	var username, password string
	var register bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a session token",
		Long: `Log in and print a session token.

Export the token for subsequent commands:
  export AUTOFLOW_TOKEN=$(autoflow login -u alice -p secret)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()

			if register {
				var user map[string]interface{}
				err := client.do("POST", "/api/v1/auth/register", map[string]string{
					"username": username,
					"email":    username + "@localhost",
					"password": password,
				}, &user)
				if err != nil {
					return fmt.Errorf("registering: %w", err)
				}
			}

			var resp struct {
				Token string `json:"token"`
			}
			err := client.do("POST", "/api/v1/auth/login", map[string]string{
				"username": username,
				"password": password,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	cmd.Flags().BoolVar(&register, "register", false, "create the account first")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")

	return cmd
}
