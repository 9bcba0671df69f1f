package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var paramsJSON, planFile, command string

	cmd := &cobra.Command{
		Use:   "run [service operation]",
		Short: "Execute an action or a plan",
		Long: `Execute a single action, or a multi-step plan from a file.

Examples:
  autoflow run slack sendMessage --params '{"channel":"#ops","text":"hi"}'
  autoflow run --plan plan.json`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()

			var body map[string]interface{}
			switch {
			case planFile != "":
				data, err := os.ReadFile(planFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &body); err != nil {
					return fmt.Errorf("invalid plan file: %w", err)
				}
			case len(args) == 2:
				var params map[string]interface{}
				if paramsJSON != "" {
					if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
						return fmt.Errorf("invalid --params JSON: %w", err)
					}
				}
				body = map[string]interface{}{
					"command": command,
					"steps": []map[string]interface{}{
						{"service": args[0], "operation": args[1], "params": params},
					},
				}
			default:
				return fmt.Errorf("either <service> <operation> or --plan is required")
			}

			var resp map[string]interface{}
			if err := client.do("POST", "/api/v1/plans", body, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&paramsJSON, "params", "", "operation parameters as JSON")
	cmd.Flags().StringVar(&planFile, "plan", "", "path to a plan JSON file")
	cmd.Flags().StringVar(&command, "command", "", "originating command text recorded with the plan")

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var reversible bool
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List executed actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()
			path := fmt.Sprintf("/api/v1/actions?limit=%d", limit)
			if reversible {
				path += "&reversible=true"
			}
			var resp map[string]interface{}
			if err := client.do("GET", path, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().BoolVar(&reversible, "reversible", false, "only actions eligible for rollback")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum actions to return")

	return cmd
}

// NewActionCommand creates the action command.
func NewActionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "action <id>",
		Short: "Show one action record in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()
			var resp map[string]interface{}
			if err := client.do("GET", "/api/v1/actions/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rollback <id> [id...]",
		Short: "Undo one or more succeeded actions",
		Long: `Undo one or more succeeded actions.

Multiple ids are undone newest-first; the batch stops at the first
failure.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClientFromEnv()

			if len(args) == 1 {
				var resp map[string]interface{}
				err := client.do("POST", "/api/v1/actions/"+args[0]+"/rollback",
					map[string]string{"reason": reason}, &resp)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			}

			ids := make([]int64, 0, len(args))
			for _, raw := range args {
				var id int64
				if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
					return fmt.Errorf("invalid action id %q", raw)
				}
				ids = append(ids, id)
			}
			var resp map[string]interface{}
			err := client.do("POST", "/api/v1/actions/rollback",
				map[string]interface{}{"action_ids": ids, "reason": reason}, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the action is being undone")

	return cmd
}
