// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fleetmend/fleetmend/internal/core/models"
)

// NewActionCommand creates the action command group
func NewActionCommand() *cobra.Command {
	actionCmd := &cobra.Command{
		Use:   "action",
		Short: "Manage remediation actions",
		Long:  `Submit remediation actions and drive them through their approval workflow.`,
	}

	actionCmd.AddCommand(newActionSubmitCommand())
	actionCmd.AddCommand(newActionGetCommand())
	actionCmd.AddCommand(newActionApproveCommand())
	actionCmd.AddCommand(newActionRejectCommand())
	actionCmd.AddCommand(newActionPendingCommand())

	return actionCmd
}

func newActionSubmitCommand() *cobra.Command {
	var (
		serverID          string
		title             string
		actionType        string
		command           string
		params            []string
		safetyChecks      []string
		requiresApproval  bool
		requiresElevation bool
		maxExecutionTime  int
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a remediation action",
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := parseParams(params)
			if err != nil {
				return err
			}

			action := models.RemediationAction{
				ServerID:          serverID,
				Title:             title,
				ActionType:        actionType,
				Command:           command,
				Parameters:        parameters,
				SafetyChecks:      safetyChecks,
				RequiresApproval:  requiresApproval,
				RequiresElevation: requiresElevation,
				MaxExecutionTime:  maxExecutionTime,
			}

			var submitted models.RemediationAction
			if err := apiRequest(http.MethodPost, "/api/remediation-actions", action, &submitted); err != nil {
				return err
			}
			fmt.Printf("Submitted action %s (status: %s)\n", submitted.ID, submitted.Status)
			return printJSON(submitted)
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", "", "Target server id")
	cmd.Flags().StringVar(&title, "title", "", "Human-readable title")
	cmd.Flags().StringVar(&actionType, "action-type", "", "Action type")
	cmd.Flags().StringVar(&command, "command", "", "Command template to execute")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Template parameter (name=value, repeatable)")
	cmd.Flags().StringArrayVar(&safetyChecks, "safety-check", nil, "Safety check to evaluate (repeatable)")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", true, "Gate execution behind the approval workflow")
	cmd.Flags().BoolVar(&requiresElevation, "elevate", false, "Run the command with elevation")
	cmd.Flags().IntVar(&maxExecutionTime, "max-time", 0, "Execution deadline in seconds")

	cobra.CheckErr(cmd.MarkFlagRequired("server-id"))
	cobra.CheckErr(cmd.MarkFlagRequired("command"))
	cobra.CheckErr(cmd.MarkFlagRequired("action-type"))

	return cmd
}

func newActionGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get [action-id]",
		Short: "Show an action and its approval state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			if err := apiRequest(http.MethodGet, "/api/remediation-actions/"+args[0], nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newActionApproveCommand() *cobra.Command {
	return newDecisionCommand("approve", "Approve the next pending workflow step")
}

func newActionRejectCommand() *cobra.Command {
	return newDecisionCommand("reject", "Reject the action's workflow")
}

func newDecisionCommand(verb, short string) *cobra.Command {
	var (
		approverID string
		comments   string
	)

	cmd := &cobra.Command{
		Use:   verb + " [action-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"approverId": approverID,
				"comments":   comments,
			}

			var action models.RemediationAction
			path := fmt.Sprintf("/api/remediation-actions/%s/%s", args[0], verb)
			if err := apiRequest(http.MethodPost, path, body, &action); err != nil {
				return err
			}
			fmt.Printf("Action %s is now %s\n", action.ID, action.Status)
			return printJSON(action)
		},
	}

	cmd.Flags().StringVar(&approverID, "approver", "", "Approver identity")
	cmd.Flags().StringVar(&comments, "comments", "", "Decision comments")
	cobra.CheckErr(cmd.MarkFlagRequired("approver"))

	return cmd
}

func newActionPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List workflows awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			var pending []map[string]interface{}
			if err := apiRequest(http.MethodGet, "/api/workflows/pending", nil, &pending); err != nil {
				return err
			}
			return printJSON(pending)
		},
	}
}

// parseParams converts repeated name=value flags into a parameter map
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected name=value", pair)
		}
		params[name] = value
	}
	return params, nil
}
