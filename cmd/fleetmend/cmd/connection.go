// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fleetmend/fleetmend/internal/core/models"
)

// NewConnectionCommand creates the connection command group
func NewConnectionCommand() *cobra.Command {
	connectionCmd := &cobra.Command{
		Use:   "connection",
		Short: "Manage server connections",
		Long:  `Register, list, remove, and test the connections commands run over.`,
	}

	connectionCmd.AddCommand(newConnectionAddCommand())
	connectionCmd.AddCommand(newConnectionListCommand())
	connectionCmd.AddCommand(newConnectionRemoveCommand())
	connectionCmd.AddCommand(newConnectionTestCommand())

	return connectionCmd
}

func newConnectionAddCommand() *cobra.Command {
	var (
		connType   string
		host       string
		port       int
		user       string
		privateKey string
		timeout    int
	)

	cmd := &cobra.Command{
		Use:   "add [server-id]",
		Short: "Register a connection for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn := models.ServerConnection{
				ServerID: args[0],
				Type:     models.ConnectionType(connType),
				Config: models.ConnectionConfig{
					Host:           host,
					Port:           port,
					User:           user,
					PrivateKey:     privateKey,
					TimeoutSeconds: timeout,
				},
			}

			var registered struct {
				ServerID string `json:"serverId"`
				Status   string `json:"status"`
			}
			if err := apiRequest(http.MethodPost, "/api/connections", conn, &registered); err != nil {
				return err
			}
			fmt.Printf("Registered %s connection for %s\n", conn.Type, registered.ServerID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&connType, "type", "t", "ssh", "Connection type (local or ssh)")
	cmd.Flags().StringVar(&host, "host", "", "SSH host")
	cmd.Flags().IntVar(&port, "port", 0, "SSH port (default 22)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "SSH user")
	cmd.Flags().StringVarP(&privateKey, "key", "k", "", "Path to SSH private key")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Dial timeout in seconds")

	return cmd
}

func newConnectionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			var conns []models.ServerConnection
			if err := apiRequest(http.MethodGet, "/api/connections", nil, &conns); err != nil {
				return err
			}
			return printJSON(conns)
		},
	}
}

func newConnectionRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [server-id]",
		Short: "Remove a server's connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiRequest(http.MethodDelete, "/api/connections/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Removed connection for %s\n", args[0])
			return nil
		},
	}
}

func newConnectionTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test [server-id]",
		Short: "Run a diagnostic command over a server's connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			if err := apiRequest(http.MethodPost, "/api/connections/"+args[0]+"/test", nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}
