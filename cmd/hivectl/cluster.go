package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage federation peers",
	}
	cmd.AddCommand(clusterRegisterCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodGet, "/api/v1/clusters", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show one cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodGet, "/api/v1/clusters/"+args[0], nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "deregister ID",
		Short: "Remove a cluster from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodDelete, "/api/v1/clusters/"+args[0], nil)
		},
	})
	return cmd
}

func clusterRegisterCmd() *cobra.Command {
	var id, endpoint, region string
	var maxAgents int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a federation peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodPost, "/api/v1/clusters", map[string]any{
				"id":       id,
				"endpoint": endpoint,
				"region":   region,
				"capacity": map[string]any{"max_agents": maxAgents},
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cluster id (required)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "cluster base URL (required)")
	cmd.Flags().StringVar(&region, "region", "", "cluster region")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "cluster agent capacity")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}
