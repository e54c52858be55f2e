package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
	}
	cmd.AddCommand(workflowRunCmd())
	cmd.AddCommand(workflowListCmd())
	cmd.AddCommand(workflowStatusCmd())
	cmd.AddCommand(workflowCancelCmd())
	return cmd
}

func workflowRunCmd() *cobra.Command {
	var file string
	var noStart bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a workflow from a YAML definition and start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			created, err := doRaw(http.MethodPost, "/api/v1/workflows", def)
			if err != nil {
				return err
			}
			if err := printJSON(created); err != nil {
				return err
			}
			if noStart {
				return nil
			}
			body, ok := created.(map[string]any)
			if !ok {
				return fmt.Errorf("unexpected create response")
			}
			id, _ := body["id"].(string)
			if id == "" {
				return fmt.Errorf("create response carries no workflow id")
			}
			return run(http.MethodPost, "/api/v1/workflows/"+id+"/start", nil)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition YAML (required)")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "create only, do not start")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var teamID, status, after string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if teamID != "" {
				q.Set("team_id", teamID)
			}
			if status != "" {
				q.Set("status", status)
			}
			if after != "" {
				q.Set("cursor", after)
			}
			if limit > 0 {
				q.Set("limit", itoa(limit))
			}
			return run(http.MethodGet, "/api/v1/workflows?"+q.Encode(), nil)
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "filter by team")
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses")
	cmd.Flags().StringVar(&after, "cursor", "", "pagination cursor from a previous page")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func workflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show a workflow with its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodGet, "/api/v1/workflows/"+args[0], nil)
		},
	}
}

func workflowCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodPost, "/api/v1/workflows/"+args[0]+"/cancel", nil)
		},
	}
}
