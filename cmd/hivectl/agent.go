package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(agentCreateCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentGetCmd())
	cmd.AddCommand(agentVerbCmd("pause", "Pause a running agent"))
	cmd.AddCommand(agentVerbCmd("resume", "Resume a paused agent"))
	cmd.AddCommand(agentVerbCmd("retry", "Requeue a failed agent"))
	cmd.AddCommand(agentVerbCmd("kill", "Kill an agent"))
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var model, task, teamID string
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodPost, "/api/v1/agents", map[string]any{
				"model":       model,
				"task":        task,
				"team_id":     teamID,
				"max_retries": maxRetries,
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model identifier (required)")
	cmd.Flags().StringVar(&task, "task", "", "task text (required)")
	cmd.Flags().StringVar(&teamID, "team", "", "team to join")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry cap (0 = server default)")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func agentListCmd() *cobra.Command {
	var teamID, state, after string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if teamID != "" {
				q.Set("team_id", teamID)
			}
			if state != "" {
				q.Set("state", state)
			}
			if after != "" {
				q.Set("cursor", after)
			}
			if limit > 0 {
				q.Set("limit", itoa(limit))
			}
			return run(http.MethodGet, "/api/v1/agents?"+q.Encode(), nil)
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "filter by team")
	cmd.Flags().StringVar(&state, "state", "", "comma-separated lifecycle states")
	cmd.Flags().StringVar(&after, "cursor", "", "pagination cursor from a previous page")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodGet, "/api/v1/agents/"+args[0], nil)
		},
	}
}

func agentVerbCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodPost, "/api/v1/agents/"+args[0]+"/"+verb, nil)
		},
	}
}
