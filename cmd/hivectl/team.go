package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func teamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
	}
	cmd.AddCommand(teamCreateCmd())
	cmd.AddCommand(teamListCmd())
	cmd.AddCommand(teamGetCmd())
	cmd.AddCommand(teamVerbCmd("start", "Activate a team"))
	cmd.AddCommand(teamVerbCmd("pause", "Pause a team and its agents"))
	cmd.AddCommand(teamVerbCmd("resume", "Resume a paused team"))
	cmd.AddCommand(teamVerbCmd("complete", "Mark a team completed"))
	cmd.AddCommand(teamScaleCmd())
	cmd.AddCommand(teamExecuteCmd())
	cmd.AddCommand(teamDestroyCmd())
	return cmd
}

func teamCreateCmd() *cobra.Command {
	var name, description, strategy string
	var maxAgents int
	var budget float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodPost, "/api/v1/teams", map[string]any{
				"name":             name,
				"description":      description,
				"strategy":         strategy,
				"max_agents":       maxAgents,
				"budget_allocated": budget,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "team name (required)")
	cmd.Flags().StringVar(&description, "description", "", "team description")
	cmd.Flags().StringVar(&strategy, "strategy", "parallel", "parallel | map-reduce | pipeline | tree")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "agent cap (0 = server default)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "allocated budget (0 = unmetered)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func teamListCmd() *cobra.Command {
	var status, after string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if after != "" {
				q.Set("cursor", after)
			}
			if limit > 0 {
				q.Set("limit", itoa(limit))
			}
			return run(http.MethodGet, "/api/v1/teams?"+q.Encode(), nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses")
	cmd.Flags().StringVar(&after, "cursor", "", "pagination cursor from a previous page")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func teamGetCmd() *cobra.Command {
	var members bool
	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if members {
				return run(http.MethodGet, "/api/v1/teams/"+args[0]+"/members", nil)
			}
			return run(http.MethodGet, "/api/v1/teams/"+args[0], nil)
		},
	}
	cmd.Flags().BoolVar(&members, "members", false, "show member agents instead of the team record")
	return cmd
}

func teamScaleCmd() *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "scale ID",
		Short: "Scale a team to a target size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodPost, "/api/v1/teams/"+args[0]+"/scale", map[string]any{
				"target": target,
			})
		},
	}
	cmd.Flags().IntVar(&target, "target", 0, "desired active agent count")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func teamExecuteCmd() *cobra.Command {
	var input []string
	var workerModel, workerTask, reducerTask string
	cmd := &cobra.Command{
		Use:   "execute ID",
		Short: "Run the team's strategy over an input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"input": input}
			if workerModel != "" || workerTask != "" {
				body["worker"] = map[string]any{"model": workerModel, "task": workerTask}
			}
			if reducerTask != "" {
				body["reducer_task"] = reducerTask
			}
			return run(http.MethodPost, "/api/v1/teams/"+args[0]+"/execute", body)
		},
	}
	cmd.Flags().StringArrayVar(&input, "input", nil, "work item (repeatable)")
	cmd.Flags().StringVar(&workerModel, "worker-model", "", "model for per-shard worker agents")
	cmd.Flags().StringVar(&workerTask, "worker-task", "", "task template for worker agents")
	cmd.Flags().StringVar(&reducerTask, "reducer-task", "", "reducer step task (map-reduce)")
	return cmd
}

func teamDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy ID",
		Short: "Destroy a team and kill its agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodDelete, "/api/v1/teams/"+args[0], nil)
		},
	}
}

func teamVerbCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodPost, "/api/v1/teams/"+args[0]+"/"+verb, nil)
		},
	}
}
