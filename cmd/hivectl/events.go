package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Observe the event stream",
	}
	cmd.AddCommand(eventsListCmd())
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsListCmd() *cobra.Command {
	var after int64
	var pattern string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Replay journaled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if after > 0 {
				q.Set("after_seq", fmt.Sprintf("%d", after))
			}
			if pattern != "" {
				q.Set("pattern", pattern)
			}
			if limit > 0 {
				q.Set("limit", itoa(limit))
			}
			return run(http.MethodGet, "/api/v1/events?"+q.Encode(), nil)
		},
	}
	cmd.Flags().Int64Var(&after, "after-seq", 0, "replay events after this sequence")
	cmd.Flags().StringVar(&pattern, "pattern", "", "event type pattern, e.g. agent.*")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

// eventsTailCmd streams live events over the control plane's WebSocket,
// one JSON object per line, until interrupted.
func eventsTailCmd() *cobra.Command {
	var pattern string
	var afterSeq int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/ws"
			conn, _, err := websocket.Dial(ctx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "done")

			sub := map[string]any{"action": "subscribe", "pattern": pattern}
			if afterSeq > 0 {
				sub["after_seq"] = afterSeq
			}
			data, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}

			for {
				_, frame, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				os.Stdout.Write(frame)
				os.Stdout.Write([]byte("\n"))
			}
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "**", "event type pattern")
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "catch up from this sequence before going live")
	return cmd
}
