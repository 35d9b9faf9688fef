package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/dispatch"
)

type sendOpts struct {
	sessionID  string
	owner      string
	target     string
	targetType string
	delaySec   float64
	prefix     string
	messages   []string
	file       string
}

type sendResponse struct {
	TaskID        string `json:"taskId"`
	Status        string `json:"status"`
	Queued        bool   `json:"queued"`
	TotalMessages int    `json:"totalMessages"`
}

func newSendCmd() *cobra.Command {
	var (
		server string
		opts   sendOpts
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Start a paced bulk dispatch through a session",
		Long:  "Starts a dispatch task that sends each message to the target with a fixed delay between sends. Messages come from repeated --message flags or a newline-separated --file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, newAPIClient(server), opts)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id to send through (required)")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner id for the task")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "recipient number or group id (required)")
	cmd.Flags().StringVar(&opts.targetType, "type", "individual", "target type: individual or group")
	cmd.Flags().Float64VarP(&opts.delaySec, "delay", "d", 0, "seconds to wait between messages")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "text prepended to every message")
	cmd.Flags().StringArrayVarP(&opts.messages, "message", "m", nil, "message to send (repeatable)")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "newline-separated message file")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("target")
	return cmd
}

func runSend(cmd *cobra.Command, c *apiClient, opts sendOpts) error {
	if opts.file == "" && len(opts.messages) == 0 {
		return fmt.Errorf("one of --message or --file is required")
	}
	if opts.file != "" && len(opts.messages) > 0 {
		return fmt.Errorf("--message and --file cannot be combined")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
	defer cancel()

	var (
		res sendResponse
		err error
	)
	if opts.file != "" {
		fields := map[string]string{
			"sessionId":  opts.sessionID,
			"target":     opts.target,
			"targetType": opts.targetType,
			"delaySec":   strconv.FormatFloat(opts.delaySec, 'f', -1, 64),
		}
		if opts.owner != "" {
			fields["ownerId"] = opts.owner
		}
		if opts.prefix != "" {
			fields["prefix"] = opts.prefix
		}
		err = c.postFile(ctx, "/send-message", fields, "messageFile", opts.file, &res)
	} else {
		err = c.postJSON(ctx, "/send-message", map[string]any{
			"sessionId":  opts.sessionID,
			"ownerId":    opts.owner,
			"target":     opts.target,
			"targetType": opts.targetType,
			"delaySec":   opts.delaySec,
			"prefix":     opts.prefix,
			"messages":   opts.messages,
		}, &res)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s started (%d messages)\n", res.TaskID, res.TotalMessages)
	if res.Queued {
		fmt.Fprintln(out, "Queued behind another task on this session.")
	}
	return nil
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Dispatch task commands",
	}

	cmd.AddCommand(newTaskStatusCmd())
	cmd.AddCommand(newTaskStopCmd())
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskStatusCmd() *cobra.Command {
	var (
		server string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status <taskId>",
		Short: "Show progress of a dispatch task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
			defer cancel()

			var info dispatch.Info
			if err := newAPIClient(server).get(ctx, "/task-status", url.Values{"taskId": {args[0]}}, &info); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			printTask(cmd.OutOrStdout(), info)
			return nil
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func newTaskStopCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "stop <taskId>",
		Short: "Request a running dispatch task to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
			defer cancel()

			var res struct {
				Message string        `json:"message"`
				Task    dispatch.Info `json:"task"`
			}
			if err := newAPIClient(server).postJSON(ctx, "/stop-task", map[string]string{"taskId": args[0]}, &res); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d/%d so far\n", res.Task.Sent, res.Task.Total)
			return nil
		},
	}

	addServerFlag(cmd, &server)
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var server, owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatch tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
			defer cancel()

			q := url.Values{}
			if owner != "" {
				q.Set("ownerId", owner)
			}
			var res struct {
				Tasks []dispatch.Info `json:"tasks"`
			}
			if err := newAPIClient(server).get(ctx, "/tasks", q, &res); err != nil {
				return err
			}
			printTaskTable(cmd.OutOrStdout(), res.Tasks)
			return nil
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVar(&owner, "owner", "", "only show this owner's tasks")
	return cmd
}

func printTask(out io.Writer, info dispatch.Info) {
	fmt.Fprintf(out, "Task:     %s\n", info.ID)
	fmt.Fprintf(out, "Session:  %s\n", info.SessionID)
	fmt.Fprintf(out, "Target:   %s (%s)\n", info.Target, info.TargetKind)
	fmt.Fprintf(out, "Status:   %s\n", taskState(info))
	fmt.Fprintf(out, "Progress: %d/%d (%.0f%%)\n", info.Sent, info.Total, info.Progress)
	if info.EndedBy != "" {
		fmt.Fprintf(out, "Ended by: %s\n", info.EndedBy)
	}
	if info.LastError != "" {
		fmt.Fprintf(out, "Error:    %s\n", info.LastError)
	}
}

func printTaskTable(out io.Writer, tasks []dispatch.Info) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSESSION\tTARGET\tSTATUS\tPROGRESS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
			t.ID, t.SessionID, t.Target, taskState(t), t.Sent, t.Total)
	}
	w.Flush()
}

// taskState adds the queued/suspended qualifiers to a running task's status.
func taskState(info dispatch.Info) string {
	var quals []string
	if info.Queued {
		quals = append(quals, "queued")
	}
	if info.Suspended {
		quals = append(quals, "waiting for session")
	}
	if info.StopRequested && info.Status == dispatch.StatusRunning {
		quals = append(quals, "stopping")
	}
	if len(quals) == 0 {
		return string(info.Status)
	}
	return fmt.Sprintf("%s (%s)", info.Status, strings.Join(quals, ", "))
}
