package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/pairing"
	"github.com/zulandar/courier/internal/session"
	"golang.org/x/term"
)

// pairWait covers the longest configurable pairing timeout plus slack.
const pairWait = 200 * time.Second

const requestWait = 30 * time.Second

func newPairCmd() *cobra.Command {
	var server, owner string

	cmd := &cobra.Command{
		Use:   "pair <number>",
		Short: "Pair a phone number as a linked device",
		Long:  "Creates a session for the number and prints the pairing code (or QR payload) to enter on the phone. On a non-terminal stdout only the raw artifact value is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(cmd, newAPIClient(server), args[0], owner)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVar(&owner, "owner", "", "owner id for the session")
	return cmd
}

func runPair(cmd *cobra.Command, c *apiClient, number, owner string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), pairWait)
	defer cancel()

	q := url.Values{"number": {number}}
	if owner != "" {
		q.Set("ownerId", owner)
	}
	var res session.CreateResult
	if err := c.get(ctx, "/code", q, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !isTerminal(out) {
		if res.Artifact != nil {
			fmt.Fprintln(out, res.Artifact.Value)
		} else {
			fmt.Fprintln(out, res.Status)
		}
		return nil
	}

	fmt.Fprintf(out, "Session %s: %s\n", res.SessionID, res.Status)
	if res.Artifact == nil {
		return nil
	}
	switch res.Artifact.Kind {
	case pairing.KindCode:
		fmt.Fprintf(out, "Pairing code: %s\n", res.Artifact.Value)
		fmt.Fprintln(out, "Enter it on the phone under Linked devices > Link with phone number.")
	case pairing.KindQR:
		fmt.Fprintln(out, "QR payload (render it and scan from Linked devices):")
		fmt.Fprintln(out, res.Artifact.Value)
	}
	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type statusResponse struct {
	Sessions    []session.Summary `json:"sessions"`
	ActiveTasks int               `json:"activeTasks"`
}

func newStatusCmd() *cobra.Command {
	var (
		server, owner string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions and active task count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, newAPIClient(server), owner, asJSON)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVar(&owner, "owner", "", "only show this owner's sessions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func runStatus(cmd *cobra.Command, c *apiClient, owner string, asJSON bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
	defer cancel()

	q := url.Values{}
	if owner != "" {
		q.Set("ownerId", owner)
	}
	var res statusResponse
	if err := c.get(ctx, "/status", q, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, res)
	}
	if len(res.Sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tOWNER\tSTATE\tREGISTERED\tRECONNECTS\tGROUPS\tLAST ERROR")
		for _, s := range res.Sessions {
			lastErr := s.LastError
			if lastErr == "" {
				lastErr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
				s.ID, s.Owner, s.State, s.Registered, s.ReconnectAttempts, s.Groups, truncate(lastErr, 50))
		}
		w.Flush()
	}
	fmt.Fprintf(out, "Active tasks: %d\n", res.ActiveTasks)
	return nil
}

type groupsResponse struct {
	SessionID string          `json:"sessionId"`
	Groups    []session.Group `json:"groups"`
}

func newGroupsCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "groups <sessionId>",
		Short: "List the groups a registered session belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroups(cmd, newAPIClient(server), args[0])
		},
	}

	addServerFlag(cmd, &server)
	return cmd
}

func runGroups(cmd *cobra.Command, c *apiClient, id string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
	defer cancel()

	var res groupsResponse
	if err := c.get(ctx, "/groups", url.Values{"sessionId": {id}}, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(res.Groups) == 0 {
		fmt.Fprintln(out, "No groups.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEMBERS")
	for _, g := range res.Groups {
		fmt.Fprintf(w, "%s\t%s\t%d\n", g.ID, truncate(g.Name, 40), g.Members)
	}
	w.Flush()
	return nil
}

func newCleanupCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "cleanup <sessionId|all>",
		Short: "Tear down one session, or every session with 'all'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, newAPIClient(server), args[0])
		},
	}

	addServerFlag(cmd, &server)
	return cmd
}

func runCleanup(cmd *cobra.Command, c *apiClient, id string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
	defer cancel()

	var res struct {
		Removed int `json:"removed"`
	}
	if err := c.postJSON(ctx, "/cleanup-session", map[string]string{"sessionId": id}, &res); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d session(s)\n", res.Removed)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to at most n runes, adding "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
