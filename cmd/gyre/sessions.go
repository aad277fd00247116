package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gyre/internal/status"
)

var (
	sessionsServer string
	sessionsJSON   bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [agent]",
	Short: "List agent sessions on a running gyre instance",
	Long: `Query the status server of a running gyre process. With no argument all
sessions are listed; naming an agent prints its statistics and action
trail. The running instance must have status.enabled set.

Examples:
  # All sessions
  gyre sessions

  # One agent's statistics and actions
  gyre sessions fix-lint

  # A non-default status address
  gyre sessions --server http://10.0.0.5:9464`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsServer, "server", "http://"+status.DefaultAddr, "status server base URL")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print the server response as JSON")
}

func runSessions(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		var detail status.SessionDetailResponse
		if err := fetchJSON(client, fmt.Sprintf("%s/api/v1/sessions/%s", sessionsServer, args[0]), &detail); err != nil {
			return err
		}
		return printSessionDetail(out, detail, sessionsJSON)
	}

	var sessions status.SessionsResponse
	if err := fetchJSON(client, sessionsServer+"/api/v1/sessions", &sessions); err != nil {
		return err
	}
	return printSessions(out, sessions, sessionsJSON)
}

// fetchJSON GETs a status endpoint and decodes the response.
func fetchJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printSessions(w io.Writer, resp status.SessionsResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	if resp.Count == 0 {
		fmt.Fprintln(w, "no open sessions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATE\tSTARTED\tCHECKPOINTS\tSPIRALS\tMERGED\tBEST")
	for _, s := range resp.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.3f\n",
			s.AgentID, s.State, s.StartedAt.Format(time.RFC3339), s.Checkpoints, s.Spirals, s.SpiralsMerged, s.BestScore)
	}
	return tw.Flush()
}

func printSessionDetail(w io.Writer, resp status.SessionDetailResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	s := resp.Statistics
	fmt.Fprintf(w, "Agent:       %s (started %s)\n", s.AgentID, s.StartedAt.Format(time.RFC3339))
	if s.Task != "" {
		fmt.Fprintf(w, "Task:        %s\n", s.Task)
	}
	state := string(s.State)
	if s.Branch != "" {
		state += " on " + s.Branch
	}
	fmt.Fprintf(w, "State:       %s\n", state)
	fmt.Fprintf(w, "Checkpoints: %d (%d reverts)\n", s.Checkpoints, s.Reverts)
	fmt.Fprintf(w, "Spirals:     %d (%d merged, %d iterations)\n", s.Spirals, s.SpiralsMerged, s.Iterations)
	if s.AvgSpiralTime > 0 {
		fmt.Fprintf(w, "Avg spiral:  %s\n", s.AvgSpiralTime.Round(time.Second))
	}
	if s.TotalActions > 0 {
		fmt.Fprintf(w, "Success:     %.0f%% of %d actions\n", s.SuccessRate*100, s.TotalActions)
	}
	best := fmt.Sprintf("Best score:  %.3f", s.BestScore)
	if s.LastScore > 0 {
		best += fmt.Sprintf(" (last %.3f)", s.LastScore)
	}
	fmt.Fprintln(w, best)
	if len(resp.Actions) == 0 {
		return nil
	}
	fmt.Fprintln(w, "Actions:")
	for _, a := range resp.Actions {
		line := fmt.Sprintf("  %s  %-20s", a.Timestamp.Format(time.RFC3339), a.Kind)
		if a.Detail != "" {
			line += " " + a.Detail
		}
		if a.Score > 0 {
			line += fmt.Sprintf(" (score %.3f)", a.Score)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
