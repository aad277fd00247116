package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gyre/internal/quality"
	"github.com/fyrsmithlabs/gyre/internal/validate"
)

var (
	threadsPath string
	threadsJSON bool
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Run the validation suite and show quality threads",
	Long: `Run every configured validator once against the working tree and print
the quality threads that result: one row per artifact and dimension with
its score and bucket, then the population statistics.

Examples:
  # Score the repository
  gyre threads

  # Threads for one file only
  gyre threads --path internal/engine.go

  # Machine-readable output
  gyre threads --json`,
	RunE: runThreads,
}

func init() {
	threadsCmd.Flags().StringVar(&threadsPath, "path", "", "limit output to one artifact path")
	threadsCmd.Flags().BoolVar(&threadsJSON, "json", false, "print threads as JSON")
}

func runThreads(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, err := initDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	outcome, err := deps.suite.Run(ctx, deps.cfg.Repository.Path)
	if err != nil {
		return err
	}

	var threads []quality.FileThread
	if threadsPath != "" {
		threads = deps.tracker.Snapshot(threadsPath)
	} else {
		threads = deps.tracker.Snapshot()
	}
	return printThreads(cmd.OutOrStdout(), outcome, threads, deps.tracker.Statistics(), threadsJSON)
}

func printThreads(w io.Writer, outcome validate.Outcome, threads []quality.FileThread, stats quality.ThreadStatistics, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Outcome    validate.Outcome         `json:"outcome"`
			Threads    []quality.FileThread     `json:"threads"`
			Statistics quality.ThreadStatistics `json:"statistics"`
		}{outcome, threads, stats})
	}

	for _, r := range outcome.Results {
		verdict := "passed"
		if !r.Passed {
			verdict = "FAILED"
		}
		fmt.Fprintf(w, "%-12s %s  score %.3f  %s\n", r.Validator, verdict, r.Score, r.Elapsed.Round(time.Millisecond))
	}
	suiteVerdict := "failed"
	if outcome.Passed {
		suiteVerdict = "passed"
	}
	fmt.Fprintf(w, "Suite score %.3f (%s)\n\n", outcome.Score, suiteVerdict)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tKIND\tSCORE\tBUCKET")
	for _, th := range threads {
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\n", th.Path, th.Kind, th.Score, th.Color)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d threads across %d artifacts, mean %.3f, health %.0f%%\n",
		stats.Threads, stats.Artifacts, stats.MeanScore, stats.HealthRatio*100)
	return nil
}
