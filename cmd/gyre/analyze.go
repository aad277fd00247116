package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
)

var analyzeJSON bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report convergence confidence for the repository",
	Long: `Run the validation suite once to refresh quality history, then report
the convergence analysis: weighted factors, overall confidence, the
iteration forecast toward the quality target, and recommendations.

Examples:
  gyre analyze
  gyre analyze --json`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the analysis as JSON")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, err := initDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	if _, err := deps.suite.Run(ctx, deps.cfg.Repository.Path); err != nil {
		return err
	}
	return printAnalysis(cmd.OutOrStdout(), deps.manager.Analysis(), analyzeJSON)
}

func printAnalysis(w io.Writer, analysis convergence.Analysis, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(analysis)
	}

	state := "not converged"
	if analysis.Converged {
		state = "converged"
	}
	fmt.Fprintf(w, "Confidence: %.3f (%s)\n", analysis.Confidence, state)

	names := make([]string, 0, len(analysis.Factors))
	for name := range analysis.Factors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-22s %.3f\n", name, analysis.Factors[name])
	}

	switch {
	case analysis.PredictedIterations < 0:
		fmt.Fprintln(w, "Forecast:   no trend to forecast from")
	case analysis.PredictedIterations == 0:
		fmt.Fprintln(w, "Forecast:   quality target already met")
	default:
		fmt.Fprintf(w, "Forecast:   ~%d iteration(s) to the quality target\n", analysis.PredictedIterations)
	}

	if len(analysis.Recommendations) > 0 {
		fmt.Fprintln(w, "Recommendations:")
		for _, rec := range analysis.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}
	return nil
}
