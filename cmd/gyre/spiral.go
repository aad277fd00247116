package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gyre/internal/spiral"
)

var (
	spiralAgent         string
	spiralBranch        string
	spiralMessage       string
	spiralThreshold     float64
	spiralMaxIterations int
	spiralJSON          bool
)

var spiralCmd = &cobra.Command{
	Use:   "spiral [flags] -- command [args...]",
	Short: "Run one spiral: iterate a command until the suite converges",
	Long: `Run one spiral against the repository. The working tree is checkpointed
and a work branch opened; each iteration runs the given command, then
scores the tree with the validation suite. Converging at or above the
threshold merges the branch; running out of budget reverts everything to
the starting checkpoint.

The command runs in the repository root and receives the iteration
number in GYRE_ITERATION. A non-converged spiral exits non-zero.

Examples:
  # Let a fix script iterate until the suite scores 0.9
  gyre spiral --agent fix-lint --threshold 0.9 -- ./scripts/fix.sh

  # Cap the attempt budget for an expensive tool
  gyre spiral --agent refactor --max-iterations 3 -- make fix`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSpiral,
}

func init() {
	spiralCmd.Flags().StringVar(&spiralAgent, "agent", "", "agent id (default agent-<uuid8>)")
	spiralCmd.Flags().StringVar(&spiralBranch, "branch", "", "work branch name (default spiral-<uuid8>)")
	spiralCmd.Flags().StringVar(&spiralMessage, "message", "", "base checkpoint message")
	spiralCmd.Flags().Float64Var(&spiralThreshold, "threshold", 0, "accept score, overrides convergence.threshold when positive")
	spiralCmd.Flags().IntVar(&spiralMaxIterations, "max-iterations", 0, "attempt cap, overrides convergence.max_iterations when positive")
	spiralCmd.Flags().BoolVar(&spiralJSON, "json", false, "print the report as JSON")
}

func runSpiral(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, err := initDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	agent := spiralAgent
	if agent == "" {
		agent = "agent-" + uuid.New().String()[:8]
	}
	if err := deps.manager.StartSession(agent, strings.Join(args, " ")); err != nil {
		return err
	}
	defer func() { _ = deps.manager.EndSession(agent) }()

	dir := deps.cfg.Repository.Path
	rep, runErr := deps.manager.Spiral(ctx, agent, spiral.Request{
		AgentID:       agent,
		Branch:        spiralBranch,
		Message:       spiralMessage,
		Threshold:     spiralThreshold,
		MaxIterations: spiralMaxIterations,
		Work: spiral.Work{
			Attempt: attemptCommand(args, dir),
			Evaluate: func(ctx context.Context) (float64, error) {
				return deps.suite.Evaluate(ctx, dir)
			},
		},
	})
	if !rep.StartedAt.IsZero() {
		if err := printReport(cmd.OutOrStdout(), rep, spiralJSON); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if rep.Disposition != spiral.Merged {
		return fmt.Errorf("spiral %s did not converge: best score %.3f after %d iterations",
			rep.Branch, rep.Result.BestScore, rep.Result.Iterations)
	}
	return nil
}

// attemptCommand runs the user's command once per iteration, in the
// repository root, with the iteration number exported.
func attemptCommand(argv []string, dir string) func(ctx context.Context, iteration int) error {
	return func(ctx context.Context, iteration int) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Dir = dir
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		c.Env = append(os.Environ(), fmt.Sprintf("GYRE_ITERATION=%d", iteration))
		return c.Run()
	}
}

func printReport(w io.Writer, rep spiral.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(w, "Spiral:      %s (agent %s)\n", rep.Branch, rep.AgentID)
	fmt.Fprintf(w, "Disposition: %s\n", rep.Disposition)
	fmt.Fprintf(w, "Outcome:     %s after %d iteration(s)\n", rep.Result.Outcome, rep.Result.Iterations)
	fmt.Fprintf(w, "Score:       %.3f (best %.3f)\n", rep.Result.Score, rep.Result.BestScore)
	if rep.Result.Reason != "" {
		fmt.Fprintf(w, "Reason:      %s\n", rep.Result.Reason)
	}
	fmt.Fprintf(w, "Checkpoint:  %s\n", rep.Final.Short())
	fmt.Fprintf(w, "Elapsed:     %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	return nil
}
