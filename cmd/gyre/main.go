// Gyre runs quality-gated iteration loops against a git repository.
//
// Risky, repeated changes are wrapped in spirals: checkpoint the working
// tree, open a work branch, iterate a command until the validation suite
// scores the result at or above the threshold, then merge. Anything less
// is reverted whole; the repository never keeps a half-applied attempt.
//
// Configuration is loaded from ./gyre.yaml, ~/.config/gyre/config.yaml,
// or the file named with --config; GYRE_-prefixed environment variables
// override file values. See internal/config for the schema.
//
// Usage:
//
//	# Iterate a fix script until the suite scores 0.9
//	gyre spiral --agent fix-lint --threshold 0.9 -- ./scripts/fix.sh
//
//	# Score the working tree once
//	gyre threads
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the config file named with --config; empty selects
	// the default search order.
	configPath string
	// repoOverride replaces repository.path from the config when set.
	repoOverride string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gyre",
	Short: "Quality-gated iteration loops for autonomous agents",
	Long: `gyre wraps risky, repeated changes to a repository in spirals: checkpoint
the working tree, open a work branch, iterate until the validation suite
scores the result at or above the threshold, then merge. Anything less is
reverted whole; the repository never keeps a half-applied attempt.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./gyre.yaml, then ~/.config/gyre/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&repoOverride, "repo", "", "repository working tree (overrides repository.path)")
	rootCmd.AddCommand(spiralCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints full build information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "gyre by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

// signalContext cancels the returned context on SIGINT or SIGTERM. An
// in-flight spiral observes the cancellation between iterations and
// rolls back before the process exits.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
