package spiral

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/repoport"
)

// faultPort wraps the in-memory port with injectable failures.
type faultPort struct {
	*repoport.Memory
	checkpointErr error
	branchErr     error
	mergeErr      error

	reverts  int
	discards int
}

func (p *faultPort) CreateCheckpoint(ctx context.Context, message string, opts ...repoport.CheckpointOption) (repoport.CheckpointID, error) {
	if p.checkpointErr != nil {
		return "", p.checkpointErr
	}
	return p.Memory.CreateCheckpoint(ctx, message, opts...)
}

func (p *faultPort) CreateBranch(ctx context.Context, name string, from repoport.CheckpointID) error {
	if p.branchErr != nil {
		return p.branchErr
	}
	return p.Memory.CreateBranch(ctx, name, from)
}

func (p *faultPort) MergeBranch(ctx context.Context, name string) error {
	if p.mergeErr != nil {
		return p.mergeErr
	}
	return p.Memory.MergeBranch(ctx, name)
}

func (p *faultPort) RevertTo(ctx context.Context, id repoport.CheckpointID) error {
	p.reverts++
	return p.Memory.RevertTo(ctx, id)
}

func (p *faultPort) DiscardBranch(ctx context.Context, name string) error {
	p.discards++
	return p.Memory.DiscardBranch(ctx, name)
}

func newController(t *testing.T, port repoport.RepositoryPort, cfg convergence.Config) *Controller {
	t.Helper()
	eng, err := convergence.NewEngine(cfg, nil)
	require.NoError(t, err)
	c, err := NewController(port, eng, nil)
	require.NoError(t, err)
	return c
}

func scriptedWork(scores []float64) (Work, *int) {
	evals := 0
	return Work{
		Attempt: func(ctx context.Context, iteration int) error { return nil },
		Evaluate: func(ctx context.Context) (float64, error) {
			score := scores[evals]
			evals++
			return score, nil
		},
	}, &evals
}

func TestNewController_RequiresDependencies(t *testing.T) {
	eng, err := convergence.NewEngine(convergence.Config{Threshold: 0.8, MaxIterations: 1}, nil)
	require.NoError(t, err)

	_, err = NewController(nil, eng, nil)
	assert.ErrorContains(t, err, "repository port is required")

	_, err = NewController(repoport.NewMemory(), nil, nil)
	assert.ErrorContains(t, err, "convergence engine is required")
}

func TestRun_ConvergedMergesIntoBase(t *testing.T) {
	mem := repoport.NewMemory()
	c := newController(t, mem, convergence.Config{Threshold: 0.95, MaxIterations: 4})

	work, _ := scriptedWork([]float64{0.67, 0.78, 0.89, 0.96})
	rep, err := c.Run(context.Background(), Request{AgentID: "agent-1", Branch: "spiral-test", Work: work})
	require.NoError(t, err)

	assert.Equal(t, Merged, rep.Disposition)
	assert.Equal(t, convergence.Converged, rep.Result.Outcome)
	assert.Equal(t, 4, rep.Result.Iterations)
	assert.Equal(t, 0.96, rep.Result.Score)

	// The repository ends on the base branch with the merge applied and
	// the spiral branch gone.
	assert.Equal(t, repoport.DefaultBranch, mem.CurrentBranch())
	assert.Equal(t, []string{repoport.DefaultBranch}, mem.Branches())

	head, err := mem.CurrentCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rep.Final, head)

	merged, err := mem.Lookup(context.Background(), head)
	require.NoError(t, err)
	assert.Equal(t, 0.96, merged.Score)
	assert.Contains(t, merged.Parents, rep.Base)
	assert.Equal(t, StateIdle, c.State())
}

func TestRun_ExhaustedRevertsAndDiscards(t *testing.T) {
	mem := repoport.NewMemory()
	c := newController(t, mem, convergence.Config{Threshold: 0.8, MaxIterations: 3})

	work, _ := scriptedWork([]float64{0.5, 0.6, 0.7})
	rep, err := c.Run(context.Background(), Request{AgentID: "agent-1", Work: work})
	require.NoError(t, err)

	assert.Equal(t, RevertedAbandoned, rep.Disposition)
	assert.Equal(t, convergence.Exhausted, rep.Result.Outcome)
	assert.Equal(t, 3, rep.Result.Iterations)
	assert.Equal(t, 0.7, rep.Result.BestScore)

	// Back on the base branch at the exact pre-spiral checkpoint.
	assert.Equal(t, repoport.DefaultBranch, mem.CurrentBranch())
	assert.Equal(t, []string{repoport.DefaultBranch}, mem.Branches())
	head, err := mem.CurrentCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rep.Base, head)
	assert.Equal(t, rep.Base, rep.Final)
	assert.Equal(t, StateIdle, c.State())
}

func TestRun_GeneratesBranchName(t *testing.T) {
	c := newController(t, repoport.NewMemory(), convergence.Config{Threshold: 0.5, MaxIterations: 1})

	work, _ := scriptedWork([]float64{0.9})
	rep, err := c.Run(context.Background(), Request{AgentID: "agent-1", Work: work})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rep.Branch, BranchPrefix))
	assert.Len(t, rep.Branch, len(BranchPrefix)+8)
}

func TestRun_MergeFailureReverts(t *testing.T) {
	port := &faultPort{Memory: repoport.NewMemory(), mergeErr: repoport.ErrConflict}
	c := newController(t, port, convergence.Config{Threshold: 0.8, MaxIterations: 2})

	work, _ := scriptedWork([]float64{0.9})
	rep, err := c.Run(context.Background(), Request{AgentID: "agent-1", Work: work})
	require.Error(t, err)
	assert.ErrorIs(t, err, repoport.ErrConflict)

	// Merge never landed: reverted to base, branch discarded.
	assert.Equal(t, RevertedAbandoned, rep.Disposition)
	assert.Equal(t, 1, port.reverts)
	assert.Equal(t, 1, port.discards)
	assert.Equal(t, repoport.DefaultBranch, port.Memory.CurrentBranch())
	head, herr := port.Memory.CurrentCheckpoint(context.Background())
	require.NoError(t, herr)
	assert.Equal(t, rep.Base, head)
}

func TestRun_BranchFailureReverts(t *testing.T) {
	port := &faultPort{Memory: repoport.NewMemory(), branchErr: repoport.ErrBranchExists}
	c := newController(t, port, convergence.Config{Threshold: 0.8, MaxIterations: 2})

	work, _ := scriptedWork([]float64{0.9})
	rep, err := c.Run(context.Background(), Request{AgentID: "agent-1", Work: work})
	require.Error(t, err)

	assert.Equal(t, RevertedAbandoned, rep.Disposition)
	assert.Equal(t, 1, port.reverts)
	// No branch was opened, so none is discarded.
	assert.Equal(t, 0, port.discards)
}

func TestRun_CheckpointFailureLeavesRepositoryUntouched(t *testing.T) {
	port := &faultPort{Memory: repoport.NewMemory(), checkpointErr: repoport.ErrConflict}
	before, err := port.Memory.CurrentCheckpoint(context.Background())
	require.NoError(t, err)

	c := newController(t, port, convergence.Config{Threshold: 0.8, MaxIterations: 2})
	work, _ := scriptedWork([]float64{0.9})
	rep, err := c.Run(context.Background(), Request{AgentID: "agent-1", Work: work})
	require.Error(t, err)
	assert.ErrorIs(t, err, repoport.ErrConflict)

	assert.Equal(t, RevertedAbandoned, rep.Disposition)
	assert.Equal(t, 0, port.reverts)
	after, err := port.Memory.CurrentCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, StateIdle, c.State())
}

func TestRun_CancelledMidSpiralAbandons(t *testing.T) {
	mem := repoport.NewMemory()
	c := newController(t, mem, convergence.Config{Threshold: 0.99, MaxIterations: 10})

	ctx, cancel := context.WithCancel(context.Background())
	work := Work{
		Attempt: func(ctx context.Context, iteration int) error {
			cancel()
			return nil
		},
		Evaluate: func(ctx context.Context) (float64, error) { return 0.5, nil },
	}
	rep, err := c.Run(ctx, Request{AgentID: "agent-1", Work: work})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Rollback still ran on a fresh context.
	assert.Equal(t, RevertedAbandoned, rep.Disposition)
	assert.Equal(t, repoport.DefaultBranch, mem.CurrentBranch())
	head, herr := mem.CurrentCheckpoint(context.Background())
	require.NoError(t, herr)
	assert.Equal(t, rep.Base, head)
}

func TestRun_BusyWhileSpiralInFlight(t *testing.T) {
	c := newController(t, repoport.NewMemory(), convergence.Config{Threshold: 0.8, MaxIterations: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	work := Work{
		Attempt: func(ctx context.Context, iteration int) error {
			close(started)
			<-release
			return nil
		},
		Evaluate: func(ctx context.Context) (float64, error) { return 0.9, nil },
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), Request{AgentID: "agent-1", Work: work})
		done <- err
	}()

	<-started
	idle, _ := scriptedWork([]float64{0.9})
	_, err := c.Run(context.Background(), Request{AgentID: "agent-2", Work: idle})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestRun_ThresholdOverride(t *testing.T) {
	c := newController(t, repoport.NewMemory(), convergence.Config{Threshold: 0.5, MaxIterations: 2})

	// 0.9 clears the configured threshold but not the override.
	work, _ := scriptedWork([]float64{0.9, 0.9})
	rep, err := c.Run(context.Background(), Request{AgentID: "agent-1", Threshold: 0.95, Work: work})
	require.NoError(t, err)
	assert.Equal(t, convergence.Exhausted, rep.Result.Outcome)
	assert.Equal(t, RevertedAbandoned, rep.Disposition)
}

func TestRun_InvalidOverrideRejectedBeforePortWork(t *testing.T) {
	port := &faultPort{Memory: repoport.NewMemory()}
	c := newController(t, port, convergence.Config{Threshold: 0.5, MaxIterations: 2})

	work, _ := scriptedWork([]float64{0.9})
	_, err := c.Run(context.Background(), Request{AgentID: "agent-1", Threshold: 1.5, Work: work})
	require.Error(t, err)
	assert.ErrorIs(t, err, convergence.ErrInvalidConfiguration)
	assert.Equal(t, 0, port.reverts)
	assert.Equal(t, []string{repoport.DefaultBranch}, port.Memory.Branches())
}

func TestRun_InvalidRequest(t *testing.T) {
	c := newController(t, repoport.NewMemory(), convergence.Config{Threshold: 0.8, MaxIterations: 1})

	work, _ := scriptedWork([]float64{0.9})
	_, err := c.Run(context.Background(), Request{Work: work})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Run(context.Background(), Request{AgentID: "agent-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
