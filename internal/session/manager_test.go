package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/quality"
	"github.com/fyrsmithlabs/gyre/internal/repoport"
	"github.com/fyrsmithlabs/gyre/internal/spiral"
)

// corruptPort fails checkpoint creation with a corruption error while
// fail is set, and counts every call that reaches the port.
type corruptPort struct {
	repoport.RepositoryPort
	fail  bool
	calls int
}

func (p *corruptPort) CreateCheckpoint(ctx context.Context, message string, opts ...repoport.CheckpointOption) (repoport.CheckpointID, error) {
	p.calls++
	if p.fail {
		return "", fmt.Errorf("checkpoint references missing parent: %w", repoport.ErrCorruption)
	}
	return p.RepositoryPort.CreateCheckpoint(ctx, message, opts...)
}

// blockingPort parks the first checkpoint until released so tests can
// hold the repository lock deterministically.
type blockingPort struct {
	repoport.RepositoryPort
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPort) CreateCheckpoint(ctx context.Context, message string, opts ...repoport.CheckpointOption) (repoport.CheckpointID, error) {
	close(p.entered)
	<-p.release
	return p.RepositoryPort.CreateCheckpoint(ctx, message, opts...)
}

func newManager(t *testing.T, port repoport.RepositoryPort, cfg Config) *Manager {
	t.Helper()
	eng, err := convergence.NewEngine(convergence.Config{Threshold: 0.8, MaxIterations: 4}, nil)
	require.NoError(t, err)
	ctrl, err := spiral.NewController(port, eng, nil)
	require.NoError(t, err)
	m, err := NewManager(port, quality.NewTracker(quality.Config{}, nil), ctrl, nil, cfg, nil)
	require.NoError(t, err)
	return m
}

func passingWork(score float64) spiral.Work {
	return spiral.Work{
		Attempt:  func(ctx context.Context, iteration int) error { return nil },
		Evaluate: func(ctx context.Context) (float64, error) { return score, nil },
	}
}

func TestStartSession_DuplicateAgent(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})

	require.NoError(t, m.StartSession("agent-1", "fix lint"))
	err := m.StartSession("agent-1", "fix lint again")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	// A different agent is unaffected.
	assert.NoError(t, m.StartSession("agent-2", "fix tests"))
}

func TestStartSession_PopulatesIdentity(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	require.NoError(t, m.StartSession("agent-1", "raise coverage"))

	stats, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.NotEmpty(t, stats.SessionID)
	assert.Equal(t, "agent-1", stats.AgentID)
	assert.Equal(t, "raise coverage", stats.Task)
	assert.Equal(t, spiral.StateIdle, stats.State)
	assert.Empty(t, stats.Branch)
	assert.False(t, stats.StartedAt.IsZero())

	// Restarting the agent mints a new session id.
	require.NoError(t, m.EndSession("agent-1"))
	require.NoError(t, m.StartSession("agent-1", "raise coverage"))
	again, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.NotEqual(t, stats.SessionID, again.SessionID)
}

func TestEndSession(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})

	require.NoError(t, m.StartSession("agent-1", "fix lint"))
	require.NoError(t, m.EndSession("agent-1"))
	assert.ErrorIs(t, m.EndSession("agent-1"), ErrSessionNotFound)
	assert.ErrorIs(t, m.EndSession("never-started"), ErrSessionNotFound)

	// The agent can start fresh after ending.
	assert.NoError(t, m.StartSession("agent-1", "fix lint"))
}

func TestCheckpoint_RequiresSession(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	_, err := m.Checkpoint(context.Background(), "ghost", "work")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCheckpoint_RecordsAction(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	require.NoError(t, m.StartSession("agent-1", "fix lint"))

	id, err := m.Checkpoint(context.Background(), "agent-1", "first pass")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stats, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checkpoints)
	assert.Equal(t, 1, stats.TotalActions)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.False(t, stats.LastAction.IsZero())

	actions, err := m.Actions("agent-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionCheckpointCreate, actions[0].Kind)
	assert.True(t, actions[0].Success)
	assert.Equal(t, id, actions[0].Checkpoint)

	created, err := m.Checkpoints("agent-1")
	require.NoError(t, err)
	assert.Equal(t, []repoport.CheckpointID{id}, created)
}

func TestCheckpoint_ConcurrentAgentsSerialized(t *testing.T) {
	mem := repoport.NewMemory()
	m := newManager(t, mem, Config{})
	require.NoError(t, m.StartSession("agent-a", "fix lint"))
	require.NoError(t, m.StartSession("agent-b", "fix tests"))

	var wg sync.WaitGroup
	ids := make(chan repoport.CheckpointID, 2)
	for _, agent := range []string{"agent-a", "agent-b"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			id, err := m.Checkpoint(context.Background(), agent, "concurrent work")
			assert.NoError(t, err)
			ids <- id
		}(agent)
	}
	wg.Wait()
	close(ids)

	// Both land, distinctly, on one linear history.
	head, err := mem.CurrentCheckpoint(context.Background())
	require.NoError(t, err)
	seen := make(map[repoport.CheckpointID]bool)
	for id := range ids {
		seen[id] = true
		ok, aerr := mem.IsAncestor(context.Background(), id, head)
		require.NoError(t, aerr)
		assert.True(t, ok)
	}
	assert.Len(t, seen, 2)
}

func TestCheckpoint_LockWaitBounded(t *testing.T) {
	port := &blockingPort{
		RepositoryPort: repoport.NewMemory(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	m := newManager(t, port, Config{LockWait: 30 * time.Millisecond})
	require.NoError(t, m.StartSession("agent-a", "fix lint"))
	require.NoError(t, m.StartSession("agent-b", "fix tests"))

	done := make(chan error, 1)
	go func() {
		_, err := m.Checkpoint(context.Background(), "agent-a", "slow")
		done <- err
	}()

	<-port.entered
	_, err := m.Checkpoint(context.Background(), "agent-b", "blocked")
	assert.ErrorIs(t, err, ErrRepositoryBusy)

	close(port.release)
	require.NoError(t, <-done)

	// Lock free again; the bounced agent succeeds on retry.
	_, err = m.Checkpoint(context.Background(), "agent-b", "retry")
	assert.NoError(t, err)
}

func TestRevert_ValidatesAncestry(t *testing.T) {
	mem := repoport.NewMemory()
	m := newManager(t, mem, Config{})
	require.NoError(t, m.StartSession("agent-1", "repair build"))
	ctx := context.Background()

	c1, err := m.Checkpoint(ctx, "agent-1", "one")
	require.NoError(t, err)
	c2, err := m.Checkpoint(ctx, "agent-1", "two")
	require.NoError(t, err)

	require.NoError(t, m.Revert(ctx, "agent-1", c1))
	head, err := mem.CurrentCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1, head)

	// Reverting to the head again is a no-op, not an error.
	assert.NoError(t, m.Revert(ctx, "agent-1", c1))

	// c2 is this session's work but sits ahead of the head now.
	err = m.Revert(ctx, "agent-1", c2)
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)

	// Unknown checkpoint.
	err = m.Revert(ctx, "agent-1", "no-such-checkpoint")
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)

	stats, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Reverts)
}

func TestRevert_RequiresSessionCheckpoint(t *testing.T) {
	mem := repoport.NewMemory()
	m := newManager(t, mem, Config{})
	require.NoError(t, m.StartSession("agent-1", "repair build"))
	ctx := context.Background()

	// Someone else's checkpoint, then ours on top of it.
	foreign, err := mem.CreateCheckpoint(ctx, "outside work")
	require.NoError(t, err)
	_, err = m.Checkpoint(ctx, "agent-1", "mine")
	require.NoError(t, err)

	err = m.Revert(ctx, "agent-1", foreign)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)
	assert.Contains(t, err.Error(), "not created by this session")

	// The target would otherwise have been a legal revert.
	head, err := mem.CurrentCheckpoint(ctx)
	require.NoError(t, err)
	ok, err := mem.IsAncestor(ctx, foreign, head)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSpiral_MergedUpdatesSession(t *testing.T) {
	mem := repoport.NewMemory()
	m := newManager(t, mem, Config{})
	require.NoError(t, m.StartSession("agent-1", "fix lint"))

	rep, err := m.Spiral(context.Background(), "agent-1", spiral.Request{Work: passingWork(0.9)})
	require.NoError(t, err)
	assert.Equal(t, spiral.Merged, rep.Disposition)
	assert.Equal(t, "agent-1", rep.AgentID)
	assert.True(t, strings.HasPrefix(rep.Branch, spiral.BranchPrefix))

	stats, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Spirals)
	assert.Equal(t, 1, stats.SpiralsMerged)
	assert.Equal(t, 1, stats.Iterations)
	assert.Equal(t, 0.9, stats.BestScore)
	assert.Equal(t, 0.9, stats.LastScore)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Positive(t, stats.AvgSpiralTime)
	assert.Equal(t, spiral.StateIdle, stats.State)
	assert.Empty(t, stats.Branch)

	actions, err := m.Actions("agent-1")
	require.NoError(t, err)
	kinds := make(map[ActionKind]int)
	for _, a := range actions {
		kinds[a.Kind]++
		assert.True(t, a.Success, a.Kind)
	}
	assert.Equal(t, 1, kinds[ActionSpiralBranch])
	assert.Equal(t, 1, kinds[ActionIteration])
	assert.Equal(t, 1, kinds[ActionConvergenceCheck])

	scores, err := m.ScoreHistory("agent-1")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9}, scores)

	// Base and merge checkpoints both belong to the session now.
	created, err := m.Checkpoints("agent-1")
	require.NoError(t, err)
	assert.Equal(t, []repoport.CheckpointID{rep.Base, rep.Final}, created)
}

func TestSpiral_ReportsConvergingState(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	require.NoError(t, m.StartSession("agent-1", "long fix"))

	entered := make(chan struct{})
	release := make(chan struct{})
	work := spiral.Work{
		Attempt: func(ctx context.Context, iteration int) error {
			if iteration == 1 {
				close(entered)
				<-release
			}
			return nil
		},
		Evaluate: func(ctx context.Context) (float64, error) { return 0.9, nil },
	}

	done := make(chan spiral.Report, 1)
	go func() {
		rep, err := m.Spiral(context.Background(), "agent-1", spiral.Request{Branch: "spiral-fix", Work: work})
		assert.NoError(t, err)
		done <- rep
	}()

	<-entered
	stats, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, spiral.StateConverging, stats.State)
	assert.Equal(t, "spiral-fix", stats.Branch)

	close(release)
	rep := <-done
	assert.Equal(t, spiral.Merged, rep.Disposition)

	stats, err = m.Statistics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, spiral.StateIdle, stats.State)
	assert.Empty(t, stats.Branch)
}

func TestSpiral_BudgetEnforced(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{MaxSpiralAttempts: 1})
	require.NoError(t, m.StartSession("agent-1", "fix lint"))

	_, err := m.Spiral(context.Background(), "agent-1", spiral.Request{Work: passingWork(0.9)})
	require.NoError(t, err)

	_, err = m.Spiral(context.Background(), "agent-1", spiral.Request{Work: passingWork(0.9)})
	assert.ErrorIs(t, err, ErrSpiralLimit)

	// The refused attempt leaves no trace in the trail.
	stats, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Spirals)
	assert.Equal(t, spiral.StateIdle, stats.State)
}

func TestQuarantine_BlocksMutationsUntilCleared(t *testing.T) {
	port := &corruptPort{RepositoryPort: repoport.NewMemory(), fail: true}
	m := newManager(t, port, Config{})
	require.NoError(t, m.StartSession("agent-1", "stabilize"))
	ctx := context.Background()

	_, err := m.Checkpoint(ctx, "agent-1", "work")
	require.Error(t, err)
	assert.ErrorIs(t, err, repoport.ErrCorruption)
	assert.True(t, m.Quarantined())
	callsAfterDetection := port.calls

	// Mutations are refused without touching the port.
	_, err = m.Checkpoint(ctx, "agent-1", "again")
	assert.ErrorIs(t, err, ErrQuarantined)
	err = m.Revert(ctx, "agent-1", "anything")
	assert.ErrorIs(t, err, ErrQuarantined)
	_, err = m.Spiral(ctx, "agent-1", spiral.Request{Work: passingWork(0.9)})
	assert.ErrorIs(t, err, ErrQuarantined)
	assert.Equal(t, callsAfterDetection, port.calls)

	// Reads still work.
	_, err = m.Statistics("agent-1")
	assert.NoError(t, err)

	port.fail = false
	m.ClearQuarantine()
	assert.False(t, m.Quarantined())
	_, err = m.Checkpoint(ctx, "agent-1", "repaired")
	assert.NoError(t, err)
}

func TestStatistics_TracksFailures(t *testing.T) {
	port := &corruptPort{RepositoryPort: repoport.NewMemory()}
	m := newManager(t, port, Config{})
	require.NoError(t, m.StartSession("agent-1", "stabilize"))
	ctx := context.Background()

	_, err := m.Checkpoint(ctx, "agent-1", "good")
	require.NoError(t, err)

	port.fail = true
	_, err = m.Checkpoint(ctx, "agent-1", "bad")
	require.Error(t, err)

	stats, err := m.Statistics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checkpoints)
	assert.Equal(t, 2, stats.TotalActions)
	assert.Equal(t, 0.5, stats.SuccessRate)

	actions, err := m.Actions("agent-1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.True(t, actions[0].Success)
	assert.False(t, actions[1].Success)
	assert.Empty(t, actions[1].Checkpoint)

	// The failed attempt never joins the revertable set.
	created, err := m.Checkpoints("agent-1")
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestActionTrail_Bounded(t *testing.T) {
	s := &session{agentID: "agent-1"}
	for i := 0; i < actionHistoryLimit+25; i++ {
		s.record(AgentAction{
			Kind:       ActionCheckpointCreate,
			Success:    true,
			Checkpoint: repoport.CheckpointID(fmt.Sprintf("c%d", i)),
		})
	}

	// The trail keeps the newest entries; counters keep the full total.
	trail := s.actionTrail()
	require.Len(t, trail, actionHistoryLimit)
	assert.Equal(t, repoport.CheckpointID("c25"), trail[0].Checkpoint)

	stats := s.statistics()
	assert.Equal(t, actionHistoryLimit+25, stats.TotalActions)
	assert.Equal(t, actionHistoryLimit+25, stats.Checkpoints)
	assert.Len(t, s.checkpointList(), actionHistoryLimit)

	for i := 0; i < outcomeHistoryLimit+10; i++ {
		s.mu.Lock()
		s.noteScoreLocked(float64(i))
		s.mu.Unlock()
	}
	scores := s.scoreHistory()
	require.Len(t, scores, outcomeHistoryLimit)
	assert.Equal(t, float64(10), scores[0])
}

func TestSessions_Isolated(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	require.NoError(t, m.StartSession("agent-a", "fix lint"))
	require.NoError(t, m.StartSession("agent-b", "fix tests"))

	_, err := m.Checkpoint(context.Background(), "agent-a", "a's work")
	require.NoError(t, err)

	aStats, err := m.Statistics("agent-a")
	require.NoError(t, err)
	bStats, err := m.Statistics("agent-b")
	require.NoError(t, err)
	assert.Equal(t, 1, aStats.Checkpoints)
	assert.Equal(t, 0, bStats.Checkpoints)

	all := m.Sessions()
	require.Len(t, all, 2)
	assert.Equal(t, "agent-a", all[0].AgentID)
	assert.Equal(t, "agent-b", all[1].AgentID)
}

func TestMetrics_CombinesViews(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	require.NoError(t, m.StartSession("agent-1", "tighten lint"))
	m.RecordBuild(true)
	m.RecordTests(true)

	_, err := m.Spiral(context.Background(), "agent-1", spiral.Request{Work: passingWork(0.9)})
	require.NoError(t, err)

	met, err := m.Metrics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", met.Statistics.AgentID)
	assert.Equal(t, 1, met.Statistics.Spirals)
	assert.Equal(t, 1.0, met.Analysis.Factors[convergence.FactorBuildSuccess])
	assert.Zero(t, met.Threads.Threads)

	_, err = m.Metrics("ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecommendations(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	require.NoError(t, m.StartSession("agent-1", "fix lint"))

	recs, err := m.Recommendations("agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "create a checkpoint before opening a spiral", recs[0])

	next, err := m.NextAction("agent-1")
	require.NoError(t, err)
	assert.Equal(t, recs[0], next)

	_, err = m.Recommendations("ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAnalysis_UsesRecordedOutcomes(t *testing.T) {
	m := newManager(t, repoport.NewMemory(), Config{})
	for i := 0; i < 3; i++ {
		m.RecordBuild(true)
		m.RecordTests(true)
	}

	an := m.Analysis()
	assert.Equal(t, 1.0, an.Factors[convergence.FactorBuildSuccess])
	assert.Equal(t, 1.0, an.Factors[convergence.FactorTestConsistency])
}
