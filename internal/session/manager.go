package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/metrics"
	"github.com/fyrsmithlabs/gyre/internal/quality"
	"github.com/fyrsmithlabs/gyre/internal/repoport"
	"github.com/fyrsmithlabs/gyre/internal/spiral"
)

// Manager owns agent sessions for a single repository. Mutating
// operations hold the repository lock; a spiral holds it for its whole
// run so no other agent can interleave checkpoints with it.
type Manager struct {
	port     repoport.RepositoryPort
	tracker  *quality.Tracker
	spirals  *spiral.Controller
	analyzer *convergence.Analyzer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*session

	repoLock    chan struct{}
	quarantined atomic.Bool

	outcomeMu sync.Mutex
	builds    []bool
	tests     []bool
}

// NewManager wires a manager to its collaborators.
func NewManager(port repoport.RepositoryPort, tracker *quality.Tracker, spirals *spiral.Controller, analyzer *convergence.Analyzer, cfg Config, logger *zap.Logger) (*Manager, error) {
	if port == nil {
		return nil, errors.New("repository port is required")
	}
	if tracker == nil {
		return nil, errors.New("quality tracker is required")
	}
	if spirals == nil {
		return nil, errors.New("spiral controller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if analyzer == nil {
		var err error
		analyzer, err = convergence.NewAnalyzer(convergence.AnalyzerConfig{}, logger)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		port:     port,
		tracker:  tracker,
		spirals:  spirals,
		analyzer: analyzer,
		metrics:  metrics.New(),
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
		repoLock: make(chan struct{}, 1),
	}, nil
}

// StartSession registers an agent working on the given task. At most
// one open session per agent.
func (m *Manager) StartSession(agentID, task string) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[agentID]; ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrDuplicateAgent)
	}
	s := &session{
		sessionID: uuid.New().String(),
		agentID:   agentID,
		task:      task,
		state:     spiral.StateIdle,
		startedAt: time.Now(),
	}
	m.sessions[agentID] = s
	m.metrics.ActiveSessions.Inc()
	m.logger.Info("session started",
		zap.String("session_id", s.sessionID),
		zap.String("agent_id", agentID),
		zap.String("task", task))
	return nil
}

// EndSession closes an agent's session. It is safe to call with no
// work in flight; an absent agent is an error.
func (m *Manager) EndSession(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrSessionNotFound)
	}
	delete(m.sessions, agentID)
	m.metrics.ActiveSessions.Dec()
	m.logger.Info("session ended", zap.String("agent_id", agentID))
	return nil
}

// Checkpoint records the current repository state for the agent.
func (m *Manager) Checkpoint(ctx context.Context, agentID, message string) (repoport.CheckpointID, error) {
	s, err := m.session(agentID)
	if err != nil {
		return "", err
	}
	if m.quarantined.Load() {
		return "", ErrQuarantined
	}
	if err := m.acquireRepo(ctx); err != nil {
		return "", err
	}
	defer m.releaseRepo()

	id, err := m.port.CreateCheckpoint(ctx, message)
	m.metrics.RecordCheckpoint(err)
	if err != nil {
		m.noteCorruption(err)
		s.record(AgentAction{Kind: ActionCheckpointCreate, Detail: message})
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	s.record(AgentAction{Kind: ActionCheckpointCreate, Success: true, Checkpoint: id, Detail: message})
	m.logger.Info("checkpoint created",
		zap.String("agent_id", agentID),
		zap.String("checkpoint", id.Short()))
	return id, nil
}

// Revert moves the repository back to a prior checkpoint. The target
// must have been created by this session and be an ancestor of, or
// equal to, the current head.
func (m *Manager) Revert(ctx context.Context, agentID string, id repoport.CheckpointID) error {
	s, err := m.session(agentID)
	if err != nil {
		return err
	}
	if m.quarantined.Load() {
		return ErrQuarantined
	}
	if !s.hasCheckpoint(id) {
		return fmt.Errorf("checkpoint %s was not created by this session: %w", id.Short(), ErrInvalidCheckpoint)
	}
	if err := m.acquireRepo(ctx); err != nil {
		return err
	}
	defer m.releaseRepo()

	head, err := m.port.CurrentCheckpoint(ctx)
	if err != nil {
		m.noteCorruption(err)
		return fmt.Errorf("read current checkpoint: %w", err)
	}
	ok, err := m.port.IsAncestor(ctx, id, head)
	if err != nil {
		if errors.Is(err, repoport.ErrUnknownCheckpoint) {
			return fmt.Errorf("checkpoint %s: %w", id.Short(), ErrInvalidCheckpoint)
		}
		m.noteCorruption(err)
		return fmt.Errorf("validate checkpoint %s: %w", id.Short(), err)
	}
	if !ok {
		return fmt.Errorf("checkpoint %s is not an ancestor of the current head: %w", id.Short(), ErrInvalidCheckpoint)
	}

	err = m.port.RevertTo(ctx, id)
	m.metrics.RecordRevert(err)
	if err != nil {
		m.noteCorruption(err)
		s.record(AgentAction{Kind: ActionRevert, Checkpoint: id})
		return fmt.Errorf("revert to %s: %w", id.Short(), err)
	}
	s.record(AgentAction{Kind: ActionRevert, Success: true, Checkpoint: id})
	m.logger.Info("reverted",
		zap.String("agent_id", agentID),
		zap.String("checkpoint", id.Short()))
	return nil
}

// Spiral runs one spiral for the agent, holding the repository lock for
// the entire run. The session's spiral budget is consumed whether or
// not the spiral merges. A missing branch name gets a generated one so
// the session can report where the work is happening.
func (m *Manager) Spiral(ctx context.Context, agentID string, req spiral.Request) (spiral.Report, error) {
	s, err := m.session(agentID)
	if err != nil {
		return spiral.Report{}, err
	}
	if m.quarantined.Load() {
		return spiral.Report{}, ErrQuarantined
	}
	if req.Branch == "" {
		req.Branch = spiral.DefaultBranch()
	}
	if err := s.beginSpiral(m.cfg.MaxSpiralAttempts, req.Branch); err != nil {
		return spiral.Report{}, fmt.Errorf("agent %s: %w", agentID, err)
	}

	// beginSpiral moved the session to converging; recordSpiral brings
	// it back to idle on every exit path.
	var rep spiral.Report
	defer func() { s.recordSpiral(rep) }()

	if err := m.acquireRepo(ctx); err != nil {
		return spiral.Report{}, err
	}
	defer m.releaseRepo()

	req.AgentID = agentID
	rep, runErr := m.spirals.Run(ctx, req)
	if runErr != nil {
		m.noteCorruption(runErr)
	}
	return rep, runErr
}

// RecordBuild appends a build outcome to the evidence the analyzer sees.
func (m *Manager) RecordBuild(ok bool) {
	m.outcomeMu.Lock()
	defer m.outcomeMu.Unlock()
	m.builds = appendBounded(m.builds, ok, outcomeHistoryLimit)
}

// RecordTests appends a test-run outcome to the evidence the analyzer sees.
func (m *Manager) RecordTests(ok bool) {
	m.outcomeMu.Lock()
	defer m.outcomeMu.Unlock()
	m.tests = appendBounded(m.tests, ok, outcomeHistoryLimit)
}

// Analysis scores repository-wide convergence from the quality tracker
// and recorded build and test outcomes. Read-only.
func (m *Manager) Analysis() convergence.Analysis {
	hist := m.tracker.MeanHistory()
	scores := make([]float64, len(hist))
	for i, p := range hist {
		scores[i] = p.Score
	}
	m.outcomeMu.Lock()
	builds := append([]bool(nil), m.builds...)
	tests := append([]bool(nil), m.tests...)
	m.outcomeMu.Unlock()
	return m.analyzer.Analyze(scores, m.tracker.Statistics(), builds, tests)
}

// Recommendations returns next-step advice for the agent, most pressing
// first. Never empty for an open session.
func (m *Manager) Recommendations(agentID string) ([]string, error) {
	s, err := m.session(agentID)
	if err != nil {
		return nil, err
	}
	recs := m.Analysis().Recommendations
	if s.checkpointCount() == 0 {
		recs = append([]string{"create a checkpoint before opening a spiral"}, recs...)
	}
	if m.quarantined.Load() {
		recs = append([]string{"repository is quarantined; clear it before further mutations"}, recs...)
	}
	return recs, nil
}

// NextAction returns the single most pressing recommendation.
func (m *Manager) NextAction(agentID string) (string, error) {
	recs, err := m.Recommendations(agentID)
	if err != nil {
		return "", err
	}
	return recs[0], nil
}

// Statistics returns a snapshot of one session.
func (m *Manager) Statistics(agentID string) (SessionStatistics, error) {
	s, err := m.session(agentID)
	if err != nil {
		return SessionStatistics{}, err
	}
	return s.statistics(), nil
}

// Metrics combines one agent's session statistics with the
// repository-wide thread statistics and convergence analysis.
func (m *Manager) Metrics(agentID string) (AgentMetrics, error) {
	s, err := m.session(agentID)
	if err != nil {
		return AgentMetrics{}, err
	}
	return AgentMetrics{
		Statistics: s.statistics(),
		Threads:    m.tracker.Statistics(),
		Analysis:   m.Analysis(),
	}, nil
}

// Checkpoints returns the checkpoint ids this session created, oldest
// first.
func (m *Manager) Checkpoints(agentID string) ([]repoport.CheckpointID, error) {
	s, err := m.session(agentID)
	if err != nil {
		return nil, err
	}
	return s.checkpointList(), nil
}

// ScoreHistory returns the aggregate scores the session's spirals
// produced, oldest first.
func (m *Manager) ScoreHistory(agentID string) ([]float64, error) {
	s, err := m.session(agentID)
	if err != nil {
		return nil, err
	}
	return s.scoreHistory(), nil
}

// Sessions returns snapshots of all open sessions ordered by agent id.
func (m *Manager) Sessions() []SessionStatistics {
	m.mu.Lock()
	stats := make([]SessionStatistics, 0, len(m.sessions))
	for _, s := range m.sessions {
		stats = append(stats, s.statistics())
	}
	m.mu.Unlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].AgentID < stats[j].AgentID })
	return stats
}

// Actions returns the agent's audit trail, oldest first.
func (m *Manager) Actions(agentID string) ([]AgentAction, error) {
	s, err := m.session(agentID)
	if err != nil {
		return nil, err
	}
	return s.actionTrail(), nil
}

// Quarantined reports whether mutations are blocked.
func (m *Manager) Quarantined() bool {
	return m.quarantined.Load()
}

// ClearQuarantine re-enables mutations. Operator action: callers are
// expected to have repaired or verified the repository first.
func (m *Manager) ClearQuarantine() {
	if m.quarantined.CompareAndSwap(true, false) {
		m.logger.Warn("quarantine cleared")
	}
}

func (m *Manager) session(agentID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrSessionNotFound)
	}
	return s, nil
}

// acquireRepo takes the repository lock, waiting at most the configured
// bound. The caller must release it.
func (m *Manager) acquireRepo(ctx context.Context) error {
	start := time.Now()
	timer := time.NewTimer(m.cfg.LockWait)
	defer timer.Stop()
	select {
	case m.repoLock <- struct{}{}:
		m.metrics.RecordLockWait(time.Since(start))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("waited %s for repository lock: %w", m.cfg.LockWait, ErrRepositoryBusy)
	}
}

func (m *Manager) releaseRepo() {
	<-m.repoLock
}

func (m *Manager) noteCorruption(err error) {
	if !errors.Is(err, repoport.ErrCorruption) {
		return
	}
	if m.quarantined.CompareAndSwap(false, true) {
		m.metrics.RecordQuarantine()
		m.logger.Error("repository corruption detected, quarantining mutations", zap.Error(err))
	}
}

func appendBounded(history []bool, v bool, limit int) []bool {
	history = append(history, v)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
