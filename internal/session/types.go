package session

import (
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/quality"
	"github.com/fyrsmithlabs/gyre/internal/repoport"
	"github.com/fyrsmithlabs/gyre/internal/spiral"
)

// Defaults applied when Config leaves the fields unset.
const (
	DefaultLockWait          = 5 * time.Second
	DefaultMaxSpiralAttempts = 100

	// actionHistoryLimit caps the per-session audit trail.
	actionHistoryLimit = 100
	// outcomeHistoryLimit caps build and test outcome history.
	outcomeHistoryLimit = 100
)

var (
	// ErrDuplicateAgent is returned when an agent already has an open session.
	ErrDuplicateAgent = errors.New("agent already has an open session")
	// ErrSessionNotFound is returned for operations against an unknown agent.
	ErrSessionNotFound = errors.New("no open session for agent")
	// ErrRepositoryBusy is returned when the repository lock could not be
	// acquired within the configured wait.
	ErrRepositoryBusy = errors.New("repository lock is held")
	// ErrInvalidCheckpoint is returned when a revert target was not
	// created by this session or is not an ancestor of the current head.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	// ErrQuarantined blocks mutations after corruption was detected.
	ErrQuarantined = errors.New("repository is quarantined")
	// ErrSpiralLimit is returned once a session has used its spiral budget.
	ErrSpiralLimit = errors.New("session spiral limit reached")
)

// ActionKind classifies entries in the per-session audit trail.
type ActionKind string

const (
	ActionCheckpointCreate  ActionKind = "checkpoint_create"
	ActionRevert            ActionKind = "revert"
	ActionSpiralBranch      ActionKind = "spiral_branch"
	ActionConvergenceCheck  ActionKind = "convergence_check"
	ActionQualityValidation ActionKind = "quality_validation"
	ActionCIValidation      ActionKind = "ci_validation"
	ActionIteration         ActionKind = "iteration"
)

// AgentAction is one audit trail entry.
type AgentAction struct {
	Kind       ActionKind            `json:"kind"`
	Success    bool                  `json:"success"`
	Detail     string                `json:"detail,omitempty"`
	Checkpoint repoport.CheckpointID `json:"checkpoint,omitempty"`
	Score      float64               `json:"score,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// SessionStatistics is a read-only snapshot of one session. TotalActions
// counts every recorded action, including those evicted from the trail.
type SessionStatistics struct {
	SessionID     string        `json:"session_id"`
	AgentID       string        `json:"agent_id"`
	Task          string        `json:"task,omitempty"`
	State         spiral.State  `json:"state"`
	Branch        string        `json:"branch,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Checkpoints   int           `json:"checkpoints"`
	Reverts       int           `json:"reverts"`
	Spirals       int           `json:"spirals"`
	SpiralsMerged int           `json:"spirals_merged"`
	Iterations    int           `json:"iterations"`
	TotalActions  int           `json:"total_actions"`
	SuccessRate   float64       `json:"success_rate"`
	AvgSpiralTime time.Duration `json:"avg_spiral_time"`
	BestScore     float64       `json:"best_score"`
	LastScore     float64       `json:"last_score"`
	LastAction    time.Time     `json:"last_action"`
}

// AgentMetrics is the combined read-only view for one agent: its session
// statistics next to the repository-wide thread population and the
// convergence analysis.
type AgentMetrics struct {
	Statistics SessionStatistics        `json:"statistics"`
	Threads    quality.ThreadStatistics `json:"threads"`
	Analysis   convergence.Analysis     `json:"analysis"`
}

// Config tunes the manager. Zero values take the defaults.
type Config struct {
	// LockWait bounds how long an operation waits for the repository lock.
	LockWait time.Duration
	// MaxSpiralAttempts caps spirals per session.
	MaxSpiralAttempts int
}

func (c Config) withDefaults() Config {
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.MaxSpiralAttempts <= 0 {
		c.MaxSpiralAttempts = DefaultMaxSpiralAttempts
	}
	return c
}

// session is the mutable per-agent state. All fields are guarded by mu.
type session struct {
	mu sync.Mutex

	sessionID      string
	agentID        string
	task           string
	state          spiral.State
	branch         string
	startedAt      time.Time
	checkpoints    int
	reverts        int
	spirals        int
	active         int
	merged         int
	iterations     int
	totalActions   int
	successes      int
	spiralTime     time.Duration
	bestScore      float64
	lastScore      float64
	lastAction     time.Time
	actions        []AgentAction

	// created holds this session's checkpoint ids in creation order,
	// bounded like the action trail. Revert targets must come from here.
	created []repoport.CheckpointID

	// scores is the bounded history of aggregates this session observed.
	scores []float64
}

func (s *session) record(a AgentAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(a)
}

func (s *session) recordLocked(a AgentAction) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	s.actions = append(s.actions, a)
	if len(s.actions) > actionHistoryLimit {
		s.actions = s.actions[len(s.actions)-actionHistoryLimit:]
	}
	s.totalActions++
	if a.Success {
		s.successes++
	}
	s.lastAction = a.Timestamp

	switch a.Kind {
	case ActionCheckpointCreate:
		if a.Success {
			s.checkpoints++
			s.noteCheckpointLocked(a.Checkpoint)
		}
	case ActionRevert:
		if a.Success {
			s.reverts++
		}
	}
}

func (s *session) noteCheckpointLocked(id repoport.CheckpointID) {
	if id == "" {
		return
	}
	s.created = append(s.created, id)
	if len(s.created) > actionHistoryLimit {
		s.created = s.created[len(s.created)-actionHistoryLimit:]
	}
}

func (s *session) hasCheckpoint(id repoport.CheckpointID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.created {
		if c == id {
			return true
		}
	}
	return false
}

func (s *session) checkpointList() []repoport.CheckpointID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repoport.CheckpointID, len(s.created))
	copy(out, s.created)
	return out
}

func (s *session) beginSpiral(limit int, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spirals >= limit {
		return ErrSpiralLimit
	}
	s.spirals++
	s.active++
	s.branch = branch
	s.state = spiral.StateConverging
	return nil
}

func (s *session) recordSpiral(rep spiral.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}
	if s.active == 0 {
		s.branch = ""
		s.state = spiral.StateIdle
	}
	if rep.StartedAt.IsZero() {
		// The spiral never started; there is nothing to log.
		return
	}

	s.iterations += rep.Result.Iterations
	s.spiralTime += rep.FinishedAt.Sub(rep.StartedAt)
	if rep.Result.BestScore > s.bestScore {
		s.bestScore = rep.Result.BestScore
	}
	if rep.Disposition == spiral.Merged {
		s.merged++
	}
	s.noteCheckpointLocked(rep.Base)

	s.recordLocked(AgentAction{
		Kind:       ActionSpiralBranch,
		Success:    rep.Base != "",
		Detail:     rep.Branch,
		Checkpoint: rep.Base,
		Timestamp:  rep.StartedAt,
	})
	for _, at := range rep.Result.Attempts {
		s.recordLocked(AgentAction{
			Kind:      ActionIteration,
			Success:   at.Decision != convergence.DecisionFailed,
			Detail:    string(at.Decision),
			Score:     at.Score,
			Timestamp: rep.FinishedAt,
		})
		// Failed attempts never produced a measurement.
		if at.Decision != convergence.DecisionFailed {
			s.noteScoreLocked(at.Score)
		}
	}
	s.recordLocked(AgentAction{
		Kind:       ActionConvergenceCheck,
		Success:    rep.Disposition == spiral.Merged,
		Detail:     string(rep.Disposition),
		Checkpoint: rep.Final,
		Score:      rep.Result.BestScore,
		Timestamp:  rep.FinishedAt,
	})
	if rep.Disposition == spiral.Merged {
		s.noteCheckpointLocked(rep.Final)
	}
}

func (s *session) noteScoreLocked(score float64) {
	s.lastScore = score
	s.scores = append(s.scores, score)
	if len(s.scores) > outcomeHistoryLimit {
		s.scores = s.scores[len(s.scores)-outcomeHistoryLimit:]
	}
}

func (s *session) scoreHistory() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.scores))
	copy(out, s.scores)
	return out
}

func (s *session) statistics() SessionStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := SessionStatistics{
		SessionID:     s.sessionID,
		AgentID:       s.agentID,
		Task:          s.task,
		State:         s.state,
		Branch:        s.branch,
		StartedAt:     s.startedAt,
		Checkpoints:   s.checkpoints,
		Reverts:       s.reverts,
		Spirals:       s.spirals,
		SpiralsMerged: s.merged,
		Iterations:    s.iterations,
		TotalActions:  s.totalActions,
		BestScore:     s.bestScore,
		LastScore:     s.lastScore,
		LastAction:    s.lastAction,
	}
	if s.totalActions > 0 {
		stats.SuccessRate = float64(s.successes) / float64(s.totalActions)
	}
	if s.spirals > 0 {
		stats.AvgSpiralTime = s.spiralTime / time.Duration(s.spirals)
	}
	return stats
}

func (s *session) actionTrail() []AgentAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentAction, len(s.actions))
	copy(out, s.actions)
	return out
}

func (s *session) checkpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints
}
