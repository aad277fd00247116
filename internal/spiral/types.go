package spiral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/repoport"
)

// BranchPrefix names spiral work branches.
const BranchPrefix = "spiral-"

// DefaultBranch generates a work branch name.
func DefaultBranch() string {
	return BranchPrefix + uuid.New().String()[:8]
}

var (
	// ErrInvalidRequest is returned before any repository operation runs.
	ErrInvalidRequest = errors.New("invalid spiral request")
	// ErrBusy is returned when a spiral is already in progress on this
	// controller.
	ErrBusy = errors.New("spiral already in progress")
)

// State tracks where the controller is in the spiral lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateCheckpointCreated State = "checkpoint_created"
	StateBranchOpen        State = "branch_open"
	StateConverging        State = "converging"
	StateMerged            State = "merged"
	StateReverted          State = "reverted_abandoned"
)

// Disposition is the terminal outcome of a spiral. There is no third
// state: work is merged whole or the repository is back where it began.
type Disposition string

const (
	Merged            Disposition = "merged"
	RevertedAbandoned Disposition = "reverted_abandoned"
)

// Work supplies the improve and score steps of a spiral. Rollback stays
// with the controller.
type Work struct {
	Attempt  func(ctx context.Context, iteration int) error
	Evaluate func(ctx context.Context) (float64, error)
}

// Request describes one spiral run.
type Request struct {
	// AgentID attributes the run in logs and reports.
	AgentID string
	// Branch names the work branch. Empty generates "spiral-<uuid8>".
	Branch string
	// Message is the base checkpoint message. Empty takes a default
	// derived from the branch name.
	Message string
	// Threshold overrides the engine threshold for this run when
	// positive.
	Threshold float64
	// MaxIterations overrides the engine iteration budget for this run
	// when positive.
	MaxIterations int
	// Work drives the iterations.
	Work Work
}

func (r Request) validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	}
	if r.Work.Attempt == nil {
		return fmt.Errorf("%w: attempt func is required", ErrInvalidRequest)
	}
	if r.Work.Evaluate == nil {
		return fmt.Errorf("%w: evaluate func is required", ErrInvalidRequest)
	}
	return nil
}

// Report describes a finished spiral.
type Report struct {
	AgentID     string                `json:"agent_id"`
	Branch      string                `json:"branch"`
	Base        repoport.CheckpointID `json:"base"`
	Final       repoport.CheckpointID `json:"final"`
	Disposition Disposition           `json:"disposition"`
	Result      convergence.Result    `json:"result"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
}
