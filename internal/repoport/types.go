package repoport

import (
	"context"
	"errors"
	"time"
)

// CheckpointID is an opaque identifier assigned by the repository provider.
type CheckpointID string

// Short returns a truncated form suitable for log fields.
func (id CheckpointID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Checkpoint is an immutable recorded repository state. Parents carry the
// history links; merge checkpoints have two. Score is the aggregate quality
// score at creation time, zero when the creator had nothing measured.
type Checkpoint struct {
	ID        CheckpointID
	Message   string
	Parents   []CheckpointID
	Score     float64
	CreatedAt time.Time
}

// CheckpointOption annotates checkpoint creation.
type CheckpointOption func(*Checkpoint)

// WithScore records the aggregate quality score at creation time.
func WithScore(score float64) CheckpointOption {
	return func(cp *Checkpoint) {
		cp.Score = score
	}
}

// Sentinel errors for the provider contract. Implementations wrap these so
// callers can classify with errors.Is.
var (
	// ErrConflict reports a concurrent modification of the repository. The
	// operation did not apply; the caller may retry from a fresh state.
	ErrConflict = errors.New("repository modified concurrently")

	// ErrCorruption reports an inconsistent checkpoint graph. Fatal for the
	// affected repository until it is externally repaired.
	ErrCorruption = errors.New("checkpoint graph corrupted")

	// ErrUnknownCheckpoint reports a checkpoint ID the repository has no
	// record of.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrUnknownBranch reports a branch name the repository has no record of.
	ErrUnknownBranch = errors.New("unknown branch")

	// ErrBranchExists reports a branch-name collision on CreateBranch.
	ErrBranchExists = errors.New("branch already exists")
)

// RepositoryPort is the version-control contract consumed by the spiral
// controller and the session manager. All operations are atomic from the
// caller's perspective and totally ordered per repository; implementations
// report concurrent modification as ErrConflict.
type RepositoryPort interface {
	// CreateCheckpoint records the current repository state and returns its
	// identifier. The new checkpoint's parent is the current head.
	CreateCheckpoint(ctx context.Context, message string, opts ...CheckpointOption) (CheckpointID, error)

	// RevertTo restores the repository to the given checkpoint. Idempotent:
	// reverting twice to the same checkpoint leaves the same state as once.
	RevertTo(ctx context.Context, id CheckpointID) error

	// CreateBranch opens a branch at the given checkpoint and makes it
	// current.
	CreateBranch(ctx context.Context, name string, from CheckpointID) error

	// MergeBranch merges the named branch into the branch it was created
	// from and makes the base branch current again.
	MergeBranch(ctx context.Context, name string) error

	// DiscardBranch abandons the named branch without merging and returns
	// to the branch it was created from.
	DiscardBranch(ctx context.Context, name string) error

	// CurrentCheckpoint returns the head of the current branch.
	CurrentCheckpoint(ctx context.Context) (CheckpointID, error)

	// IsAncestor reports whether ancestor is reachable from descendant
	// through parent links. A checkpoint is its own ancestor.
	IsAncestor(ctx context.Context, ancestor, descendant CheckpointID) (bool, error)

	// Lookup returns the checkpoint record for the given identifier.
	Lookup(ctx context.Context, id CheckpointID) (Checkpoint, error)
}
