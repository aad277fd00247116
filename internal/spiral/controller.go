package spiral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/metrics"
	"github.com/fyrsmithlabs/gyre/internal/repoport"
)

// abandonTimeout bounds rollback work after the run context is gone.
const abandonTimeout = 30 * time.Second

// Controller runs spirals against a single repository. One spiral at a
// time; Run returns ErrBusy while another is in flight.
type Controller struct {
	port    repoport.RepositoryPort
	engine  *convergence.Engine
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	state State
	busy  bool
}

// NewController wires a controller to a repository port and a configured
// convergence engine.
func NewController(port repoport.RepositoryPort, engine *convergence.Engine, logger *zap.Logger) (*Controller, error) {
	if port == nil {
		return nil, errors.New("repository port is required")
	}
	if engine == nil {
		return nil, errors.New("convergence engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		port:    port,
		engine:  engine,
		metrics: metrics.New(),
		logger:  logger,
		state:   StateIdle,
	}, nil
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) transition(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.logger.Debug("spiral state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
}

// Run executes one spiral: checkpoint the current state, open a work
// branch, drive the convergence loop, then merge the accepted state or
// revert to the base checkpoint and discard the branch. The repository
// is never left between those two outcomes; rollback is attempted even
// when a port operation or the run context fails.
func (c *Controller) Run(ctx context.Context, req Request) (Report, error) {
	if err := req.validate(); err != nil {
		return Report{}, err
	}
	eng := c.engine
	if req.Threshold > 0 || req.MaxIterations > 0 {
		cfg := eng.Config()
		if req.Threshold > 0 {
			cfg.Threshold = req.Threshold
		}
		if req.MaxIterations > 0 {
			cfg.MaxIterations = req.MaxIterations
		}
		override, err := convergence.NewEngine(cfg, c.logger)
		if err != nil {
			return Report{}, err
		}
		eng = override
	}

	if err := c.claim(); err != nil {
		return Report{}, err
	}
	defer c.release()

	start := time.Now()
	branch := req.Branch
	if branch == "" {
		branch = DefaultBranch()
	}
	message := req.Message
	if message == "" {
		message = fmt.Sprintf("spiral %s: base", branch)
	}

	rep := Report{AgentID: req.AgentID, Branch: branch, StartedAt: start}
	logger := c.logger.With(zap.String("agent_id", req.AgentID), zap.String("branch", branch))
	logger.Info("spiral starting",
		zap.Float64("threshold", eng.Config().Threshold),
		zap.Int("max_iterations", eng.Config().MaxIterations))

	base, err := c.port.CreateCheckpoint(ctx, message)
	c.metrics.RecordCheckpoint(err)
	if err != nil {
		// Nothing was applied; there is no state to roll back.
		rep.Disposition = RevertedAbandoned
		c.finish(logger, &rep, start)
		return rep, fmt.Errorf("create base checkpoint: %w", err)
	}
	rep.Base = base
	c.transition(StateCheckpointCreated)

	if err := c.port.CreateBranch(ctx, branch, base); err != nil {
		c.abandon(ctx, logger, &rep, base, branch, false)
		c.finish(logger, &rep, start)
		return rep, fmt.Errorf("create spiral branch: %w", err)
	}
	c.transition(StateBranchOpen)

	c.transition(StateConverging)
	res, runErr := eng.Run(ctx, convergence.Funcs{
		Attempt:  req.Work.Attempt,
		Evaluate: req.Work.Evaluate,
		Reject: func(ctx context.Context, iteration int) error {
			err := c.port.RevertTo(ctx, base)
			c.metrics.RecordRevert(err)
			return err
		},
	})
	rep.Result = res

	if runErr == nil && res.Outcome == convergence.Converged {
		accepted, err := c.port.CreateCheckpoint(ctx,
			fmt.Sprintf("spiral %s: accepted (score %.3f)", branch, res.Score),
			repoport.WithScore(res.Score))
		c.metrics.RecordCheckpoint(err)
		if err != nil {
			c.abandon(ctx, logger, &rep, base, branch, true)
			c.finish(logger, &rep, start)
			return rep, fmt.Errorf("checkpoint accepted state: %w", err)
		}
		if err := c.port.MergeBranch(ctx, branch); err != nil {
			c.abandon(ctx, logger, &rep, base, branch, true)
			c.finish(logger, &rep, start)
			return rep, fmt.Errorf("merge spiral branch: %w", err)
		}
		// Merge landed; the disposition is fixed no matter what follows.
		rep.Disposition = Merged
		c.transition(StateMerged)
		if final, err := c.port.CurrentCheckpoint(ctx); err == nil {
			rep.Final = final
		} else {
			logger.Warn("reading merged checkpoint failed", zap.Error(err))
			rep.Final = accepted
		}
		c.finish(logger, &rep, start)
		return rep, nil
	}

	c.abandon(ctx, logger, &rep, base, branch, true)
	c.finish(logger, &rep, start)
	if runErr != nil {
		return rep, fmt.Errorf("convergence run: %w", runErr)
	}
	return rep, nil
}

// abandon reverts to the base checkpoint and discards the spiral branch.
// Both steps are best effort so a port failure cannot strand a
// half-applied repository.
func (c *Controller) abandon(ctx context.Context, logger *zap.Logger, rep *Report, base repoport.CheckpointID, branch string, branchOpen bool) {
	// Rollback must still run when the caller's context is gone.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), abandonTimeout)
		defer cancel()
	}

	err := c.port.RevertTo(ctx, base)
	c.metrics.RecordRevert(err)
	if err != nil {
		logger.Error("revert to base checkpoint failed",
			zap.String("checkpoint", base.Short()),
			zap.Error(err))
	}
	if branchOpen {
		if err := c.port.DiscardBranch(ctx, branch); err != nil {
			logger.Error("discard spiral branch failed", zap.Error(err))
		}
	}
	rep.Final = base
	rep.Disposition = RevertedAbandoned
	c.transition(StateReverted)
}

func (c *Controller) finish(logger *zap.Logger, rep *Report, start time.Time) {
	rep.FinishedAt = time.Now()
	c.metrics.RecordSpiral(string(rep.Disposition), rep.Result.Iterations, rep.FinishedAt.Sub(start))
	logger.Info("spiral finished",
		zap.String("disposition", string(rep.Disposition)),
		zap.Int("iterations", rep.Result.Iterations),
		zap.Float64("best_score", rep.Result.BestScore),
		zap.Duration("elapsed", rep.FinishedAt.Sub(start)))
	c.transition(StateIdle)
}
