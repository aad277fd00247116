package validate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

const (
	ciRequestsPerSecond = 1
	ciBurst             = 3
	ciPageSize          = 100
)

// checksLister is the slice of the GitHub checks API the validator needs.
type checksLister interface {
	ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) (*github.ListCheckRunsResults, *github.Response, error)
}

// CIConfig configures the GitHub check-run validator.
type CIConfig struct {
	Owner    string
	Repo     string
	Ref      string
	Token    string
	Weight   float64
	Required bool
	Retry    RetryConfig
}

// CI scores a ref by the conclusions of its GitHub check runs.
type CI struct {
	cfg     CIConfig
	checks  checksLister
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCI builds a CI validator backed by the GitHub API.
func NewCI(cfg CIConfig, logger *zap.Logger) (*CI, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("owner and repo are required")
	}
	if cfg.Ref == "" {
		return nil, errors.New("ref is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("token is required")
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("weight must not be negative, got %v", cfg.Weight)
	}
	if cfg.Weight == 0 {
		cfg.Weight = 1
	}
	cfg.Retry.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))

	return &CI{
		cfg:     cfg,
		checks:  client.Checks,
		limiter: rate.NewLimiter(rate.Limit(ciRequestsPerSecond), ciBurst),
		logger:  logger,
	}, nil
}

func (c *CI) Name() string             { return "ci" }
func (c *CI) Kind() quality.ThreadKind { return quality.KindTest }
func (c *CI) Weight() float64          { return c.cfg.Weight }
func (c *CI) Required() bool           { return c.cfg.Required }

// Run lists the check runs for the configured ref and scores the share
// of completed runs that passed. A ref with no completed runs scores 1.
func (c *CI) Run(ctx context.Context, _ string) (Measurement, error) {
	runs, err := c.listCheckRuns(ctx)
	if err != nil {
		return Measurement{}, err
	}

	var completed, passing int
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			continue
		}
		completed++
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
			passing++
		}
	}

	score := 1.0
	if completed > 0 {
		score = float64(passing) / float64(completed)
	}
	c.logger.Debug("check runs scored",
		zap.String("ref", c.cfg.Ref),
		zap.Int("completed", completed),
		zap.Int("passing", passing),
		zap.Float64("score", score))

	return Measurement{
		Score:  score,
		Detail: fmt.Sprintf("%d/%d check runs passing", passing, completed),
	}, nil
}

func (c *CI) listCheckRuns(ctx context.Context) ([]*github.CheckRun, error) {
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: ciPageSize},
	}

	var runs []*github.CheckRun
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		var results *github.ListCheckRunsResults
		resp, err := retryGitHub(ctx, c.cfg.Retry, c.logger, func() (*github.Response, error) {
			var callResp *github.Response
			var callErr error
			results, callResp, callErr = c.checks.ListCheckRunsForRef(ctx, c.cfg.Owner, c.cfg.Repo, c.cfg.Ref, opts)
			return callResp, callErr
		})
		if err != nil {
			return nil, fmt.Errorf("list check runs for %s: %w", c.cfg.Ref, err)
		}

		runs = append(runs, results.CheckRuns...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return runs, nil
}
