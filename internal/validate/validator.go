package validate

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

// Measurement is what one validator reports for a run.
type Measurement struct {
	// Score is the repository-level score in [0, 1].
	Score float64
	// Files carries per-file scores when the validator can attribute
	// findings. When empty the repository score applies to every
	// changed file.
	Files map[string]float64
	// Detail is a short human summary for logs and reports.
	Detail string
}

// Validator scores one aspect of the workspace.
type Validator interface {
	Name() string
	Kind() quality.ThreadKind
	Weight() float64
	Required() bool
	Run(ctx context.Context, dir string) (Measurement, error)
}

// ChangedFilesFunc lists the files touched since the last checkpoint.
// Repository adapters provide this; tests inject fakes.
type ChangedFilesFunc func(ctx context.Context, dir string) ([]string, error)

// Result is the recorded outcome of one validator within a suite run.
type Result struct {
	Validator string             `json:"validator"`
	Kind      quality.ThreadKind `json:"kind"`
	Score     float64            `json:"score"`
	Weight    float64            `json:"weight"`
	Required  bool               `json:"required"`
	Passed    bool               `json:"passed"`
	Detail    string             `json:"detail,omitempty"`
	Err       string             `json:"error,omitempty"`
	Files     map[string]float64 `json:"files,omitempty"`
	Elapsed   time.Duration      `json:"elapsed"`
}

// Outcome is the result of a whole suite run.
type Outcome struct {
	Score   float64       `json:"score"`
	Passed  bool          `json:"passed"`
	Results []Result      `json:"results"`
	Elapsed time.Duration `json:"elapsed"`
}
