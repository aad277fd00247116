package quality

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultHistoryLimit bounds per-thread history.
	DefaultHistoryLimit = 50
	// DefaultSnapshotLimit bounds the tracker-wide mean-score history used
	// for trend computation.
	DefaultSnapshotLimit = 100
)

// Config controls tracker behavior.
type Config struct {
	// HistoryLimit caps QualityPoints retained per thread. Zero means
	// DefaultHistoryLimit.
	HistoryLimit int
	// SnapshotLimit caps the mean-score history. Zero means
	// DefaultSnapshotLimit.
	SnapshotLimit int
	// Weights are per-kind weights for PolicyWeightedMean. Kinds without an
	// entry weigh 1.0.
	Weights map[ThreadKind]float64
}

// Tracker stores quality threads per artifact.
type Tracker struct {
	mu        sync.RWMutex
	artifacts map[string]*artifact

	histMu      sync.Mutex
	meanHistory []QualityPoint

	historyLimit  int
	snapshotLimit int
	weights       map[ThreadKind]float64
	logger        *zap.Logger
}

// artifact serializes writes for one path. Threads of different artifacts
// never contend.
type artifact struct {
	mu      sync.Mutex
	threads map[ThreadKind]*FileThread
}

// NewTracker creates a tracker. A nil logger disables logging.
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = DefaultSnapshotLimit
	}
	return &Tracker{
		artifacts:     make(map[string]*artifact),
		historyLimit:  cfg.HistoryLimit,
		snapshotLimit: cfg.SnapshotLimit,
		weights:       cfg.Weights,
		logger:        logger,
	}
}

// RecordMeasurement stores a validated score for one artifact dimension,
// appends a history point, and updates the color bucket. Scores outside
// [0,1] fail with ErrInvalidScore and leave the tracker untouched.
func (t *Tracker) RecordMeasurement(path string, kind ThreadKind, score float64) error {
	if path == "" {
		return fmt.Errorf("artifact path is required")
	}
	if kind == "" {
		return fmt.Errorf("thread kind is required")
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return fmt.Errorf("measure %s %s: score %v: %w", path, kind, score, ErrInvalidScore)
	}

	a := t.artifactFor(path)

	a.mu.Lock()
	th, ok := a.threads[kind]
	if !ok {
		th = &FileThread{Path: path, Kind: kind}
		a.threads[kind] = th
	}
	th.Score = score
	th.Color = ColorFor(score)
	th.History = append(th.History, QualityPoint{Score: score, Timestamp: time.Now()})
	if len(th.History) > t.historyLimit {
		th.History = th.History[len(th.History)-t.historyLimit:]
	}
	a.mu.Unlock()

	t.recordMean()

	t.logger.Debug("measurement recorded",
		zap.String("artifact", path),
		zap.String("kind", string(kind)),
		zap.Float64("score", score),
		zap.String("color", string(ColorFor(score))))
	return nil
}

// artifactFor returns the artifact entry for path, creating it on first use.
func (t *Tracker) artifactFor(path string) *artifact {
	t.mu.RLock()
	a, ok := t.artifacts[path]
	t.mu.RUnlock()
	if ok {
		return a
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok = t.artifacts[path]; ok {
		return a
	}
	a = &artifact{threads: make(map[ThreadKind]*FileThread)}
	t.artifacts[path] = a
	return a
}

// Snapshot returns copies of the current threads, optionally filtered to the
// given artifact paths. Pure read; the result is detached from tracker state
// and sorted by path then kind.
func (t *Tracker) Snapshot(paths ...string) []FileThread {
	var filter map[string]bool
	if len(paths) > 0 {
		filter = make(map[string]bool, len(paths))
		for _, p := range paths {
			filter[p] = true
		}
	}

	t.mu.RLock()
	selected := make([]*artifact, 0, len(t.artifacts))
	for path, a := range t.artifacts {
		if filter == nil || filter[path] {
			selected = append(selected, a)
		}
	}
	t.mu.RUnlock()

	out := make([]FileThread, 0, len(selected)*2)
	for _, a := range selected {
		a.mu.Lock()
		for _, th := range a.threads {
			cp := *th
			cp.History = append([]QualityPoint(nil), th.History...)
			out = append(out, cp)
		}
		a.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Aggregate reduces a thread set to one score using the given policy and the
// tracker's configured weights. Recomputed from scratch on every call; an
// empty set fails with ErrEmptyThreadSet.
func (t *Tracker) Aggregate(policy Policy, threads []FileThread) (float64, error) {
	return AggregateWith(policy, t.weights, threads)
}

// AggregateWith is Aggregate with explicit weights, usable without a tracker.
func AggregateWith(policy Policy, weights map[ThreadKind]float64, threads []FileThread) (float64, error) {
	if len(threads) == 0 {
		return 0, ErrEmptyThreadSet
	}

	switch policy {
	case PolicyMin, "":
		min := threads[0].Score
		for _, th := range threads[1:] {
			if th.Score < min {
				min = th.Score
			}
		}
		return min, nil
	case PolicyWeightedMean:
		var sum, total float64
		for _, th := range threads {
			w := 1.0
			if weights != nil {
				if ww, ok := weights[th.Kind]; ok {
					w = ww
				}
			}
			sum += w * th.Score
			total += w
		}
		if total == 0 {
			return 0, fmt.Errorf("aggregate: all thread weights are zero")
		}
		return sum / total, nil
	default:
		return 0, fmt.Errorf("aggregate: unknown policy %q", policy)
	}
}

// Statistics summarizes the tracked population: counts, mean, color
// distribution, health ratio, and the trend slope over recent means.
func (t *Tracker) Statistics() ThreadStatistics {
	threads := t.Snapshot()

	stats := ThreadStatistics{
		Threads: len(threads),
		Colors:  make(map[Color]int, 5),
	}

	artifacts := make(map[string]bool)
	var sum float64
	var healthy int
	for _, th := range threads {
		artifacts[th.Path] = true
		sum += th.Score
		stats.Colors[th.Color]++
		if th.Color == LightGreen || th.Color == Green {
			healthy++
		}
		if n := len(th.History); n > 0 && th.History[n-1].Timestamp.After(stats.LastMeasured) {
			stats.LastMeasured = th.History[n-1].Timestamp
		}
	}
	stats.Artifacts = len(artifacts)
	if len(threads) > 0 {
		stats.MeanScore = sum / float64(len(threads))
		stats.HealthRatio = float64(healthy) / float64(len(threads))
	}

	t.histMu.Lock()
	scores := make([]float64, len(t.meanHistory))
	for i, p := range t.meanHistory {
		scores[i] = p.Score
	}
	t.histMu.Unlock()
	stats.Trend = TrendSlope(scores)

	return stats
}

// MeanHistory returns the bounded history of population means, oldest first.
func (t *Tracker) MeanHistory() []QualityPoint {
	t.histMu.Lock()
	defer t.histMu.Unlock()
	return append([]QualityPoint(nil), t.meanHistory...)
}

// recordMean appends the current population mean to the bounded history.
func (t *Tracker) recordMean() {
	threads := t.Snapshot()
	if len(threads) == 0 {
		return
	}
	var sum float64
	for _, th := range threads {
		sum += th.Score
	}
	mean := sum / float64(len(threads))

	t.histMu.Lock()
	t.meanHistory = append(t.meanHistory, QualityPoint{Score: mean, Timestamp: time.Now()})
	if len(t.meanHistory) > t.snapshotLimit {
		t.meanHistory = t.meanHistory[len(t.meanHistory)-t.snapshotLimit:]
	}
	t.histMu.Unlock()
}
