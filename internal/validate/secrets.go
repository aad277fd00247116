package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"github.com/zricethezav/gitleaks/v8/report"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

// maxScanSize caps how much of a file the secret scanner reads.
const maxScanSize = 1 << 20 // 1MB

// findingPenalty is the score cost of each detected secret.
const findingPenalty = 0.5

// secretDetector is the slice of the gitleaks detector the validator
// uses. Tests substitute a fake.
type secretDetector interface {
	DetectString(content string) []report.Finding
}

// SecretsConfig describes the secret-scanning validator.
type SecretsConfig struct {
	// AllowlistPath points at an optional TOML allowlist.
	AllowlistPath string
	Weight        float64
	Required      bool
}

// Secrets scans changed files for leaked credentials with the gitleaks
// default ruleset. Each finding costs 0.5 on the file's score, floored
// at zero; the repository score is the weakest file.
type Secrets struct {
	detector  secretDetector
	allowlist *Allowlist
	changed   ChangedFilesFunc
	weight    float64
	required  bool
	logger    *zap.Logger
}

// NewSecrets builds the validator with the gitleaks default config and
// the allowlist merged in.
func NewSecrets(cfg SecretsConfig, changed ChangedFilesFunc, logger *zap.Logger) (*Secrets, error) {
	if changed == nil {
		return nil, errors.New("changed files func is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("build secret detector: %w", err)
	}
	applyAllowlist(&detector.Config, allowlist)

	weight := cfg.Weight
	if weight == 0 {
		weight = 1
	}
	return &Secrets{
		detector:  detector,
		allowlist: allowlist,
		changed:   changed,
		weight:    weight,
		required:  cfg.Required,
		logger:    logger,
	}, nil
}

func (s *Secrets) Name() string             { return "secrets" }
func (s *Secrets) Kind() quality.ThreadKind { return quality.KindSecurity }
func (s *Secrets) Weight() float64          { return s.weight }
func (s *Secrets) Required() bool           { return s.required }

// Run scans each changed file. Unreadable files are skipped with a log
// line rather than failing the run; a missing changed-file list is an
// error.
func (s *Secrets) Run(ctx context.Context, dir string) (Measurement, error) {
	files, err := s.changed(ctx, dir)
	if err != nil {
		return Measurement{}, fmt.Errorf("list changed files: %w", err)
	}

	m := Measurement{Score: 1, Files: make(map[string]float64, len(files))}
	total := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return Measurement{}, err
		}
		if s.allowlist.AllowsPath(file) {
			continue
		}
		content, ok := s.readFile(dir, file)
		if !ok {
			continue
		}

		findings := s.detector.DetectString(content)
		total += len(findings)
		score := 1 - findingPenalty*float64(len(findings))
		if score < 0 {
			score = 0
		}
		m.Files[file] = score
		if score < m.Score {
			m.Score = score
		}
		if len(findings) > 0 {
			s.logger.Warn("secrets detected",
				zap.String("file", file),
				zap.Int("findings", len(findings)))
		}
	}

	m.Detail = fmt.Sprintf("%d findings across %d files", total, len(m.Files))
	return m, nil
}

func (s *Secrets) readFile(dir, file string) (string, bool) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, file)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	if info.Size() > maxScanSize {
		s.logger.Debug("skipping oversized file", zap.String("file", file), zap.Int64("size", info.Size()))
		return "", false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("skipping unreadable file", zap.String("file", file), zap.Error(err))
		return "", false
	}
	return string(content), true
}

// applyAllowlist merges allowlist patterns into the gitleaks config.
// Patterns were validated at load time.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	if allowlist == nil || (len(allowlist.Paths) == 0 && len(allowlist.Regexes) == 0) {
		return
	}
	global := &gitleaksConfig.Allowlist{Description: "project allowlist"}
	for _, pattern := range allowlist.Paths {
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allowlist.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
