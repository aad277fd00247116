package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix guards which environment variables feed the config.
	envPrefix = "GYRE_"

	// localConfigName is looked for in the working directory before the
	// user-level config.
	localConfigName = "gyre.yaml"
)

// Load reads configuration from a YAML file, then overrides with
// GYRE_-prefixed environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (GYRE_CONVERGENCE_THRESHOLD, GYRE_CI_TOKEN, ...)
//  2. YAML config file
//  3. Defaults
//
// When configPath is empty, ./gyre.yaml is used if it exists, otherwise
// ~/.config/gyre/config.yaml. A missing file is not an error; defaults
// and environment variables still apply.
//
// # Security Considerations
//
// The config file must have 0600 or 0400 permissions; world- or
// group-readable files are rejected because the file may carry a CI
// token. Paths are restricted to the working directory, ~/.config/gyre/,
// and /etc/gyre/ to prevent path traversal. Files over 1MB are rejected.
//
// # Environment Variable Mapping
//
// Variables are stripped of the GYRE_ prefix, lowercased, and split on
// the first underscore into section and field:
//
//	GYRE_CONVERGENCE_MAX_ITERATIONS -> convergence.max_iterations
//	GYRE_RULES_MIN_PASSING_SCORE    -> rules.min_passing_score
//	GYRE_CI_TOKEN                   -> ci.token
//
// Only section.field keys are addressable this way; deeper keys such as
// ci.retry.max_backoff are file-only.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		path, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = path
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between the checks and the read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envToKey maps GYRE_SECTION_FIELD_NAME to section.field_name. The split
// is on the first underscore only so field names keep theirs.
func envToKey(s string) string {
	trimmed := strings.TrimPrefix(s, envPrefix)
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// defaultConfigPath prefers a repository-local gyre.yaml over the
// user-level config.
func defaultConfigPath() (string, error) {
	if _, err := os.Stat(localConfigName); err == nil {
		return localConfigName, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "gyre", "config.yaml"), nil
}

// EnsureConfigDir creates ~/.config/gyre with 0700 permissions so new
// installations have somewhere to write config.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "gyre")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks that path sits in an allowed directory. The
// check runs even when the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	// Evaluation fails for paths that do not exist yet; validate the
	// absolute path in that case.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	allowedDirs, err := allowedConfigDirs()
	if err != nil {
		return err
	}

	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) || resolvedPath == dir {
			return nil
		}
	}
	return fmt.Errorf("config file must be under the working directory, ~/.config/gyre/, or /etc/gyre/")
}

func allowedConfigDirs() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	// The working directory may itself be a symlink target.
	if resolved, err := filepath.EvalSymlinks(cwd); err == nil {
		cwd = resolved
	}
	return []string{
		cwd,
		filepath.Join(home, ".config", "gyre"),
		"/etc/gyre",
	}, nil
}

// validateConfigFileProperties checks permissions and size using FileInfo
// from an already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// 0600 or 0400 only; the file may hold a CI token. Windows has a
	// different permission model, skip there.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
