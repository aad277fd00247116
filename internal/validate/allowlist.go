package validate

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML marks an allowlist file that exists but cannot be parsed.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")
	// ErrInvalidRegex marks an allowlist pattern that does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist excludes paths and content patterns from secret detection.
type Allowlist struct {
	Paths   []string
	Regexes []string

	pathPatterns []*regexp.Regexp
}

// LoadAllowlist reads an allowlist TOML file. A missing file yields an
// empty allowlist; a present but invalid file is an error.
//
// Format:
//
//	[allowlist]
//	paths = ["testdata/.*"]
//	regexes = ["dummy-key-.*"]
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("stat allowlist %s: %w", path, err)
	}

	var file struct {
		Allowlist struct {
			Paths   []string `toml:"paths"`
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	al := &Allowlist{
		Paths:   file.Allowlist.Paths,
		Regexes: file.Allowlist.Regexes,
	}
	if err := al.compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return al, nil
}

func (a *Allowlist) compile() error {
	a.pathPatterns = a.pathPatterns[:0]
	for _, pattern := range a.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
		a.pathPatterns = append(a.pathPatterns, re)
	}
	for _, pattern := range a.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
	}
	return nil
}

// AllowsPath reports whether the path is excluded from scanning.
func (a *Allowlist) AllowsPath(path string) bool {
	if a == nil {
		return false
	}
	if a.pathPatterns == nil && len(a.Paths) > 0 {
		// Allowlists built literally rather than loaded.
		if err := a.compile(); err != nil {
			return false
		}
	}
	for _, re := range a.pathPatterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
