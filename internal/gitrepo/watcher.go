package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrNotGitRepo indicates the directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// Change reports a repository modification made outside this process.
type Change struct {
	Ref  string
	Hash string
	At   time.Time
}

// Watcher observes the git directory and flags external modification on
// the adapter, so the next operation fails with ErrConflict instead of
// building on a head it no longer owns.
type Watcher struct {
	repo    *Repository
	gitDir  string
	watcher *fsnotify.Watcher
	changes chan Change
	stop    chan struct{}
	logger  *zap.Logger
}

// NewWatcher builds a watcher for the adapter's repository.
func NewWatcher(repo *Repository, logger *zap.Logger) (*Watcher, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gitDir, err := detectGitDir(repo.Path())
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filesystem watcher: %w", err)
	}
	return &Watcher{
		repo:    repo,
		gitDir:  gitDir,
		watcher: fsWatcher,
		changes: make(chan Change, 10),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start begins watching. Stop releases the watcher.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.gitDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.gitDir, err)
	}
	// Branch ref writes land here; missing only in degenerate repos.
	headsDir := filepath.Join(w.gitDir, "refs", "heads")
	if _, err := os.Stat(headsDir); err == nil {
		_ = w.watcher.Add(headsDir)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Changes returns the channel external modifications are reported on.
// Events are dropped, not blocked on, when the receiver lags.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if interestingEvent(event) {
				w.evaluate()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// evaluate compares the on-disk head against the adapter's recorded
// state. A mismatch means another writer touched the repository.
func (w *Watcher) evaluate() {
	ref, hash, err := readHead(w.gitDir)
	if err != nil {
		return
	}
	if w.repo.Synced(ref, hash) {
		return
	}

	w.repo.FlagExternalChange()
	w.logger.Warn("repository modified externally",
		zap.String("ref", ref),
		zap.String("hash", shortHash(hash)))

	select {
	case w.changes <- Change{Ref: ref, Hash: hash, At: time.Now()}:
	default:
	}
}

// interestingEvent filters for writes that can move the head: the HEAD
// file, packed refs, and branch refs. Lock files churn on every git
// operation and are skipped.
func interestingEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	if name == "HEAD" || name == "packed-refs" {
		return true
	}
	return strings.Contains(event.Name, filepath.Join("refs", "heads"))
}

// readHead reads the current branch and its hash straight from the git
// directory. go-git is not consulted here so the watcher never contends
// with in-flight adapter operations.
func readHead(gitDir string) (ref, hash string, err error) {
	content, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", "", fmt.Errorf("read HEAD: %w", err)
	}

	head := strings.TrimSpace(string(content))
	if !strings.HasPrefix(head, "ref: refs/heads/") {
		// Detached head.
		return "", head, nil
	}
	ref = strings.TrimPrefix(head, "ref: refs/heads/")

	refContent, err := os.ReadFile(filepath.Join(gitDir, "refs", "heads", ref))
	if err != nil {
		// Ref may be packed; report the branch with an unknown hash.
		return ref, "", nil
	}
	return ref, strings.TrimSpace(string(refContent)), nil
}

// detectGitDir resolves the git directory for a working tree, following
// the gitdir pointer for worktrees.
func detectGitDir(path string) (string, error) {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotGitRepo, path)
		}
		return "", fmt.Errorf("stat .git: %w", err)
	}
	if info.IsDir() {
		return gitPath, nil
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return "", fmt.Errorf("read .git file: %w", err)
	}
	dir := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(content)), "gitdir:"))
	if dir == "" || dir == strings.TrimSpace(string(content)) {
		return "", fmt.Errorf("%w: unrecognized .git file", ErrNotGitRepo)
	}
	return dir, nil
}

func shortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
