package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/repoport"
)

// scoreTrailer carries the aggregate quality score in the commit message.
const scoreTrailer = "Quality-Score:"

const (
	defaultAuthor = "gyre"
	defaultEmail  = "gyre@localhost"
)

// Config describes the repository to open.
type Config struct {
	// Path is the working tree root.
	Path string
	// Author and Email sign checkpoint commits. Defaults apply when empty.
	Author string
	Email  string
}

// Repository is a go-git backed repoport.RepositoryPort. Operations are
// serialized; an externally moved head is reported as ErrConflict and the
// adapter resyncs so the caller can retry from the fresh state.
type Repository struct {
	mu     sync.Mutex
	repo   *git.Repository
	path   string
	author string
	email  string

	// base maps a derived branch to the branch it was created from.
	base map[string]string

	// lastRef/lastHead record the head state after this adapter's most
	// recent operation; a mismatch on the next mutation means someone
	// else wrote to the repository.
	lastRef  string
	lastHead plumbing.Hash
	external atomic.Bool

	logger *zap.Logger
}

var _ repoport.RepositoryPort = (*Repository)(nil)

// Open opens an existing repository. A repository with no commits is
// seeded with a root checkpoint so every later checkpoint has a parent.
func Open(cfg Config, logger *zap.Logger) (*Repository, error) {
	if cfg.Path == "" {
		return nil, errors.New("repository path is required")
	}
	if cfg.Author == "" {
		cfg.Author = defaultAuthor
	}
	if cfg.Email == "" {
		cfg.Email = defaultEmail
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	repo, err := git.PlainOpen(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", cfg.Path, err)
	}

	g := &Repository{
		repo:   repo,
		path:   cfg.Path,
		author: cfg.Author,
		email:  cfg.Email,
		base:   make(map[string]string),
		logger: logger,
	}
	if err := g.ensureRoot(); err != nil {
		return nil, err
	}
	if err := g.resync(); err != nil {
		return nil, err
	}
	return g, nil
}

// Init initializes a repository at the path if none exists, then opens it.
func Init(cfg Config, logger *zap.Logger) (*Repository, error) {
	if _, err := git.PlainInit(cfg.Path, false); err != nil && !errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return nil, fmt.Errorf("init repository %s: %w", cfg.Path, err)
	}
	return Open(cfg, logger)
}

// Path returns the working tree root.
func (g *Repository) Path() string { return g.path }

func (g *Repository) CreateCheckpoint(ctx context.Context, message string, opts ...repoport.CheckpointOption) (repoport.CheckpointID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.verifyHead(); err != nil {
		return "", err
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	cp := repoport.Checkpoint{}
	for _, opt := range opts {
		opt(&cp)
	}
	hash, err := wt.Commit(formatMessage(message, cp.Score), &git.CommitOptions{
		Author:            g.signature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}

	g.lastHead = hash
	g.logger.Debug("checkpoint created",
		zap.String("checkpoint", hash.String()[:8]),
		zap.String("branch", g.lastRef))
	return repoport.CheckpointID(hash.String()), nil
}

func (g *Repository) RevertTo(ctx context.Context, id repoport.CheckpointID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.verifyHead(); err != nil {
		return err
	}

	target, err := g.commit(id)
	if err != nil {
		return fmt.Errorf("revert to %s: %w", id.Short(), err)
	}
	head, err := g.repo.CommitObject(g.lastHead)
	if err != nil {
		return fmt.Errorf("read head commit: %w", err)
	}
	reachable, err := target.IsAncestor(head)
	if err != nil {
		return fmt.Errorf("walk ancestry of %s: %w", id.Short(), err)
	}
	if !reachable {
		return fmt.Errorf("revert to %s: not reachable from head of %s: %w", id.Short(), g.lastRef, repoport.ErrUnknownCheckpoint)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: target.Hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", id.Short(), err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean worktree: %w", err)
	}

	g.lastHead = target.Hash
	g.logger.Info("reverted", zap.String("checkpoint", id.Short()), zap.String("branch", g.lastRef))
	return nil
}

func (g *Repository) CreateBranch(ctx context.Context, name string, from repoport.CheckpointID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.verifyHead(); err != nil {
		return err
	}

	if name == "" {
		return errors.New("branch name required")
	}
	branchRef := plumbing.NewBranchReferenceName(name)
	if _, err := g.repo.Reference(branchRef, false); err == nil {
		return fmt.Errorf("create branch %s: %w", name, repoport.ErrBranchExists)
	}
	target, err := g.commit(from)
	if err != nil {
		return fmt.Errorf("create branch %s from %s: %w", name, from.Short(), err)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: branchRef,
		Create: true,
		Hash:   target.Hash,
		Keep:   true,
	}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", name, err)
	}

	g.base[name] = g.lastRef
	g.lastRef = name
	g.lastHead = target.Hash
	g.logger.Debug("branch opened",
		zap.String("branch", name),
		zap.String("from", from.Short()))
	return nil
}

func (g *Repository) MergeBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.verifyHead(); err != nil {
		return err
	}

	branchCommit, baseName, err := g.branchState(name)
	if err != nil {
		return err
	}
	baseRef := plumbing.NewBranchReferenceName(baseName)
	baseHead, err := g.repo.Reference(baseRef, false)
	if err != nil {
		return fmt.Errorf("merge %s: base branch %s: %w", name, baseName, repoport.ErrUnknownBranch)
	}

	headHash := baseHead.Hash()
	if branchCommit.Hash != headHash {
		baseCommit, err := g.repo.CommitObject(headHash)
		if err != nil {
			return fmt.Errorf("read base commit: %w", err)
		}
		onTop, err := baseCommit.IsAncestor(branchCommit)
		if err != nil {
			return fmt.Errorf("walk ancestry of %s: %w", name, err)
		}
		if !onTop {
			return fmt.Errorf("merge %s: base %s moved since branch opened: %w", name, baseName, repoport.ErrConflict)
		}

		_, score := parseMessage(branchCommit.Message)
		mergeHash, err := g.writeMergeCommit(name, branchCommit, headHash, score)
		if err != nil {
			return err
		}
		if err := g.repo.Storer.SetReference(plumbing.NewHashReference(baseRef, mergeHash)); err != nil {
			return fmt.Errorf("advance %s: %w", baseName, err)
		}
		headHash = mergeHash
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: baseRef, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", baseName, err)
	}
	if err := g.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}

	delete(g.base, name)
	g.lastRef = baseName
	g.lastHead = headHash
	g.logger.Info("branch merged",
		zap.String("branch", name),
		zap.String("into", baseName),
		zap.String("checkpoint", headHash.String()[:8]))
	return nil
}

func (g *Repository) DiscardBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	baseName, ok := g.base[name]
	if !ok {
		return fmt.Errorf("discard %s: %w", name, repoport.ErrUnknownBranch)
	}
	baseRef := plumbing.NewBranchReferenceName(baseName)
	baseHead, err := g.repo.Reference(baseRef, false)
	if err != nil {
		return fmt.Errorf("discard %s: base branch %s: %w", name, baseName, repoport.ErrUnknownBranch)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: baseRef, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", baseName, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean worktree: %w", err)
	}
	if err := g.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}

	delete(g.base, name)
	g.lastRef = baseName
	g.lastHead = baseHead.Hash()
	g.logger.Info("branch discarded", zap.String("branch", name), zap.String("base", baseName))
	return nil
}

func (g *Repository) CurrentCheckpoint(ctx context.Context) (repoport.CheckpointID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return repoport.CheckpointID(head.Hash().String()), nil
}

func (g *Repository) IsAncestor(ctx context.Context, ancestor, descendant repoport.CheckpointID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	anc, err := g.commit(ancestor)
	if err != nil {
		return false, fmt.Errorf("ancestor %s: %w", ancestor.Short(), err)
	}
	desc, err := g.commit(descendant)
	if err != nil {
		return false, fmt.Errorf("descendant %s: %w", descendant.Short(), err)
	}
	if anc.Hash == desc.Hash {
		return true, nil
	}
	ok, err := anc.IsAncestor(desc)
	if err != nil {
		return false, fmt.Errorf("walk ancestry: %w", err)
	}
	return ok, nil
}

func (g *Repository) Lookup(ctx context.Context, id repoport.CheckpointID) (repoport.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return repoport.Checkpoint{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	commit, err := g.commit(id)
	if err != nil {
		return repoport.Checkpoint{}, fmt.Errorf("lookup %s: %w", id.Short(), err)
	}
	message, score := parseMessage(commit.Message)
	parents := make([]repoport.CheckpointID, 0, len(commit.ParentHashes))
	for _, parent := range commit.ParentHashes {
		parents = append(parents, repoport.CheckpointID(parent.String()))
	}
	return repoport.Checkpoint{
		ID:        id,
		Message:   message,
		Parents:   parents,
		Score:     score,
		CreatedAt: commit.Committer.When,
	}, nil
}

// ChangedFiles lists paths added, modified, or deleted since the last
// checkpoint. Satisfies validate.ChangedFilesFunc.
func (g *Repository) ChangedFiles(ctx context.Context, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}

	files := make([]string, 0, len(status))
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// CurrentBranch returns the branch the repository is on. Read helper for
// callers and tests; not part of the port contract.
func (g *Repository) CurrentBranch() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return head.Name().Short(), nil
}

// Synced reports whether the given head state matches the state this
// adapter last wrote. The watcher uses it to tell the adapter's own
// operations apart from external writers.
func (g *Repository) Synced(ref, hash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref != g.lastRef {
		return false
	}
	return hash == "" || hash == g.lastHead.String()
}

// FlagExternalChange marks the repository as externally modified. The
// next mutating operation reports ErrConflict and resyncs.
func (g *Repository) FlagExternalChange() {
	g.external.Store(true)
}

// verifyHead fails with ErrConflict when the head no longer matches the
// adapter's last recorded state, then resyncs so a retry starts fresh.
// Caller holds mu.
func (g *Repository) verifyHead() error {
	head, err := g.repo.Head()
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	flagged := g.external.Swap(false)
	moved := head.Name().Short() != g.lastRef || head.Hash() != g.lastHead
	if !flagged && !moved {
		return nil
	}

	prior := g.lastHead
	g.lastRef = head.Name().Short()
	g.lastHead = head.Hash()
	if moved {
		return fmt.Errorf("head moved from %s to %s: %w", prior.String()[:8], head.Hash().String()[:8], repoport.ErrConflict)
	}
	return fmt.Errorf("repository modified outside this session: %w", repoport.ErrConflict)
}

// resync adopts the repository's current head as the baseline.
func (g *Repository) resync() error {
	head, err := g.repo.Head()
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	g.lastRef = head.Name().Short()
	g.lastHead = head.Hash()
	return nil
}

// ensureRoot seeds an empty repository with a root checkpoint.
func (g *Repository) ensureRoot() error {
	_, err := g.repo.Head()
	if err == nil {
		return nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("read head: %w", err)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if _, err := wt.Commit("init", &git.CommitOptions{
		Author:            g.signature(),
		AllowEmptyCommits: true,
	}); err != nil {
		return fmt.Errorf("seed root checkpoint: %w", err)
	}
	return nil
}

// branchState resolves a derived branch's head commit and base branch.
// Caller holds mu.
func (g *Repository) branchState(name string) (*object.Commit, string, error) {
	ref, err := g.repo.Reference(plumbing.NewBranchReferenceName(name), false)
	if err != nil {
		return nil, "", fmt.Errorf("merge %s: %w", name, repoport.ErrUnknownBranch)
	}
	baseName, ok := g.base[name]
	if !ok {
		return nil, "", fmt.Errorf("merge %s: branch has no base: %w", name, repoport.ErrUnknownBranch)
	}
	commit, err := g.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, "", fmt.Errorf("read branch commit: %w", err)
	}
	return commit, baseName, nil
}

// writeMergeCommit records a two-parent commit carrying the branch head's
// tree and score. Caller holds mu.
func (g *Repository) writeMergeCommit(name string, branchCommit *object.Commit, baseHash plumbing.Hash, score float64) (plumbing.Hash, error) {
	sig := g.signature()
	merge := &object.Commit{
		Author:       *sig,
		Committer:    *sig,
		Message:      formatMessage(fmt.Sprintf("merge %s", name), score),
		TreeHash:     branchCommit.TreeHash,
		ParentHashes: []plumbing.Hash{baseHash, branchCommit.Hash},
	}

	obj := g.repo.Storer.NewEncodedObject()
	if err := merge.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode merge commit: %w", err)
	}
	hash, err := g.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store merge commit: %w", err)
	}
	return hash, nil
}

// commit resolves a checkpoint id, mapping missing objects to
// ErrUnknownCheckpoint. Caller holds mu.
func (g *Repository) commit(id repoport.CheckpointID) (*object.Commit, error) {
	hash := plumbing.NewHash(string(id))
	commit, err := g.repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, repoport.ErrUnknownCheckpoint
		}
		return nil, err
	}
	return commit, nil
}

func (g *Repository) signature() *object.Signature {
	return &object.Signature{Name: g.author, Email: g.email, When: time.Now()}
}

func formatMessage(message string, score float64) string {
	if score == 0 {
		return message
	}
	return fmt.Sprintf("%s\n\n%s %s", message, scoreTrailer, strconv.FormatFloat(score, 'f', 4, 64))
}

func parseMessage(full string) (string, float64) {
	idx := strings.LastIndex(full, scoreTrailer)
	if idx < 0 {
		return strings.TrimRight(full, "\n"), 0
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(full[idx+len(scoreTrailer):]), 64)
	if err != nil {
		return strings.TrimRight(full, "\n"), 0
	}
	return strings.TrimSpace(full[:idx]), score
}
