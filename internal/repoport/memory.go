package repoport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBranch is the base branch name a fresh in-memory repository starts on.
const DefaultBranch = "main"

// Memory is an in-process RepositoryPort backed by a checkpoint arena.
// Checkpoints are never removed; branches and the current head are the only
// mutable state. Safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	checkpoints map[CheckpointID]Checkpoint
	created     map[CheckpointID]int // creation sequence, for graph checks
	seq         int

	heads   map[string]CheckpointID // branch -> head checkpoint
	base    map[string]string       // derived branch -> branch it was created from
	current string
}

// NewMemory returns a repository seeded with a root checkpoint on the default
// branch.
func NewMemory() *Memory {
	m := &Memory{
		checkpoints: make(map[CheckpointID]Checkpoint),
		created:     make(map[CheckpointID]int),
		heads:       make(map[string]CheckpointID),
		base:        make(map[string]string),
		current:     DefaultBranch,
	}
	root := Checkpoint{
		ID:        CheckpointID(uuid.New().String()),
		Message:   "init",
		CreatedAt: time.Now(),
	}
	m.checkpoints[root.ID] = root
	m.created[root.ID] = m.seq
	m.seq++
	m.heads[DefaultBranch] = root.ID
	return m
}

func (m *Memory) CreateCheckpoint(ctx context.Context, message string, opts ...CheckpointOption) (CheckpointID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkGraph(); err != nil {
		return "", err
	}

	head := m.heads[m.current]
	cp := Checkpoint{
		ID:        CheckpointID(uuid.New().String()),
		Message:   message,
		Parents:   []CheckpointID{head},
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&cp)
	}
	m.checkpoints[cp.ID] = cp
	m.created[cp.ID] = m.seq
	m.seq++
	m.heads[m.current] = cp.ID
	return cp.ID, nil
}

func (m *Memory) RevertTo(ctx context.Context, id CheckpointID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkGraph(); err != nil {
		return err
	}

	if _, ok := m.checkpoints[id]; !ok {
		return fmt.Errorf("revert to %s: %w", id.Short(), ErrUnknownCheckpoint)
	}
	head := m.heads[m.current]
	if !m.reachable(id, head) {
		return fmt.Errorf("revert to %s: not reachable from head of %s: %w", id.Short(), m.current, ErrUnknownCheckpoint)
	}
	m.heads[m.current] = id
	return nil
}

func (m *Memory) CreateBranch(ctx context.Context, name string, from CheckpointID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkGraph(); err != nil {
		return err
	}

	if name == "" {
		return fmt.Errorf("branch name required")
	}
	if _, ok := m.heads[name]; ok {
		return fmt.Errorf("create branch %s: %w", name, ErrBranchExists)
	}
	if _, ok := m.checkpoints[from]; !ok {
		return fmt.Errorf("create branch %s from %s: %w", name, from.Short(), ErrUnknownCheckpoint)
	}
	m.heads[name] = from
	m.base[name] = m.current
	m.current = name
	return nil
}

func (m *Memory) MergeBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkGraph(); err != nil {
		return err
	}

	branchHead, ok := m.heads[name]
	if !ok {
		return fmt.Errorf("merge %s: %w", name, ErrUnknownBranch)
	}
	baseName, ok := m.base[name]
	if !ok {
		return fmt.Errorf("merge %s: branch has no base: %w", name, ErrUnknownBranch)
	}
	baseHead := m.heads[baseName]

	if branchHead != baseHead {
		merge := Checkpoint{
			ID:        CheckpointID(uuid.New().String()),
			Message:   fmt.Sprintf("merge %s", name),
			Parents:   []CheckpointID{baseHead, branchHead},
			Score:     m.checkpoints[branchHead].Score,
			CreatedAt: time.Now(),
		}
		m.checkpoints[merge.ID] = merge
		m.created[merge.ID] = m.seq
		m.seq++
		m.heads[baseName] = merge.ID
	}

	delete(m.heads, name)
	delete(m.base, name)
	m.current = baseName
	return nil
}

func (m *Memory) DiscardBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	baseName, ok := m.base[name]
	if !ok {
		return fmt.Errorf("discard %s: %w", name, ErrUnknownBranch)
	}
	delete(m.heads, name)
	delete(m.base, name)
	if m.current == name {
		m.current = baseName
	}
	return nil
}

func (m *Memory) CurrentCheckpoint(ctx context.Context) (CheckpointID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	head, ok := m.heads[m.current]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", m.current, ErrUnknownBranch)
	}
	return head, nil
}

func (m *Memory) IsAncestor(ctx context.Context, ancestor, descendant CheckpointID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpoints[ancestor]; !ok {
		return false, fmt.Errorf("ancestor %s: %w", ancestor.Short(), ErrUnknownCheckpoint)
	}
	if _, ok := m.checkpoints[descendant]; !ok {
		return false, fmt.Errorf("descendant %s: %w", descendant.Short(), ErrUnknownCheckpoint)
	}
	return m.reachable(ancestor, descendant), nil
}

func (m *Memory) Lookup(ctx context.Context, id CheckpointID) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return Checkpoint{}, fmt.Errorf("lookup %s: %w", id.Short(), ErrUnknownCheckpoint)
	}
	return cp, nil
}

// CurrentBranch returns the branch the repository is on. Read helper for
// callers and tests; not part of the port contract.
func (m *Memory) CurrentBranch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Branches returns the names of all live branches.
func (m *Memory) Branches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.heads))
	for name := range m.heads {
		names = append(names, name)
	}
	return names
}

// reachable walks parent links from id toward the root. Caller holds mu.
func (m *Memory) reachable(target, from CheckpointID) bool {
	seen := make(map[CheckpointID]bool)
	stack := []CheckpointID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, m.checkpoints[id].Parents...)
	}
	return false
}

// checkGraph validates arena consistency: every parent exists and was created
// before its child, and every branch head exists. Caller holds mu.
func (m *Memory) checkGraph() error {
	for id, cp := range m.checkpoints {
		for _, parent := range cp.Parents {
			pcp, ok := m.checkpoints[parent]
			if !ok {
				return fmt.Errorf("checkpoint %s references missing parent %s: %w", id.Short(), parent.Short(), ErrCorruption)
			}
			if m.created[pcp.ID] >= m.created[id] {
				return fmt.Errorf("checkpoint %s precedes its parent %s: %w", id.Short(), parent.Short(), ErrCorruption)
			}
		}
	}
	for name, head := range m.heads {
		if _, ok := m.checkpoints[head]; !ok {
			return fmt.Errorf("branch %s points at missing checkpoint %s: %w", name, head.Short(), ErrCorruption)
		}
	}
	return nil
}
