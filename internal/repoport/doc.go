// Package repoport defines the contract the iteration engine requires from a
// version-control provider: checkpoints, branches, merge and revert, with
// total ordering per repository.
//
// The package also ships an in-memory implementation backed by a checkpoint
// arena, used for embedding and tests. The git-backed implementation lives in
// internal/gitrepo.
package repoport
